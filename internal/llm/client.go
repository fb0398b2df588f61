// Package llm は要約・翻訳・固有表現抽出を行うLLMサービスのクライアントを提供する。
// OpenAI互換のチャット補完APIを使用する。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/newswatch/internal/model"
)

// Service はLLMによるテキスト処理のインターフェース。
// パイプラインから利用し、テストではフェイク実装に差し替えられる。
type Service interface {
	// Summarize は記事本文の要約を生成する。
	Summarize(ctx context.Context, title, content string) (string, error)

	// Translate はテキストを日本語へ翻訳する。
	Translate(ctx context.Context, text string) (string, error)

	// ExtractEntities は記事本文から固有表現（企業名・人名・製品名など）を抽出する。
	ExtractEntities(ctx context.Context, content string) ([]string, error)
}

// Client はOpenAI互換チャット補完APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
	apiKey     string
	model      string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, endpoint, apiKey, model string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
	}
}

// Summarize は記事本文の要約を生成する。
func (c *Client) Summarize(ctx context.Context, title, content string) (string, error) {
	const system = "あなたはニュース編集者です。渡された記事を3文以内で要約してください。" +
		"装飾や前置きは不要で、要約本文のみを返してください。"
	return c.complete(ctx, system, fmt.Sprintf("タイトル: %s\n\n本文:\n%s", title, content))
}

// Translate はテキストを日本語へ翻訳する。すでに日本語の場合はそのまま返される。
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	const system = "あなたは翻訳者です。渡されたテキストを自然な日本語に翻訳してください。" +
		"翻訳結果のみを返してください。"
	return c.complete(ctx, system, text)
}

// ExtractEntities は記事本文から固有表現を抽出する。
// LLMの応答は1行1エンティティとして解釈し、空行は無視する。
func (c *Client) ExtractEntities(ctx context.Context, content string) ([]string, error) {
	const system = "あなたは情報抽出システムです。渡された記事から企業名・人名・製品名などの" +
		"固有表現を抽出し、1行に1つずつ、重複なく出力してください。他の出力は不要です。"
	raw, err := c.complete(ctx, system, content)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var entities []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		entities = append(entities, line)
	}
	return entities, nil
}

// chatRequest はチャット補完APIのリクエストボディ。
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse はチャット補完APIのレスポンスボディ。
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete はチャット補完APIを1回呼び出し、最初の応答テキストを返す。
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", model.NewMissingAPIKeyError("LLM")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("LLM APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("LLM APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error("LLM APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return "", fmt.Errorf("LLM APIがステータス %d を返しました: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("レスポンスのパースに失敗しました: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("LLM APIの応答に選択肢が含まれていません")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
