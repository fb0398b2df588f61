// Package report はPDFレポート生成サービスとメール配信サービスのクライアントを提供する。
// どちらも外部サブシステムであり、本パッケージは薄いRESTクライアントに徹する。
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// GeneratorService はレポート生成サービスのインターフェース。
type GeneratorService interface {
	// Generate は指定プロファイルのマッチ結果からPDFレポートを生成し、
	// 生成されたレポートのURLを返す。
	Generate(ctx context.Context, profileID, runID string) (string, error)
}

// MailerService はメール配信サービスのインターフェース。
// 宛先の解決はサービス側がプロファイルIDから行う。
type MailerService interface {
	// SendReport はレポートURLをプロファイルの購読者へ送信する。
	SendReport(ctx context.Context, profileID, reportURL string) error
}

// GeneratorClient はレポート生成サービスのRESTクライアント。
type GeneratorClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewGeneratorClient はGeneratorClientの新しいインスタンスを生成する。
func NewGeneratorClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *GeneratorClient {
	return &GeneratorClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   strings.TrimRight(endpoint, "/"),
	}
}

// Generate はレポート生成を依頼し、レポートURLを返す。
func (c *GeneratorClient) Generate(ctx context.Context, profileID, runID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"profile_id": profileID,
		"run_id":     runID,
	})
	if err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/reports", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("レポート生成サービスの呼び出しに失敗しました",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("レポート生成サービスの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("レポート生成サービスがステータス %d を返しました: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed struct {
		ReportURL string `json:"report_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("レスポンスのパースに失敗しました: %w", err)
	}
	if parsed.ReportURL == "" {
		return "", fmt.Errorf("レポート生成サービスの応答にreport_urlが含まれていません")
	}
	return parsed.ReportURL, nil
}

// MailerClient はメール配信サービスのRESTクライアント。
type MailerClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewMailerClient はMailerClientの新しいインスタンスを生成する。
func NewMailerClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *MailerClient {
	return &MailerClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   strings.TrimRight(endpoint, "/"),
	}
}

// SendReport はレポートURLの配信を依頼する。
func (c *MailerClient) SendReport(ctx context.Context, profileID, reportURL string) error {
	body, err := json.Marshal(map[string]string{
		"profile_id": profileID,
		"report_url": reportURL,
	})
	if err != nil {
		return fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メール配信サービスの呼び出しに失敗しました",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("メール配信サービスの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("メール配信サービスがステータス %d を返しました: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
