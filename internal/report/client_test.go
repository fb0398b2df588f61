package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// レポート生成のリクエスト内容とURLの取り出しを検証
func TestGenerate(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reports" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"report_url": "https://reports.example.com/p1.pdf",
		})
	}))
	defer server.Close()

	c := NewGeneratorClient(server.Client(), server.URL, discardLogger())
	url, err := c.Generate(context.Background(), "p1", "run-1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if url != "https://reports.example.com/p1.pdf" {
		t.Errorf("url = %q", url)
	}
	if received["profile_id"] != "p1" || received["run_id"] != "run-1" {
		t.Errorf("request = %v", received)
	}
}

// report_urlのない応答がエラーとなることを検証
func TestGenerate_MissingReportURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewGeneratorClient(server.Client(), server.URL, discardLogger())
	if _, err := c.Generate(context.Background(), "p1", "run-1"); err == nil {
		t.Fatal("expected error for response without report_url")
	}
}

// メール送信のリクエスト内容と202受理を検証
func TestSendReport(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewMailerClient(server.Client(), server.URL, discardLogger())
	err := c.SendReport(context.Background(), "p1", "https://reports.example.com/p1.pdf")
	if err != nil {
		t.Fatalf("SendReport failed: %v", err)
	}
	if received["profile_id"] != "p1" || received["report_url"] == "" {
		t.Errorf("request = %v", received)
	}
}

// 配信サービスの障害がエラーとして返ることを検証
func TestSendReport_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewMailerClient(server.Client(), server.URL, discardLogger())
	if err := c.SendReport(context.Background(), "p1", "url"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
