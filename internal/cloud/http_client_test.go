package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/heimdex/heimdex-render/internal/engines"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPClient_Generate_Success(t *testing.T) {
	var received generatePayload
	var receivedAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/engines/veo/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("X-Heimdex-Request-Id") == "" {
			t.Error("missing request id header")
		}

		receivedAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)

		json.NewEncoder(w).Encode(generateResponse{URL: "https://cdn.example.com/new.mp4"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-token", testLogger())

	got, err := client.Generate(context.Background(), engines.GenerateRequest{
		VideoID:   "vid123",
		EngineID:  "veo",
		SourceURL: "https://cdn.example.com/old.mp4",
		Prompt:    "sunset over the bay",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://cdn.example.com/new.mp4" {
		t.Errorf("url = %q", got)
	}
	if receivedAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", receivedAuth, "Bearer test-token")
	}
	if received.VideoID != "vid123" || received.Prompt != "sunset over the bay" {
		t.Errorf("payload = %+v", received)
	}
}

func TestHTTPClient_Generate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"engine overloaded"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", testLogger())
	_, err := client.Generate(context.Background(), engines.GenerateRequest{VideoID: "v", EngineID: "veo"})
	if err == nil {
		t.Fatal("expected error")
	}

	var genErr *GenerateError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerateError, got %T: %v", err, err)
	}
	if genErr.StatusCode != 500 {
		t.Errorf("status = %d, want 500", genErr.StatusCode)
	}
	if !genErr.IsRetryable() {
		t.Error("500 should be retryable")
	}
	if !strings.Contains(genErr.Error(), "engine overloaded") {
		t.Errorf("error = %q", genErr.Error())
	}
}

func TestGenerateError_IsRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		e := &GenerateError{StatusCode: tt.status}
		if got := e.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestHTTPClient_Generate_EmptyURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", testLogger())
	if _, err := client.Generate(context.Background(), engines.GenerateRequest{VideoID: "v", EngineID: "veo"}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestHTTPClient_Generate_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewHTTPClient(server.URL, "", testLogger())
	if _, err := client.Generate(ctx, engines.GenerateRequest{VideoID: "v", EngineID: "veo"}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
