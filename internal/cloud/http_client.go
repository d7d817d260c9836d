// Package cloud talks to the hosted generation engines that produce raw clips
// for scenes.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/logging"
)

// GenerateError is a non-2xx reply from the engine gateway.
type GenerateError struct {
	EngineID   string
	StatusCode int
	Body       string
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("engine %s generate failed: HTTP %d: %s", e.EngineID, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors and rate limiting. Other client
// errors are permanent.
func (e *GenerateError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type generatePayload struct {
	VideoID   string `json:"video_id"`
	SourceURL string `json:"source_url,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

type generateResponse struct {
	URL string `json:"url"`
}

// HTTPClient is an engines.Generator backed by the engine gateway's
// POST /api/engines/{id}/generate endpoint.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ engines.Generator = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logging.WithComponent(logging.OrDiscard(logger), "engine-gateway"),
	}
}

func (c *HTTPClient) Generate(ctx context.Context, req engines.GenerateRequest) (string, error) {
	body, err := json.Marshal(generatePayload{
		VideoID:   req.VideoID,
		SourceURL: req.SourceURL,
		Prompt:    req.Prompt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/engines/%s/generate", c.baseURL, url.PathEscape(req.EngineID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpReq.Header.Set("X-Heimdex-Request-Id", uuid.NewString())

	start := time.Now()
	logger := logging.WithVideoID(c.logger, req.VideoID)
	logger.Info("requesting engine generation", "engine_id", req.EngineID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &GenerateError{EngineID: req.EngineID, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("engine %s returned no asset url", req.EngineID)
	}

	logger.Info("engine generation succeeded",
		"engine_id", req.EngineID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out.URL, nil
}
