package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPClient calls an external generator service over HTTP/JSON.
// Implements TurnGenerator.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for a generator service at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate posts the turn request to the service and decodes the result.
// All failure modes collapse into ErrGeneration so callers can classify the
// error with a single errors.Is check.
func (c *HTTPClient) Generate(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrGeneration, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrGeneration, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close generator response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGeneration, resp.StatusCode, snippet)
	}

	var result TurnResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	if result.Text == "" {
		return nil, fmt.Errorf("%w: empty reply text", ErrGeneration)
	}
	result.Quality = clampQuality(result.Quality)
	result.Choices = clampChoices(result.Choices)

	return &result, nil
}

// Close releases client resources.
func (c *HTTPClient) Close() {
	c.client.CloseIdleConnections()
}

func clampQuality(q int) int {
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}

// clampChoices enforces the 2-4 choice contract: fewer than two options is
// not a usable menu, more than four are truncated.
func clampChoices(choices []string) []string {
	if len(choices) < 2 {
		return nil
	}
	if len(choices) > 4 {
		return choices[:4]
	}
	return choices
}

var _ TurnGenerator = (*HTTPClient)(nil)
