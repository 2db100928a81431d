// Package memoryclient is an HTTP client for the remote memory service's
// Search and Record operations (§6 "Memory service"): a pre-run lookup for
// relevant prior runs, and a post-run write of one candidate the quality
// gate decided is worth persisting.
//
// The retry/backoff shape — exponential backoff with jitter, capped,
// retrying only transient errors, honouring ctx cancellation mid-wait — is
// grounded on RetryProvider.calculateBackoff/isRetryable in the reference
// term-llm codebase (internal/llm/retry.go), adapted from "retry an LLM
// provider stream" to "retry one HTTP round trip."
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Match is one result returned by a Search call.
type Match struct {
	ID         string    `json:"id"`
	Summary    string    `json:"summary"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Candidate is a run worth persisting, as decided by the quality gate.
type Candidate struct {
	RunID     string         `json:"run_id"`
	Summary   string         `json:"summary"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ScoreHint float64        `json:"score_hint,omitempty"`
}

// RetryConfig configures the client's exponential-backoff retry behaviour.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig mirrors the reference provider-retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Client talks to the memory service over HTTP with bearer-token auth.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retry      RetryConfig
}

// New constructs a Client with default retry settings and a 30s HTTP
// client timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Retry:      DefaultRetryConfig(),
	}
}

type searchRequest struct {
	Query      string  `json:"query"`
	Limit      int     `json:"limit"`
	ScoreFloor float64 `json:"score_floor,omitempty"`
}

type searchResponse struct {
	Matches []Match `json:"matches"`
}

// Search queries the memory service for prior runs relevant to query,
// returning up to limit matches scoring at or above scoreFloor.
func (c *Client) Search(ctx context.Context, query string, limit int, scoreFloor float64) ([]Match, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit, ScoreFloor: scoreFloor})
	if err != nil {
		return nil, fmt.Errorf("memoryclient: encode search request: %w", err)
	}

	var resp searchResponse
	if err := c.doWithRetry(ctx, http.MethodPost, "/v1/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

// Record persists one candidate run, returning the service-assigned ID.
func (c *Client) Record(ctx context.Context, cand Candidate) (string, error) {
	body, err := json.Marshal(cand)
	if err != nil {
		return "", fmt.Errorf("memoryclient: encode candidate: %w", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doWithRetry(ctx, http.MethodPost, "/v1/record", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error

	for attempt := 1; attempt <= c.Retry.MaxAttempts; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.Retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.calculateBackoff(attempt)):
		}
	}

	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("memoryclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("memoryclient: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("memoryclient: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("memoryclient: server error %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		// Client errors are not retryable: the request itself is wrong.
		return fmt.Errorf("memoryclient: request error %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("memoryclient: decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "server error 5") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "eof")
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.Retry.BaseBackoff) * math.Pow(2, float64(attempt-1))
	jitter := (rand.Float64() - 0.5) * 0.5 * backoff
	backoff += jitter
	if backoff > float64(c.Retry.MaxBackoff) {
		backoff = float64(c.Retry.MaxBackoff)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
