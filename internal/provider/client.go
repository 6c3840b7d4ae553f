package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxArtifactBytes caps how much we read from the provider response.
const maxArtifactBytes = int64(100 << 20)

// Request describes one generation call to the external provider.
type Request struct {
	Prompt   string `json:"prompt"`
	LengthMs int64  `json:"length_ms"`
	Format   string `json:"format"`
}

// Generator produces raw audio artifact bytes for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// Error is a classified provider failure. Transient errors (network,
// timeout, 5xx, 429) are retried per backoff; permanent ones go straight to
// the refund path.
type Error struct {
	Transient  bool
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", kind, e.Message)
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient so an unknown failure mode never skips the retry
// budget straight to a refund.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// HTTPClient calls a generation provider over HTTP. The timeout bounds the
// whole call; a timeout classifies as transient.
type HTTPClient struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClient builds a provider client for the given endpoint.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 3 * time.Minute
	}
	return &HTTPClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate posts the request and returns the raw artifact bytes.
func (c *HTTPClient) Generate(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Transient: false, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Transient: false, Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := readErrorBody(resp.Body)
		transient := resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusTooManyRequests
		return nil, &Error{Transient: transient, StatusCode: resp.StatusCode, Message: msg}
	}

	limited := io.LimitReader(resp.Body, maxArtifactBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, &Error{Transient: true, Message: fmt.Sprintf("read artifact: %v", err)}
	}
	if int64(len(data)) > maxArtifactBytes {
		return nil, &Error{Transient: false, Message: fmt.Sprintf("artifact too large (>%d bytes)", maxArtifactBytes)}
	}
	if len(data) == 0 {
		return nil, &Error{Transient: true, Message: "provider returned empty artifact"}
	}
	return data, nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(b) == 0 {
		return "no response body"
	}
	return string(b)
}
