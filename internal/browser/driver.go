package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDriverUnreachable wraps transport failures talking to a driver session
var ErrDriverUnreachable = errors.New("driver unreachable")

// DoRequest asks the driver for a single attempt at a prompt
type DoRequest struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"maxIterations"`
	// Timeout is in milliseconds
	Timeout int64 `json:"timeout"`
}

// DoResponse is the driver's answer to one attempt. Data may be a string or
// any JSON value.
type DoResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Iterations int             `json:"iterations"`
}

// Driver is the capability a pooled session exposes
type Driver interface {
	Do(ctx context.Context, req DoRequest) (*DoResponse, error)
	Health(ctx context.Context) error
}

// HTTPDriver talks to a driver process over POST /do and GET /health
type HTTPDriver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDriver creates a driver client for baseURL. A nil client uses a
// fresh http.Client; per-call deadlines come from the context.
func NewHTTPDriver(baseURL string, client *http.Client) *HTTPDriver {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDriver{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Endpoint returns the base URL of the driver
func (d *HTTPDriver) Endpoint() string {
	return d.baseURL
}

// Do executes one attempt
func (d *HTTPDriver) Do(ctx context.Context, req DoRequest) (*DoResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/do", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, d.transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, d.transportError(ctx, err)
	}

	var out DoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("driver returned %d with undecodable body: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 && out.Success {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("driver returned status %d", resp.StatusCode)
		}
	}
	return &out, nil
}

// Health probes GET /health and expects {"status":"ok"}
func (d *HTTPDriver) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return d.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("undecodable health response: %w", err)
	}
	switch strings.ToLower(status.Status) {
	case "ok", "healthy":
		return nil
	default:
		return fmt.Errorf("driver reported status %q", status.Status)
	}
}

// transportError keeps context expiry distinguishable from an unreachable driver
func (d *HTTPDriver) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("driver call to %s: %w", d.baseURL, ctxErr)
	}
	return fmt.Errorf("%w: %s: %v", ErrDriverUnreachable, d.baseURL, err)
}

// waitForDriverReady polls the health endpoint until it answers or ctx ends
func waitForDriverReady(ctx context.Context, d Driver, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval*4)
		lastErr = d.Health(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("driver did not become ready: %w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}
