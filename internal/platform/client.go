// Package platform provides the HTTP client for agent-to-platform
// communication: device registration, metric pushes, and the offline
// notification sent on shutdown.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/unitlab-ai/unitlab-agent/internal/identity"
	"github.com/unitlab-ai/unitlab-agent/internal/metrics"
)

// Registration is the session record returned by a successful device
// registration. It is held in memory only and discarded on exit.
type Registration struct {
	DeviceID       string    `json:"device_id"`
	SessionToken   string    `json:"session_token"`
	TunnelEndpoint string    `json:"tunnel_endpoint"`
	// RelayHostKey is the relay's SSH host key in authorized_keys format.
	// Optional; an empty value leaves the relay unpinned.
	RelayHostKey string    `json:"relay_host_key,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Client is an HTTP client for communicating with the Unitlab platform.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new platform API client. httpClient may carry proxy
// settings; a nil httpClient gets a plain 30s-timeout client.
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "platform_client").Logger(),
	}
}

// registerRequest is the register-device payload.
type registerRequest struct {
	DeviceID string `json:"device_id"`
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version,omitempty"`
}

// Register exchanges the device identity for a session record. A 401/403
// response surfaces as *AuthError (fatal); transport failures and 5xx
// responses surface as *NetworkError (retryable).
func (c *Client) Register(ctx context.Context, id identity.Identity, hostname, version string) (*Registration, error) {
	body := registerRequest{
		DeviceID: id.DeviceID,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  version,
	}

	var reg Registration
	if err := c.post(ctx, "/api/v1/devices/register", "Api-Key "+c.apiKey, body, &reg); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	c.logger.Info().
		Str("device_id", reg.DeviceID).
		Str("tunnel_endpoint", reg.TunnelEndpoint).
		Time("expires_at", reg.ExpiresAt).
		Msg("device registered")

	return &reg, nil
}

// pushMetricsRequest is the push-metrics payload.
type pushMetricsRequest struct {
	DeviceID string           `json:"device_id"`
	Samples  []metrics.Sample `json:"samples"`
}

// PushMetrics uploads a batch of samples under the registration's session.
func (c *Client) PushMetrics(ctx context.Context, reg *Registration, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	body := pushMetricsRequest{
		DeviceID: reg.DeviceID,
		Samples:  samples,
	}
	if err := c.post(ctx, "/api/v1/devices/metrics", "Bearer "+reg.SessionToken, body, nil); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}

	c.logger.Debug().Int("sample_count", len(samples)).Msg("metrics pushed")
	return nil
}

// NotifyOffline tells the platform the agent is going away. Best-effort:
// callers ignore the error beyond logging it.
func (c *Client) NotifyOffline(ctx context.Context, reg *Registration) error {
	body := map[string]string{"device_id": reg.DeviceID}
	if err := c.post(ctx, "/api/v1/devices/offline", "Bearer "+reg.SessionToken, body, nil); err != nil {
		return fmt.Errorf("notify offline: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, authorization string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NetworkError{Op: "POST " + path, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		// fall through to decode
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return &NetworkError{Op: "POST " + path, Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(respBody))}
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errorMessage extracts a platform error detail from a response body,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
