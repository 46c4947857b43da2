package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"diarist/internal/services"
)

const (
	component            = "inference"
	maxErrorBodySnippet  = 512
	defaultHealthTimeout = 5 * time.Second
)

// Config captures the settings required to reach the model server.
type Config struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// Client calls the model server over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a model-server client.
func NewClient(cfg Config, opts ...Option) *Client {
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{},
	}
	if cfg.TimeoutSeconds > 0 {
		client.httpClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

type errorPayload struct {
	Error string `json:"error"`
}

// Run posts the media to /v1/infer/<kind> and decodes the result.
func (c *Client) Run(ctx context.Context, req Request) (Result, error) {
	var result Result
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind == "" {
		return result, services.Wrap(services.ErrValidation, component, "run", "kind required", nil)
	}
	if c.cfg.BaseURL == "" {
		return result, services.Wrap(services.ErrConfiguration, component, "run", "base url not configured", nil)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "v1", "infer", kind)
	if err != nil {
		return result, services.Wrap(services.ErrConfiguration, component, "run", "build url", err)
	}
	if len(req.Params) > 0 {
		query := url.Values{}
		for key, value := range req.Params {
			query.Set(key, value)
		}
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Media))
	if err != nil {
		return result, services.Wrap(services.ErrConfiguration, component, "run", "new request", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("Accept", "application/json")
	if req.SubjectRef != "" {
		httpReq.Header.Set("X-Subject-Ref", req.SubjectRef)
	}
	if req.JobID != "" {
		httpReq.Header.Set("X-Job-ID", req.JobID)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return result, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, services.Wrap(services.ErrTransient, component, "run", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return result, classifyStatus(&httpStatusError{StatusCode: resp.StatusCode, Body: snippet(body)})
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, services.Wrap(services.ErrTransient, component, "run", "decode response", err)
	}
	return result, nil
}

// HealthCheck verifies the model server answers /healthz.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return services.Wrap(services.ErrConfiguration, component, "health", "base url not configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "healthz")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, component, "health", "build url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, component, "health", "new request", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySnippet))
		return classifyStatus(&httpStatusError{StatusCode: resp.StatusCode, Body: snippet(body)})
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// classifyStatus maps server answers onto the failure taxonomy: request
// timeouts, throttling, and server faults may pass on retry; every other
// client error describes input the server will never accept.
func classifyStatus(err *httpStatusError) error {
	message := err.Body
	var payload errorPayload
	if json.Unmarshal([]byte(err.Body), &payload) == nil && strings.TrimSpace(payload.Error) != "" {
		message = strings.TrimSpace(payload.Error)
	}
	switch {
	case err.StatusCode == http.StatusRequestTimeout,
		err.StatusCode == http.StatusTooManyRequests,
		err.StatusCode >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTransient, component, "run", message, err)
	case err.StatusCode == http.StatusUnauthorized, err.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, component, "run", message, err)
	default:
		return services.Wrap(services.ErrPermanent, component, "run", message, err)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return services.Wrap(services.ErrCancelled, component, "run", "request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, component, "run", "request timed out", err)
	}
	return services.Wrap(services.ErrTransient, component, "run", "http error", err)
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodySnippet {
		text = text[:maxErrorBodySnippet] + "..."
	}
	return text
}
