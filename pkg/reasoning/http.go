package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// APIKeyEnv overrides the configured API key when set.
const APIKeyEnv = "METIS_REASONER_API_KEY"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Config configures the HTTP reasoning client.
type Config struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	Model    string        `yaml:"model" json:"model"`
	APIKey   string        `yaml:"api_key" json:"api_key"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// DefaultConfig returns the default reasoner configuration.
func DefaultConfig() Config {
	return Config{
		Model:   "default",
		Timeout: 2 * time.Minute,
	}
}

// HTTPClient calls a reasoning service over HTTP.
type HTTPClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

// NewHTTPClient constructs a client for cfg. The API key falls back to the
// METIS_REASONER_API_KEY environment variable.
func NewHTTPClient(cfg Config, opts ...ClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("reasoner endpoint not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	key := cfg.APIKey
	if env := os.Getenv(APIKeyEnv); env != "" {
		key = env
	}

	c := &HTTPClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   key,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type diagnoseRequest struct {
	Model   string   `json:"model,omitempty"`
	Request *Request `json:"request"`
}

type diagnoseResponse struct {
	Output string `json:"output"`
}

// Diagnose posts req and returns the collaborator's raw answer. Responses
// that are not the {"output": ...} envelope are returned verbatim.
func (c *HTTPClient) Diagnose(ctx context.Context, req *Request) (string, error) {
	if c == nil {
		return "", fmt.Errorf("reasoner client not initialised")
	}

	body, err := json.Marshal(diagnoseRequest{Model: c.model, Request: req})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("reasoner request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reasoner returned %s", resp.Status)
	}

	var envelope diagnoseResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Output != "" {
		return envelope.Output, nil
	}
	return string(raw), nil
}
