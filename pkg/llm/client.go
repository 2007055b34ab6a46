// Package llm is the OpenAI-compatible HTTP transport for chat streaming
// and audio transcription. The API credential is passed per call so the
// keypool can rotate credentials between requests; the client itself
// holds no secrets.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxhud/voxhud/internal/httpc"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest for chat completions.
type ChatRequest struct {
	// Model is required; each call comes through the pool's routing.
	Model string

	// Messages is the assembled prompt.
	Messages []Message

	// MaxTokens limits the response length (0 = provider default).
	MaxTokens int

	// Temperature controls randomness (0 = provider default).
	Temperature float64
}

// Config holds transport configuration.
type Config struct {
	// BaseURL is the API base URL, e.g. "https://api.openai.com/v1".
	BaseURL string

	// Timeout applies to non-streaming calls (probe, transcription).
	Timeout time.Duration

	// StreamTimeout bounds a whole streaming completion.
	StreamTimeout time.Duration

	// Logger for transport diagnostics.
	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithTimeout sets the non-streaming request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithStreamTimeout sets the streaming request timeout.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Config) { c.StreamTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns sensible defaults for OpenAI-compatible APIs.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "https://api.openai.com/v1",
		Timeout:       15 * time.Second,
		StreamTimeout: 120 * time.Second,
		Logger:        slog.Default(),
	}
}

// Client is the OpenAI-compatible transport.
type Client struct {
	baseURL   string
	http      *http.Client
	streaming *http.Client
	logger    *slog.Logger
}

// NewClient creates a transport client.
func NewClient(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		http:      httpc.NewClient(cfg.Timeout),
		streaming: httpc.NewClient(cfg.StreamTimeout),
		logger:    cfg.Logger.With("component", "llm.client"),
	}
}

// Probe makes a minimal low-cost completion call to verify that the
// credential can use the model at all.
func (c *Client) Probe(ctx context.Context, apiKey, model string) error {
	if model == "" {
		return ErrNoModel
	}
	payload := map[string]any{
		"model":      model,
		"messages":   []map[string]string{{"role": RoleUser, "content": "ping"}},
		"max_tokens": 1,
	}
	resp, err := c.post(ctx, apiKey, "/chat/completions", payload, c.http)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ChatStream starts a streaming completion. Callers must Close the
// returned stream.
func (c *Client) ChatStream(ctx context.Context, apiKey string, req *ChatRequest) (*ChatStreamReader, error) {
	if req.Model == "" {
		return nil, ErrNoModel
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	resp, err := c.post(ctx, apiKey, "/chat/completions", payload, c.streaming)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}
	return newChatStreamReader(resp.Body), nil
}

// post makes an authenticated JSON POST request.
func (c *Client) post(ctx context.Context, apiKey, path string, payload any, client *http.Client) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return client.Do(req)
}

// parseError reads and parses an error response.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Code
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
	}
}
