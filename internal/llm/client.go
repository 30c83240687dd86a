// Package llm adapts OpenAI-compatible chat completion providers. The
// default backend is Venice; the adapter propagates per-call token usage so
// the research pipeline can forward it to telemetry, and strips reasoning
// segments from user-facing content.
package llm

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

// ErrMissingAPIKey is returned when no decrypted provider key is available.
var ErrMissingAPIKey = errors.New("missing api key")

// ErrTimeout is returned when a call exceeds its per-call deadline.
var ErrTimeout = errors.New("llm call timed out")

// ProviderError carries the upstream HTTP status for failed calls.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Status implements the activity sanitizer's StatusError.
func (e *ProviderError) Status() int { return e.StatusCode }

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Request is one chat completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// Completion is the sanitized result of a chat call. Reasoning holds any
// <think> segments stripped from Content, kept for diagnostics.
type Completion struct {
	Content   string
	Reasoning string
	Model     string
	Usage     *Usage
}

// Client is the chat completion contract the pipeline depends on.
type Client interface {
	CompleteChat(ctx context.Context, req Request) (Completion, error)
}

// Config holds settings for the Venice (OpenAI-compatible) client.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns sensible defaults for Venice.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:      apiKey,
		BaseURL:     "https://api.venice.ai/api/v1",
		Model:       "llama-3.3-70b",
		Timeout:     120 * time.Second,
		MaxRetries:  3,
		Temperature: 0.3,
		MaxTokens:   4096,
	}
}

// VeniceClient implements Client against any OpenAI-compatible API.
type VeniceClient struct {
	config     Config
	httpClient *http.Client
}

// NewVeniceClient creates a client with the given config.
func NewVeniceClient(config Config) *VeniceClient {
	return &VeniceClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// CompleteChat sends a chat completion request. Rate-limit (429) and server
// (5xx) responses are retried with exponential backoff; other HTTP errors
// fail immediately with a ProviderError.
func (c *VeniceClient) CompleteChat(ctx context.Context, req Request) (Completion, error) {
	if c.config.APIKey == "" {
		return Completion{}, ErrMissingAPIKey
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return Completion{}, wrapContextErr(ctx.Err())
			case <-time.After(backoff):
			}
		}

		completion, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return completion, nil
		}
		if !retryable {
			return Completion{}, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return Completion{}, wrapContextErr(ctx.Err())
		}
	}
	return Completion{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *VeniceClient) doRequest(ctx context.Context, body []byte) (Completion, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return Completion{}, false, ErrTimeout
		}
		return Completion{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Completion{}, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Completion{}, true, &ProviderError{StatusCode: resp.StatusCode, Message: trimBody(raw)}
	}
	if resp.StatusCode >= 400 {
		return Completion{}, false, &ProviderError{StatusCode: resp.StatusCode, Message: trimBody(raw)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, false, &ProviderError{StatusCode: resp.StatusCode, Message: "undecodable response body"}
	}
	if parsed.Error != nil {
		return Completion{}, false, &ProviderError{StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, false, &ProviderError{StatusCode: resp.StatusCode, Message: "no completion returned"}
	}

	content, reasoning := StripThinking(parsed.Choices[0].Message.Content)
	completion := Completion{
		Content:   strings.TrimSpace(content),
		Reasoning: reasoning,
		Model:     parsed.Model,
	}
	if completion.Model == "" {
		completion.Model = c.config.Model
	}
	if parsed.Usage != nil {
		completion.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return completion, false, nil
}

func wrapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func trimBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
