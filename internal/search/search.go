// Package search adapts web search providers to the research pipeline. A
// provider turns a query into (url, title, snippet) results; the Client
// wrapper adds per-request timeouts, bounded retries on transient failure,
// and the pipeline-facing "failures yield no evidence" contract.
package search

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is one search hit in the stable shape the pipeline consumes.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet"`
}

// Provider performs one search request against a concrete backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// RetryConfig bounds transient-failure retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	return time.Duration(d)
}

// Client wraps a provider with the pipeline's failure semantics: a search
// that ultimately fails is logged and reported as zero results, never as a
// fatal error.
type Client struct {
	provider Provider
	retry    RetryConfig
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient creates a search client. A zero timeout disables the per-request
// deadline.
func NewClient(provider Provider, retry RetryConfig, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{provider: provider, retry: retry, timeout: timeout, logger: logger}
}

// Provider returns the wrapped backend.
func (c *Client) Provider() Provider { return c.provider }

// Search runs a query with retries. An empty or whitespace query, and any
// terminal failure, yields an empty slice.
func (c *Client) Search(ctx context.Context, query string, count int) []Result {
	if strings.TrimSpace(query) == "" {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retry.backoff(attempt - 1)):
			}
		}
		sctx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		results, err := c.provider.Search(sctx, query, count)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return results
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	c.logger.Warn("search failed, treating as no evidence",
		zap.String("provider", c.provider.Name()),
		zap.String("query", query),
		zap.Error(lastErr))
	return nil
}
