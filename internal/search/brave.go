package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultBraveEndpoint is the Brave web search API.
const DefaultBraveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveProvider queries the Brave search JSON API.
type BraveProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBraveProvider creates a Brave provider. An empty endpoint uses the
// public API.
func NewBraveProvider(apiKey, endpoint string, client *http.Client) *BraveProvider {
	if endpoint == "" {
		endpoint = DefaultBraveEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &BraveProvider{apiKey: apiKey, endpoint: endpoint, client: client}
}

func (b *BraveProvider) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search implements Provider. Upstream 5xx and 429 responses are returned
// as errors so the client retries them; a 4xx is terminal.
func (b *BraveProvider) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if count <= 0 {
		count = 5
	}
	params := url.Values{
		"q":     {query},
		"count": {fmt.Sprint(count)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("brave response: %w", err)
	}
	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("brave decode: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, Result{URL: r.URL, Title: r.Title, Snippet: r.Description})
		if len(results) >= count {
			break
		}
	}
	return results, nil
}
