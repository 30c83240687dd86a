package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// DefaultDuckDuckGoEndpoint serves the no-JS HTML results page.
const DefaultDuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGoProvider scrapes the DuckDuckGo HTML endpoint. It needs no API
// key and serves as the fallback when no Brave key is configured.
type DuckDuckGoProvider struct {
	endpoint  string
	userAgent string
	client    *http.Client
}

// NewDuckDuckGoProvider creates the fallback provider.
func NewDuckDuckGoProvider(endpoint, userAgent string, client *http.Client) *DuckDuckGoProvider {
	if endpoint == "" {
		endpoint = DefaultDuckDuckGoEndpoint
	}
	if userAgent == "" {
		userAgent = "fathom/1.0 (deep research agent)"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &DuckDuckGoProvider{endpoint: endpoint, userAgent: userAgent, client: client}
}

func (d *DuckDuckGoProvider) Name() string { return "duckduckgo" }

// Search implements Provider.
func (d *DuckDuckGoProvider) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if count <= 0 {
		count = 5
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo search: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo response: %w", err)
	}
	return parseDuckDuckGoResults(string(body), count), nil
}

// parseDuckDuckGoResults walks the result page DOM collecting result__a
// links and result__snippet texts in document order.
func parseDuckDuckGoResults(page string, count int) []Result {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}

	var results []Result
	var snippets []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attrValue(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				link := resolveDuckDuckGoURL(attrValue(n, "href"))
				title := strings.TrimSpace(nodeText(n))
				if link != "" && len(results) < count {
					results = append(results, Result{URL: link, Title: title})
				}
			case strings.Contains(class, "result__snippet"):
				snippets = append(snippets, strings.TrimSpace(nodeText(n)))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for i := range results {
		if i < len(snippets) {
			results[i].Snippet = snippets[i]
		}
	}
	return results
}

// resolveDuckDuckGoURL unwraps the redirect links ("//duckduckgo.com/l/?uddg=...")
// the HTML endpoint emits.
func resolveDuckDuckGoURL(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "uddg=") {
		if parsed, err := url.Parse(raw); err == nil {
			if target := parsed.Query().Get("uddg"); target != "" {
				return target
			}
		}
	}
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
