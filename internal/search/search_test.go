package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedProvider struct {
	calls   atomic.Int32
	failFor int // fail this many calls before succeeding
	results []Result
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(ctx context.Context, query string, count int) ([]Result, error) {
	n := p.calls.Add(1)
	if int(n) <= p.failFor {
		return nil, errors.New("upstream 503")
	}
	return p.results, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestClientEmptyQueryReturnsNothing(t *testing.T) {
	p := &scriptedProvider{results: []Result{{URL: "https://example.com"}}}
	c := NewClient(p, fastRetry(), 0, nil)

	for _, q := range []string{"", "   ", "\t\n"} {
		if got := c.Search(context.Background(), q, 5); got != nil {
			t.Errorf("query %q: expected nil results, got %v", q, got)
		}
	}
	if p.calls.Load() != 0 {
		t.Errorf("provider must not be called for blank queries")
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{failFor: 2, results: []Result{{URL: "https://example.com", Snippet: "hit"}}}
	c := NewClient(p, fastRetry(), 0, nil)

	got := c.Search(context.Background(), "stoicism", 5)
	if len(got) != 1 || got[0].Snippet != "hit" {
		t.Fatalf("expected result after retries, got %v", got)
	}
	if p.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", p.calls.Load())
	}
}

func TestClientExhaustedRetriesYieldEmpty(t *testing.T) {
	p := &scriptedProvider{failFor: 10}
	c := NewClient(p, fastRetry(), 0, nil)

	if got := c.Search(context.Background(), "stoicism", 5); got != nil {
		t.Errorf("terminal failure must yield no evidence, got %v", got)
	}
}

func TestBraveProviderParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("q"); got != "stoicism origins" {
			t.Errorf("unexpected query %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Stoicism","url":"https://plato.stanford.edu/entries/stoicism/","description":"school of philosophy"},
			{"title":"","url":"","description":"dropped: no url"},
			{"title":"Zeno","url":"https://example.com/zeno","description":"founder"}
		]}}`))
	}))
	defer srv.Close()

	p := NewBraveProvider("key", srv.URL, srv.Client())
	got, err := p.Search(context.Background(), "stoicism origins", 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].URL != "https://plato.stanford.edu/entries/stoicism/" || got[0].Snippet != "school of philosophy" {
		t.Errorf("unexpected first result: %+v", got[0])
	}
}

func TestBraveProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewBraveProvider("key", srv.URL, srv.Client())
	if _, err := p.Search(context.Background(), "q", 5); err == nil {
		t.Fatal("expected error on 429")
	}
}

const ddgPage = `<html><body>
<div class="result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fplato.stanford.edu%2Fentries%2Fstoicism%2F">Stoicism (SEP)</a>
  <a class="result__snippet">Stoicism was a school of <b>Hellenistic</b> philosophy.</a>
</div>
<div class="result">
  <a class="result__a" href="https://example.com/zeno">Zeno of Citium</a>
  <a class="result__snippet">Founder of the Stoic school.</a>
</div>
</body></html>`

func TestParseDuckDuckGoResults(t *testing.T) {
	got := parseDuckDuckGoResults(ddgPage, 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].URL != "https://plato.stanford.edu/entries/stoicism/" {
		t.Errorf("redirect URL not unwrapped: %q", got[0].URL)
	}
	if got[0].Title != "Stoicism (SEP)" {
		t.Errorf("unexpected title %q", got[0].Title)
	}
	if got[0].Snippet != "Stoicism was a school of Hellenistic philosophy." {
		t.Errorf("unexpected snippet %q", got[0].Snippet)
	}
	if got[1].URL != "https://example.com/zeno" {
		t.Errorf("plain URL mangled: %q", got[1].URL)
	}

	if capped := parseDuckDuckGoResults(ddgPage, 1); len(capped) != 1 {
		t.Errorf("count cap ignored, got %d", len(capped))
	}
}
