package secrets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds each provider check.
const probeTimeout = 7 * time.Second

// ProbeResult reports one provider check. Success is nil when the provider
// has no key configured.
type ProbeResult struct {
	Success *bool  `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ProbeEndpoints overrides the provider URLs probed by TestAPIKeys. Zero
// values use the public endpoints; tests point these at httptest servers.
type ProbeEndpoints struct {
	Brave  string
	Venice string
	GitHub string
}

func (p ProbeEndpoints) withDefaults() ProbeEndpoints {
	if p.Brave == "" {
		p.Brave = "https://api.search.brave.com/res/v1/web/search"
	}
	if p.Venice == "" {
		p.Venice = "https://api.venice.ai/api/v1/models"
	}
	if p.GitHub == "" {
		p.GitHub = "https://api.github.com/user"
	}
	return p
}

// TestAPIKeys decrypts each configured provider key and performs a cheap
// authenticated GET against the provider. Probes run in parallel; each is
// bounded by probeTimeout. Unconfigured providers report a nil Success.
func (s *Store) TestAPIKeys(ctx context.Context, username, password string, client *http.Client, endpoints ProbeEndpoints) (map[string]ProbeResult, error) {
	if err := s.limiter.check(username); err != nil {
		return nil, err
	}
	lk := s.userLock(username)
	lk.Lock()
	rec, err := s.authenticateLocked(username, password)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	key, err := s.vaultKey(rec, password)
	if err != nil {
		lk.Unlock()
		return nil, err
	}

	plain := make(map[string]string)
	for _, service := range []string{ServiceBrave, ServiceVenice} {
		if ct, ok := rec.EncryptedAPIKeys[service]; ok {
			value, err := Decrypt(ct, key)
			if err != nil {
				lk.Unlock()
				return nil, fmt.Errorf("%w: %s: %v", ErrDecryptionFailed, service, err)
			}
			plain[service] = value
		}
	}
	if rec.EncryptedGitHubToken != nil {
		value, err := Decrypt(*rec.EncryptedGitHubToken, key)
		if err != nil {
			lk.Unlock()
			return nil, fmt.Errorf("%w: github token: %v", ErrDecryptionFailed, err)
		}
		plain[ServiceGitHub] = value
	}
	lk.Unlock()

	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	endpoints = endpoints.withDefaults()

	results := map[string]ProbeResult{
		ServiceBrave:  {},
		ServiceVenice: {},
		ServiceGitHub: {},
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	probe := func(service string, run func(context.Context) error) {
		secret, configured := plain[service]
		if !configured || secret == "" {
			return // Success stays nil
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			err := run(pctx)
			ok := err == nil
			res := ProbeResult{Success: &ok}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[service] = res
			mu.Unlock()
			return nil // a failed probe is a result, not an error
		})
	}

	probe(ServiceBrave, func(pctx context.Context) error {
		u := endpoints.Brave + "?" + url.Values{"q": {"ping"}, "count": {"1"}}.Encode()
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Subscription-Token", plain[ServiceBrave])
		req.Header.Set("Accept", "application/json")
		return checkProbeResponse(client, req)
	})
	probe(ServiceVenice, func(pctx context.Context) error {
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, endpoints.Venice, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+plain[ServiceVenice])
		return checkProbeResponse(client, req)
	})
	probe(ServiceGitHub, func(pctx context.Context) error {
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, endpoints.GitHub, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+plain[ServiceGitHub])
		req.Header.Set("Accept", "application/vnd.github+json")
		return checkProbeResponse(client, req)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func checkProbeResponse(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
