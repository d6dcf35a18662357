// Package protocol is the HTTP plumbing shared by online adapters: request
// pacing, retries of transient failures, a per-source circuit breaker and
// the mapping of authentication responses onto adapter errors.
package protocol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/resilience"
)

// CredentialsHeader carries the opaque credentials reference to the source.
const CredentialsHeader = "X-Credentials-Ref"

// Config describes one source endpoint.
type Config struct {
	Source    string
	BaseURL   string
	RateLimit float64 // requests per second
	Timeout   time.Duration
	UserAgent string
	Policy    resilience.Policy
}

// Client talks to one source.
type Client struct {
	source    string
	base      *url.URL
	http      *http.Client
	userAgent string
	limiter   *Limiter
	breaker   *resilience.Breaker
	policy    resilience.Policy
}

// NewClient builds a client. breakers is shared across clients so that all
// accesses of a source trip the same breaker.
func NewClient(cfg Config, breakers *resilience.Breakers) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, eris.Wrapf(err, "protocol: parse base url for %s", cfg.Source)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ledger-sync/1.0"
	}
	if cfg.Policy.Attempts == 0 {
		cfg.Policy = resilience.DefaultPolicy()
	}
	if cfg.Policy.OnRetry == nil {
		cfg.Policy.OnRetry = resilience.RetryLogger(cfg.Source, "http request")
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig())
	}

	return &Client{
		source: cfg.Source,
		base:   base,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: cfg.UserAgent,
		limiter:   NewLimiter(cfg.Source, cfg.RateLimit, int(cfg.RateLimit)+1),
		breaker:   breakers.For(cfg.Source),
		policy:    cfg.Policy,
	}, nil
}

// GetJSON fetches path relative to the base URL and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, credentialsRef, path string, query url.Values, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	body, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return resilience.Do(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
			return c.get(ctx, credentialsRef, u.String())
		})
	})
	if err != nil {
		return eris.Wrapf(err, "protocol: %s GET %s", c.source, path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "protocol: %s decode %s", c.source, path)
	}
	return nil
}

func (c *Client) get(ctx context.Context, credentialsRef, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(CredentialsHeader, credentialsRef)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.limiter.OnSuccess()
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, adapter.ErrCredentials
	case resp.StatusCode == http.StatusPreconditionRequired:
		return nil, adapter.ErrAdditionalAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.OnThrottle()
		return nil, resilience.NewTransientError(eris.Errorf("http 429 from %s", c.source), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, c.source), resp.StatusCode)
	default:
		return nil, eris.Errorf("unexpected status %d from %s", resp.StatusCode, c.source)
	}
}

// Breaker exposes the source's breaker state for status reporting.
func (c *Client) Breaker() *resilience.Breaker {
	return c.breaker
}
