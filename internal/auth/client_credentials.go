package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRetryBackoff = 500 * time.Millisecond
	defaultFetchTimeout = 30 * time.Second
)

// TokenError represents a non-2xx answer from the token endpoint.
type TokenError struct {
	StatusCode int
	Body       []byte
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry.
func (e *TokenError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClientCredentialsConfig configures the OAuth2 client-credentials flow.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	ExpirySkew   time.Duration // Tokens are dropped from the cache this long before they expire
}

// ClientCredentials fetches tokens from an OAuth2 token endpoint and caches
// them per audience until shortly before they expire.
type ClientCredentials struct {
	cfg        ClientCredentialsConfig
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	fetchTimeout time.Duration

	cache *ttlcache.Cache[string, string]
	group singleflight.Group
}

// Option configures a ClientCredentials provider.
type Option func(*ClientCredentials)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *ClientCredentials) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) Option {
	return func(c *ClientCredentials) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientCredentials) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ClientCredentials) {
		c.httpClient = hc
	}
}

// NewClientCredentials creates a caching client-credentials token provider.
func NewClientCredentials(cfg ClientCredentialsConfig, opts ...Option) *ClientCredentials {
	c := &ClientCredentials{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: defaultRetryBackoff,
		fetchTimeout: defaultFetchTimeout,
		cache: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, string](), // expiry is fixed by the issuer
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Token returns a cached token for audience or fetches a new one.
// Concurrent callers for the same audience share a single request. The
// shared request outlives any one caller's cancellation and is bounded by
// its own timeout instead.
func (c *ClientCredentials) Token(ctx context.Context, audience string) (string, error) {
	if item := c.cache.Get(audience); item != nil {
		return item.Value(), nil
	}

	ch := c.group.DoChan(audience, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, audience)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token for audience.
func (c *ClientCredentials) Invalidate(audience string) {
	c.cache.Delete(audience)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// fetch requests a token with exponential backoff retry and caches it.
func (c *ClientCredentials) fetch(ctx context.Context, audience string) (string, error) {
	body, err := c.doWithRetry(ctx, audience)
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	ttl := time.Duration(resp.ExpiresIn)*time.Second - c.cfg.ExpirySkew
	if ttl > 0 {
		c.cache.Set(audience, resp.AccessToken, ttl)
	}

	c.logger.Debug("fetched access token",
		"audience", audience,
		"expires_in", resp.ExpiresIn,
		"cached", ttl > 0,
	)

	return resp.AccessToken, nil
}

// doWithRetry performs the token request with exponential backoff retry.
func (c *ClientCredentials) doWithRetry(ctx context.Context, audience string) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)+1))
			c.logger.Debug("retrying token request",
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, audience)
		if err == nil {
			return body, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		// Transport errors are retried, client errors are final
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) && !tokenErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs a single client-credentials POST.
func (c *ClientCredentials) doRequest(ctx context.Context, audience string) ([]byte, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if audience != "" {
		form.Set("audience", audience)
	}
	if len(c.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &TokenError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return body, nil
}
