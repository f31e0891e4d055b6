// Package partner is the HTTP client for the external card-issuing partner.
// The partner owns the secondary card type; this client issues and revokes
// it on the partner's side.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/store"
)

const tokenCacheKey = "partner:token"

// APIError is a non-2xx partner response. Temporary responses (5xx, 429,
// 408) may be retried; other client errors are terminal.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("partner API returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the response class is retry-eligible.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsPermanentAPIError reports whether err is a partner response that must
// not be retried.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// Config holds partner connection settings.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RetryCount   int
}

// Client talks to the partner API. Transport-level failures are retried with
// exponential backoff; response-level outcomes are surfaced to the caller
// for classification.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
	cache      store.Cache
	maxRetries int

	sleep func(d time.Duration)
}

// New creates a partner client. The cache stores the bearer token with its
// TTL so repeated activity invocations skip the token exchange.
func New(cfg Config, cache store.Cache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxRetries := cfg.RetryCount
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		clientID:   cfg.ClientID,
		secret:     cfg.ClientSecret,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		maxRetries: maxRetries,
		sleep:      time.Sleep,
	}
}

// IssueCard asks the partner to issue the secondary card for the user.
// Issuing an already-issued card is success on the partner side.
func (c *Client) IssueCard(ctx context.Context, userID string) error {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return fmt.Errorf("encode issue request: %w", err)
	}
	return c.doWithRetry(ctx, http.MethodPost, "/cards", body, nil)
}

// RevokeCard asks the partner to revoke the user's secondary card. A 404
// means the card is already gone, which is success.
func (c *Client) RevokeCard(ctx context.Context, userID string) error {
	path := "/cards/" + url.PathEscape(userID)
	return c.doWithRetry(ctx, http.MethodDelete, path, nil, []int{http.StatusNotFound})
}

// doWithRetry sends the request, retrying transport errors and temporary
// response classes with exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte, okStatuses []int) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().
				Str("method", method).
				Str("path", path).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying partner request after backoff")
			c.sleep(backoff)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		err := c.doOnce(ctx, method, path, body, okStatuses)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanentAPIError(err) {
			return err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Msg("Partner request failed")
	}

	return fmt.Errorf("partner request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, okStatuses []int) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build partner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.clientID != "" {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("partner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	for _, status := range okStatuses {
		if resp.StatusCode == status {
			return nil
		}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// token returns a cached bearer token, exchanging credentials when the
// cache misses.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.cache != nil {
		if token, ok, err := c.cache.Get(ctx, tokenCacheKey); err == nil && ok {
			return token, nil
		}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	if c.cache != nil && payload.ExpiresIn > 60 {
		ttl := time.Duration(payload.ExpiresIn-60) * time.Second
		if err := c.cache.Set(ctx, tokenCacheKey, payload.AccessToken, ttl); err != nil {
			log.Warn().Err(err).Msg("Failed to cache partner token")
		} else {
			log.Debug().Str("ttl", strconv.Itoa(payload.ExpiresIn-60)+"s").Msg("Partner token cached")
		}
	}
	return payload.AccessToken, nil
}
