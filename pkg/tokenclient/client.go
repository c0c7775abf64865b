// Package tokenclient is the client library ingestion workers use to fetch
// always-valid Google access tokens from the custody service. It caches each
// user's grant until shortly before expiry so the common path costs nothing.
package tokenclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sentinel errors exposed by the client.
var (
	ErrMissingBaseURL = errors.New("token_client.missing_base_url")
	ErrMissingAPIKey  = errors.New("token_client.missing_api_key")
	ErrUnauthorized   = errors.New("token_client.unauthorized")
	ErrNotConnected   = errors.New("token_client.not_connected")
	ErrReauthRequired = errors.New("token_client.reauth_required")
	ErrRateLimited    = errors.New("token_client.rate_limited")
	ErrServiceFailure = errors.New("token_client.service_failure")
)

// Grant is a valid access token with its absolute expiry.
type Grant struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// RateLimitError wraps ErrRateLimited and carries the computed retry delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (limitErr *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), limitErr.RetryAfter)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (limitErr *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Config configures the Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Clock      Clock
	// CacheMargin is subtracted from expiry when deciding whether a cached
	// grant is still served. Defaults to 30 s.
	CacheMargin time.Duration
}

// Client fetches tokens from the custody service's internal surface.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	clock       Clock
	cacheMargin time.Duration

	mutex  sync.Mutex
	cached map[string]Grant
}

// New validates the configuration and constructs a Client.
func New(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if strings.TrimSpace(configuration.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	cacheMargin := configuration.CacheMargin
	if cacheMargin <= 0 {
		cacheMargin = 30 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      configuration.APIKey,
		httpClient:  httpClient,
		clock:       clock,
		cacheMargin: cacheMargin,
		cached:      make(map[string]Grant),
	}, nil
}

// AccessToken returns a valid grant for the user, from cache when the cached
// expiry is comfortably in the future, otherwise from the service.
func (client *Client) AccessToken(ctx context.Context, userID string) (Grant, error) {
	client.mutex.Lock()
	cached, ok := client.cached[userID]
	client.mutex.Unlock()
	if ok && client.clock.Now().Before(cached.ExpiresAt.Add(-client.cacheMargin)) {
		return cached, nil
	}

	grant, fetchErr := client.fetch(ctx, userID)
	if fetchErr != nil {
		return Grant{}, fetchErr
	}

	client.mutex.Lock()
	client.cached[userID] = grant
	client.mutex.Unlock()
	return grant, nil
}

// Forget drops the cached grant for a user, e.g. after a revoke.
func (client *Client) Forget(userID string) {
	client.mutex.Lock()
	delete(client.cached, userID)
	client.mutex.Unlock()
}

type tokenResponse struct {
	AccessToken string   `json:"access_token"`
	ExpiresAt   string   `json:"expires_at"`
	Scopes      []string `json:"scopes"`
}

func (client *Client) fetch(ctx context.Context, userID string) (Grant, error) {
	endpoint := client.baseURL + "/auth/google/token?user_id=" + url.QueryEscape(userID)
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if requestErr != nil {
		return Grant{}, fmt.Errorf("token_client.request: %w", requestErr)
	}
	request.Header.Set("X-API-Key", client.apiKey)

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return Grant{}, fmt.Errorf("token_client.call: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Grant{}, ErrUnauthorized
	case http.StatusNotFound:
		return Grant{}, ErrNotConnected
	case http.StatusConflict:
		return Grant{}, ErrReauthRequired
	case http.StatusTooManyRequests:
		return Grant{}, &RateLimitError{RetryAfter: retryAfterFromHeader(response.Header)}
	default:
		return Grant{}, fmt.Errorf("%w: status %d", ErrServiceFailure, response.StatusCode)
	}

	var decoded tokenResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrServiceFailure, decodeErr)
	}
	if decoded.AccessToken == "" {
		return Grant{}, fmt.Errorf("%w: empty access token", ErrServiceFailure)
	}
	expiresAt, parseErr := time.Parse(time.RFC3339, decoded.ExpiresAt)
	if parseErr != nil {
		return Grant{}, fmt.Errorf("%w: bad expiry %q", ErrServiceFailure, decoded.ExpiresAt)
	}
	return Grant{
		AccessToken: decoded.AccessToken,
		ExpiresAt:   expiresAt,
		Scopes:      decoded.Scopes,
	}, nil
}

func retryAfterFromHeader(header http.Header) time.Duration {
	seconds, parseErr := strconv.Atoi(header.Get("Retry-After"))
	if parseErr != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
