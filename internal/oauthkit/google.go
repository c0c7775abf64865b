package oauthkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	googleAuthEndpoint   = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenEndpoint  = "https://oauth2.googleapis.com/token"
	googleRevokeEndpoint = "https://oauth2.googleapis.com/revoke"

	// Upstream expiry is trimmed by this much so tokens handed to workers do
	// not die in transit.
	upstreamExpirySkew = 30 * time.Second

	revokeTimeout = 10 * time.Second
)

// GoogleScopes is the fixed read-only scope set requested at consent.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/documents.readonly",
	"https://www.googleapis.com/auth/spreadsheets.readonly",
	"https://www.googleapis.com/auth/presentations.readonly",
}

// TokenGrant is the outcome of a successful token-endpoint call.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// UpstreamAuthorizer abstracts the third-party authorization server so the
// LifecycleManager can be tested against a fake.
type UpstreamAuthorizer interface {
	ConsentURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
	Revoke(ctx context.Context, token string) error
}

// GoogleOAuthClient speaks the Google OAuth2 authorization-code protocol. All
// calls carry a bounded timeout; a deadline overrun surfaces as
// ErrUpstreamTimeout, never as a hung request.
type GoogleOAuthClient struct {
	oauthConfig oauth2.Config
	revokeURL   string
	httpClient  *http.Client
	timeout     time.Duration
	clock       Clock
}

// NewGoogleOAuthClient builds a client from the service configuration. The
// redirect URI is derived from the configured base URL; the callback path is
// the single source of truth for it.
func NewGoogleOAuthClient(configuration ServiceConfig, clock Clock) *GoogleOAuthClient {
	timeout := configuration.UpstreamTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GoogleOAuthClient{
		oauthConfig: oauth2.Config{
			ClientID:     configuration.GoogleClientID,
			ClientSecret: configuration.GoogleClientSecret,
			RedirectURL:  strings.TrimRight(configuration.RedirectBaseURL, "/") + "/auth/google/callback",
			Scopes:       append([]string(nil), GoogleScopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthEndpoint,
				TokenURL: googleTokenEndpoint,
			},
		},
		revokeURL:  googleRevokeEndpoint,
		httpClient: &http.Client{},
		timeout:    timeout,
		clock:      clock,
	}
}

// ConsentURL builds the authorization URL carrying the signed state, offline
// access, and a forced consent prompt so a refresh token is granted.
func (client *GoogleOAuthClient) ConsentURL(state string) string {
	return client.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange trades a single-use authorization code for tokens.
func (client *GoogleOAuthClient) Exchange(ctx context.Context, code string) (*TokenGrant, error) {
	callCtx, cancel := client.upstreamContext(ctx)
	defer cancel()

	token, exchangeErr := client.oauthConfig.Exchange(callCtx, code)
	if exchangeErr != nil {
		return nil, fmt.Errorf("google.exchange: %w", client.classifyError(exchangeErr, false))
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("google.exchange: %w", ErrUpstreamExchange)
	}
	return client.grantFromToken(token), nil
}

// Refresh obtains a fresh access token. An explicit invalid_grant rejection is
// reported as ErrRefreshRejected so callers can purge the record; transport
// failures leave the stored record intact.
func (client *GoogleOAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("google.refresh: %w", ErrReauthRequired)
	}
	callCtx, cancel := client.upstreamContext(ctx)
	defer cancel()

	source := client.oauthConfig.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, refreshErr := source.Token()
	if refreshErr != nil {
		return nil, fmt.Errorf("google.refresh: %w", client.classifyError(refreshErr, true))
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("google.refresh: %w", ErrUpstreamExchange)
	}
	grant := client.grantFromToken(token)
	if token.RefreshToken == refreshToken {
		// Not rotated upstream; the manager keeps the stored one.
		grant.RefreshToken = ""
	}
	return grant, nil
}

// Revoke notifies Google to invalidate the token. Google answers 200 for a
// live token and 400 for one already dead; both count as success.
func (client *GoogleOAuthClient) Revoke(ctx context.Context, token string) error {
	callCtx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	form := url.Values{"token": {token}}
	request, requestErr := http.NewRequestWithContext(callCtx, http.MethodPost, client.revokeURL, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return fmt.Errorf("google.revoke: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("google.revoke: %w", client.classifyError(doErr, false))
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("google.revoke.status_%d: %w", response.StatusCode, ErrUpstreamExchange)
	}
	return nil
}

func (client *GoogleOAuthClient) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx := context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	return context.WithTimeout(callCtx, client.timeout)
}

func (client *GoogleOAuthClient) grantFromToken(token *oauth2.Token) *TokenGrant {
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = client.clock.Now()
	}
	grant := &TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt.Add(-upstreamExpirySkew).UTC(),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scopes = strings.Fields(scope)
	}
	return grant
}

func (client *GoogleOAuthClient) classifyError(err error, refreshing bool) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if refreshing && retrieveErr.ErrorCode == "invalid_grant" {
			return ErrRefreshRejected
		}
		return ErrUpstreamExchange
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrUpstreamTimeout
	}
	return ErrUpstreamExchange
}
