package tokenclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fixedClock struct {
	current time.Time
}

func (clock *fixedClock) Now() time.Time {
	return clock.current
}

func (clock *fixedClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTokenServer(t *testing.T, clock Clock, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		hits.Add(1)
		if request.URL.Path != "/auth/google/token" {
			t.Errorf("unexpected path %q", request.URL.Path)
		}
		if request.Header.Get("X-API-Key") != "worker-secret" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(writer, `{"access_token":"access-%d","expires_at":%q,"scopes":["scope-a"]}`,
			hits.Load(), clock.Now().Add(time.Hour).Format(time.RFC3339))
	}))
}

func newTestClient(t *testing.T, baseURL string, clock Clock) *Client {
	t.Helper()
	client, newErr := New(Config{
		BaseURL: baseURL,
		APIKey:  "worker-secret",
		Clock:   clock,
	})
	if newErr != nil {
		t.Fatalf("new client: %v", newErr)
	}
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{APIKey: "k"}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://svc"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestAccessTokenCachesUntilNearExpiry(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	var hits atomic.Int64
	server := newTokenServer(t, clock, &hits)
	defer server.Close()

	client := newTestClient(t, server.URL, clock)

	first, firstErr := client.AccessToken(context.Background(), "user-1")
	if firstErr != nil {
		t.Fatalf("first fetch: %v", firstErr)
	}
	second, secondErr := client.AccessToken(context.Background(), "user-1")
	if secondErr != nil {
		t.Fatalf("second fetch: %v", secondErr)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one service hit, got %d", hits.Load())
	}
	if first.AccessToken != second.AccessToken {
		t.Fatalf("expected cached grant, got %q then %q", first.AccessToken, second.AccessToken)
	}

	// Step inside the cache margin: the client must refetch.
	clock.Advance(time.Hour - 10*time.Second)
	third, thirdErr := client.AccessToken(context.Background(), "user-1")
	if thirdErr != nil {
		t.Fatalf("third fetch: %v", thirdErr)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected refetch near expiry, got %d hits", hits.Load())
	}
	if third.AccessToken == first.AccessToken {
		t.Fatalf("expected a fresh grant after refetch")
	}
}

func TestForgetDropsCachedGrant(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	var hits atomic.Int64
	server := newTokenServer(t, clock, &hits)
	defer server.Close()

	client := newTestClient(t, server.URL, clock)
	if _, err := client.AccessToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	client.Forget("user-1")
	if _, err := client.AccessToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected refetch after Forget, got %d hits", hits.Load())
	}
}

func TestUsersAreCachedIndependently(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	var hits atomic.Int64
	server := newTokenServer(t, clock, &hits)
	defer server.Close()

	client := newTestClient(t, server.URL, clock)
	if _, err := client.AccessToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("user-1: %v", err)
	}
	if _, err := client.AccessToken(context.Background(), "user-2"); err != nil {
		t.Fatalf("user-2: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected one hit per user, got %d", hits.Load())
	}
}

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not connected", http.StatusNotFound, ErrNotConnected},
		{"reauth required", http.StatusConflict, ErrReauthRequired},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"server failure", http.StatusInternalServerError, ErrServiceFailure},
	}
	for _, testCase := range cases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, fetchErr := client.AccessToken(context.Background(), "user-1")
			if !errors.Is(fetchErr, testCase.wantErr) {
				t.Fatalf("status %d: expected %v, got %v", testCase.status, testCase.wantErr, fetchErr)
			}
		})
	}
}

func TestRateLimitErrorCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Retry-After", "42")
		writer.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, fetchErr := client.AccessToken(context.Background(), "user-1")

	var limitErr *RateLimitError
	if !errors.As(fetchErr, &limitErr) {
		t.Fatalf("expected RateLimitError, got %v", fetchErr)
	}
	if limitErr.RetryAfter != 42*time.Second {
		t.Fatalf("expected 42s retry delay, got %v", limitErr.RetryAfter)
	}
}

func TestMalformedResponsesAreServiceFailures(t *testing.T) {
	t.Parallel()

	bodies := []string{
		`not json`,
		`{"expires_at":"2025-06-01T13:00:00Z"}`,
		`{"access_token":"access-1","expires_at":"later"}`,
	}
	for index, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(body))
		}))
		client := newTestClient(t, server.URL, nil)
		if _, err := client.AccessToken(context.Background(), "user-1"); !errors.Is(err, ErrServiceFailure) {
			t.Fatalf("body %d: expected ErrServiceFailure, got %v", index, err)
		}
		server.Close()
	}
}
