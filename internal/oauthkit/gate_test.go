package oauthkit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newGateConfig(allowedIPs ...string) ServiceConfig {
	return ServiceConfig{
		InternalAPIKey:     []byte("internal-secret"),
		InternalAllowedIPs: allowedIPs,
		RateLimitWindow:    time.Minute,
		MaxRequestsPerKey:  100,
		MaxRequestsPerUser: 100,
	}
}

func newGatedRouter(t *testing.T, configuration ServiceConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gate, gateErr := NewAccessGate(configuration, nil, nil)
	if gateErr != nil {
		t.Fatalf("gate init: %v", gateErr)
	}
	router := gin.New()
	router.GET("/internal/ping", gate.RequireInternal(), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestAccessGateAPIKeyCheck(t *testing.T) {
	router := newGatedRouter(t, newGateConfig())

	cases := []struct {
		name       string
		apiKey     string
		wantStatus int
	}{
		{name: "missing key", apiKey: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", apiKey: "wrong-secret", wantStatus: http.StatusUnauthorized},
		{name: "wrong length key", apiKey: "x", wantStatus: http.StatusUnauthorized},
		{name: "correct key", apiKey: "internal-secret", wantStatus: http.StatusOK},
	}
	for _, testCase := range cases {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
		if testCase.apiKey != "" {
			request.Header.Set(InternalAPIKeyHeader, testCase.apiKey)
		}
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.wantStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.wantStatus, recorder.Code)
		}
	}
}

func TestAccessGateAllowlist(t *testing.T) {
	router := newGatedRouter(t, newGateConfig("10.0.0.0/8", "192.168.1.7"))

	cases := []struct {
		name       string
		remoteAddr string
		wantStatus int
	}{
		{name: "inside cidr", remoteAddr: "10.1.2.3:4444", wantStatus: http.StatusOK},
		{name: "exact address", remoteAddr: "192.168.1.7:5555", wantStatus: http.StatusOK},
		{name: "outside allowlist", remoteAddr: "203.0.113.9:6666", wantStatus: http.StatusForbidden},
	}
	for _, testCase := range cases {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
		request.Header.Set(InternalAPIKeyHeader, "internal-secret")
		request.RemoteAddr = testCase.remoteAddr
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.wantStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.wantStatus, recorder.Code)
		}
	}
}

func TestAccessGateAllowlistIgnoresForwardedHeaders(t *testing.T) {
	router := newGatedRouter(t, newGateConfig("10.0.0.0/8"))

	// A caller outside the allowed network cannot move itself inside it by
	// claiming an internal address in forwarding headers.
	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
		request.Header.Set(InternalAPIKeyHeader, "internal-secret")
		request.RemoteAddr = "203.0.113.9:6666"
		request.Header.Set(header, "10.1.2.3")
		router.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for spoofed origin, got %d", header, recorder.Code)
		}
	}

	// The same headers on an actually allowed peer change nothing.
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
	request.Header.Set(InternalAPIKeyHeader, "internal-secret")
	request.RemoteAddr = "10.1.2.3:4444"
	request.Header.Set("X-Forwarded-For", "203.0.113.9")
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected allowed peer admitted, got %d", recorder.Code)
	}
}

func TestNewAccessGateRejectsUnparsableAllowlist(t *testing.T) {
	t.Parallel()

	if _, err := NewAccessGate(newGateConfig("not-an-address"), nil, nil); err == nil {
		t.Fatalf("expected misconfigured allowlist to fail construction")
	}
}

func TestNewAccessGateRejectsEmptyAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := NewAccessGate(ServiceConfig{}, nil, nil); err == nil {
		t.Fatalf("expected empty internal key to fail construction")
	}
}

func TestRateLimitMiddlewareDeniesWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	configuration := newGateConfig()
	configuration.MaxRequestsPerKey = 3
	configuration.MaxRequestsPerUser = 2

	clock := newTestClock()
	limiter := NewFixedWindowLimiter(time.Minute, clock)

	router := gin.New()
	router.GET("/limited", RateLimitMiddleware(limiter, configuration, nil), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})

	send := func(userID string) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		target := "/limited"
		if userID != "" {
			target += "?user_id=" + userID
		}
		request := httptest.NewRequest(http.MethodGet, target, nil)
		request.Header.Set(InternalAPIKeyHeader, "internal-secret")
		router.ServeHTTP(recorder, request)
		return recorder
	}

	// Two calls for the same user exhaust the per-user window first.
	for call := 0; call < 2; call++ {
		if recorder := send("u1"); recorder.Code != http.StatusOK {
			t.Fatalf("expected call %d allowed, got %d", call, recorder.Code)
		}
	}
	denied := send("u1")
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on denial")
	}

	// The api-key window is already spent by the three calls above.
	if recorder := send(""); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected api-key dimension denial, got %d", recorder.Code)
	}

	clock.Advance(time.Minute)
	if recorder := send("u1"); recorder.Code != http.StatusOK {
		t.Fatalf("expected allowance after window reset, got %d", recorder.Code)
	}
}
