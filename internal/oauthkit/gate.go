package oauthkit

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InternalAPIKeyHeader authenticates internal callers.
const InternalAPIKeyHeader = "X-API-Key"

var errUnparsableAllowlistEntry = errors.New("gate.unparsable_allowlist_entry")

// AccessGate guards the internal-only surface: a shared-secret header match
// in constant time, plus an optional network-origin allowlist. Both checks
// fail closed; rejections are generic so probers cannot tell which one fired.
type AccessGate struct {
	apiKeyDigest    [32]byte
	allowedAddrs    []netip.Addr
	allowedPrefixes []netip.Prefix
	allowlistSet    bool
	logger          *zap.Logger
	metrics         MetricsRecorder
}

// NewAccessGate parses the allowlist eagerly. A configured entry that parses
// as neither address nor CIDR is a configuration error, never a silent
// fail-open.
func NewAccessGate(configuration ServiceConfig, logger *zap.Logger, metrics MetricsRecorder) (*AccessGate, error) {
	if len(configuration.InternalAPIKey) == 0 {
		return nil, errors.New("gate.empty_internal_api_key")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	gate := &AccessGate{
		apiKeyDigest: sha256.Sum256(configuration.InternalAPIKey),
		logger:       logger,
		metrics:      metrics,
	}
	for _, entry := range configuration.InternalAllowedIPs {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		gate.allowlistSet = true
		if prefix, prefixErr := netip.ParsePrefix(trimmed); prefixErr == nil {
			gate.allowedPrefixes = append(gate.allowedPrefixes, prefix)
			continue
		}
		if addr, addrErr := netip.ParseAddr(trimmed); addrErr == nil {
			gate.allowedAddrs = append(gate.allowedAddrs, addr)
			continue
		}
		return nil, fmt.Errorf("gate.allowlist.%q: %w", trimmed, errUnparsableAllowlistEntry)
	}
	return gate, nil
}

// RequireInternal is the gin middleware enforcing both checks.
func (gate *AccessGate) RequireInternal() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		presented := contextGin.GetHeader(InternalAPIKeyHeader)
		if presented == "" || !gate.apiKeyMatches(presented) {
			gate.metrics.Increment("gate.denied")
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		// The allowlist keys off the socket peer, not ClientIP: forwarded
		// headers are caller-controlled and must not move a request inside
		// the allowed network.
		if !gate.originAllowed(contextGin.RemoteIP()) {
			gate.metrics.Increment("gate.denied")
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		contextGin.Next()
	}
}

func (gate *AccessGate) apiKeyMatches(presented string) bool {
	presentedDigest := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(presentedDigest[:], gate.apiKeyDigest[:]) == 1
}

func (gate *AccessGate) originAllowed(clientIP string) bool {
	if !gate.allowlistSet {
		return true
	}
	addr, parseErr := netip.ParseAddr(clientIP)
	if parseErr != nil {
		return false
	}
	addr = addr.Unmap()
	for _, allowed := range gate.allowedAddrs {
		if addr == allowed.Unmap() {
			return true
		}
	}
	for _, prefix := range gate.allowedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// RateLimitMiddleware evaluates the caller-identity window and, when the
// request names a subject user, the per-user window. Either exhausted
// dimension denies with a computed Retry-After.
func RateLimitMiddleware(limiter *FixedWindowLimiter, configuration ServiceConfig, metrics MetricsRecorder) gin.HandlerFunc {
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return func(contextGin *gin.Context) {
		apiKey := contextGin.GetHeader(InternalAPIKeyHeader)
		decision := limiter.Allow(SubjectAPIKey(apiKey), configuration.MaxRequestsPerKey)
		if decision.Allowed {
			if userID := contextGin.Query("user_id"); userID != "" {
				decision = limiter.Allow(SubjectUser(userID), configuration.MaxRequestsPerUser)
			}
		}
		if !decision.Allowed {
			metrics.Increment("rate.denied")
			contextGin.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}

func retryAfterSeconds(decision Decision) int {
	seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if seconds < 0 {
		return 0
	}
	return seconds
}
