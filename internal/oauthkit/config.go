package oauthkit

import "time"

// ServiceConfig carries the process-wide secrets and tuning knobs. It is built
// once at startup and passed to constructors; nothing reads it ambiently.
type ServiceConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	RedirectBaseURL    string
	InternalAPIKey     []byte
	InternalAllowedIPs []string
	EncryptionKey      string
	StateTTL           time.Duration
	SafetyMargin       time.Duration
	UpstreamTimeout    time.Duration
	RateLimitWindow    time.Duration
	MaxRequestsPerKey  int
	MaxRequestsPerUser int
}
