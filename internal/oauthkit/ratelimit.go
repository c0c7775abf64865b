package oauthkit

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission check. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// FixedWindowLimiter counts requests per subject in fixed windows that start
// at the subject's first request, not at calendar boundaries. Counters for
// different subjects are independent; each update is atomic under one mutex.
// Counters do not survive a process restart.
type FixedWindowLimiter struct {
	mutex    sync.Mutex
	window   time.Duration
	clock    Clock
	counters map[string]*rateWindowCounter
}

type rateWindowCounter struct {
	windowStart time.Time
	count       int
}

// NewFixedWindowLimiter constructs a limiter with the given window length.
func NewFixedWindowLimiter(window time.Duration, clock Clock) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{
		window:   window,
		clock:    clock,
		counters: make(map[string]*rateWindowCounter),
	}
}

// Allow admits the request when the subject's count within the live window is
// at most limit. A denied decision carries the time until the window resets.
func (limiter *FixedWindowLimiter) Allow(subjectKey string, limit int) Decision {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	now := limiter.clock.Now()
	counter, ok := limiter.counters[subjectKey]
	if !ok || now.Sub(counter.windowStart) >= limiter.window {
		limiter.counters[subjectKey] = &rateWindowCounter{windowStart: now, count: 1}
		return Decision{Allowed: true}
	}
	counter.count++
	if counter.count <= limit {
		return Decision{Allowed: true}
	}
	return Decision{
		Allowed:    false,
		RetryAfter: counter.windowStart.Add(limiter.window).Sub(now),
	}
}

// SubjectAPIKey builds the caller-identity dimension key.
func SubjectAPIKey(apiKey string) string {
	return "apikey:" + apiKey
}

// SubjectUser builds the subject-user dimension key.
func SubjectUser(userID string) string {
	return "user:" + userID
}
