package oauthkit

import "sync"

// MetricsRecorder counts custody events: flow begins and completions, token
// cache hits and refreshes, forced re-consents, gate and rate-limit denials.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics is the in-process MetricsRecorder. Counters reset with the
// process; the Snapshot output feeds periodic log lines, not an exporter.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an empty counter set.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment bumps the counter for the event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count reports the current value for the event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot copies all counters at once.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
