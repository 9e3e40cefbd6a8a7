package metrics

import (
	"testing"
	"time"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	duration := timer.Duration()
	if duration < 10*time.Millisecond {
		t.Errorf("expected at least 10ms, got %v", duration)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)

	// Must not panic and must record a positive observation
	timer.ObserveDuration(DequeueLatency)
}
