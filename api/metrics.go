package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertSignInFailureSpike AlertType = "signin_failure_spike"
	AlertGuardRejectSpike   AlertType = "guard_reject_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter fires once when threshold events land inside window, then
// starts over.
type slidingCounter struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

func (c *slidingCounter) add(now time.Time) (AlertEvent, bool) {
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)
	if len(c.events) < c.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      c.alert,
		Message:   c.message,
		Count:     len(c.events),
		Threshold: c.threshold,
		Timestamp: now,
	}
	c.events = c.events[:0]
	return ev, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu      sync.Mutex
	now     func() time.Time
	alertFn AlertFunc
	signin  slidingCounter
	guard   slidingCounter
}

const (
	defaultSignInFailureWindow    = 1 * time.Minute
	defaultSignInFailureThreshold = 50
	defaultGuardRejectWindow      = 1 * time.Minute
	defaultGuardRejectThreshold   = 200
)

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	if now == nil {
		now = time.Now
	}
	return &metricsCollector{
		now:     now,
		alertFn: alertFn,
		signin: slidingCounter{
			alert:     AlertSignInFailureSpike,
			message:   "sign-in failure rate exceeds threshold",
			window:    defaultSignInFailureWindow,
			threshold: defaultSignInFailureThreshold,
		},
		guard: slidingCounter{
			alert:     AlertGuardRejectSpike,
			message:   "rejected session credential rate exceeds threshold",
			window:    defaultGuardRejectWindow,
			threshold: defaultGuardRejectThreshold,
		},
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var c *slidingCounter
	switch event {
	case AuditSignInFailure:
		c = &m.signin
	case AuditGuardRejected:
		c = &m.guard
	default:
		return
	}

	m.mu.Lock()
	ev, fire := c.add(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(ev)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
