package analyzer

import (
	"fmt"
	"time"
)

// EventType tags an analysis event with the detector that produced it.
type EventType string

const (
	EventMissedDeadline EventType = "missed_deadline"
	EventBusSaturation  EventType = "bus_saturation"
	EventJitter         EventType = "jitter"
	EventAnomalousRate  EventType = "anomalous_rate"
)

// Severity grades an analysis event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a detected timing anomaly. It is a tagged union: Type selects
// which of the variant fields carry meaning. Events are immutable once
// created and only ever appended to the log.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	ID        uint32    `json:"arbitration_id,omitempty"`
	HasID     bool      `json:"-"`

	// MissedDeadline
	ExpectedPeriod time.Duration `json:"expected_period,omitempty"`
	ActualInterval time.Duration `json:"actual_interval,omitempty"`

	// BusSaturation
	FrameRate     float64 `json:"frame_rate,omitempty"`
	RateThreshold float64 `json:"rate_threshold,omitempty"`

	// Jitter
	Jitter          time.Duration `json:"jitter,omitempty"`
	JitterThreshold time.Duration `json:"jitter_threshold,omitempty"`

	// AnomalousRate
	ExpectedRate float64 `json:"expected_rate,omitempty"`
	ActualRate   float64 `json:"actual_rate,omitempty"`
}

func newMissedDeadlineEvent(ts time.Time, id uint32, expected, actual time.Duration) Event {
	return Event{
		Type:      EventMissedDeadline,
		Timestamp: ts,
		Severity:  SeverityWarning,
		ID:        id,
		HasID:     true,
		Message: fmt.Sprintf("missed deadline: expected %.1fms, got %.1fms",
			durationMs(expected), durationMs(actual)),
		ExpectedPeriod: expected,
		ActualInterval: actual,
	}
}

func newBusSaturationEvent(ts time.Time, rate, threshold float64) Event {
	return Event{
		Type:      EventBusSaturation,
		Timestamp: ts,
		Severity:  SeverityError,
		Message: fmt.Sprintf("bus saturation: %.1f frames/sec exceeds threshold %.1f",
			rate, threshold),
		FrameRate:     rate,
		RateThreshold: threshold,
	}
}

func newJitterEvent(ts time.Time, id uint32, jitter, threshold time.Duration) Event {
	return Event{
		Type:      EventJitter,
		Timestamp: ts,
		Severity:  SeverityWarning,
		ID:        id,
		HasID:     true,
		Message: fmt.Sprintf("excessive jitter: %.2fms exceeds threshold %.2fms",
			durationMs(jitter), durationMs(threshold)),
		Jitter:          jitter,
		JitterThreshold: threshold,
	}
}

func newAnomalousRateEvent(ts time.Time, id uint32, expected, actual float64) Event {
	return Event{
		Type:      EventAnomalousRate,
		Timestamp: ts,
		Severity:  SeverityWarning,
		ID:        id,
		HasID:     true,
		Message: fmt.Sprintf("anomalous rate: expected %.1f/sec, got %.1f/sec",
			expected, actual),
		ExpectedRate: expected,
		ActualRate:   actual,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
