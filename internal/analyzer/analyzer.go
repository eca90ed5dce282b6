// Package analyzer implements stateful real-time timing-anomaly detection
// over the observer's frame stream. It is strictly additive: observed
// traffic is never mutated or filtered, only watched.
package analyzer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"vcansim/pkg/models"
)

const (
	// intervalHistoryCap bounds the retained interval history per ID.
	intervalHistoryCap = 100
	// jitterSampleSize is how many recent intervals the jitter detector
	// inspects; jitterMinSamples is the minimum before it runs at all.
	jitterSampleSize = 10
	jitterMinSamples = 5
	// suppressionWindow rate-limits repeated saturation and jitter events.
	suppressionWindow = time.Second
)

// Observer is the stream the analyzer attaches to. *observer.Observer
// satisfies it.
type Observer interface {
	AddCallback(id string, cb func(models.ObservedFrame))
	RemoveCallback(id string)
}

// Expectation configures the expected timing of one message ID. Updates
// replace the whole value; it is never partially mutated.
type Expectation struct {
	ID               uint32
	Period           time.Duration
	TolerancePercent float64
	JitterThreshold  time.Duration
}

// MinInterval is the shortest acceptable inter-arrival time.
func (e Expectation) MinInterval() time.Duration {
	return time.Duration(float64(e.Period) * (1 - e.TolerancePercent/100))
}

// MaxInterval is the deadline: anything longer is a missed deadline.
func (e Expectation) MaxInterval() time.Duration {
	return time.Duration(float64(e.Period) * (1 + e.TolerancePercent/100))
}

// Config holds detector settings. Detectors toggle independently.
type Config struct {
	SaturationThreshold float64 // frames per second
	WindowSize          time.Duration
	EnableDeadline      bool
	EnableSaturation    bool
	EnableJitter        bool
}

// DefaultConfig mirrors a loaded classical CAN segment: ~5000 frames/sec is
// already past the practical 1 Mbit/s limit.
func DefaultConfig() Config {
	return Config{
		SaturationThreshold: 5000,
		WindowSize:          time.Second,
		EnableDeadline:      true,
		EnableSaturation:    true,
		EnableJitter:        true,
	}
}

// IntervalStatistics summarizes retained inter-arrival history for one ID.
type IntervalStatistics struct {
	Count   int
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
	Jitter  time.Duration // Max - Min
}

// Summary reports the analyzer state at a glance.
type Summary struct {
	TotalEvents  int
	BySeverity   map[Severity]int
	MonitoredIDs []uint32
	ObservedIDs  []uint32
}

// Analyzer watches observed frames and emits typed anomaly events.
type Analyzer struct {
	cbID string

	mu             sync.Mutex
	cfg            Config
	expectations   map[uint32]Expectation
	events         []Event
	callbacks      []func(Event)
	lastTimes      map[uint32]time.Time
	windowFrames   []time.Time
	intervals      map[uint32][]time.Duration
	lastSaturation time.Time
	lastJitter     map[uint32]time.Time
	observer       Observer
	attached       bool
}

// New creates an analyzer with the given detector configuration.
func New(cfg Config) *Analyzer {
	return &Analyzer{
		cbID:         "analyzer-" + uuid.NewString(),
		cfg:          cfg,
		expectations: make(map[uint32]Expectation),
		lastTimes:    make(map[uint32]time.Time),
		intervals:    make(map[uint32][]time.Duration),
		lastJitter:   make(map[uint32]time.Time),
	}
}

// Attach subscribes to an observer. Only one observer may be attached at a
// time; attaching a second auto-detaches the first.
func (a *Analyzer) Attach(obs Observer) {
	a.mu.Lock()
	if a.attached && a.observer != nil {
		a.observer.RemoveCallback(a.cbID)
	}
	a.observer = obs
	a.attached = true
	a.mu.Unlock()

	obs.AddCallback(a.cbID, a.onFrame)
}

// Detach unsubscribes from the current observer. Idempotent.
func (a *Analyzer) Detach() {
	a.mu.Lock()
	obs := a.observer
	attached := a.attached
	a.attached = false
	a.mu.Unlock()

	if attached && obs != nil {
		obs.RemoveCallback(a.cbID)
	}
}

// SetExpectation installs or replaces the timing expectation for an ID.
func (a *Analyzer) SetExpectation(e Expectation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expectations[e.ID] = e
}

// RemoveExpectation deletes the expectation for an ID, if any.
func (a *Analyzer) RemoveExpectation(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.expectations, id)
}

// AddEventCallback registers a callback invoked for every emitted event.
// Callback panics are discarded.
func (a *Analyzer) AddEventCallback(cb func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

// Events returns a copy of the event log.
func (a *Analyzer) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// EventCount returns the number of events detected so far.
func (a *Analyzer) EventCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// onFrame is the observer callback feeding the detectors.
func (a *Analyzer) onFrame(of models.ObservedFrame) {
	now := of.ObservedAt
	id := of.Frame.ID

	a.mu.Lock()

	// Global sliding window of recent frame times, re-filtered every frame.
	a.windowFrames = append(a.windowFrames, now)
	cutoff := now.Add(-a.cfg.WindowSize)
	kept := a.windowFrames[:0]
	for _, t := range a.windowFrames {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.windowFrames = kept

	var emitted []Event

	if a.cfg.EnableSaturation {
		if ev, ok := a.checkSaturation(now); ok {
			emitted = append(emitted, ev)
		}
	}

	if last, seen := a.lastTimes[id]; seen {
		interval := now.Sub(last)
		history := append(a.intervals[id], interval)
		if len(history) > intervalHistoryCap {
			history = history[len(history)-intervalHistoryCap:]
		}
		a.intervals[id] = history

		if exp, ok := a.expectations[id]; ok {
			if a.cfg.EnableDeadline && interval > exp.MaxInterval() {
				emitted = append(emitted, newMissedDeadlineEvent(now, id, exp.Period, interval))
			}
			if a.cfg.EnableJitter {
				if ev, ok := a.checkJitter(now, id, exp); ok {
					emitted = append(emitted, ev)
				}
			}
		}
	}
	a.lastTimes[id] = now

	a.events = append(a.events, emitted...)
	callbacks := make([]func(Event), len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.mu.Unlock()

	for _, ev := range emitted {
		for _, cb := range callbacks {
			emitRecovered(cb, ev)
		}
	}
}

// checkSaturation compares the instantaneous window rate to the threshold.
// Repeated events within the suppression window are dropped even under
// sustained overload. Called with a.mu held.
func (a *Analyzer) checkSaturation(now time.Time) (Event, bool) {
	rate := float64(len(a.windowFrames)) / a.cfg.WindowSize.Seconds()
	if rate <= a.cfg.SaturationThreshold {
		return Event{}, false
	}
	if !a.lastSaturation.IsZero() && now.Sub(a.lastSaturation) < suppressionWindow {
		return Event{}, false
	}
	a.lastSaturation = now
	return newBusSaturationEvent(now, rate, a.cfg.SaturationThreshold), true
}

// checkJitter inspects the most recent intervals for one ID and flags the
// maximum absolute deviation from their average, rate-limited per ID.
// Called with a.mu held.
func (a *Analyzer) checkJitter(now time.Time, id uint32, exp Expectation) (Event, bool) {
	history := a.intervals[id]
	if len(history) < jitterMinSamples {
		return Event{}, false
	}
	recent := history
	if len(recent) > jitterSampleSize {
		recent = recent[len(recent)-jitterSampleSize:]
	}

	var sum time.Duration
	for _, d := range recent {
		sum += d
	}
	avg := sum / time.Duration(len(recent))

	var maxDev time.Duration
	for _, d := range recent {
		dev := d - avg
		if dev < 0 {
			dev = -dev
		}
		if dev > maxDev {
			maxDev = dev
		}
	}

	if maxDev <= exp.JitterThreshold {
		return Event{}, false
	}
	if last, ok := a.lastJitter[id]; ok && now.Sub(last) < suppressionWindow {
		return Event{}, false
	}
	a.lastJitter[id] = now
	return newJitterEvent(now, id, maxDev, exp.JitterThreshold), true
}

// CheckRate compares one ID's observed average rate against an expected
// rate in frames per second, using the retained interval history. The second
// return value is false when no check was possible or the rate was within
// the tolerance. The event is recorded and fanned out like any other.
func (a *Analyzer) CheckRate(id uint32, expectedRate float64, tolerancePercent float64) (Event, bool) {
	a.mu.Lock()
	ev, ok := a.checkRateLocked(id, expectedRate, tolerancePercent, time.Now())
	if !ok {
		a.mu.Unlock()
		return Event{}, false
	}
	a.events = append(a.events, ev)
	callbacks := make([]func(Event), len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.mu.Unlock()

	for _, cb := range callbacks {
		emitRecovered(cb, ev)
	}
	return ev, true
}

// checkRateLocked holds the shared rate math. Called with a.mu held.
func (a *Analyzer) checkRateLocked(id uint32, expectedRate, tolerancePercent float64, now time.Time) (Event, bool) {
	history := a.intervals[id]
	if len(history) < jitterMinSamples || expectedRate <= 0 {
		return Event{}, false
	}
	var sum time.Duration
	for _, d := range history {
		sum += d
	}
	avg := sum / time.Duration(len(history))
	if avg <= 0 {
		return Event{}, false
	}
	actual := float64(time.Second) / float64(avg)
	// Per-interval wobble inside the tolerance band is already the deadline
	// detector's business; a sustained rate drift past double the band is a
	// different failure.
	limit := expectedRate * (2 * tolerancePercent / 100)
	if diff := actual - expectedRate; diff > limit || diff < -limit {
		return newAnomalousRateEvent(now, id, expectedRate, actual), true
	}
	return Event{}, false
}

// CheckMessageRates sweeps every monitored ID and emits an AnomalousRate
// event when the observed average rate strays from 1/period. Intended to be
// called periodically by the embedding application rather than per frame.
func (a *Analyzer) CheckMessageRates() []Event {
	a.mu.Lock()
	now := time.Now()
	var emitted []Event
	for id, exp := range a.expectations {
		if exp.Period <= 0 {
			continue
		}
		expected := float64(time.Second) / float64(exp.Period)
		if ev, ok := a.checkRateLocked(id, expected, exp.TolerancePercent, now); ok {
			emitted = append(emitted, ev)
		}
	}
	a.events = append(a.events, emitted...)
	callbacks := make([]func(Event), len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.mu.Unlock()

	for _, ev := range emitted {
		for _, cb := range callbacks {
			emitRecovered(cb, ev)
		}
	}
	return emitted
}

// Statistics summarizes the retained interval history for one ID. The
// second return value is false if the ID was never seen twice.
func (a *Analyzer) Statistics(id uint32) (IntervalStatistics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	history := a.intervals[id]
	if len(history) == 0 {
		return IntervalStatistics{}, false
	}

	var sum time.Duration
	min, max := history[0], history[0]
	for _, d := range history {
		sum += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return IntervalStatistics{
		Count:   len(history),
		Average: sum / time.Duration(len(history)),
		Min:     min,
		Max:     max,
		Jitter:  max - min,
	}, true
}

// Clear resets the event log and all rolling state. Expectations survive.
func (a *Analyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = nil
	a.lastTimes = make(map[uint32]time.Time)
	a.windowFrames = nil
	a.intervals = make(map[uint32][]time.Duration)
	a.lastSaturation = time.Time{}
	a.lastJitter = make(map[uint32]time.Time)
}

// Summary reports event counts by severity plus monitored and observed IDs.
func (a *Analyzer) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	bySeverity := make(map[Severity]int)
	for _, ev := range a.events {
		bySeverity[ev.Severity]++
	}
	monitored := make([]uint32, 0, len(a.expectations))
	for id := range a.expectations {
		monitored = append(monitored, id)
	}
	observed := make([]uint32, 0, len(a.intervals))
	for id := range a.intervals {
		observed = append(observed, id)
	}
	return Summary{
		TotalEvents:  len(a.events),
		BySeverity:   bySeverity,
		MonitoredIDs: monitored,
		ObservedIDs:  observed,
	}
}

func emitRecovered(cb func(Event), ev Event) {
	defer func() { _ = recover() }()
	cb(ev)
}
