// Package faults implements probabilistic rule-driven fault emulation for
// in-flight frames.
package faults

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"vcansim/pkg/models"
)

// FaultType enumerates the supported transport faults.
type FaultType int

const (
	Drop FaultType = iota
	Delay
	Corrupt
	Duplicate
	Burst
	Reorder
)

var faultNames = map[FaultType]string{
	Drop:      "drop",
	Delay:     "delay",
	Corrupt:   "corrupt",
	Duplicate: "duplicate",
	Burst:     "burst",
	Reorder:   "reorder",
}

func (t FaultType) String() string {
	if name, ok := faultNames[t]; ok {
		return name
	}
	return fmt.Sprintf("fault(%d)", int(t))
}

// ParseFaultType maps a config string to a FaultType.
func ParseFaultType(s string) (FaultType, error) {
	for t, name := range faultNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown fault type %q", s)
}

// ErrInvalidProbability rejects rule probabilities outside [0, 1].
var ErrInvalidProbability = errors.New("faults: probability must be within [0, 1]")

// Rule configures one probabilistic transformation. Rules are immutable
// during a run and evaluated in registration order.
type Rule struct {
	Type          FaultType
	Probability   float64
	TargetIDs     map[uint32]struct{} // nil matches every ID
	Delay         time.Duration
	DelayJitter   time.Duration
	BurstCount    int
	BurstInterval time.Duration
	Enabled       bool
}

// AppliesTo reports whether the rule targets the given arbitration ID.
func (r Rule) AppliesTo(id uint32) bool {
	if r.TargetIDs == nil {
		return true
	}
	_, ok := r.TargetIDs[id]
	return ok
}

// Statistics counts cumulative injector activity.
type Statistics struct {
	FramesProcessed  uint64
	FramesDropped    uint64
	FramesDelayed    uint64
	FramesCorrupted  uint64
	FramesDuplicated uint64
	BurstsInjected   uint64
}

// Bus is the transmit capability used by InjectBurst.
type Bus interface {
	Transmit(models.Frame) bool
}

// Injector applies fault rules to frames in flight. All randomness comes
// from an explicit seeded source so tests are deterministic.
type Injector struct {
	mu      sync.Mutex
	bus     Bus
	rules   []Rule
	stats   Statistics
	enabled bool
	rng     *rand.Rand
}

// New creates an injector. The bus may be nil when only ProcessFrame is
// used; InjectBurst requires one.
func New(b Bus, seed int64) *Injector {
	return &Injector{
		bus:     b,
		enabled: true,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// AddRule appends a rule, validating its parameters.
func (in *Injector) AddRule(r Rule) error {
	if r.Probability < 0 || r.Probability > 1 {
		return ErrInvalidProbability
	}
	if r.Type == Burst && r.BurstCount <= 0 {
		return fmt.Errorf("faults: burst count must be positive, got %d", r.BurstCount)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.rules = append(in.rules, r)
	return nil
}

// RemoveRule deletes the rule at the given registration index.
func (in *Injector) RemoveRule(index int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if index < 0 || index >= len(in.rules) {
		return false
	}
	in.rules = append(in.rules[:index], in.rules[index+1:]...)
	return true
}

// ClearRules removes all rules.
func (in *Injector) ClearRules() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.rules = nil
}

// Rules returns a copy of the registered rules.
func (in *Injector) Rules() []Rule {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Rule, len(in.rules))
	copy(out, in.rules)
	return out
}

// SetEnabled toggles injection globally. When disabled, ProcessFrame is an
// identity pass-through.
func (in *Injector) SetEnabled(v bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = v
}

// Enabled reports the global toggle.
func (in *Injector) Enabled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.enabled
}

// Statistics returns a snapshot of the cumulative counters.
func (in *Injector) Statistics() Statistics {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// ResetStatistics zeroes the counters.
func (in *Injector) ResetStatistics() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stats = Statistics{}
}

// ProcessFrame evaluates every enabled matching rule in registration order
// against the in-flight result list and returns the frames that should
// actually be transmitted: zero on a drop, one normally, many after a
// duplicate or burst. A Delay rule suspends the caller. Rule lists are
// assumed read-only while frames are being processed.
func (in *Injector) ProcessFrame(frame models.Frame) []models.Frame {
	in.mu.Lock()
	in.stats.FramesProcessed++
	if !in.enabled {
		in.mu.Unlock()
		return []models.Frame{frame}
	}
	rules := in.rules

	result := []models.Frame{frame}
	for _, rule := range rules {
		if !rule.Enabled || !rule.AppliesTo(frame.ID) {
			continue
		}
		if in.rng.Float64() > rule.Probability {
			continue
		}

		switch rule.Type {
		case Drop:
			// Later rules do not run once the frame is gone.
			in.stats.FramesDropped++
			in.mu.Unlock()
			return nil

		case Delay:
			delay := rule.Delay
			if rule.DelayJitter > 0 {
				delay += time.Duration(in.rng.Int63n(int64(2*rule.DelayJitter))) - rule.DelayJitter
			}
			in.stats.FramesDelayed++
			in.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			in.mu.Lock()

		case Corrupt:
			corrupted := frame.Clone()
			corrupted.Data = in.corruptData(corrupted.Data)
			result = []models.Frame{corrupted}
			in.stats.FramesCorrupted++

		case Duplicate:
			result = append(result, result...)
			in.stats.FramesDuplicated++

		case Burst:
			// Fresh copies with new timestamps replace any prior mutation.
			burst := make([]models.Frame, rule.BurstCount)
			for i := range burst {
				f := frame.Clone()
				f.Timestamp = time.Now()
				burst[i] = f
			}
			result = burst
			in.stats.BurstsInjected++

		case Reorder:
			// Reordering is applied by the producer pre-transmit; the bus
			// itself never reorders, so there is nothing to do here.
		}
	}
	in.mu.Unlock()
	return result
}

// corruptData flips exactly one bit at a uniformly chosen byte/bit position.
// Called with in.mu held.
func (in *Injector) corruptData(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	byteIdx := in.rng.Intn(len(data))
	bitIdx := in.rng.Intn(8)
	data[byteIdx] ^= 1 << bitIdx
	return data
}

// InjectBurst transmits count fresh frames with the given ID and payload
// directly onto the bus, interval apart. Returns the number transmitted.
func (in *Injector) InjectBurst(id uint32, payload []byte, count int, interval time.Duration) (int, error) {
	in.mu.Lock()
	b := in.bus
	in.mu.Unlock()
	if b == nil {
		return 0, errors.New("faults: no bus configured")
	}

	for i := 0; i < count; i++ {
		frame, err := models.NewFrame(id, payload, false)
		if err != nil {
			return i, err
		}
		b.Transmit(frame)
		if i < count-1 && interval > 0 {
			time.Sleep(interval)
		}
	}

	in.mu.Lock()
	in.stats.BurstsInjected++
	in.mu.Unlock()
	return count, nil
}
