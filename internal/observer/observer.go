// Package observer provides passive capture of bus traffic with arrival
// metadata and per-ID statistics. The observer never injects or suppresses
// frames; derived consumers (analysis, recording) subscribe to it instead of
// the bus directly.
package observer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"vcansim/pkg/models"
)

// Bus is the subscription surface the observer attaches to. *bus.Bus
// satisfies it.
type Bus interface {
	AddObserver(id string, cb func(models.Frame))
	RemoveObserver(id string)
}

// Callback receives every observed frame.
type Callback = func(models.ObservedFrame)

// DefaultBufferSize bounds the ring buffer when no size is given.
const DefaultBufferSize = 10000

// Summary aggregates an observation session.
type Summary struct {
	TotalFrames         uint64
	UniqueIDs           int
	BufferedFrames      int
	ObservationDuration time.Duration
	IDs                 []uint32
}

type callbackEntry struct {
	id string
	cb Callback
}

// Observer captures dispatched frames into a bounded ring buffer and keeps
// incremental per-ID statistics.
type Observer struct {
	bufferSize int
	busID      string

	mu        sync.RWMutex
	bus       Bus
	attached  bool
	buffer    []models.ObservedFrame
	sequence  uint64
	lastTimes map[uint32]time.Time
	stats     map[uint32]*models.MessageStatistics
	callbacks []callbackEntry
	startTime time.Time
}

// New creates an observer with the given ring-buffer capacity; size <= 0
// selects the default.
func New(bufferSize int) *Observer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Observer{
		bufferSize: bufferSize,
		busID:      "observer-" + uuid.NewString(),
		lastTimes:  make(map[uint32]time.Time),
		stats:      make(map[uint32]*models.MessageStatistics),
		startTime:  time.Now(),
	}
}

// Attach subscribes the observer to a bus. Attaching while already attached
// detaches from the previous bus first.
func (o *Observer) Attach(b Bus) {
	o.mu.Lock()
	if o.attached && o.bus != nil {
		o.bus.RemoveObserver(o.busID)
	}
	o.bus = b
	o.attached = true
	o.startTime = time.Now()
	o.mu.Unlock()

	b.AddObserver(o.busID, o.onFrame)
}

// Detach unsubscribes from the current bus. Idempotent.
func (o *Observer) Detach() {
	o.mu.Lock()
	b := o.bus
	attached := o.attached
	o.attached = false
	o.mu.Unlock()

	if attached && b != nil {
		b.RemoveObserver(o.busID)
	}
}

// AddCallback registers a per-frame callback under an ID. Re-adding an
// existing ID is a no-op.
func (o *Observer) AddCallback(id string, cb Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.callbacks {
		if e.id == id {
			return
		}
	}
	o.callbacks = append(o.callbacks, callbackEntry{id: id, cb: cb})
}

// RemoveCallback removes a callback by ID. Unknown IDs are ignored.
func (o *Observer) RemoveCallback(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.callbacks {
		if e.id == id {
			o.callbacks = append(o.callbacks[:i], o.callbacks[i+1:]...)
			return
		}
	}
}

// onFrame runs on the bus dispatch path for every frame.
func (o *Observer) onFrame(frame models.Frame) {
	now := time.Now()

	o.mu.Lock()
	var interArrival time.Duration
	hasInterval := false
	if last, ok := o.lastTimes[frame.ID]; ok {
		interArrival = now.Sub(last)
		hasInterval = true
	}
	o.lastTimes[frame.ID] = now

	observed := models.ObservedFrame{
		Frame:        frame,
		ObservedAt:   now,
		Sequence:     o.sequence,
		InterArrival: interArrival,
		HasInterval:  hasInterval,
	}
	o.sequence++

	// Drop-oldest ring buffer; the sequence counter never resets.
	if len(o.buffer) >= o.bufferSize {
		o.buffer = o.buffer[1:]
	}
	o.buffer = append(o.buffer, observed)

	st, ok := o.stats[frame.ID]
	if !ok {
		st = &models.MessageStatistics{FirstSeen: now}
		o.stats[frame.ID] = st
	}
	st.Count++
	st.TotalBytes += uint64(len(frame.Data))
	st.LastSeen = now
	if hasInterval {
		if !st.HasInterval || interArrival < st.MinInterval {
			st.MinInterval = interArrival
		}
		if !st.HasInterval || interArrival > st.MaxInterval {
			st.MaxInterval = interArrival
		}
		st.HasInterval = true
	}

	callbacks := make([]callbackEntry, len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.mu.Unlock()

	for _, e := range callbacks {
		invokeRecovered(e.cb, observed)
	}
}

// FrameCount returns the total number of frames observed, including frames
// already evicted from the buffer.
func (o *Observer) FrameCount() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sequence
}

// Buffer returns a copy of the current ring-buffer contents.
func (o *Observer) Buffer() []models.ObservedFrame {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.ObservedFrame, len(o.buffer))
	copy(out, o.buffer)
	return out
}

// FramesByID returns buffered frames for one arbitration ID.
func (o *Observer) FramesByID(id uint32) []models.ObservedFrame {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []models.ObservedFrame
	for _, f := range o.buffer {
		if f.Frame.ID == id {
			out = append(out, f)
		}
	}
	return out
}

// FramesInWindow returns buffered frames observed within [start, end],
// bounds inclusive.
func (o *Observer) FramesInWindow(start, end time.Time) []models.ObservedFrame {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []models.ObservedFrame
	for _, f := range o.buffer {
		if !f.ObservedAt.Before(start) && !f.ObservedAt.After(end) {
			out = append(out, f)
		}
	}
	return out
}

// Statistics returns a copy of the per-ID aggregates.
func (o *Observer) Statistics() map[uint32]models.MessageStatistics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[uint32]models.MessageStatistics, len(o.stats))
	for id, st := range o.stats {
		out[id] = *st
	}
	return out
}

// StatisticsFor returns the aggregate for one ID, if it was ever seen.
func (o *Observer) StatisticsFor(id uint32) (models.MessageStatistics, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.stats[id]
	if !ok {
		return models.MessageStatistics{}, false
	}
	return *st, true
}

// UniqueIDs lists every arbitration ID observed since the last Clear.
func (o *Observer) UniqueIDs() []uint32 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]uint32, 0, len(o.stats))
	for id := range o.stats {
		ids = append(ids, id)
	}
	return ids
}

// Summary reports the observation session at a glance.
func (o *Observer) Summary() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]uint32, 0, len(o.stats))
	for id := range o.stats {
		ids = append(ids, id)
	}
	return Summary{
		TotalFrames:         o.sequence,
		UniqueIDs:           len(o.stats),
		BufferedFrames:      len(o.buffer),
		ObservationDuration: time.Since(o.startTime),
		IDs:                 ids,
	}
}

// Clear resets the buffer, sequence counter, statistics, and the
// observation-duration clock.
func (o *Observer) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffer = nil
	o.sequence = 0
	o.lastTimes = make(map[uint32]time.Time)
	o.stats = make(map[uint32]*models.MessageStatistics)
	o.startTime = time.Now()
}

func invokeRecovered(cb Callback, of models.ObservedFrame) {
	defer func() { _ = recover() }()
	cb(of)
}
