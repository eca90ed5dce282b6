// Package bus implements the shared broadcast medium of the simulator.
//
// Producers enqueue frames through Transmit; a single dispatch goroutine
// drains the queue and delivers each frame synchronously to every attached
// node and observer before taking the next one. Slow consumers therefore
// never block transmitters, only the dispatch cadence.
package bus

import (
	"sync"
	"time"

	"vcansim/pkg/models"
)

// FrameCallback receives every frame dispatched on the bus.
type FrameCallback = func(models.Frame)

// Receiver is the capability a node exposes to the bus. The bus keeps a
// registry keyed by Name so attach/detach are idempotent lookups rather
// than pointer traversals.
type Receiver interface {
	Name() string
	Receive(models.Frame)
}

// Statistics is a snapshot of aggregate bus activity.
type Statistics struct {
	FramesTransmitted uint64
	BytesTransmitted  uint64
	FramesDropped     uint64 // queue overflow plus frames drained on Stop
	StartTime         time.Time
	LastFrameTime     time.Time
}

// ElapsedTime returns the time since the bus was started.
func (s Statistics) ElapsedTime() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return time.Since(s.StartTime)
}

// FramesPerSecond returns the average dispatch rate since start.
func (s Statistics) FramesPerSecond() float64 {
	elapsed := s.ElapsedTime().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.FramesTransmitted) / elapsed
}

type observerEntry struct {
	id string
	cb FrameCallback
}

// Bus is a virtual CAN bus connecting nodes and observers.
type Bus struct {
	name      string
	queueSize int

	mu        sync.RWMutex
	nodes     []Receiver
	observers []observerEntry
	queue     chan models.Frame
	running   bool
	stopCh    chan struct{}
	done      chan struct{}

	statsMu sync.Mutex
	stats   Statistics
}

// DefaultQueueSize bounds the transmit queue when no explicit size is given.
const DefaultQueueSize = 4096

// New creates a bus. The queue size bounds how many frames may be in flight
// between producers and the dispatch loop; size <= 0 selects the default.
func New(name string, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{name: name, queueSize: queueSize}
}

// Name returns the bus name (e.g. "vcan0").
func (b *Bus) Name() string { return b.name }

// AttachNode registers a node for frame delivery. Attaching an already
// attached node is a no-op; delivery follows attachment order.
func (b *Bus) AttachNode(node Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.nodes {
		if n.Name() == node.Name() {
			return
		}
	}
	b.nodes = append(b.nodes, node)
}

// DetachNode removes a node by name. Unknown names are ignored.
func (b *Bus) DetachNode(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, n := range b.nodes {
		if n.Name() == name {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// AddObserver registers a frame-arrival callback under an ID. Re-adding an
// existing ID is a no-op; delivery follows registration order.
func (b *Bus) AddObserver(id string, cb FrameCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.observers {
		if o.id == id {
			return
		}
	}
	b.observers = append(b.observers, observerEntry{id: id, cb: cb})
}

// RemoveObserver removes a callback by ID. Unknown IDs are ignored.
func (b *Bus) RemoveObserver(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, o := range b.observers {
		if o.id == id {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// Transmit enqueues a frame for dispatch. It never blocks: if the bus is not
// started the frame is discarded, and if the queue is full the frame is
// dropped and counted. Safe to call concurrently from any number of node
// goroutines.
func (b *Bus) Transmit(frame models.Frame) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return false
	}
	select {
	case b.queue <- frame:
		return true
	default:
		b.statsMu.Lock()
		b.stats.FramesDropped++
		b.statsMu.Unlock()
		return false
	}
}

// Start launches the dispatch loop and resets statistics. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.queue = make(chan models.Frame, b.queueSize)
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	b.running = true

	b.statsMu.Lock()
	b.stats = Statistics{StartTime: time.Now()}
	b.statsMu.Unlock()

	go b.dispatchLoop(b.queue, b.stopCh, b.done)
}

// Stop signals the dispatch loop to exit, waits for it to finish, then
// discards any frames still queued. Losing queued frames on shutdown is
// documented behavior, not an error; the dropped count is visible in the
// statistics.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	queue, done := b.queue, b.done
	b.mu.Unlock()

	<-done

	for {
		select {
		case <-queue:
			b.statsMu.Lock()
			b.stats.FramesDropped++
			b.statsMu.Unlock()
		default:
			return
		}
	}
}

// IsRunning reports whether the dispatch loop is active.
func (b *Bus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Statistics returns a snapshot of bus activity.
func (b *Bus) Statistics() Statistics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

func (b *Bus) dispatchLoop(queue chan models.Frame, stopCh, done chan struct{}) {
	defer close(done)
	for {
		// Prefer the stop signal over further queued frames so Stop can
		// guarantee no additional dispatches once it has been requested.
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case frame := <-queue:
			b.dispatch(frame)
		}
	}
}

// dispatch delivers one frame to all nodes, then all observers, in
// attachment order. Delivery of a frame completes before the next frame is
// dequeued, making per-frame delivery a serialization point.
func (b *Bus) dispatch(frame models.Frame) {
	b.statsMu.Lock()
	b.stats.FramesTransmitted++
	b.stats.BytesTransmitted += uint64(len(frame.Data))
	b.stats.LastFrameTime = frame.Timestamp
	b.statsMu.Unlock()

	b.mu.RLock()
	nodes := make([]Receiver, len(b.nodes))
	copy(nodes, b.nodes)
	observers := make([]observerEntry, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, n := range nodes {
		n.Receive(frame.Clone())
	}
	for _, o := range observers {
		safeInvoke(o.cb, frame.Clone())
	}
}

// safeInvoke shields the dispatch loop from observer panics: one failing
// subscriber never blocks delivery to the others.
func safeInvoke(cb FrameCallback, frame models.Frame) {
	defer func() { _ = recover() }()
	cb(frame)
}
