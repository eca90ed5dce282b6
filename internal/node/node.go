// Package node models a single bus participant: a set of periodic
// transmitters plus a filtered receive path.
package node

import (
	"math/rand"
	"sync"
	"time"

	"vcansim/pkg/models"
)

// Bus is the transmit capability a node needs. *bus.Bus satisfies it.
type Bus interface {
	Transmit(models.Frame) bool
}

// minTick floors the inter-transmission sleep so a zero or negative period
// after jitter cannot busy-loop the scheduler.
const minTick = time.Millisecond

// MessageConfig describes one recurring transmission.
type MessageConfig struct {
	ID         uint32
	Period     time.Duration
	Jitter     time.Duration // uniform in [-Jitter, +Jitter] added per cycle
	IsExtended bool
	Enabled    bool
	Generator  func() []byte
}

// FaultConfig applies node-local transport imperfections on transmit.
type FaultConfig struct {
	DropProbability float64
	Delay           time.Duration
	DelayJitter     time.Duration
}

// Statistics is a snapshot of node activity.
type Statistics struct {
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
}

// Node is a virtual CAN node.
type Node struct {
	name  string
	fault FaultConfig

	mu        sync.Mutex
	bus       Bus
	messages  []MessageConfig
	callbacks []func(models.Frame)
	filter    map[uint32]struct{} // nil accepts all IDs
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	stats     Statistics

	rngMu sync.Mutex
	rng   *rand.Rand
	seed  int64
}

// New creates a node. The seed drives all node-local randomness (transmit
// faults and period jitter) so traffic generation is reproducible.
func New(name string, fault FaultConfig, seed int64) *Node {
	return &Node{
		name:  name,
		fault: fault,
		rng:   rand.New(rand.NewSource(seed)),
		seed:  seed,
	}
}

// Name returns the node name. It doubles as the bus registry key.
func (n *Node) Name() string { return n.name }

// Connect wires the node to a bus for transmission. The bus side of the
// relationship is established separately via bus.AttachNode.
func (n *Node) Connect(b Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bus = b
}

// Disconnect detaches the node from its current bus.
func (n *Node) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bus = nil
}

// IsConnected reports whether the node has a bus to transmit on.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bus != nil
}

// AddPeriodicMessage registers a recurring transmission. Takes effect on the
// next Start.
func (n *Node) AddPeriodicMessage(cfg MessageConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, cfg)
}

// AddReceiveCallback registers a callback for frames that pass the filter.
func (n *Node) AddReceiveCallback(cb func(models.Frame)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, cb)
}

// SetFilter restricts which received frames reach the callbacks. A nil set
// accepts everything.
func (n *Node) SetFilter(ids []uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ids == nil {
		n.filter = nil
		return
	}
	filter := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		filter[id] = struct{}{}
	}
	n.filter = filter
}

// Transmit forwards a frame to the bus, first applying the node's fault
// configuration: a drop draw, then a delay of Delay +/- DelayJitter clamped
// at zero. Returns false when the frame was dropped or no bus is connected.
func (n *Node) Transmit(frame models.Frame) bool {
	n.mu.Lock()
	b := n.bus
	n.mu.Unlock()
	if b == nil {
		return false
	}

	if n.fault.DropProbability > 0 && n.randFloat() < n.fault.DropProbability {
		n.mu.Lock()
		n.stats.FramesDropped++
		n.mu.Unlock()
		return false
	}

	if n.fault.Delay > 0 {
		delay := n.fault.Delay
		if n.fault.DelayJitter > 0 {
			delay += n.randJitter(n.fault.DelayJitter)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	b.Transmit(frame)
	n.mu.Lock()
	n.stats.FramesSent++
	n.mu.Unlock()
	return true
}

// Receive is called by the bus dispatch loop for every frame on the bus.
// Callback panics are discarded; a broken handler must not disturb delivery
// to the remaining subscribers.
func (n *Node) Receive(frame models.Frame) {
	n.mu.Lock()
	if n.filter != nil {
		if _, ok := n.filter[frame.ID]; !ok {
			n.mu.Unlock()
			return
		}
	}
	n.stats.FramesReceived++
	callbacks := make([]func(models.Frame), len(n.callbacks))
	copy(callbacks, n.callbacks)
	n.mu.Unlock()

	for _, cb := range callbacks {
		invokeRecovered(cb, frame)
	}
}

// Start launches one goroutine per enabled periodic message. Idempotent.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})

	for i, cfg := range n.messages {
		if !cfg.Enabled {
			continue
		}
		n.wg.Add(1)
		// Each loop gets its own random source so period jitter draws do
		// not contend, while staying derived from the node seed.
		rng := rand.New(rand.NewSource(n.seed + int64(i) + 1))
		go n.periodicLoop(cfg, rng, n.stopCh)
	}
}

// Stop cancels all periodic tasks and waits for them to finish. No frame is
// half-sent when Stop returns.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()
}

// Statistics returns a snapshot of node counters.
func (n *Node) Statistics() Statistics {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Node) periodicLoop(cfg MessageConfig, rng *rand.Rand, stopCh chan struct{}) {
	defer n.wg.Done()
	for {
		// Generator panics propagate: a broken traffic generator is a
		// programmer error and must surface immediately, unlike subscriber
		// callbacks which are best-effort.
		data := cfg.Generator()
		frame, err := models.NewFrame(cfg.ID, data, cfg.IsExtended)
		if err != nil {
			panic(err)
		}
		n.Transmit(frame)

		period := cfg.Period
		if cfg.Jitter > 0 {
			period += time.Duration(rng.Int63n(int64(2*cfg.Jitter))) - cfg.Jitter
		}
		if period < minTick {
			period = minTick
		}
		select {
		case <-stopCh:
			return
		case <-time.After(period):
		}
	}
}

func (n *Node) randFloat() float64 {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64()
}

func (n *Node) randJitter(j time.Duration) time.Duration {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return time.Duration(n.rng.Int63n(int64(2*j))) - j
}

func invokeRecovered(cb func(models.Frame), frame models.Frame) {
	defer func() { _ = recover() }()
	cb(frame)
}
