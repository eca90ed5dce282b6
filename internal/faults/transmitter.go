package faults

import "vcansim/pkg/models"

// Transmitter interposes an Injector between a producer and the bus: every
// transmitted frame is expanded by ProcessFrame into zero or more frames
// before reaching the underlying bus. It satisfies the node.Bus contract so
// nodes can be wired through fault injection transparently.
type Transmitter struct {
	injector *Injector
	bus      Bus
}

// NewTransmitter wraps a bus with fault injection.
func NewTransmitter(in *Injector, b Bus) *Transmitter {
	return &Transmitter{injector: in, bus: b}
}

// Transmit runs the frame through the injector and forwards the survivors.
// Returns true if at least one frame reached the bus queue.
func (t *Transmitter) Transmit(frame models.Frame) bool {
	any := false
	for _, out := range t.injector.ProcessFrame(frame) {
		if t.bus.Transmit(out) {
			any = true
		}
	}
	return any
}
