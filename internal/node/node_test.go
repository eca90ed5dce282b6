package node

import (
	"sync"
	"testing"
	"time"

	"vcansim/pkg/models"
)

type fakeBus struct {
	mu     sync.Mutex
	frames []models.Frame
}

func (b *fakeBus) Transmit(f models.Frame) bool {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()
	return true
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *fakeBus) all() []models.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

func mustFrame(t *testing.T, id uint32, data []byte) models.Frame {
	t.Helper()
	f, err := models.NewFrame(id, data, false)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestTransmitWithoutBusFails(t *testing.T) {
	n := New("ecu1", FaultConfig{}, 1)
	if n.Transmit(mustFrame(t, 0x100, nil)) {
		t.Error("Transmit succeeded without a connected bus")
	}
}

func TestTransmitForwardsToBus(t *testing.T) {
	b := &fakeBus{}
	n := New("ecu1", FaultConfig{}, 1)
	n.Connect(b)

	if !n.Transmit(mustFrame(t, 0x100, []byte{1})) {
		t.Fatal("Transmit failed")
	}
	if b.count() != 1 {
		t.Fatalf("bus received %d frames, want 1", b.count())
	}
	if got := n.Statistics().FramesSent; got != 1 {
		t.Errorf("FramesSent = %d, want 1", got)
	}
}

func TestDropProbabilityOneDropsEverything(t *testing.T) {
	b := &fakeBus{}
	n := New("ecu1", FaultConfig{DropProbability: 1.0}, 1)
	n.Connect(b)

	for i := 0; i < 100; i++ {
		if n.Transmit(mustFrame(t, 0x100, nil)) {
			t.Fatal("Transmit succeeded with drop probability 1.0")
		}
	}
	if b.count() != 0 {
		t.Errorf("bus received %d frames, want 0", b.count())
	}
	if got := n.Statistics().FramesDropped; got != 100 {
		t.Errorf("FramesDropped = %d, want 100", got)
	}
}

func TestDropProbabilityZeroDropsNothing(t *testing.T) {
	b := &fakeBus{}
	n := New("ecu1", FaultConfig{DropProbability: 0}, 1)
	n.Connect(b)

	for i := 0; i < 100; i++ {
		if !n.Transmit(mustFrame(t, 0x100, nil)) {
			t.Fatal("Transmit failed with drop probability 0")
		}
	}
	if b.count() != 100 {
		t.Errorf("bus received %d frames, want 100", b.count())
	}
}

func TestTransmitDelayIsApplied(t *testing.T) {
	b := &fakeBus{}
	n := New("ecu1", FaultConfig{Delay: 30 * time.Millisecond}, 1)
	n.Connect(b)

	start := time.Now()
	n.Transmit(mustFrame(t, 0x100, nil))
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Transmit returned after %v, want >= 30ms", elapsed)
	}
}

func TestReceiveFilter(t *testing.T) {
	n := New("ecu1", FaultConfig{}, 1)
	var mu sync.Mutex
	var got []uint32
	n.AddReceiveCallback(func(f models.Frame) {
		mu.Lock()
		got = append(got, f.ID)
		mu.Unlock()
	})
	n.SetFilter([]uint32{0x100, 0x200})

	n.Receive(mustFrame(t, 0x100, nil))
	n.Receive(mustFrame(t, 0x150, nil))
	n.Receive(mustFrame(t, 0x200, nil))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 0x100 || got[1] != 0x200 {
		t.Errorf("callback saw %#v, want [0x100 0x200]", got)
	}
	if st := n.Statistics(); st.FramesReceived != 2 {
		t.Errorf("FramesReceived = %d, want 2", st.FramesReceived)
	}
}

func TestNilFilterAcceptsAll(t *testing.T) {
	n := New("ecu1", FaultConfig{}, 1)
	var mu sync.Mutex
	count := 0
	n.AddReceiveCallback(func(models.Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	n.Receive(mustFrame(t, 0x100, nil))
	n.Receive(mustFrame(t, 0x7FF, nil))

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("callback ran %d times, want 2", count)
	}
}

func TestReceiveCallbackPanicIsContained(t *testing.T) {
	n := New("ecu1", FaultConfig{}, 1)
	n.AddReceiveCallback(func(models.Frame) { panic("boom") })
	reached := false
	n.AddReceiveCallback(func(models.Frame) { reached = true })

	n.Receive(mustFrame(t, 0x100, nil))
	if !reached {
		t.Error("panic in one callback blocked the next")
	}
}

func TestPeriodicTransmission(t *testing.T) {
	b := &fakeBus{}
	n := New("ecu1", FaultConfig{}, 42)
	n.Connect(b)

	counter := byte(0)
	n.AddPeriodicMessage(MessageConfig{
		ID:      0x123,
		Period:  10 * time.Millisecond,
		Enabled: true,
		Generator: func() []byte {
			counter++
			return []byte{counter}
		},
	})

	n.Start()
	time.Sleep(105 * time.Millisecond)
	n.Stop()

	got := b.count()
	if got < 5 || got > 15 {
		t.Errorf("sent %d frames in ~100ms at 10ms period, want 5-15", got)
	}
	for _, f := range b.all() {
		if f.ID != 0x123 {
			t.Fatalf("unexpected frame ID %#x", f.ID)
		}
	}

	// No more frames after Stop.
	after := b.count()
	time.Sleep(30 * time.Millisecond)
	if b.count() != after {
		t.Error("frames transmitted after Stop")
	}
}

func TestDisabledMessageDoesNotTransmit(t *testing.T) {
	b := &fakeBus{}
	n := New("ecu1", FaultConfig{}, 1)
	n.Connect(b)
	n.AddPeriodicMessage(MessageConfig{
		ID:        0x100,
		Period:    5 * time.Millisecond,
		Enabled:   false,
		Generator: func() []byte { return nil },
	})

	n.Start()
	time.Sleep(30 * time.Millisecond)
	n.Stop()

	if b.count() != 0 {
		t.Errorf("disabled message transmitted %d frames", b.count())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	n := New("ecu1", FaultConfig{}, 1)
	n.Connect(&fakeBus{})
	n.AddPeriodicMessage(MessageConfig{
		ID:        0x100,
		Period:    50 * time.Millisecond,
		Enabled:   true,
		Generator: func() []byte { return nil },
	})

	n.Start()
	n.Start()
	n.Stop()
	n.Stop()
}
