package bus

import (
	"sync"
	"testing"
	"time"

	"vcansim/pkg/models"
)

func mustFrame(t *testing.T, id uint32, data []byte) models.Frame {
	t.Helper()
	f, err := models.NewFrame(id, data, false)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

type recordingNode struct {
	name string
	mu   sync.Mutex
	got  []models.Frame
}

func (n *recordingNode) Name() string { return n.name }

func (n *recordingNode) Receive(f models.Frame) {
	n.mu.Lock()
	n.got = append(n.got, f)
	n.mu.Unlock()
}

func (n *recordingNode) frames() []models.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Frame, len(n.got))
	copy(out, n.got)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestTransmitBeforeStartIsRejected(t *testing.T) {
	b := New("vcan0", 8)
	if b.Transmit(mustFrame(t, 0x100, []byte{1})) {
		t.Error("Transmit accepted a frame on a stopped bus")
	}
}

func TestBroadcastReachesAllReceivers(t *testing.T) {
	b := New("vcan0", 8)
	defer b.Stop()

	n1 := &recordingNode{name: "n1"}
	n2 := &recordingNode{name: "n2"}
	b.AttachNode(n1)
	b.AttachNode(n2)

	var mu sync.Mutex
	var observed []models.Frame
	b.AddObserver("tap", func(f models.Frame) {
		mu.Lock()
		observed = append(observed, f)
		mu.Unlock()
	})

	b.Start()
	if !b.Transmit(mustFrame(t, 0x123, []byte{0xAA})) {
		t.Fatal("Transmit rejected on a running bus")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(n1.frames()) == 1 && len(n2.frames()) == 1 && len(observed) == 1
	})

	if f := n1.frames()[0]; f.ID != 0x123 {
		t.Errorf("node received ID %#x, want 0x123", f.ID)
	}
}

func TestDispatchOrderFollowsAttachment(t *testing.T) {
	b := New("vcan0", 8)
	defer b.Stop()

	var mu sync.Mutex
	var order []string
	for _, id := range []string{"a", "b", "c"} {
		id := id
		b.AddObserver(id, func(models.Frame) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		})
	}

	b.Start()
	b.Transmit(mustFrame(t, 0x100, nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c"} {
		if order[i] != want {
			t.Fatalf("dispatch order = %v, want [a b c]", order)
		}
	}
}

func TestDeliveredPayloadIsACopy(t *testing.T) {
	b := New("vcan0", 8)
	defer b.Stop()

	got := make(chan models.Frame, 1)
	b.AddObserver("tap", func(f models.Frame) {
		select {
		case got <- f:
		default:
		}
	})

	b.Start()
	original := mustFrame(t, 0x100, []byte{0x11, 0x22})
	b.Transmit(original)

	select {
	case f := <-got:
		f.Data[0] = 0xFF
		if original.Data[0] != 0x11 {
			t.Error("observer mutation leaked into the transmitted frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestQueueOverflowDropsAndCounts(t *testing.T) {
	b := New("vcan0", 2)

	// Block the dispatch loop on the first frame so the queue backs up.
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	b.AddObserver("blocker", func(models.Frame) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	})

	b.Start()
	b.Transmit(mustFrame(t, 0x100, nil))
	<-entered

	// Fill the queue, then overflow it.
	accepted := 0
	dropped := 0
	for i := 0; i < 5; i++ {
		if b.Transmit(mustFrame(t, 0x101, nil)) {
			accepted++
		} else {
			dropped++
		}
	}
	if accepted != 2 || dropped != 3 {
		t.Errorf("accepted = %d dropped = %d, want 2 and 3", accepted, dropped)
	}
	if got := b.Statistics().FramesDropped; got != 3 {
		t.Errorf("FramesDropped = %d, want 3", got)
	}

	close(gate)
	b.Stop()
}

func TestStopDrainsQueueWithoutDispatch(t *testing.T) {
	b := New("vcan0", 16)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	delivered := 0
	b.AddObserver("blocker", func(models.Frame) {
		mu.Lock()
		delivered++
		mu.Unlock()
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	})

	b.Start()
	b.Transmit(mustFrame(t, 0x100, nil))
	<-entered

	// Queue three more while dispatch is blocked, then stop.
	for i := 0; i < 3; i++ {
		b.Transmit(mustFrame(t, 0x101, nil))
	}
	close(gate)
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	stats := b.Statistics()
	if uint64(delivered)+stats.FramesDropped != 4 {
		t.Errorf("delivered %d + dropped %d != 4 queued frames", delivered, stats.FramesDropped)
	}
	if b.Transmit(mustFrame(t, 0x102, nil)) {
		t.Error("Transmit accepted after Stop")
	}
}

func TestObserverPanicDoesNotStopDispatch(t *testing.T) {
	b := New("vcan0", 8)
	defer b.Stop()

	b.AddObserver("bad", func(models.Frame) { panic("boom") })
	got := make(chan struct{}, 1)
	b.AddObserver("good", func(models.Frame) {
		select {
		case got <- struct{}{}:
		default:
		}
	})

	b.Start()
	b.Transmit(mustFrame(t, 0x100, nil))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking observer blocked delivery to others")
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	b := New("vcan0", 8)
	defer b.Stop()

	n := &recordingNode{name: "n"}
	b.AttachNode(n)
	b.Start()

	b.Transmit(mustFrame(t, 0x100, nil))
	waitFor(t, func() bool { return len(n.frames()) == 1 })

	b.DetachNode("n")
	b.Transmit(mustFrame(t, 0x101, nil))
	time.Sleep(50 * time.Millisecond)

	if got := len(n.frames()); got != 1 {
		t.Errorf("detached node received %d frames, want 1", got)
	}
}

func TestStartResetsStatistics(t *testing.T) {
	b := New("vcan0", 8)
	b.Start()
	b.Transmit(mustFrame(t, 0x100, []byte{1, 2, 3}))
	waitFor(t, func() bool { return b.Statistics().FramesTransmitted == 1 })
	b.Stop()

	b.Start()
	defer b.Stop()
	if got := b.Statistics().FramesTransmitted; got != 0 {
		t.Errorf("FramesTransmitted after restart = %d, want 0", got)
	}
}
