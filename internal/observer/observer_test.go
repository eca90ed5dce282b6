package observer

import (
	"sync"
	"testing"
	"time"

	"vcansim/pkg/models"
)

type fakeBus struct {
	mu        sync.Mutex
	callbacks map[string]func(models.Frame)
}

func newFakeBus() *fakeBus {
	return &fakeBus{callbacks: make(map[string]func(models.Frame))}
}

func (b *fakeBus) AddObserver(id string, cb func(models.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[id] = cb
}

func (b *fakeBus) RemoveObserver(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.callbacks, id)
}

func (b *fakeBus) emit(f models.Frame) {
	b.mu.Lock()
	cbs := make([]func(models.Frame), 0, len(b.callbacks))
	for _, cb := range b.callbacks {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(f)
	}
}

func (b *fakeBus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.callbacks)
}

func mustFrame(t *testing.T, id uint32, data []byte) models.Frame {
	t.Helper()
	f, err := models.NewFrame(id, data, false)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestObserverCapturesFrames(t *testing.T) {
	b := newFakeBus()
	o := New(100)
	o.Attach(b)

	b.emit(mustFrame(t, 0x100, []byte{1, 2}))
	b.emit(mustFrame(t, 0x200, []byte{3}))

	if got := o.FrameCount(); got != 2 {
		t.Fatalf("FrameCount = %d, want 2", got)
	}
	buf := o.Buffer()
	if len(buf) != 2 || buf[0].Frame.ID != 0x100 || buf[1].Frame.ID != 0x200 {
		t.Errorf("buffer = %v, want frames 0x100 then 0x200", buf)
	}
	if buf[0].Sequence != 0 || buf[1].Sequence != 1 {
		t.Errorf("sequences = %d, %d, want 0, 1", buf[0].Sequence, buf[1].Sequence)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b := newFakeBus()
	o := New(3)
	o.Attach(b)

	for i := 0; i < 5; i++ {
		b.emit(mustFrame(t, uint32(0x100+i), nil))
	}

	buf := o.Buffer()
	if len(buf) != 3 {
		t.Fatalf("buffer holds %d frames, want 3", len(buf))
	}
	if buf[0].Frame.ID != 0x102 || buf[2].Frame.ID != 0x104 {
		t.Errorf("buffer kept %#x..%#x, want 0x102..0x104", buf[0].Frame.ID, buf[2].Frame.ID)
	}
	// Total count keeps growing past evictions.
	if got := o.FrameCount(); got != 5 {
		t.Errorf("FrameCount = %d, want 5", got)
	}
}

func TestInterArrivalTracking(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	b.emit(mustFrame(t, 0x100, nil))
	time.Sleep(20 * time.Millisecond)
	b.emit(mustFrame(t, 0x100, nil))

	buf := o.Buffer()
	if buf[0].HasInterval {
		t.Error("first frame of an ID has an interval")
	}
	if !buf[1].HasInterval {
		t.Fatal("second frame of an ID lacks an interval")
	}
	if buf[1].InterArrival < 15*time.Millisecond {
		t.Errorf("InterArrival = %v, want >= 15ms", buf[1].InterArrival)
	}
}

func TestPerIDStatistics(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	b.emit(mustFrame(t, 0x100, []byte{1, 2, 3}))
	b.emit(mustFrame(t, 0x100, []byte{4}))
	b.emit(mustFrame(t, 0x200, nil))

	st, ok := o.StatisticsFor(0x100)
	if !ok {
		t.Fatal("no statistics for 0x100")
	}
	if st.Count != 2 || st.TotalBytes != 4 {
		t.Errorf("Count = %d TotalBytes = %d, want 2 and 4", st.Count, st.TotalBytes)
	}

	if _, ok := o.StatisticsFor(0x300); ok {
		t.Error("statistics reported for an unseen ID")
	}
	if all := o.Statistics(); len(all) != 2 {
		t.Errorf("Statistics() has %d IDs, want 2", len(all))
	}
}

func TestFramesByIDAndWindow(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	b.emit(mustFrame(t, 0x100, nil))
	b.emit(mustFrame(t, 0x200, nil))
	mid := time.Now()
	time.Sleep(5 * time.Millisecond)
	b.emit(mustFrame(t, 0x100, nil))

	if got := o.FramesByID(0x100); len(got) != 2 {
		t.Errorf("FramesByID(0x100) = %d frames, want 2", len(got))
	}
	late := o.FramesInWindow(mid, time.Now())
	if len(late) != 1 || late[0].Frame.ID != 0x100 {
		t.Errorf("window query returned %d frames, want just the last one", len(late))
	}
}

func TestCallbacksReceiveObservedFrames(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	var mu sync.Mutex
	var got []models.ObservedFrame
	o.AddCallback("tap", func(of models.ObservedFrame) {
		mu.Lock()
		got = append(got, of)
		mu.Unlock()
	})

	b.emit(mustFrame(t, 0x100, nil))
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("callback ran %d times, want 1", n)
	}

	o.RemoveCallback("tap")
	b.emit(mustFrame(t, 0x100, nil))
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Error("callback ran after removal")
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	o.AddCallback("bad", func(models.ObservedFrame) { panic("boom") })
	reached := false
	o.AddCallback("good", func(models.ObservedFrame) { reached = true })

	b.emit(mustFrame(t, 0x100, nil))
	if !reached {
		t.Error("panic in one callback blocked the next")
	}
}

func TestDetachStopsObservation(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)
	if b.subscriberCount() != 1 {
		t.Fatalf("bus has %d subscribers after Attach, want 1", b.subscriberCount())
	}

	o.Detach()
	if b.subscriberCount() != 0 {
		t.Error("observer still subscribed after Detach")
	}
	o.Detach() // idempotent
}

func TestReattachMovesSubscription(t *testing.T) {
	b1 := newFakeBus()
	b2 := newFakeBus()
	o := New(10)
	o.Attach(b1)
	o.Attach(b2)

	if b1.subscriberCount() != 0 {
		t.Error("observer still subscribed to the first bus")
	}
	if b2.subscriberCount() != 1 {
		t.Error("observer not subscribed to the second bus")
	}
}

func TestClearResetsEverything(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	b.emit(mustFrame(t, 0x100, []byte{1}))
	o.Clear()

	if o.FrameCount() != 0 || len(o.Buffer()) != 0 || len(o.Statistics()) != 0 {
		t.Error("Clear left state behind")
	}

	// Inter-arrival tracking restarts too.
	b.emit(mustFrame(t, 0x100, nil))
	if buf := o.Buffer(); buf[0].HasInterval {
		t.Error("frame after Clear inherited a stale last-seen time")
	}
}

func TestSummary(t *testing.T) {
	b := newFakeBus()
	o := New(10)
	o.Attach(b)

	b.emit(mustFrame(t, 0x100, nil))
	b.emit(mustFrame(t, 0x200, nil))
	b.emit(mustFrame(t, 0x100, nil))

	s := o.Summary()
	if s.TotalFrames != 3 || s.UniqueIDs != 2 || s.BufferedFrames != 3 {
		t.Errorf("Summary = %+v, want 3 frames, 2 IDs, 3 buffered", s)
	}
}
