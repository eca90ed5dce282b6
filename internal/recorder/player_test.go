package recorder

import (
	"sync"
	"testing"
	"time"

	"vcansim/pkg/models"
)

type fakeBus struct {
	mu     sync.Mutex
	frames []models.Frame
	times  []time.Time
}

func (b *fakeBus) Transmit(f models.Frame) bool {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.times = append(b.times, time.Now())
	b.mu.Unlock()
	return true
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *fakeBus) snapshot() ([]models.Frame, []time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := make([]models.Frame, len(b.frames))
	copy(frames, b.frames)
	times := make([]time.Time, len(b.times))
	copy(times, b.times)
	return frames, times
}

// recordingAt builds a synthetic recording with the given relative times in
// milliseconds, alternating between two IDs.
func recordingAt(t *testing.T, relMs ...int) []models.RecordedFrame {
	t.Helper()
	start := time.Now()
	frames := make([]models.RecordedFrame, 0, len(relMs))
	for i, ms := range relMs {
		id := uint32(0x100 + i%2*0x100)
		f, err := models.NewFrameAt(id, []byte{byte(i)}, false, start.Add(time.Duration(ms)*time.Millisecond))
		if err != nil {
			t.Fatalf("NewFrameAt: %v", err)
		}
		frames = append(frames, models.NewRecordedFrame(f, start))
	}
	return frames
}

func waitForState(t *testing.T, p *Player, want PlaybackState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("player never reached state %v (stuck at %v)", want, p.State())
}

func TestPlaybackPreservesRelativeTiming(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 40, 80))

	start := time.Now()
	p.Play()
	waitForState(t, p, StateStopped)

	if b.count() != 3 {
		t.Fatalf("replayed %d frames, want 3", b.count())
	}
	_, times := b.snapshot()
	gap := times[2].Sub(times[0])
	if gap < 70*time.Millisecond || gap > 200*time.Millisecond {
		t.Errorf("first-to-last spacing = %v, want ~80ms", gap)
	}
	if total := time.Since(start); total < 80*time.Millisecond {
		t.Errorf("playback finished in %v, faster than the recording", total)
	}
}

func TestPlaybackRestampsFrames(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0))

	before := time.Now()
	p.Play()
	waitForState(t, p, StateStopped)

	frames, _ := b.snapshot()
	if frames[0].Timestamp.Before(before) {
		t.Error("replayed frame kept its recorded timestamp")
	}
}

func TestSpeedFactorScalesTiming(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 200))
	if err := p.SetSpeedFactor(4.0); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	p.Play()
	waitForState(t, p, StateStopped)

	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Errorf("200ms recording at 4x took %v, want ~50ms", elapsed)
	}
}

func TestSetSpeedFactorRejectsNonPositive(t *testing.T) {
	p := NewPlayer(&fakeBus{})
	if err := p.SetSpeedFactor(0); err != ErrInvalidSpeedFactor {
		t.Errorf("SetSpeedFactor(0) = %v, want ErrInvalidSpeedFactor", err)
	}
	if err := p.SetSpeedFactor(-1); err != ErrInvalidSpeedFactor {
		t.Errorf("SetSpeedFactor(-1) = %v, want ErrInvalidSpeedFactor", err)
	}
	if p.SpeedFactor() != 1.0 {
		t.Errorf("rejected factor changed the speed to %f", p.SpeedFactor())
	}
}

func TestPauseAndResume(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 30, 300))

	p.Play()
	time.Sleep(60 * time.Millisecond) // let the first two frames out
	p.Pause()

	if p.State() != StatePaused {
		t.Fatalf("state after Pause = %v, want paused", p.State())
	}
	atPause := b.count()
	if atPause < 1 || atPause > 2 {
		t.Fatalf("frames at pause = %d, want 1 or 2", atPause)
	}

	time.Sleep(50 * time.Millisecond)
	if b.count() != atPause {
		t.Fatal("frames transmitted while paused")
	}

	p.Play()
	waitForState(t, p, StateStopped)
	if b.count() != 3 {
		t.Errorf("total frames after resume = %d, want 3", b.count())
	}
}

func TestStopResetsPosition(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 500))

	p.Play()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	if p.State() != StateStopped {
		t.Fatalf("state after Stop = %v", p.State())
	}
	if got := p.Progress().CurrentFrame; got != 0 {
		t.Errorf("CurrentFrame after Stop = %d, want 0", got)
	}

	// A fresh Play starts from the beginning.
	p.Play()
	waitForState(t, p, StateStopped)
	if b.count() != 3 { // 1 before Stop + 2 after restart
		t.Errorf("bus got %d frames, want 3", b.count())
	}
}

func TestSeek(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 10, 20, 30))

	p.Seek(2)
	if got := p.Progress().CurrentFrame; got != 2 {
		t.Fatalf("CurrentFrame after Seek = %d, want 2", got)
	}
	p.Seek(99) // out of range, ignored
	if got := p.Progress().CurrentFrame; got != 2 {
		t.Errorf("out-of-range Seek moved the position to %d", got)
	}
	p.Seek(-1)
	if got := p.Progress().CurrentFrame; got != 2 {
		t.Errorf("negative Seek moved the position to %d", got)
	}
}

func TestPlayInstant(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 100, 200, 300, 400))

	start := time.Now()
	sent := p.PlayInstant()
	elapsed := time.Since(start)

	if sent != 5 || b.count() != 5 {
		t.Errorf("PlayInstant sent %d, bus got %d, want 5 each", sent, b.count())
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("PlayInstant took %v, want no replay delays", elapsed)
	}
	if p.State() != StateStopped {
		t.Errorf("PlayInstant changed state to %v", p.State())
	}
}

func TestPlaybackCallbacks(t *testing.T) {
	b := &fakeBus{}
	p := NewPlayer(b)
	p.LoadFrames(recordingAt(t, 0, 10))

	var mu sync.Mutex
	var indexes []int
	p.AddCallback("tap", func(_ models.Frame, idx int) {
		mu.Lock()
		indexes = append(indexes, idx)
		mu.Unlock()
	})

	p.Play()
	waitForState(t, p, StateStopped)

	mu.Lock()
	defer mu.Unlock()
	if len(indexes) != 2 || indexes[0] != 0 || indexes[1] != 1 {
		t.Errorf("callback indexes = %v, want [0 1]", indexes)
	}
}

func TestPlayWithNothingLoaded(t *testing.T) {
	p := NewPlayer(&fakeBus{})
	p.Play()
	if p.State() != StateStopped {
		t.Errorf("Play with no frames moved state to %v", p.State())
	}
}

func TestProgressPercent(t *testing.T) {
	pr := Progress{CurrentFrame: 25, TotalFrames: 100}
	if pr.Percent() != 25 {
		t.Errorf("Percent() = %f, want 25", pr.Percent())
	}
	empty := Progress{}
	if empty.Percent() != 0 {
		t.Errorf("empty Percent() = %f, want 0", empty.Percent())
	}
}
