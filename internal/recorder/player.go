package recorder

import (
	"errors"
	"sync"
	"time"

	"vcansim/pkg/models"
)

// ErrInvalidSpeedFactor is returned by SetSpeedFactor for factors <= 0.
var ErrInvalidSpeedFactor = errors.New("speed factor must be positive")

// PlaybackState is the player's lifecycle state.
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

func (s PlaybackState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Progress is a snapshot of playback position.
type Progress struct {
	CurrentFrame  int
	TotalFrames   int
	Elapsed       time.Duration
	TotalDuration time.Duration
	State         PlaybackState
}

// Percent returns the completed fraction of playback as 0..100.
func (p Progress) Percent() float64 {
	if p.TotalFrames == 0 {
		return 0
	}
	return float64(p.CurrentFrame) / float64(p.TotalFrames) * 100
}

// Bus is where replayed frames are injected. *bus.Bus and
// *faults.Transmitter both satisfy it.
type Bus interface {
	Transmit(models.Frame) bool
}

// Player replays recorded frames onto a bus, reproducing the original
// inter-frame spacing scaled by a speed factor.
type Player struct {
	mu        sync.Mutex
	bus       Bus
	frames    []models.RecordedFrame
	meta      models.RecordingMetadata
	state     PlaybackState
	speed     float64
	index     int
	startTime time.Time // wall-clock anchor for relative times
	pauseTime time.Time
	callbacks map[string]func(models.Frame, int)
	stopCh    chan struct{}
	done      chan struct{}
}

// NewPlayer creates a player targeting the given bus.
func NewPlayer(b Bus) *Player {
	return &Player{
		bus:       b,
		speed:     1.0,
		callbacks: make(map[string]func(models.Frame, int)),
	}
}

// Load installs a recording's frames and metadata, stopping any playback
// in progress.
func (p *Player) Load(meta models.RecordingMetadata, frames []models.RecordedFrame) {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta = meta
	p.frames = make([]models.RecordedFrame, len(frames))
	copy(p.frames, frames)
	p.index = 0
}

// LoadFrames installs frames without metadata.
func (p *Player) LoadFrames(frames []models.RecordedFrame) {
	p.Load(models.RecordingMetadata{}, frames)
}

// SetSpeedFactor sets the playback speed. 2.0 replays twice as fast, 0.5 at
// half speed. Factors <= 0 are rejected.
func (p *Player) SetSpeedFactor(factor float64) error {
	if factor <= 0 {
		return ErrInvalidSpeedFactor
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speed = factor
	return nil
}

// SpeedFactor returns the current speed factor.
func (p *Player) SpeedFactor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// AddCallback registers a callback invoked with each replayed frame and its
// index. Callback panics are discarded.
func (p *Player) AddCallback(id string, cb func(models.Frame, int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[id] = cb
}

// RemoveCallback removes a registered callback.
func (p *Player) RemoveCallback(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.callbacks, id)
}

// State returns the current playback state.
func (p *Player) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Progress returns a snapshot of the playback position.
func (p *Player) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total time.Duration
	if n := len(p.frames); n > 0 {
		total = time.Duration(p.frames[n-1].RelativeTime * float64(time.Second))
	}
	var elapsed time.Duration
	switch p.state {
	case StatePlaying:
		elapsed = time.Since(p.startTime)
	case StatePaused:
		elapsed = p.pauseTime.Sub(p.startTime)
	}
	return Progress{
		CurrentFrame:  p.index,
		TotalFrames:   len(p.frames),
		Elapsed:       elapsed,
		TotalDuration: total,
		State:         p.state,
	}
}

// Play starts playback, or resumes it after a pause. Resume shifts the
// wall-clock anchor by the pause duration so the remaining frames keep
// their original spacing. Playing while already playing is a no-op; playing
// with no frames loaded is a no-op.
func (p *Player) Play() {
	p.mu.Lock()
	if p.state == StatePlaying || len(p.frames) == 0 {
		p.mu.Unlock()
		return
	}

	if p.state == StatePaused {
		p.startTime = p.startTime.Add(time.Since(p.pauseTime))
	} else {
		p.index = 0
		p.startTime = time.Now()
	}
	p.state = StatePlaying
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	go p.playbackLoop(stopCh, done)
}

// Pause suspends playback, remembering the position. Only meaningful while
// playing.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.state = StatePaused
	p.pauseTime = time.Now()
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	close(stopCh)
	<-done
}

// Stop halts playback and resets the position to the beginning.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	playing := p.state == StatePlaying
	p.state = StateStopped
	p.index = 0
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	if playing {
		close(stopCh)
		<-done
	}
}

// Seek moves the playback position to the given frame index. Out-of-range
// indexes are ignored. Seeking while playing rebases the timing anchor so
// playback continues from the new position with original spacing.
func (p *Player) Seek(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.frames) {
		return
	}
	p.index = index
	if p.state == StatePlaying || p.state == StatePaused {
		// Rebase so the target frame is due now.
		offset := time.Duration(p.frames[index].RelativeTime * float64(time.Second))
		anchor := time.Now().Add(-time.Duration(float64(offset) / p.speed))
		p.startTime = anchor
		if p.state == StatePaused {
			p.pauseTime = time.Now()
		}
	}
}

// PlayInstant transmits every loaded frame back to back with no delays and
// returns the number of frames sent. It does not touch playback state.
func (p *Player) PlayInstant() int {
	p.mu.Lock()
	frames := make([]models.RecordedFrame, len(p.frames))
	copy(frames, p.frames)
	callbacks := p.snapshotCallbacksLocked()
	p.mu.Unlock()

	sent := 0
	for i, rf := range frames {
		frame, err := rf.ToFrame()
		if err != nil {
			continue
		}
		frame.Timestamp = time.Now()
		p.bus.Transmit(frame)
		sent++
		for _, cb := range callbacks {
			invokePlaybackCallback(cb, frame, i)
		}
	}
	return sent
}

// playbackLoop walks the frame list, sleeping until each frame's scaled
// relative time, then injecting it with a fresh timestamp.
func (p *Player) playbackLoop(stopCh, done chan struct{}) {
	defer close(done)

	for {
		p.mu.Lock()
		if p.state != StatePlaying || p.index >= len(p.frames) {
			if p.index >= len(p.frames) {
				p.state = StateStopped
				p.index = 0
			}
			p.mu.Unlock()
			return
		}
		rf := p.frames[p.index]
		idx := p.index
		offset := time.Duration(rf.RelativeTime * float64(time.Second))
		target := p.startTime.Add(time.Duration(float64(offset) / p.speed))
		callbacks := p.snapshotCallbacksLocked()
		p.mu.Unlock()

		if wait := time.Until(target); wait > 0 {
			select {
			case <-stopCh:
				return
			case <-time.After(wait):
			}
		} else {
			select {
			case <-stopCh:
				return
			default:
			}
		}

		frame, err := rf.ToFrame()
		if err == nil {
			frame.Timestamp = time.Now()
			p.bus.Transmit(frame)
			for _, cb := range callbacks {
				invokePlaybackCallback(cb, frame, idx)
			}
		}

		p.mu.Lock()
		if p.state != StateStopped {
			p.index++
		}
		p.mu.Unlock()
	}
}

func (p *Player) snapshotCallbacksLocked() []func(models.Frame, int) {
	out := make([]func(models.Frame, int), 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		out = append(out, cb)
	}
	return out
}

func invokePlaybackCallback(cb func(models.Frame, int), frame models.Frame, idx int) {
	defer func() { _ = recover() }()
	cb(frame, idx)
}
