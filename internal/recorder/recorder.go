// Package recorder captures bus traffic with timing relative to recording
// start and replays it with the original spacing reproduced.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"vcansim/internal/storage"
	"vcansim/pkg/models"
)

// ObserverSource is the frame stream a recorder subscribes to.
// *observer.Observer satisfies it.
type ObserverSource interface {
	AddCallback(id string, cb func(models.ObservedFrame))
	RemoveCallback(id string)
}

// document is the on-disk recording layout, encoded as JSON or CBOR
// depending on the file extension.
type document struct {
	Metadata models.RecordingMetadata `json:"metadata" cbor:"metadata"`
	Frames   []models.RecordedFrame   `json:"frames" cbor:"frames"`
}

// Recorder captures observed frames as RecordedFrames with time relative to
// the recording start.
type Recorder struct {
	cbID string

	mu        sync.Mutex
	observer  ObserverSource
	frames    []models.RecordedFrame
	meta      models.RecordingMetadata
	recording bool
	startTime time.Time
	stream    io.Writer // non-nil in streaming mode
}

// New creates a recorder fed by the given observer. The observer may be nil
// when frames are recorded manually via RecordFrame.
func New(obs ObserverSource) *Recorder {
	return &Recorder{
		cbID:     "recorder-" + uuid.NewString(),
		observer: obs,
	}
}

// IsRecording reports whether a capture is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// FrameCount returns the number of frames captured so far.
func (r *Recorder) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Metadata returns the current recording metadata.
func (r *Recorder) Metadata() models.RecordingMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Start begins capturing frames. Calling Start during a recording is a
// no-op.
func (r *Recorder) Start(description string) {
	r.startWith(description, nil)
}

// StartStreaming begins capturing and additionally writes each frame to w
// as a JSON line the moment it is observed, so long captures do not have to
// be buffered in memory.
func (r *Recorder) StartStreaming(w io.Writer, description string) {
	r.startWith(description, w)
}

func (r *Recorder) startWith(description string, w io.Writer) {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	r.frames = nil
	r.startTime = now
	r.meta = models.RecordingMetadata{
		ID:          uuid.NewString(),
		StartTime:   float64(now.UnixNano()) / float64(time.Second),
		Description: description,
	}
	r.recording = true
	r.stream = w
	obs := r.observer
	r.mu.Unlock()

	if obs != nil {
		obs.AddCallback(r.cbID, r.onFrame)
	}
}

// Stop finalizes the metadata, detaches from the observer, and returns the
// completed metadata. Calling Stop while stopped returns the last metadata.
func (r *Recorder) Stop() models.RecordingMetadata {
	r.mu.Lock()
	if !r.recording {
		meta := r.meta
		r.mu.Unlock()
		return meta
	}
	r.recording = false
	r.stream = nil
	r.meta.EndTime = float64(time.Now().UnixNano()) / float64(time.Second)
	r.meta.FrameCount = len(r.frames)
	r.meta.UniqueIDs = distinctIDs(r.frames)
	meta := r.meta
	obs := r.observer
	r.mu.Unlock()

	if obs != nil {
		obs.RemoveCallback(r.cbID)
	}
	return meta
}

func (r *Recorder) onFrame(of models.ObservedFrame) {
	r.RecordFrame(of.Frame)
}

// RecordFrame captures a single frame directly, for use without an
// observer. Ignored when not recording.
func (r *Recorder) RecordFrame(frame models.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	recorded := models.NewRecordedFrame(frame, r.startTime)
	r.frames = append(r.frames, recorded)

	if r.stream != nil {
		if line, err := json.Marshal(recorded); err == nil {
			r.stream.Write(append(line, '\n'))
		}
	}
}

// Frames returns a copy of the captured frames.
func (r *Recorder) Frames() []models.RecordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RecordedFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Clear discards captured frames and metadata.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
	r.meta = models.RecordingMetadata{}
}

// Save persists the recording under the given name. The encoding follows
// the extension: ".cbr" selects CBOR, anything else JSON.
func (r *Recorder) Save(store storage.Storage, name string) error {
	r.mu.Lock()
	doc := document{Metadata: r.meta, Frames: r.frames}
	r.mu.Unlock()

	data, err := encodeDocument(doc, name)
	if err != nil {
		return err
	}
	if err := store.Write(name, data); err != nil {
		return fmt.Errorf("failed to save recording %s: %w", name, err)
	}
	return nil
}

// Load reads a recording back from storage. Format errors are hard
// failures.
func Load(store storage.Storage, name string) (models.RecordingMetadata, []models.RecordedFrame, error) {
	data, err := store.Read(name)
	if err != nil {
		return models.RecordingMetadata{}, nil, fmt.Errorf("failed to load recording %s: %w", name, err)
	}
	doc, err := decodeDocument(data, name)
	if err != nil {
		return models.RecordingMetadata{}, nil, fmt.Errorf("failed to parse recording %s: %w", name, err)
	}
	return doc.Metadata, doc.Frames, nil
}

func encodeDocument(doc document, name string) ([]byte, error) {
	if strings.HasSuffix(name, ".cbr") {
		data, err := cbor.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode recording: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte, name string) (document, error) {
	var doc document
	if strings.HasSuffix(name, ".cbr") {
		if err := cbor.Unmarshal(data, &doc); err != nil {
			return document{}, err
		}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}

func distinctIDs(frames []models.RecordedFrame) []uint32 {
	seen := make(map[uint32]struct{})
	var ids []uint32
	for _, f := range frames {
		if _, ok := seen[f.ID]; !ok {
			seen[f.ID] = struct{}{}
			ids = append(ids, f.ID)
		}
	}
	return ids
}
