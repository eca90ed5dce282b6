package models

import (
	"encoding/hex"
	"time"
)

// RecordedFrame is the serialized form of a frame inside a recording. Times
// are seconds: Timestamp is absolute (Unix epoch), RelativeTime is measured
// from the recording start so replay can reproduce the original spacing.
type RecordedFrame struct {
	ID           uint32  `json:"arbitration_id" cbor:"arbitration_id"`
	DataHex      string  `json:"data_hex" cbor:"data_hex"`
	Timestamp    float64 `json:"timestamp" cbor:"timestamp"`
	RelativeTime float64 `json:"relative_time" cbor:"relative_time"`
	IsExtended   bool    `json:"is_extended_id" cbor:"is_extended_id"`
	DLC          int     `json:"dlc" cbor:"dlc"`
}

// NewRecordedFrame captures a frame relative to the recording start time.
func NewRecordedFrame(f Frame, start time.Time) RecordedFrame {
	return RecordedFrame{
		ID:           f.ID,
		DataHex:      hex.EncodeToString(f.Data),
		Timestamp:    timeToSeconds(f.Timestamp),
		RelativeTime: f.Timestamp.Sub(start).Seconds(),
		IsExtended:   f.IsExtended,
		DLC:          f.DLC,
	}
}

// ToFrame reconstructs the original frame. The recorded timestamp is kept;
// the player re-stamps frames at replay time.
func (r RecordedFrame) ToFrame() (Frame, error) {
	data, err := hex.DecodeString(r.DataHex)
	if err != nil {
		return Frame{}, err
	}
	return NewFrameAt(r.ID, data, r.IsExtended, secondsToTime(r.Timestamp))
}

// RecordingMetadata describes a recording session.
type RecordingMetadata struct {
	ID          string   `json:"id" cbor:"id"`
	StartTime   float64  `json:"start_time" cbor:"start_time"`
	EndTime     float64  `json:"end_time" cbor:"end_time"`
	FrameCount  int      `json:"frame_count" cbor:"frame_count"`
	UniqueIDs   []uint32 `json:"unique_ids" cbor:"unique_ids"`
	Description string   `json:"description" cbor:"description"`
}

// Duration returns the recording length in seconds, or 0 if the recording
// was never finalized.
func (m RecordingMetadata) Duration() float64 {
	if m.EndTime == 0 {
		return 0
	}
	return m.EndTime - m.StartTime
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
