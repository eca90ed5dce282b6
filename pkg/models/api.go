package models

// TransmitRequest is the body of POST /api/v1/transmit.
type TransmitRequest struct {
	ID         string `json:"arbitration_id" binding:"required"` // hex, e.g. "0x100"
	Data       string `json:"data_hex"`
	IsExtended bool   `json:"is_extended"`
	IsRemote   bool   `json:"is_remote"`
}

// TransmitResponse reports whether the frame made it onto the bus queue.
type TransmitResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"arbitration_id"`
}

// StatisticsEntry is one per-ID row of GET /api/v1/statistics.
type StatisticsEntry struct {
	ID              string  `json:"arbitration_id"`
	Count           uint64  `json:"count"`
	TotalBytes      uint64  `json:"total_bytes"`
	AverageInterval float64 `json:"average_interval_ms,omitempty"`
	MinInterval     float64 `json:"min_interval_ms,omitempty"`
	MaxInterval     float64 `json:"max_interval_ms,omitempty"`
	FirstSeen       string  `json:"first_seen"`
	LastSeen        string  `json:"last_seen"`
}

// RecordingListResponse lists stored recordings.
type RecordingListResponse struct {
	Recordings []string `json:"recordings"`
	Total      int      `json:"total"`
}

// RecorderRequest controls the recorder.
type RecorderRequest struct {
	Description string `json:"description"`
	Name        string `json:"name"` // filename for save/load
}

// PlaybackRequest controls the player.
type PlaybackRequest struct {
	Name        string  `json:"name"`
	SpeedFactor float64 `json:"speed_factor"`
}

// ProgressResponse is the body of GET /api/v1/playback/progress.
type ProgressResponse struct {
	State         string  `json:"state"`
	CurrentFrame  int     `json:"current_frame"`
	TotalFrames   int     `json:"total_frames"`
	Percent       float64 `json:"percent"`
	ElapsedMs     float64 `json:"elapsed_ms"`
	TotalDuration float64 `json:"total_duration_ms"`
}
