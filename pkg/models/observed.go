package models

import "time"

// ObservedFrame is a frame annotated with arrival metadata by the bus
// observer. Instances are read-only once created.
type ObservedFrame struct {
	Frame        Frame
	ObservedAt   time.Time
	Sequence     uint64
	InterArrival time.Duration // elapsed since the previous same-ID frame
	HasInterval  bool          // false for the first sighting of an ID
}

// MessageStatistics aggregates observations for one arbitration ID. Entries
// are created lazily on first sighting and updated incrementally.
type MessageStatistics struct {
	Count       uint64
	FirstSeen   time.Time
	LastSeen    time.Time
	MinInterval time.Duration
	MaxInterval time.Duration
	HasInterval bool
	TotalBytes  uint64
}

// AverageInterval derives the mean inter-arrival time from first/last seen.
// The second return value is false until at least two frames were observed.
func (s MessageStatistics) AverageInterval() (time.Duration, bool) {
	if s.Count < 2 {
		return 0, false
	}
	return s.LastSeen.Sub(s.FirstSeen) / time.Duration(s.Count-1), true
}
