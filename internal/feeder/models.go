// Package feeder schedules byte-range fetches of a single media resource and
// feeds them into an incremental media buffer just ahead of playback.
package feeder

import (
	"fmt"
	"time"
)

// ByteRange is an inclusive, 0-based span of bytes: [Start, End].
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// String renders the range as "start-end", the form used after "bytes=".
func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// StreamCursor is the scheduler's position in the resource.
type StreamCursor struct {
	TotalLength  int64 `json:"total_length"`
	LengthKnown  bool  `json:"length_known"`
	SegmentStart int64 `json:"segment_start"`
	SegmentSize  int64 `json:"segment_size"`
}

// TimeRange is one buffered interval of the media timeline, in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SessionPhase is the feed loop state.
type SessionPhase int

const (
	// PhasePriming appends segments unconditionally until playback is possible.
	PhasePriming SessionPhase = iota
	// PhaseSteady fetches only when buffered lookahead runs low.
	PhaseSteady
	// PhaseDrained means the whole resource has been appended. Terminal.
	PhaseDrained
)

var phaseNames = [...]string{"priming", "steady", "drained"}

func (p SessionPhase) String() string {
	if int(p) >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// MarshalText lets phases appear by name in JSON snapshots.
func (p SessionPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *SessionPhase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = SessionPhase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session phase %q", string(b))
}

// Status is a point-in-time view of a running loop.
type Status struct {
	Phase        SessionPhase `json:"phase"`
	Cursor       StreamCursor `json:"cursor"`
	Fetches      int          `json:"fetches"`
	Retries      int          `json:"retries"`
	BytesFetched int64        `json:"bytes_fetched"`
	Direct       bool         `json:"direct"`
	Done         bool         `json:"done"`
	Error        string       `json:"error,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
