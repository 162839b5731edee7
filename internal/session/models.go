package session

import (
	"time"

	"rangefeed/internal/feeder"
	"rangefeed/internal/player"
)

// ID uniquely identifies a feed session.
type ID string

// Outcome values recorded once a session has finished.
const (
	OutcomeDrained   = "drained"
	OutcomeDirect    = "direct"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Request is the JSON payload for starting a session. Omitted fields fall
// back to the manager defaults; cache_seconds may be 0.
type Request struct {
	URL          string   `json:"url"`
	Codec        string   `json:"codec,omitempty"`
	SegmentSize  int64    `json:"segment_size,omitempty"`
	CacheSeconds *float64 `json:"cache_seconds,omitempty"`
}

// Snapshot is the persisted and published view of one session.
type Snapshot struct {
	ID        ID            `json:"id"`
	URL       string        `json:"url"`
	Codec     string        `json:"codec"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Feed      feeder.Status `json:"feed"`
	Player    player.State  `json:"player"`
}

// Active reports whether the session is still running.
func (s Snapshot) Active() bool {
	return s.Outcome == ""
}
