package feeder

import "context"

// EventKind identifies a notification from the media environment.
type EventKind int

const (
	// EventAppendCompleted fires when the append target finished the last Append.
	EventAppendCompleted EventKind = iota + 1
	// EventAppendFailed fires when the last Append could not be applied.
	EventAppendFailed
	// EventPositionAdvanced fires as playback time moves forward.
	EventPositionAdvanced
	// EventPositionJumped fires when the play head is moved by a seek.
	EventPositionJumped
)

func (k EventKind) String() string {
	switch k {
	case EventAppendCompleted:
		return "append_completed"
	case EventAppendFailed:
		return "append_failed"
	case EventPositionAdvanced:
		return "position_advanced"
	case EventPositionJumped:
		return "position_jumped"
	default:
		return "unknown"
	}
}

// Event is a notification delivered on AppendTarget.Events.
type Event struct {
	Kind     EventKind
	Position float64
	Err      error
}

// Source is an incremental media source handle.
type Source interface {
	// Opened is closed once the source accepts append targets.
	Opened() <-chan struct{}
}

// AppendTarget is the single buffer the loop appends media bytes to.
type AppendTarget interface {
	BufferView

	// Append starts an asynchronous append. Completion or failure is
	// reported on Events. Only one append may be in flight; a second call
	// returns ErrAppendBusy.
	Append(data []byte) error

	// Events delivers append and playback notifications.
	Events() <-chan Event

	// EndOfStream tells the player no more data will follow.
	EndOfStream() error
}

// Environment is the player side the loop drives.
type Environment interface {
	SupportsIncrementalMedia(codec string) bool
	CreateIncrementalSource() (Source, error)
	AttachSource(src Source) error
	OpenAppendTarget(src Source, codec string) (AppendTarget, error)
	UseDirectPlayback(url string) error
}

// Fetcher retrieves the media resource. Implementations do not retry.
type Fetcher interface {
	FetchLength(ctx context.Context) (int64, error)
	FetchRange(ctx context.Context, r ByteRange) ([]byte, error)
}
