package feeder

// BufferView is the read side of a media buffer: what is buffered and where
// playback currently is.
type BufferView interface {
	BufferedIntervals() []TimeRange
	CurrentPosition() float64
}

// Monitor answers buffer readiness questions for the control loop.
type Monitor struct {
	view BufferView
}

// NewMonitor returns a Monitor reading view.
func NewMonitor(view BufferView) *Monitor {
	return &Monitor{view: view}
}

// HasPlayableData reports whether at least one buffered interval exists.
func (m *Monitor) HasPlayableData() bool {
	return len(m.view.BufferedIntervals()) > 0
}

// IsLookaheadSufficient reports whether some buffered interval at or ahead of
// the play head extends at least cacheSeconds past it. Every interval is
// checked because partial appends can leave the buffer fragmented.
func (m *Monitor) IsLookaheadSufficient(cacheSeconds float64) bool {
	pos := m.view.CurrentPosition()
	for _, iv := range m.view.BufferedIntervals() {
		if pos <= iv.End && iv.End-pos >= cacheSeconds {
			return true
		}
	}
	return false
}
