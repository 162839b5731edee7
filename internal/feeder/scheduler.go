package feeder

import (
	"errors"
	"fmt"
)

// DefaultSegmentSize is the number of bytes requested per range.
const DefaultSegmentSize int64 = 1 << 20

// Scheduler owns the stream cursor and computes the next range to fetch.
// It is not safe for concurrent use; the control loop is its only caller.
type Scheduler struct {
	cursor StreamCursor
}

// NewScheduler returns a scheduler at offset 0 with a fixed segment size.
func NewScheduler(segmentSize int64) (*Scheduler, error) {
	if segmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", segmentSize)
	}
	return &Scheduler{cursor: StreamCursor{SegmentSize: segmentSize}}, nil
}

// SetTotalLength records the discovered resource size. It may be called once.
func (s *Scheduler) SetTotalLength(n int64) error {
	if n < 0 {
		return fmt.Errorf("negative total length %d", n)
	}
	if s.cursor.LengthKnown {
		return errors.New("total length already set")
	}
	s.cursor.TotalLength = n
	s.cursor.LengthKnown = true
	return nil
}

// ComputeNextRange returns [segmentStart, min(segmentStart+segmentSize, totalLength)-1].
func (s *Scheduler) ComputeNextRange() (ByteRange, error) {
	if !s.cursor.LengthKnown {
		return ByteRange{}, ErrLengthUnknown
	}
	if s.IsExhausted() {
		return ByteRange{}, ErrExhausted
	}
	end := min(s.cursor.SegmentStart+s.cursor.SegmentSize-1, s.cursor.TotalLength-1)
	return ByteRange{Start: s.cursor.SegmentStart, End: end}, nil
}

// Advance moves the cursor past r. Call it exactly once per appended range,
// after the append has completed.
func (s *Scheduler) Advance(r ByteRange) error {
	if !s.cursor.LengthKnown {
		return ErrLengthUnknown
	}
	if r.Start != s.cursor.SegmentStart || r.End < r.Start || r.End >= s.cursor.TotalLength {
		return fmt.Errorf("%w: cursor at %d, got %s", ErrRangeMismatch, s.cursor.SegmentStart, r)
	}
	s.cursor.SegmentStart = r.End + 1
	return nil
}

// IsExhausted reports whether every byte of the resource has been scheduled.
func (s *Scheduler) IsExhausted() bool {
	return s.cursor.LengthKnown && s.cursor.SegmentStart >= s.cursor.TotalLength
}

// Cursor returns a copy of the current cursor.
func (s *Scheduler) Cursor() StreamCursor {
	return s.cursor
}
