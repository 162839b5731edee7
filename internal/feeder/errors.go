package feeder

import (
	"errors"
	"fmt"
)

var (
	// ErrLengthUnknown is returned when a range is requested before the
	// total length has been discovered.
	ErrLengthUnknown = errors.New("total length not known")

	// ErrExhausted is returned by ComputeNextRange once the cursor has
	// reached the end of the resource.
	ErrExhausted = errors.New("stream exhausted")

	// ErrRangeMismatch is returned by Advance for a range that does not
	// start at the cursor or that runs past the end of the resource.
	ErrRangeMismatch = errors.New("range does not continue the cursor")

	// ErrAppendBusy is returned by an AppendTarget that already has an
	// append in flight.
	ErrAppendBusy = errors.New("append already in progress")
)

// UnsupportedEnvironmentError reports that incremental media append is not
// available for a codec. The loop answers it by falling back to direct
// playback; it only surfaces when that fallback fails too.
type UnsupportedEnvironmentError struct {
	Codec string
}

func (e *UnsupportedEnvironmentError) Error() string {
	return fmt.Sprintf("incremental media not supported for %q", e.Codec)
}

// StallError reports that the loop stopped feeding the buffer: playback will
// run dry at Range.
type StallError struct {
	Range ByteRange
	Err   error
}

func (e *StallError) Error() string {
	return fmt.Sprintf("playback stalled at bytes=%s: %v", e.Range, e.Err)
}

func (e *StallError) Unwrap() error {
	return e.Err
}

// temporary reports whether err is worth another attempt. Errors that do not
// say otherwise are treated as transient.
func temporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
