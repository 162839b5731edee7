package rangefetch

import (
	"fmt"
	"net/http"
)

// LengthUnknownError reports that the origin did not announce a computable
// total size for the resource. Segmented playback is impossible without it.
type LengthUnknownError struct {
	URL string
}

func (e *LengthUnknownError) Error() string {
	return fmt.Sprintf("length of %s is not computable", e.URL)
}

// Temporary is always false: asking again gets the same framing.
func (e *LengthUnknownError) Temporary() bool { return false }

// TransportError is a failed request: network error, unexpected status or a
// malformed range response. StatusCode is 0 when no response arrived.
type TransportError struct {
	URL        string
	Range      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	target := e.URL
	if e.Range != "" {
		target += " bytes=" + e.Range
	}
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", target, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: unexpected status %d", target, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %v", target, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether repeating the request may succeed. Network
// failures, short bodies, 5xx, 408 and 429 qualify; other statuses do not.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusOK, e.StatusCode == http.StatusPartialContent:
		// Success status with a bad body: short read or reset mid-transfer.
		return true
	default:
		return false
	}
}
