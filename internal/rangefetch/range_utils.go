package rangefetch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rangefeed/internal/feeder"
)

// FormatRangeHeader renders r as a Range request header value.
func FormatRangeHeader(r feeder.ByteRange) string {
	return "bytes=" + r.String()
}

// ContentRange is a parsed Content-Range response header. Total is -1 when
// the server sent "*".
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// ParseContentRange parses "bytes <start>-<end>/<total|*>".
func ParseContentRange(v string) (ContentRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return ContentRange{}, fmt.Errorf("content-range %q: missing bytes unit", v)
	}
	span, total, ok := strings.Cut(spec, "/")
	if !ok {
		return ContentRange{}, fmt.Errorf("content-range %q: missing total", v)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return ContentRange{}, fmt.Errorf("content-range %q: missing span", v)
	}

	cr := ContentRange{Total: -1}
	var err error
	if cr.Start, err = strconv.ParseInt(strings.TrimSpace(first), 10, 64); err != nil {
		return ContentRange{}, fmt.Errorf("content-range %q: start: %w", v, err)
	}
	if cr.End, err = strconv.ParseInt(strings.TrimSpace(last), 10, 64); err != nil {
		return ContentRange{}, fmt.Errorf("content-range %q: end: %w", v, err)
	}
	if t := strings.TrimSpace(total); t != "*" {
		if cr.Total, err = strconv.ParseInt(t, 10, 64); err != nil {
			return ContentRange{}, fmt.Errorf("content-range %q: total: %w", v, err)
		}
	}
	if cr.Start < 0 || cr.End < cr.Start || (cr.Total >= 0 && cr.End >= cr.Total) {
		return ContentRange{}, errors.New("content-range " + strconv.Quote(v) + ": span out of order")
	}
	return cr, nil
}
