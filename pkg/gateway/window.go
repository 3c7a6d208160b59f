package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrOutsideWindow is returned when a call is attempted outside the calling
// window. Calls are rejected, never queued.
var ErrOutsideWindow = errors.New("outside calling window")

// Window is a daily local-time calling window. Start may be later than End
// for windows that span midnight.
type Window struct {
	start, end int // minutes after midnight
	loc        *time.Location
	raw        string
}

// ParseWindow builds a window from "HH:MM" bounds and an IANA zone name.
func ParseWindow(start, end, zone string) (*Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	if s == e {
		return nil, fmt.Errorf("window start and end are both %s", start)
	}
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("window zone: %w", err)
	}
	return &Window{start: s, end: e, loc: loc, raw: start + "-" + end + " " + zone}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t falls inside the window. Start is inclusive,
// End exclusive.
func (w *Window) Contains(t time.Time) bool {
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// Check returns ErrOutsideWindow when t is outside the window.
func (w *Window) Check(t time.Time) error {
	if w == nil || w.Contains(t) {
		return nil
	}
	return fmt.Errorf("%w (%s, now %s)", ErrOutsideWindow, w.raw, t.In(w.loc).Format("15:04 MST"))
}

func (w *Window) String() string { return w.raw }
