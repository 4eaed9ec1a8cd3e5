package campaign

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// windowParser accepts crontab.guru-style specs plus descriptors
// ("@hourly", "@every 45m"). SecondOptional allows 6-field specs too.
var windowParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Window auto-resumes a campaign when its start schedule fires and
// auto-pauses it when its stop schedule fires. Either side may be empty.
//
// The scheduler evaluates windows once per tick against the span since the
// previous tick, so no extra cron goroutine is needed.
type Window struct {
	StartSpec string
	StopSpec  string

	start cron.Schedule
	stop  cron.Schedule
}

// ParseWindow validates the cron specs and builds a Window.
// Both specs empty is an error; use a nil *Window for "no window".
func ParseWindow(startSpec, stopSpec string) (*Window, error) {
	startSpec = strings.TrimSpace(startSpec)
	stopSpec = strings.TrimSpace(stopSpec)
	if startSpec == "" && stopSpec == "" {
		return nil, fmt.Errorf("window needs a start or stop schedule")
	}
	w := &Window{StartSpec: startSpec, StopSpec: stopSpec}
	var err error
	if startSpec != "" {
		w.start, err = windowParser.Parse(startSpec)
		if err != nil {
			return nil, fmt.Errorf("window start %q: %w", startSpec, err)
		}
	}
	if stopSpec != "" {
		w.stop, err = windowParser.Parse(stopSpec)
		if err != nil {
			return nil, fmt.Errorf("window stop %q: %w", stopSpec, err)
		}
	}
	return w, nil
}

// Evaluate reports whether the campaign should resume or pause given that
// the scheduler last looked at prev and the clock now reads now.
// When both schedules fired within (prev, now], the later firing wins.
func (w *Window) Evaluate(prev, now time.Time) (resume, pause bool) {
	if w == nil || !now.After(prev) {
		return false, false
	}
	var startAt, stopAt time.Time
	if w.start != nil {
		if t := w.start.Next(prev); !t.After(now) {
			startAt = t
		}
	}
	if w.stop != nil {
		if t := w.stop.Next(prev); !t.After(now) {
			stopAt = t
		}
	}
	switch {
	case !startAt.IsZero() && !stopAt.IsZero():
		if stopAt.After(startAt) {
			return false, true
		}
		return true, false
	case !startAt.IsZero():
		return true, false
	case !stopAt.IsZero():
		return false, true
	default:
		return false, false
	}
}
