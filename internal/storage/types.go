package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Attempt is one immutable statistics record. Every send attempt appends
// exactly one, regardless of outcome.
type Attempt struct {
	At         time.Time
	CampaignID string
	AccountID  string
	TargetID   string
	Message    string
	Outcome    string
	Error      string
}

// Summary aggregates the attempt log for the operator surface.
type Summary struct {
	Total     int64
	ByOutcome map[string]int64
}
