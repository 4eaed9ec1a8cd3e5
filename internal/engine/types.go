package engine

import (
	"time"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/transport"
)

// Config controls the dispatch engine.
type Config struct {
	// Workers is the minimum size of the send pool and its job queue.
	// Start raises both to the registered account count, so a dispatched
	// job always finds a free worker.
	Workers int

	// Tick is the scheduler evaluation period.
	Tick time.Duration

	// IntervalFloor is the minimum campaign send interval; campaign
	// intervals below it are clamped when the campaign starts.
	IntervalFloor time.Duration

	// RetryMax bounds transient-error retries per attempt (same
	// campaign/target pair, short fixed delay between tries).
	RetryMax   int
	RetryDelay time.Duration

	// FloodTolerance separates short rate-limit waits (rotate and move on)
	// from long ones, which additionally count as a campaign failure.
	FloodTolerance time.Duration

	// DegradedAfter is the number of consecutive storage failures before
	// the engine pauses all campaigns and reports degraded mode.
	DegradedAfter int

	// RatePerSec caps sends across all accounts (global limiter).
	RatePerSec int

	// Seed makes variant selection reproducible. 0 seeds from wall clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.IntervalFloor <= 0 {
		c.IntervalFloor = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.FloodTolerance <= 0 {
		c.FloodTolerance = 5 * time.Minute
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// job is one scheduled send attempt, fully resolved at dispatch time.
type job struct {
	campaignID string
	accountID  string
	targetID   string
	dest       transport.Destination
	message    string
	enqueuedAt time.Time
}

// result is what a worker reports back to the tick loop.
type result struct {
	job      job
	outcome  transport.Outcome
	attempts int
	started  time.Time
	took     time.Duration
}

// AttemptEvent is published on the event bus for every finished attempt.
type AttemptEvent struct {
	CampaignID string        `json:"campaign_id"`
	AccountID  string        `json:"account_id"`
	TargetID   string        `json:"target_id"`
	Outcome    string        `json:"outcome"`
	Attempts   int           `json:"attempts"`
	Took       time.Duration `json:"took"`
}

// CampaignEvent is published when a campaign changes state.
type CampaignEvent struct {
	CampaignID string `json:"campaign_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
}

// CampaignStatus is a read-only view for the control surface.
type CampaignStatus struct {
	ID           string
	Name         string
	State        campaign.State
	PauseReason  string
	Interval     time.Duration
	NextEligible time.Time
	Counters     campaign.Counters
	InFlight     int
}

// Snapshot is a lightweight view of the whole engine for diagnostics.
type Snapshot struct {
	Campaigns []CampaignStatus
	Accounts  []account.Account
	Degraded  bool
	QueueLen  int
	QueueCap  int
	InFlight  int
	Uptime    time.Duration // zero before Start
}
