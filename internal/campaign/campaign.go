package campaign

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"adbot/internal/target"
)

// State is the lifecycle state of a campaign.
type State string

const (
	StateDraft   State = "draft"
	StateRunning State = "running"
	StatePaused  State = "paused"
	// StateStopped is terminal and releases the scheduling slot.
	StateStopped State = "stopped"
)

// Pause reasons surfaced to operators. Machine-readable: the control surface
// and tests match on these exact strings.
const (
	ReasonNoAccounts = "no accounts"
	ReasonNoTargets  = "no targets"
	ReasonDegraded   = "degraded"
	ReasonOperator   = "operator"
	ReasonSchedule   = "schedule window"
)

// ValidTransition reports whether the state machine allows from -> to.
//
//	Draft -(start)-> Running -(pause)-> Paused -(resume)-> Running
//	Running/Paused -(stop)-> Stopped (terminal)
func ValidTransition(from, to State) bool {
	switch from {
	case StateDraft:
		return to == StateRunning || to == StateStopped
	case StateRunning:
		return to == StatePaused || to == StateStopped
	case StatePaused:
		return to == StateRunning || to == StateStopped
	default:
		return false
	}
}

// Counters accumulate per campaign and survive pauses.
type Counters struct {
	Sent    uint64
	Failed  uint64
	Skipped uint64
}

// Campaign is one message-distribution task.
//
// The scheduler exclusively owns Campaign records; everything here is plain
// data plus pure helpers. Cursor and NextEligible are scheduler-managed.
type Campaign struct {
	ID    string
	Name  string
	State State

	// Messages are the variant pool; one is chosen per send.
	Messages []string
	Mode     target.Mode
	Filters  target.Filters

	// Interval is the minimum gap between two attempt starts.
	// Clamped to the engine's configured floor when the campaign starts.
	Interval time.Duration

	// Accounts optionally restricts rotation to these identities.
	// Empty means "any account".
	Accounts []string

	// Window optionally auto-resumes/auto-pauses the campaign on a schedule.
	Window *Window

	// Cursor indexes the campaign's current pass over its eligible targets.
	Cursor int

	// NextEligible is the earliest instant the next attempt may start.
	NextEligible time.Time

	// PauseReason is set whenever State becomes Paused.
	PauseReason string

	Counters Counters

	CreatedAt time.Time
}

// New creates a Draft campaign with a fresh id.
func New(name string, messages []string, mode target.Mode, interval time.Duration) (*Campaign, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("campaign name is empty")
	}
	msgs := make([]string, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m) != "" {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("campaign needs at least one message variant")
	}
	switch mode {
	case target.ModeGroups, target.ModeUsers, target.ModeBoth:
	default:
		return nil, errors.New("invalid target mode")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	return &Campaign{
		ID:        uuid.NewString(),
		Name:      name,
		State:     StateDraft,
		Messages:  msgs,
		Mode:      mode,
		Interval:  interval,
		CreatedAt: time.Now(),
	}, nil
}

// PickMessage selects one variant using the provided random source, so runs
// are reproducible under a fixed seed. A single-variant campaign always
// returns that variant.
func (c *Campaign) PickMessage(rng *rand.Rand) string {
	if len(c.Messages) == 0 {
		return ""
	}
	if len(c.Messages) == 1 {
		return c.Messages[0]
	}
	return c.Messages[rng.Intn(len(c.Messages))]
}

// UsesAccount reports whether the campaign's allowlist admits the account.
func (c *Campaign) UsesAccount(id string) bool {
	if len(c.Accounts) == 0 {
		return true
	}
	for _, a := range c.Accounts {
		if a == id {
			return true
		}
	}
	return false
}
