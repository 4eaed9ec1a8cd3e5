package engine

import "errors"

var (
	// ErrNoAccountAvailable: every account the campaign may use is Disabled
	// or Invalid (or none exist). Callers treat this as "pause campaign",
	// not as a retryable error.
	ErrNoAccountAvailable = errors.New("no account available")

	// ErrAllAccountsBusy: accounts exist that will become selectable again
	// on their own (reserved by an in-flight attempt, or Cooling). The
	// campaign simply waits for a later tick.
	ErrAllAccountsBusy = errors.New("all usable accounts are in flight or cooling")

	ErrUnknownCampaign   = errors.New("unknown campaign")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInvalidTransition = errors.New("invalid campaign state transition")
)
