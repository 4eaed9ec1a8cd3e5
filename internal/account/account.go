package account

import "time"

// Status is the rotation-visible state of a sender identity.
type Status string

const (
	// StatusActive: eligible for rotation.
	StatusActive Status = "active"
	// StatusCooling: excluded until CooldownUntil; returns to Active on sweep.
	StatusCooling Status = "cooling"
	// StatusDisabled: excluded until an operator re-enables it.
	StatusDisabled Status = "disabled"
	// StatusInvalid: excluded permanently (revoked credentials, ban).
	StatusInvalid Status = "invalid"
)

// CooldownReason mirrors the platform signal that parked the account.
type CooldownReason string

const (
	CooldownFloodWait CooldownReason = "flood_wait"
	CooldownOperator  CooldownReason = "operator"
)

// Account is one sender identity as tracked by the registry.
//
// Accounts are never deleted; a dead identity is marked invalid so its
// lifetime counters survive for the statistics surface.
type Account struct {
	ID     string
	Status Status

	// CooldownUntil is the absolute end of the current cooldown.
	// Zero unless Status == StatusCooling.
	CooldownUntil  time.Time
	CooldownReason CooldownReason

	// ConsecutiveErrors resets to zero on every successful send.
	ConsecutiveErrors int

	// Lifetime counters.
	Sent   uint64
	Failed uint64

	LastUsed time.Time

	// InvalidReason is set once when the account becomes StatusInvalid.
	InvalidReason string
}
