package transport

import (
	"context"
	"time"
)

// OutcomeKind classifies the result of one send attempt.
//
// The engine never interprets platform payloads beyond this classification;
// mapping platform-specific errors into kinds is the client's job.
type OutcomeKind int

const (
	// OutcomeOK: the message was delivered.
	OutcomeOK OutcomeKind = iota
	// OutcomeRateLimited: the platform asked the sender to back off.
	// RetryAfter carries the platform-specified wait (never estimated).
	OutcomeRateLimited
	// OutcomeForbidden: the sender identity is banned or its credentials
	// are revoked. Account-level and permanent.
	OutcomeForbidden
	// OutcomeTargetInvalid: the destination does not exist or rejects the
	// sender. Target-level and permanent.
	OutcomeTargetInvalid
	// OutcomeTransient: a network/protocol error worth retrying.
	OutcomeTransient
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeTargetInvalid:
		return "target_invalid"
	case OutcomeTransient:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one send attempt.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration // set for OutcomeRateLimited
	Err        error         // underlying platform error, nil for OutcomeOK
}

func OK() Outcome { return Outcome{Kind: OutcomeOK} }

func RateLimited(after time.Duration, err error) Outcome {
	if after < 0 {
		after = 0
	}
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: after, Err: err}
}

func Forbidden(err error) Outcome     { return Outcome{Kind: OutcomeForbidden, Err: err} }
func TargetInvalid(err error) Outcome { return Outcome{Kind: OutcomeTargetInvalid, Err: err} }
func Transient(err error) Outcome     { return Outcome{Kind: OutcomeTransient, Err: err} }

// Destination is the minimal addressing info a client needs.
type Destination struct {
	ChatID   int64
	Username string // used when ChatID is 0
}

// Client delivers messages on behalf of registered sender identities.
//
// Implementations must be safe for concurrent use; the engine serializes
// calls per account but different accounts send in parallel.
type Client interface {
	// Send delivers text to dest using the given sender identity and
	// classifies the result. Send never panics on unknown platform errors;
	// anything unclassifiable is OutcomeTransient.
	Send(ctx context.Context, accountID string, dest Destination, text string) Outcome
}
