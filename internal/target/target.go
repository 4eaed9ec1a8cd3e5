package target

import (
	"strings"
	"time"
)

// Kind distinguishes group chats from individual recipients.
type Kind string

const (
	KindGroup Kind = "group"
	KindUser  Kind = "user"
)

// Mode restricts which kinds a campaign addresses.
type Mode string

const (
	ModeGroups Mode = "groups"
	ModeUsers  Mode = "users"
	ModeBoth   Mode = "both"
)

func (m Mode) allows(k Kind) bool {
	switch m {
	case ModeGroups:
		return k == KindGroup
	case ModeUsers:
		return k == KindUser
	default:
		return true
	}
}

// Target is one destination with the denormalized metadata filters need.
type Target struct {
	ID    string
	Kind  Kind
	Title string

	// MemberCount is meaningful for groups only.
	MemberCount int

	ChatID   int64
	Username string
}

// Filters narrow a campaign's target set. Zero value passes everything.
type Filters struct {
	// Keywords: when non-empty, the title must contain at least one.
	Keywords []string
	// ExcludeKeywords: the title must contain none.
	ExcludeKeywords []string
	// Member-count bounds, groups only. 0 disables a bound.
	MinMembers int
	MaxMembers int
}

func (f Filters) pass(t Target) bool {
	title := strings.ToLower(t.Title)
	if len(f.Keywords) > 0 {
		hit := false
		for _, kw := range f.Keywords {
			if strings.Contains(title, strings.ToLower(kw)) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, kw := range f.ExcludeKeywords {
		if strings.Contains(title, strings.ToLower(kw)) {
			return false
		}
	}
	if t.Kind == KindGroup {
		if f.MinMembers > 0 && t.MemberCount < f.MinMembers {
			return false
		}
		if f.MaxMembers > 0 && t.MemberCount > f.MaxMembers {
			return false
		}
	}
	return true
}

// BlacklistEntry records a process-wide exclusion.
type BlacklistEntry struct {
	TargetID string
	Reason   string
	At       time.Time
}
