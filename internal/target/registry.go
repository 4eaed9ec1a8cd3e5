package target

import (
	"sort"
	"sync"
	"time"

	logx "adbot/pkg/logx"
)

// Registry is shared read-mostly state: every campaign selects from it, and
// the blacklist applies process-wide the moment it changes. Filtering happens
// per evaluation, so blacklisting a target removes it from every campaign's
// next pass without touching attempts already in flight.
type Registry struct {
	mu        sync.RWMutex
	targets   map[string]*Target
	blacklist map[string]BlacklistEntry

	log logx.Logger
	now func() time.Time
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		targets:   map[string]*Target{},
		blacklist: map[string]BlacklistEntry{},
		log:       log,
		now:       time.Now,
	}
}

// Upsert adds or replaces a target.
func (r *Registry) Upsert(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := t
	r.targets[t.ID] = &cp
}

// Remove drops a target. Its blacklist entry (if any) is kept so the id
// stays excluded if it is ever re-added.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[id]; !ok {
		return false
	}
	delete(r.targets, id)
	return true
}

// Get returns a snapshot of one target.
func (r *Registry) Get(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.targets[id]
	if t == nil {
		return Target{}, false
	}
	return *t, true
}

// All returns snapshots of every target, ordered by id.
func (r *Registry) All() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible returns the targets a campaign may address, in stable id order.
//
// Filtering order: blacklist, then keyword include/exclude, then member-count
// bounds, then the mode restriction. A target failing any stage is skipped,
// never an error. The result is a finite snapshot; campaigns keep a cursor
// into it and request a fresh pass on wraparound.
func (r *Registry) Eligible(mode Mode, f Filters) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.targets))
	for id, t := range r.targets {
		if _, banned := r.blacklist[id]; banned {
			continue
		}
		if !f.pass(*t) {
			continue
		}
		if !mode.allows(t.Kind) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Blacklist excludes a target process-wide, effective on the next evaluation
// of every campaign.
func (r *Registry) Blacklist(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blacklist[id]; exists {
		return
	}
	r.blacklist[id] = BlacklistEntry{TargetID: id, Reason: reason, At: r.now()}
	r.log.Warn("target blacklisted", logx.String("target", id), logx.String("reason", reason))
}

// Unblacklist removes an exclusion. This is the only way a blacklisted
// target comes back.
func (r *Registry) Unblacklist(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blacklist[id]; !ok {
		return false
	}
	delete(r.blacklist, id)
	return true
}

func (r *Registry) IsBlacklisted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blacklist[id]
	return ok
}

// BlacklistEntries returns the current exclusions, newest first.
func (r *Registry) BlacklistEntries() []BlacklistEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(r.blacklist))
	for _, e := range r.blacklist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

// RestoreBlacklist loads a persisted entry without logging.
func (r *Registry) RestoreBlacklist(e BlacklistEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[e.TargetID] = e
}
