package account

import (
	"sort"
	"sync"
	"time"

	logx "adbot/pkg/logx"
)

// Registry owns all Account records.
//
// All operations are synchronous and in-memory; persistence is the caller's
// concern (the engine snapshots accounts after outcome handling). Mutations
// are atomic with respect to ListEligible: a reader never observes a torn
// update.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*Account

	log logx.Logger
	now func() time.Time
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		accounts: map[string]*Account{},
		log:      log,
		now:      time.Now,
	}
}

// Ensure registers an identity if it is not present yet and returns its
// current snapshot.
func (r *Registry) Ensure(id string) Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		a = &Account{ID: id, Status: StatusActive}
		r.accounts[id] = a
		r.log.Info("account registered", logx.String("account", id))
	}
	return *a
}

// Restore loads a persisted account record, replacing any in-memory state.
func (r *Registry) Restore(a Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := a
	r.accounts[a.ID] = &cp
}

// Get returns a snapshot of one account.
func (r *Registry) Get(id string) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return Account{}, false
	}
	return *a, true
}

// All returns snapshots of every account, ordered by id.
func (r *Registry) All() []Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEligible returns Active accounts ordered so the selector can take the
// head: fewest consecutive errors first, then least recently used, then
// smaller id for determinism.
//
// Cooling accounts whose cooldown elapsed are NOT included here; Sweep runs
// once per scheduling tick and performs that transition explicitly.
func (r *Registry) ListEligible() []Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		if a.Status == StatusActive {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i], out[j]
		if ai.ConsecutiveErrors != aj.ConsecutiveErrors {
			return ai.ConsecutiveErrors < aj.ConsecutiveErrors
		}
		if !ai.LastUsed.Equal(aj.LastUsed) {
			return ai.LastUsed.Before(aj.LastUsed)
		}
		return ai.ID < aj.ID
	})
	return out
}

// MarkCooling parks an account until now+d.
//
// Extension-only: a later, shorter duration never shortens an existing
// cooldown. Disabled/Invalid accounts are left untouched, counters included.
// The consecutive-error counter increments once per platform-signalled call;
// an operator cooldown is not an error.
func (r *Registry) MarkCooling(id string, d time.Duration, reason CooldownReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return
	}
	if a.Status != StatusActive && a.Status != StatusCooling {
		return
	}
	if reason != CooldownOperator {
		a.ConsecutiveErrors++
	}
	until := r.now().Add(d)
	if until.After(a.CooldownUntil) {
		a.CooldownUntil = until
	}
	a.Status = StatusCooling
	a.CooldownReason = reason
	r.log.Warn("account cooling",
		logx.String("account", id),
		logx.Duration("for", d),
		logx.Time("until", a.CooldownUntil),
		logx.String("reason", string(reason)))
}

// MarkSuccess records a delivered send.
func (r *Registry) MarkSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return
	}
	a.ConsecutiveErrors = 0
	a.Sent++
	a.LastUsed = r.now()
}

// MarkError records a failed attempt that carries no platform restriction
// (transient network/protocol errors after retries ran out).
func (r *Registry) MarkError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return
	}
	a.ConsecutiveErrors++
	a.Failed++
	a.LastUsed = r.now()
}

// MarkInvalid permanently removes an account from rotation.
// Sweep never resurrects an invalid account.
func (r *Registry) MarkInvalid(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return
	}
	if a.Status == StatusInvalid {
		return
	}
	a.Status = StatusInvalid
	a.InvalidReason = reason
	a.CooldownUntil = time.Time{}
	a.Failed++
	r.log.Error("account invalidated", logx.String("account", id), logx.String("reason", reason))
}

// Disable takes an account out of rotation until Enable is called.
func (r *Registry) Disable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil || a.Status == StatusInvalid {
		return false
	}
	a.Status = StatusDisabled
	a.CooldownUntil = time.Time{}
	return true
}

// Enable returns a Disabled account to rotation. Invalid accounts stay invalid.
func (r *Registry) Enable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil || a.Status == StatusInvalid {
		return false
	}
	a.Status = StatusActive
	a.CooldownUntil = time.Time{}
	a.ConsecutiveErrors = 0
	return true
}

// Sweep transitions every Cooling account whose cooldown elapsed back to
// Active. Called once per scheduling tick, before selection.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	n := 0
	for _, a := range r.accounts {
		if a.Status == StatusCooling && !a.CooldownUntil.After(t) {
			a.Status = StatusActive
			a.CooldownUntil = time.Time{}
			a.CooldownReason = ""
			n++
			r.log.Info("account recovered from cooldown", logx.String("account", a.ID))
		}
	}
	return n
}

// CountByStatus is used by the metrics and control surfaces.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[Status]int{}
	for _, a := range r.accounts {
		out[a.Status]++
	}
	return out
}
