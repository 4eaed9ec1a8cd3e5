package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/eventbus"
	"adbot/internal/storage"
	"adbot/internal/target"
	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

type sendCall struct {
	account string
	dest    transport.Destination
	text    string
}

// fakeClient records sends and answers with a scripted outcome.
type fakeClient struct {
	mu      sync.Mutex
	calls   []sendCall
	outcome func(call sendCall) transport.Outcome
}

func (f *fakeClient) Send(_ context.Context, accountID string, dest transport.Destination, text string) transport.Outcome {
	call := sendCall{account: accountID, dest: dest, text: text}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	out := f.outcome
	f.mu.Unlock()
	if out == nil {
		return transport.OK()
	}
	return out(call)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newService(t *testing.T, client transport.Client, mut func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Workers:        2,
		Tick:           time.Second,
		IntervalFloor:  time.Second,
		RetryMax:       3,
		RetryDelay:     time.Millisecond,
		FloodTolerance: 5 * time.Minute,
		DegradedAfter:  5,
		RatePerSec:     1000,
		Seed:           1,
	}
	if mut != nil {
		mut(&cfg)
	}
	if client == nil {
		client = &fakeClient{}
	}
	return New(cfg, account.NewRegistry(logx.Nop()), target.NewRegistry(logx.Nop()),
		client, nil, eventbus.New(), nil, logx.Nop())
}

func addRunning(t *testing.T, s *Service, id string, interval time.Duration) {
	t.Helper()
	c, err := campaign.New("camp-"+id, []string{"hello"}, target.ModeBoth, interval)
	if err != nil {
		t.Fatalf("campaign.New: %v", err)
	}
	c.ID = id
	if err := s.AddCampaign(c); err != nil {
		t.Fatalf("AddCampaign: %v", err)
	}
	if err := s.StartCampaign(id); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
}

func popJob(t *testing.T, s *Service) job {
	t.Helper()
	select {
	case j := <-s.queue:
		return j
	default:
		t.Fatal("expected a dispatched job")
		return job{}
	}
}

func noJob(t *testing.T, s *Service) {
	t.Helper()
	select {
	case j := <-s.queue:
		t.Fatalf("unexpected job dispatched: campaign=%s account=%s", j.campaignID, j.accountID)
	default:
	}
}

func finish(s *Service, j job, out transport.Outcome) {
	s.handleResult(result{job: j, outcome: out, attempts: 1, started: s.now(), took: time.Millisecond})
}

func campaignState(t *testing.T, s *Service, id string) CampaignStatus {
	t.Helper()
	st, ok := s.CampaignStatusByID(id)
	if !ok {
		t.Fatalf("campaign %s not found", id)
	}
	return st
}

func TestRotationCyclesThroughAccountsAndTargets(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		s.accounts.Ensure(id)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		s.targets.Upsert(target.Target{ID: id, Kind: target.KindGroup, ChatID: 100})
	}
	addRunning(t, s, "c1", 5*time.Second)

	wantAccounts := []string{"a", "b", "c", "a"}
	wantTargets := []string{"t1", "t2", "t3", "t1"}
	for i := range wantAccounts {
		s.tickOnce(now)
		j := popJob(t, s)
		if j.accountID != wantAccounts[i] {
			t.Fatalf("dispatch %d: account = %s, want %s", i, j.accountID, wantAccounts[i])
		}
		if j.targetID != wantTargets[i] {
			t.Fatalf("dispatch %d: target = %s, want %s", i, j.targetID, wantTargets[i])
		}
		finish(s, j, transport.OK())
		now = now.Add(5 * time.Second)
	}

	st := campaignState(t, s, "c1")
	if st.Counters.Sent != 4 {
		t.Fatalf("Sent = %d, want 4", st.Counters.Sent)
	}
}

func TestPacingAdvancesRegardlessOfOutcome(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindUser, ChatID: 7})
	addRunning(t, s, "c1", 10*time.Second)

	dispatchAt := now
	s.tickOnce(now)
	j := popJob(t, s)
	finish(s, j, transport.Transient(errors.New("boom")))

	st := campaignState(t, s, "c1")
	if want := dispatchAt.Add(10 * time.Second); !st.NextEligible.Equal(want) {
		t.Fatalf("NextEligible = %v, want %v", st.NextEligible, want)
	}

	// Account errored but the pace holds: nothing before the interval elapses.
	now = now.Add(3 * time.Second)
	s.tickOnce(now)
	noJob(t, s)

	now = dispatchAt.Add(10 * time.Second)
	s.tickOnce(now)
	popJob(t, s)
}

func TestLateAttemptStartDefersPacing(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindUser, ChatID: 7})
	addRunning(t, s, "c1", 10*time.Second)

	s.tickOnce(now)
	j := popJob(t, s)

	// The job sat in the queue and only started 9s after dispatch. The next
	// attempt may not start sooner than interval after that.
	s.handleResult(result{job: j, outcome: transport.OK(), attempts: 1,
		started: base.Add(9 * time.Second), took: time.Millisecond})

	st := campaignState(t, s, "c1")
	if want := base.Add(19 * time.Second); !st.NextEligible.Equal(want) {
		t.Fatalf("NextEligible = %v, want %v", st.NextEligible, want)
	}

	now = base.Add(10 * time.Second)
	s.tickOnce(now)
	noJob(t, s)

	now = base.Add(19 * time.Second)
	s.tickOnce(now)
	popJob(t, s)
}

func TestNoTargetsPausesBeforeAccountSelection(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// No accounts either: the target check must win, so the pause reason
	// names targets, not accounts.
	addRunning(t, s, "c1", time.Second)
	s.tickOnce(now)

	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused {
		t.Fatalf("state = %s, want paused", st.State)
	}
	if st.PauseReason != campaign.ReasonNoTargets {
		t.Fatalf("reason = %q, want %q", st.PauseReason, campaign.ReasonNoTargets)
	}
}

func TestNoAccountsPauses(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)
	s.tickOnce(now)

	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused || st.PauseReason != campaign.ReasonNoAccounts {
		t.Fatalf("got %s/%q, want paused/%q", st.State, st.PauseReason, campaign.ReasonNoAccounts)
	}
}

func TestAllAccountsBusySkipsTickWithoutPausing(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Minute)
	addRunning(t, s, "c2", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)
	if j.campaignID != "c1" {
		t.Fatalf("first dispatch went to %s, want c1", j.campaignID)
	}
	noJob(t, s)

	// c2 found its only account reserved: it waits, it does not pause.
	st := campaignState(t, s, "c2")
	if st.State != campaign.StateRunning {
		t.Fatalf("c2 state = %s/%q, want running", st.State, st.PauseReason)
	}

	// Once the attempt finishes the account frees up for c2.
	finish(s, j, transport.OK())
	now = now.Add(2 * time.Second)
	s.tickOnce(now)
	j = popJob(t, s)
	if j.campaignID != "c2" {
		t.Fatalf("second dispatch went to %s, want c2", j.campaignID)
	}
}

func TestCoolingAccountsWaitWithoutPausing(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.accounts.MarkCooling("a", time.Hour, account.CooldownFloodWait)
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	// A cooling pool is a temporary shortage: the campaign holds its state.
	s.tickOnce(now)
	noJob(t, s)
	st := campaignState(t, s, "c1")
	if st.State != campaign.StateRunning {
		t.Fatalf("state = %s/%q, want running", st.State, st.PauseReason)
	}

	// The cooldown ends and dispatch picks up with no state transition.
	s.accounts.Restore(account.Account{ID: "a", Status: account.StatusActive})
	now = now.Add(2 * time.Second)
	s.tickOnce(now)
	j := popJob(t, s)
	if j.accountID != "a" {
		t.Fatalf("dispatched via %s, want a", j.accountID)
	}
}

func TestOperatorCooldownParksAccount(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	if err := s.CoolAccount("nope", time.Hour); err != ErrUnknownAccount {
		t.Fatalf("unknown account error = %v", err)
	}
	if err := s.CoolAccount("a", time.Hour); err != nil {
		t.Fatalf("CoolAccount: %v", err)
	}

	a, _ := s.accounts.Get("a")
	if a.Status != account.StatusCooling || a.CooldownReason != account.CooldownOperator {
		t.Fatalf("got %+v, want operator cooling", a)
	}
	if a.ConsecutiveErrors != 0 {
		t.Fatalf("ConsecutiveErrors = %d, want 0", a.ConsecutiveErrors)
	}

	// Parked, not gone: the campaign waits for the cooldown.
	s.tickOnce(now)
	noJob(t, s)
	if st := campaignState(t, s, "c1"); st.State != campaign.StateRunning {
		t.Fatalf("state = %s/%q, want running", st.State, st.PauseReason)
	}
}

func TestUpdateFiltersResetsCursor(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 1, MemberCount: 50})
	s.targets.Upsert(target.Target{ID: "t2", Kind: target.KindGroup, ChatID: 2, MemberCount: 5000})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)
	if j.targetID != "t1" {
		t.Fatalf("first dispatch hit %s, want t1", j.targetID)
	}
	finish(s, j, transport.OK())

	if err := s.UpdateFilters("c1", target.Filters{MinMembers: 100}); err != nil {
		t.Fatalf("UpdateFilters: %v", err)
	}
	if err := s.UpdateFilters("nope", target.Filters{}); err != ErrUnknownCampaign {
		t.Fatalf("unknown campaign error = %v", err)
	}

	// t1 no longer qualifies and the cursor restarted over the new pass.
	now = now.Add(time.Second)
	s.tickOnce(now)
	j = popJob(t, s)
	if j.targetID != "t2" {
		t.Fatalf("post-filter dispatch hit %s, want t2", j.targetID)
	}
}

func TestAccountAllowlistRestrictsRotation(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.accounts.Ensure("b")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})

	c, err := campaign.New("restricted", []string{"hi"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	c.Accounts = []string{"b"}
	if err := s.AddCampaign(c); err != nil {
		t.Fatal(err)
	}
	if err := s.StartCampaign("c1"); err != nil {
		t.Fatal(err)
	}

	s.tickOnce(now)
	j := popJob(t, s)
	if j.accountID != "b" {
		t.Fatalf("account = %s, want b", j.accountID)
	}
	finish(s, j, transport.OK())

	// Allowlisted account disabled: the campaign pauses even though "a" is free.
	if !s.accounts.Disable("b") {
		t.Fatal("disable failed")
	}
	now = now.Add(2 * time.Second)
	s.tickOnce(now)
	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused || st.PauseReason != campaign.ReasonNoAccounts {
		t.Fatalf("got %s/%q, want paused/%q", st.State, st.PauseReason, campaign.ReasonNoAccounts)
	}
}

func TestRateLimitedOutcomeCoolsAccount(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)
	finish(s, j, transport.RateLimited(30*time.Second, errors.New("flood wait 30")))

	a, _ := s.accounts.Get("a")
	if a.Status != account.StatusCooling {
		t.Fatalf("account status = %s, want cooling", a.Status)
	}
	st := campaignState(t, s, "c1")
	if st.Counters.Skipped != 1 || st.Counters.Failed != 0 {
		t.Fatalf("counters = %+v, want Skipped=1 Failed=0", st.Counters)
	}
	if st.State != campaign.StateRunning {
		t.Fatalf("campaign state = %s, want running", st.State)
	}
}

func TestLongFloodWaitCountsAsFailure(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)
	finish(s, j, transport.RateLimited(10*time.Minute, errors.New("flood wait 600")))

	st := campaignState(t, s, "c1")
	if st.Counters.Failed != 1 || st.Counters.Skipped != 0 {
		t.Fatalf("counters = %+v, want Failed=1 Skipped=0", st.Counters)
	}
}

func TestForbiddenOutcomeInvalidatesAccount(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	events, unsub := s.bus.Subscribe(8)
	defer unsub()

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)
	finish(s, j, transport.Forbidden(errors.New("401: unauthorized")))

	a, _ := s.accounts.Get("a")
	if a.Status != account.StatusInvalid {
		t.Fatalf("account status = %s, want invalid", a.Status)
	}

	var sawInvalid bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeAccountInvalid {
			sawInvalid = true
		}
	}
	if !sawInvalid {
		t.Fatal("no account.invalid event published")
	}
}

func TestTargetInvalidOutcomeBlacklists(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	s.targets.Upsert(target.Target{ID: "t2", Kind: target.KindGroup, ChatID: 10})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)
	if j.targetID != "t1" {
		t.Fatalf("target = %s, want t1", j.targetID)
	}
	finish(s, j, transport.TargetInvalid(errors.New("400: chat not found")))

	if !s.targets.IsBlacklisted("t1") {
		t.Fatal("t1 not blacklisted")
	}
	st := campaignState(t, s, "c1")
	if st.Counters.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", st.Counters.Skipped)
	}

	// The blacklist shrinks the eligible pass, so the next dispatch skips t1.
	now = now.Add(2 * time.Second)
	s.tickOnce(now)
	j = popJob(t, s)
	if j.targetID != "t2" {
		t.Fatalf("target = %s, want t2", j.targetID)
	}
}

func TestScheduleWindowPausesAndResumes(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 17, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})

	w, err := campaign.ParseWindow("0 9 * * *", "0 18 * * *")
	if err != nil {
		t.Fatal(err)
	}
	c, err := campaign.New("windowed", []string{"hi"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	c.Window = w
	if err := s.AddCampaign(c); err != nil {
		t.Fatal(err)
	}
	if err := s.StartCampaign("c1"); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.lastWindowCheck = now
	s.mu.Unlock()

	// Cross 18:00: stop fires, campaign pauses.
	now = time.Date(2026, 3, 1, 18, 0, 30, 0, time.UTC)
	s.tickOnce(now)
	noJob(t, s)
	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused || st.PauseReason != campaign.ReasonSchedule {
		t.Fatalf("got %s/%q, want paused/%q", st.State, st.PauseReason, campaign.ReasonSchedule)
	}

	// Cross 09:00 the next morning: start fires, campaign resumes and
	// dispatches on the same tick.
	now = time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	s.tickOnce(now)
	st = campaignState(t, s, "c1")
	if st.State != campaign.StateRunning {
		t.Fatalf("state = %s/%q, want running", st.State, st.PauseReason)
	}
	popJob(t, s)
}

func TestScheduleResumeNeverOverridesOperatorPause(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	w, err := campaign.ParseWindow("0 9 * * *", "")
	if err != nil {
		t.Fatal(err)
	}
	c, err := campaign.New("windowed", []string{"hi"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	c.Window = w
	if err := s.AddCampaign(c); err != nil {
		t.Fatal(err)
	}
	if err := s.StartCampaign("c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.PauseCampaign("c1"); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.lastWindowCheck = now
	s.mu.Unlock()

	now = time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s.tickOnce(now)

	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused || st.PauseReason != campaign.ReasonOperator {
		t.Fatalf("got %s/%q, operator pause must stick", st.State, st.PauseReason)
	}
}

func TestExecJobRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	fc.outcome = func(sendCall) transport.Outcome {
		if fc.callCount() < 3 {
			return transport.Transient(errors.New("temporary"))
		}
		return transport.OK()
	}
	s := newService(t, fc, nil)

	j := job{campaignID: "c1", accountID: "a", targetID: "t1", message: "hi"}
	res := s.execJob(context.Background(), j)
	if res.outcome.Kind != transport.OutcomeOK {
		t.Fatalf("outcome = %s, want ok", res.outcome.Kind)
	}
	if res.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.attempts)
	}
}

func TestExecJobGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{outcome: func(sendCall) transport.Outcome {
		return transport.Transient(errors.New("still down"))
	}}
	s := newService(t, fc, nil)

	res := s.execJob(context.Background(), job{campaignID: "c1", accountID: "a"})
	if res.outcome.Kind != transport.OutcomeTransient {
		t.Fatalf("outcome = %s, want transient", res.outcome.Kind)
	}
	if res.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.attempts)
	}
}

func TestExecJobNeverRetriesRateLimits(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{outcome: func(sendCall) transport.Outcome {
		return transport.RateLimited(42*time.Second, errors.New("flood"))
	}}
	s := newService(t, fc, nil)

	res := s.execJob(context.Background(), job{campaignID: "c1", accountID: "a"})
	if res.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.attempts)
	}
	if res.outcome.RetryAfter != 42*time.Second {
		t.Fatalf("RetryAfter = %v, want 42s", res.outcome.RetryAfter)
	}
}

func TestDrainReleasesQueuedJobs(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	if got := s.inflightTotal(); got != 1 {
		t.Fatalf("inflight = %d, want 1", got)
	}

	// No worker ever started the job; drain must release its reservation
	// without touching account state or statistics.
	s.drainOnStop(context.Background())
	if got := s.inflightTotal(); got != 0 {
		t.Fatalf("inflight after drain = %d, want 0", got)
	}
	a, _ := s.accounts.Get("a")
	if a.Sent != 0 || a.Failed != 0 {
		t.Fatalf("account counters touched: %+v", a)
	}

	s.mu.Lock()
	_, reserved := s.reserved["a"]
	s.mu.Unlock()
	if reserved {
		t.Fatal("reservation not released")
	}
}

func TestStopCampaignKeepsInflightAttempt(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})
	addRunning(t, s, "c1", time.Second)

	s.tickOnce(now)
	j := popJob(t, s)

	if err := s.StopCampaign("c1"); err != nil {
		t.Fatal(err)
	}

	// The in-flight attempt still completes and updates the account.
	finish(s, j, transport.OK())
	a, _ := s.accounts.Get("a")
	if a.Sent != 1 {
		t.Fatalf("account Sent = %d, want 1", a.Sent)
	}

	st := campaignState(t, s, "c1")
	if st.State != campaign.StateStopped {
		t.Fatalf("state = %s, want stopped", st.State)
	}

	// Stopped campaigns never schedule again.
	now = now.Add(time.Minute)
	s.tickOnce(now)
	noJob(t, s)
}

// failStore errors on every operation so degraded mode can be exercised.
type failStore struct{}

var errStore = errors.New("disk on fire")

func (failStore) SaveAccount(context.Context, account.Account) error      { return errStore }
func (failStore) LoadAccounts(context.Context) ([]account.Account, error) { return nil, errStore }
func (failStore) SaveCampaign(context.Context, *campaign.Campaign) error  { return errStore }
func (failStore) DeleteCampaign(context.Context, string) error            { return errStore }
func (failStore) LoadCampaigns(context.Context) ([]*campaign.Campaign, error) {
	return nil, errStore
}
func (failStore) SaveTarget(context.Context, target.Target) error      { return errStore }
func (failStore) DeleteTarget(context.Context, string) error           { return errStore }
func (failStore) LoadTargets(context.Context) ([]target.Target, error) { return nil, errStore }
func (failStore) SaveBlacklist(context.Context, target.BlacklistEntry) error {
	return errStore
}
func (failStore) DeleteBlacklist(context.Context, string) error { return errStore }
func (failStore) LoadBlacklist(context.Context) ([]target.BlacklistEntry, error) {
	return nil, errStore
}
func (failStore) AppendAttempt(context.Context, storage.Attempt) error { return errStore }
func (failStore) Summary(context.Context, time.Time) (storage.Summary, error) {
	return storage.Summary{}, errStore
}
func (failStore) Close() error { return nil }

func TestStorageFailuresTripDegradedMode(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, func(c *Config) { c.DegradedAfter = 2 })
	s.store = failStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	events, unsub := s.bus.Subscribe(8)
	defer unsub()

	s.accounts.Ensure("a")
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 9})

	c, err := campaign.New("doomed", []string{"hi"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	s.mu.Lock()
	s.campaigns[c.ID] = c
	c.State = campaign.StateRunning
	c.NextEligible = now
	s.mu.Unlock()

	s.tickOnce(now)
	j := popJob(t, s)
	// One result makes two failed writes (attempt log, account snapshot),
	// which meets the threshold.
	finish(s, j, transport.OK())

	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused || st.PauseReason != campaign.ReasonDegraded {
		t.Fatalf("got %s/%q, want paused/%q", st.State, st.PauseReason, campaign.ReasonDegraded)
	}
	if !s.Snapshot().Degraded {
		t.Fatal("snapshot does not report degraded")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeDegraded {
				return
			}
		case <-deadline:
			t.Fatal("no engine.degraded event published")
		}
	}
}

func TestIntervalClampedToFloor(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, func(c *Config) { c.IntervalFloor = 5 * time.Second })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	c, err := campaign.New("fast", []string{"hi"}, target.ModeBoth, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	if err := s.AddCampaign(c); err != nil {
		t.Fatal(err)
	}
	if err := s.StartCampaign("c1"); err != nil {
		t.Fatal(err)
	}

	st := campaignState(t, s, "c1")
	if st.Interval != 5*time.Second {
		t.Fatalf("interval = %v, want 5s clamp", st.Interval)
	}
}

func TestRestoreDemotesRunningCampaigns(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	c, err := campaign.New("survivor", []string{"hi"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	c.State = campaign.StateRunning
	s.Restore([]*campaign.Campaign{c})

	st := campaignState(t, s, "c1")
	if st.State != campaign.StatePaused || st.PauseReason != "restart" {
		t.Fatalf("got %s/%q, want paused/restart", st.State, st.PauseReason)
	}
	// A schedule window may resume a restart pause.
	if !scheduleMayResume(st.PauseReason) {
		t.Fatal("restart pause should be window-resumable")
	}
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	c, err := campaign.New("x", []string{"hi"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.ID = "c1"
	if err := s.AddCampaign(c); err != nil {
		t.Fatal(err)
	}

	if err := s.PauseCampaign("c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause draft: %v, want ErrInvalidTransition", err)
	}
	if err := s.StartCampaign("nope"); !errors.Is(err, ErrUnknownCampaign) {
		t.Fatalf("start unknown: %v, want ErrUnknownCampaign", err)
	}
	if err := s.StopCampaign("c1"); err != nil {
		t.Fatalf("stop draft: %v", err)
	}
	if err := s.StartCampaign("c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start stopped: %v, want ErrInvalidTransition", err)
	}
}

// Runs the real goroutine lifecycle on the wall clock: Start spawns the pool
// and the tick loop, attempts flow through the queue and results channels,
// and Stop drains everything within its deadline.
func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	s := newService(t, client, func(c *Config) {
		c.Workers = 2
		c.Tick = 2 * time.Millisecond
		c.IntervalFloor = time.Millisecond
	})
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		s.accounts.Ensure(id)
	}
	s.targets.Upsert(target.Target{ID: "t1", Kind: target.KindGroup, ChatID: 1})
	addRunning(t, s, "c1", time.Millisecond)

	s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for client.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("engine made %d sends, want at least 3", client.callCount())
		}
		time.Sleep(time.Millisecond)
	}

	// The pool grew to the account count so a dispatched job never queues
	// behind a busy worker.
	if snap := s.Snapshot(); snap.QueueCap < 6 {
		t.Fatalf("queue cap = %d, want at least the 6 registered accounts", snap.QueueCap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if n := s.inflightTotal(); n != 0 {
		t.Fatalf("inflight after stop = %d, want 0", n)
	}
	sent := campaignState(t, s, "c1").Counters.Sent
	if sent < 3 {
		t.Fatalf("Sent = %d, want at least 3", sent)
	}
	if uint64(client.callCount()) < sent {
		t.Fatalf("counters report %d sends, client saw %d", sent, client.callCount())
	}
}
