package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/eventbus"
	"adbot/internal/metrics"
	"adbot/internal/storage"
	"adbot/internal/target"
	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// Service owns campaign records and drives the dispatch loop.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	accounts *account.Registry
	targets  *target.Registry
	store    storage.Store // may be nil (persistence disabled)
	client   transport.Client
	metrics  *metrics.Metrics // may be nil

	limiter *rate.Limiter

	// mu guards campaigns, reservations, rng and degraded-mode state.
	// The tick loop and the operator API are the only writers.
	mu              sync.Mutex
	campaigns       map[string]*campaign.Campaign
	reserved        map[string]string // accountID -> campaignID of the in-flight attempt
	inflight        map[string]int    // campaignID -> in-flight attempts
	rng             *rand.Rand
	lastWindowCheck time.Time
	storageFails    int
	degraded        bool

	queue   chan job
	results chan result

	runMu     sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	loopWG    sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, accounts *account.Registry, targets *target.Registry,
	client transport.Client, store storage.Store, bus eventbus.Bus,
	m *metrics.Metrics, log logx.Logger) *Service {

	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		accounts:  accounts,
		targets:   targets,
		store:     store,
		client:    client,
		metrics:   m,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		campaigns: map[string]*campaign.Campaign{},
		reserved:  map[string]string{},
		inflight:  map[string]int{},
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		queue:     make(chan job, cfg.Workers),
		results:   make(chan result, cfg.Workers),
		now:       time.Now,
	}
}

// Restore loads persisted campaigns into the scheduler. Campaigns that were
// Running when the process died come back Paused so an operator (or their
// schedule window) resumes them deliberately, without a catch-up burst.
func (s *Service) Restore(cs []*campaign.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		if c == nil || c.ID == "" {
			continue
		}
		if c.State == campaign.StateRunning {
			c.State = campaign.StatePaused
			c.PauseReason = "restart"
		}
		s.campaigns[c.ID] = c
	}
}

// Start launches the worker pool and the tick loop. The engine's lifetime is
// ended by Stop, not by the caller's context: a cancelled parent must not
// abort attempts the drain is still waiting on.
func (s *Service) Start(context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.startedAt = s.now()
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel

	s.mu.Lock()
	s.lastWindowCheck = s.now()
	s.mu.Unlock()

	// A worker per account guarantees an accepted job never waits behind a
	// busy pool: in-flight attempts are capped by the reservation map, so
	// with this many workers every dispatched job starts immediately and the
	// enqueue-anchored pacing holds for attempt start times too.
	workers := s.cfg.Workers
	if n := len(s.accounts.All()); n > workers {
		workers = n
	}
	s.mu.Lock()
	if workers > cap(s.queue) {
		s.queue = make(chan job, workers)
		s.results = make(chan result, workers)
	}
	s.mu.Unlock()

	stopCh := s.stopCh
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, idx)
		}()
	}

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.run(runCtx, stopCh)
	}()

	s.log.Info("engine started",
		logx.Int("workers", workers),
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("rps", s.cfg.RatePerSec))
}

// Stop drains in-flight attempts, flushes state and shuts the pool down.
// Queued-but-unstarted jobs are released, not attempted.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.runMu.Unlock()

	start := time.Now()
	close(stopCh)

	// The loop drains in-flight results before exiting; give it until the
	// caller's deadline, then cut the cord.
	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("engine stop: drain timed out, cancelling in-flight sends")
	}
	cancel()
	s.workerWG.Wait()

	s.flush(context.Background())
	s.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
}

// flush persists every account and campaign snapshot.
func (s *Service) flush(ctx context.Context) {
	if s.store == nil {
		return
	}
	for _, a := range s.accounts.All() {
		if err := s.store.SaveAccount(ctx, a); err != nil {
			s.log.Error("flush account failed", logx.String("account", a.ID), logx.Err(err))
		}
	}
	s.mu.Lock()
	cs := make([]*campaign.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		cp := *c
		cs = append(cs, &cp)
	}
	s.mu.Unlock()
	for _, c := range cs {
		if err := s.store.SaveCampaign(ctx, c); err != nil {
			s.log.Error("flush campaign failed", logx.String("campaign", c.ID), logx.Err(err))
		}
	}
}

// ---- operator API: campaigns ----

// AddCampaign registers a Draft campaign with the scheduler.
func (s *Service) AddCampaign(c *campaign.Campaign) error {
	if c == nil || c.ID == "" {
		return ErrUnknownCampaign
	}
	s.mu.Lock()
	s.campaigns[c.ID] = c
	s.mu.Unlock()
	s.persistCampaign(c)
	s.log.Info("campaign added", logx.String("campaign", c.ID), logx.String("name", c.Name))
	return nil
}

// StartCampaign moves a Draft or Paused campaign to Running.
// The interval is clamped to the configured floor and next_eligible is
// brought up to now so resuming never produces a catch-up burst.
func (s *Service) StartCampaign(id string) error {
	s.mu.Lock()
	c := s.campaigns[id]
	if c == nil {
		s.mu.Unlock()
		return ErrUnknownCampaign
	}
	if !campaign.ValidTransition(c.State, campaign.StateRunning) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	if c.Interval < s.cfg.IntervalFloor {
		s.log.Warn("campaign interval below safety floor, clamping",
			logx.String("campaign", c.ID),
			logx.Duration("interval", c.Interval),
			logx.Duration("floor", s.cfg.IntervalFloor))
		c.Interval = s.cfg.IntervalFloor
	}
	c.State = campaign.StateRunning
	c.PauseReason = ""
	if now := s.now(); c.NextEligible.Before(now) {
		c.NextEligible = now
	}
	cp := *c
	s.mu.Unlock()

	s.persistCampaign(&cp)
	s.publishCampaign(&cp, "")
	return nil
}

// PauseCampaign is the operator-initiated pause.
func (s *Service) PauseCampaign(id string) error {
	return s.pause(id, campaign.ReasonOperator)
}

// ResumeCampaign is an alias for StartCampaign on a Paused campaign.
func (s *Service) ResumeCampaign(id string) error { return s.StartCampaign(id) }

// StopCampaign terminates a campaign. An attempt already in flight for it
// completes and updates account state normally; the Stopped state only
// suppresses further scheduling.
func (s *Service) StopCampaign(id string) error {
	s.mu.Lock()
	c := s.campaigns[id]
	if c == nil {
		s.mu.Unlock()
		return ErrUnknownCampaign
	}
	if !campaign.ValidTransition(c.State, campaign.StateStopped) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	c.State = campaign.StateStopped
	c.PauseReason = ""
	cp := *c
	s.mu.Unlock()

	s.persistCampaign(&cp)
	s.publish(eventbus.TypeCampaignStopped, CampaignEvent{CampaignID: cp.ID, Name: cp.Name, State: string(cp.State)})
	return nil
}

// UpdateFilters replaces a campaign's target filters. The cursor resets
// because the eligible pass the old cursor indexed no longer exists.
func (s *Service) UpdateFilters(id string, f target.Filters) error {
	s.mu.Lock()
	c := s.campaigns[id]
	if c == nil {
		s.mu.Unlock()
		return ErrUnknownCampaign
	}
	c.Filters = f
	c.Cursor = 0
	cp := *c
	s.mu.Unlock()

	s.persistCampaign(&cp)
	return nil
}

// pause transitions a Running campaign to Paused with a reason.
func (s *Service) pause(id, reason string) error {
	s.mu.Lock()
	c := s.campaigns[id]
	if c == nil {
		s.mu.Unlock()
		return ErrUnknownCampaign
	}
	if !campaign.ValidTransition(c.State, campaign.StatePaused) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	c.State = campaign.StatePaused
	c.PauseReason = reason
	cp := *c
	s.mu.Unlock()

	s.persistCampaign(&cp)
	s.publishCampaign(&cp, reason)
	return nil
}

// pauseLocked is the tick-loop variant; the caller holds s.mu.
func (s *Service) pauseLocked(c *campaign.Campaign, reason string) {
	c.State = campaign.StatePaused
	c.PauseReason = reason
	cp := *c
	// The caller is the tick loop; persistence and fanout happen off the lock.
	go func() {
		s.persistCampaign(&cp)
		s.publishCampaign(&cp, reason)
	}()
}

// ---- operator API: accounts ----

func (s *Service) RegisterAccount(id string) account.Account {
	a := s.accounts.Ensure(id)
	if s.store != nil {
		if err := s.store.SaveAccount(context.Background(), a); err != nil {
			s.log.Error("persist account failed", logx.String("account", id), logx.Err(err))
		}
	}
	return a
}

func (s *Service) EnableAccount(id string) error {
	if !s.accounts.Enable(id) {
		return ErrUnknownAccount
	}
	s.persistAccount(id)
	return nil
}

// CoolAccount parks an account until now+d on the operator's word, without
// touching its error counter. The regular sweep returns it to rotation.
func (s *Service) CoolAccount(id string, d time.Duration) error {
	if _, ok := s.accounts.Get(id); !ok {
		return ErrUnknownAccount
	}
	s.accounts.MarkCooling(id, d, account.CooldownOperator)
	s.persistAccount(id)
	return nil
}

func (s *Service) DisableAccount(id string) error {
	if !s.accounts.Disable(id) {
		return ErrUnknownAccount
	}
	s.persistAccount(id)
	return nil
}

func (s *Service) InvalidateAccount(id, reason string) error {
	if _, ok := s.accounts.Get(id); !ok {
		return ErrUnknownAccount
	}
	s.accounts.MarkInvalid(id, reason)
	s.persistAccount(id)
	return nil
}

// ---- operator API: targets ----

func (s *Service) AddTarget(t target.Target) {
	s.targets.Upsert(t)
	if s.store != nil {
		if err := s.store.SaveTarget(context.Background(), t); err != nil {
			s.log.Error("persist target failed", logx.String("target", t.ID), logx.Err(err))
		}
	}
}

func (s *Service) RemoveTarget(id string) bool {
	ok := s.targets.Remove(id)
	if ok && s.store != nil {
		if err := s.store.DeleteTarget(context.Background(), id); err != nil {
			s.log.Error("delete target failed", logx.String("target", id), logx.Err(err))
		}
	}
	return ok
}

func (s *Service) BlacklistTarget(id, reason string) {
	s.targets.Blacklist(id, reason)
	if s.store != nil {
		e := target.BlacklistEntry{TargetID: id, Reason: reason, At: s.now()}
		if err := s.store.SaveBlacklist(context.Background(), e); err != nil {
			s.log.Error("persist blacklist failed", logx.String("target", id), logx.Err(err))
		}
	}
}

func (s *Service) UnblacklistTarget(id string) bool {
	ok := s.targets.Unblacklist(id)
	if ok && s.store != nil {
		if err := s.store.DeleteBlacklist(context.Background(), id); err != nil {
			s.log.Error("delete blacklist failed", logx.String("target", id), logx.Err(err))
		}
	}
	return ok
}

// Targets exposes the target registry to read-only surfaces.
func (s *Service) Targets() *target.Registry { return s.targets }

// Accounts exposes the account registry to read-only surfaces.
func (s *Service) Accounts() *account.Registry { return s.accounts }

// ---- persistence helpers ----

func (s *Service) persistCampaign(c *campaign.Campaign) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveCampaign(context.Background(), c); err != nil {
		s.log.Error("persist campaign failed", logx.String("campaign", c.ID), logx.Err(err))
		s.recordStorageFailure()
		return
	}
	s.recordStorageSuccess()
}

func (s *Service) persistAccount(id string) {
	if s.store == nil {
		return
	}
	a, ok := s.accounts.Get(id)
	if !ok {
		return
	}
	if err := s.store.SaveAccount(context.Background(), a); err != nil {
		s.log.Error("persist account failed", logx.String("account", id), logx.Err(err))
		s.recordStorageFailure()
		return
	}
	s.recordStorageSuccess()
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// publishCampaign fans out pause transitions. Resumes stay local; operators
// see them as command replies, and nothing else reacts to them.
func (s *Service) publishCampaign(c *campaign.Campaign, reason string) {
	if c.State != campaign.StatePaused {
		return
	}
	s.publish(eventbus.TypeCampaignPaused, CampaignEvent{
		CampaignID: c.ID, Name: c.Name, State: string(c.State), Reason: reason,
	})
}
