package engine

import (
	"context"
	"sort"
	"time"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/eventbus"
	"adbot/internal/storage"
	"adbot/internal/target"
	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// run is the single driver loop. It owns all campaign mutation: scheduling
// ticks, attempt results and the shutdown drain all pass through here.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			s.drainOnStop(ctx)
			return
		case res := <-s.results:
			s.handleResult(res)
		case <-ticker.C:
			s.tickOnce(s.now())
		}
	}
}

// drainOnStop releases queued-but-unstarted jobs and waits for in-flight
// attempts to report, so account state and statistics stay consistent
// through a shutdown.
func (s *Service) drainOnStop(ctx context.Context) {
	for {
		select {
		case j := <-s.queue:
			s.release(j)
			continue
		default:
		}
		if s.inflightTotal() == 0 {
			return
		}
		select {
		case res := <-s.results:
			s.handleResult(res)
		case j := <-s.queue:
			s.release(j)
		case <-ctx.Done():
			s.log.Warn("drain abandoned", logx.Int("inflight", s.inflightTotal()))
			return
		}
	}
}

// release undoes the bookkeeping of a job that will never run.
func (s *Service) release(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, j.accountID)
	if s.inflight[j.campaignID] <= 1 {
		delete(s.inflight, j.campaignID)
	} else {
		s.inflight[j.campaignID]--
	}
}

func (s *Service) inflightTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.inflight {
		n += c
	}
	return n
}

// tickOnce performs one scheduler evaluation at the given instant.
//
// Order per campaign: schedule-window transitions, then the dispatch check.
// Target availability is checked before account selection so an empty target
// list pauses the campaign without consuming a rotation pick.
func (s *Service) tickOnce(now time.Time) {
	s.accounts.Sweep()

	s.mu.Lock()
	prev := s.lastWindowCheck
	s.lastWindowCheck = now

	ids := make([]string, 0, len(s.campaigns))
	for id := range s.campaigns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := s.campaigns[id]
		if c.Window == nil {
			continue
		}
		resume, pause := c.Window.Evaluate(prev, now)
		switch {
		case pause && c.State == campaign.StateRunning:
			s.pauseLocked(c, campaign.ReasonSchedule)
		case resume && c.State == campaign.StatePaused && scheduleMayResume(c.PauseReason):
			c.State = campaign.StateRunning
			c.PauseReason = ""
			if c.NextEligible.Before(now) {
				c.NextEligible = now
			}
			cp := *c
			go s.persistCampaign(&cp)
			s.log.Info("campaign resumed by schedule", logx.String("campaign", c.ID), logx.String("name", c.Name))
		}
	}

	running := 0
	for _, id := range ids {
		c := s.campaigns[id]
		if c.State != campaign.StateRunning {
			continue
		}
		running++
		if c.NextEligible.After(now) {
			continue
		}

		targets := s.targets.Eligible(c.Mode, c.Filters)
		if len(targets) == 0 {
			s.pauseLocked(c, campaign.ReasonNoTargets)
			running--
			continue
		}

		acct, err := s.selectAccountLocked(c)
		switch err {
		case nil:
		case ErrAllAccountsBusy:
			// Every admitted account carries an attempt; try next tick.
			continue
		default:
			s.pauseLocked(c, campaign.ReasonNoAccounts)
			running--
			continue
		}

		if c.Cursor >= len(targets) {
			c.Cursor = 0
		}
		tgt := targets[c.Cursor]

		j := job{
			campaignID: c.ID,
			accountID:  acct.ID,
			targetID:   tgt.ID,
			dest:       transport.Destination{ChatID: tgt.ChatID, Username: tgt.Username},
			message:    c.PickMessage(s.rng),
			enqueuedAt: now,
		}
		select {
		case s.queue <- j:
		default:
			// Pool saturated; nothing was dispatched, so pacing and the
			// cursor stay where they are.
			continue
		}

		c.Cursor++
		// Pacing advances at dispatch, whatever the outcome turns out to be.
		c.NextEligible = now.Add(c.Interval)
		s.reserved[acct.ID] = c.ID
		s.inflight[c.ID]++
	}
	queueLen := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetRunningCampaigns(running)
	s.metrics.SetEligibleAccounts(len(s.accounts.ListEligible()))
	s.metrics.SetQueueDepth(queueLen)
}

// scheduleMayResume keeps window auto-resume from overriding a pause the
// operator (or a storage incident) put in place.
func scheduleMayResume(reason string) bool {
	switch reason {
	case campaign.ReasonSchedule, "restart", "":
		return true
	default:
		return false
	}
}

// handleResult applies one attempt outcome: account state, campaign
// counters, target blacklist, persistence, events and metrics.
func (s *Service) handleResult(res result) {
	j := res.job
	out := res.outcome

	s.release(j)

	// Pacing is anchored at dispatch, but a job can sit in the queue when the
	// pool is saturated. The interval bounds the gap between attempt starts,
	// so a late start pushes the next dispatch out.
	s.mu.Lock()
	if c := s.campaigns[j.campaignID]; c != nil {
		if next := res.started.Add(c.Interval); next.After(c.NextEligible) {
			c.NextEligible = next
		}
	}
	s.mu.Unlock()

	var errText string
	if out.Err != nil {
		errText = out.Err.Error()
	}

	switch out.Kind {
	case transport.OutcomeOK:
		s.accounts.MarkSuccess(j.accountID)
		s.addCounter(j.campaignID, func(ct *campaign.Counters) { ct.Sent++ })
		s.metrics.ObserveSend(j.accountID)

	case transport.OutcomeRateLimited:
		s.accounts.MarkCooling(j.accountID, out.RetryAfter, account.CooldownFloodWait)
		if out.RetryAfter > s.cfg.FloodTolerance {
			s.addCounter(j.campaignID, func(ct *campaign.Counters) { ct.Failed++ })
		} else {
			// Tolerated wait: the account rotates out, the campaign moves on.
			s.addCounter(j.campaignID, func(ct *campaign.Counters) { ct.Skipped++ })
		}

	case transport.OutcomeForbidden:
		s.accounts.MarkInvalid(j.accountID, errText)
		s.addCounter(j.campaignID, func(ct *campaign.Counters) { ct.Failed++ })
		s.publish(eventbus.TypeAccountInvalid, AttemptEvent{
			CampaignID: j.campaignID, AccountID: j.accountID, TargetID: j.targetID,
			Outcome: out.Kind.String(), Attempts: res.attempts, Took: res.took,
		})

	case transport.OutcomeTargetInvalid:
		s.targets.Blacklist(j.targetID, "unreachable")
		if s.store != nil {
			e := target.BlacklistEntry{TargetID: j.targetID, Reason: "unreachable", At: s.now()}
			if err := s.store.SaveBlacklist(context.Background(), e); err != nil {
				s.log.Error("persist blacklist failed", logx.String("target", j.targetID), logx.Err(err))
			}
		}
		s.addCounter(j.campaignID, func(ct *campaign.Counters) { ct.Skipped++ })

	case transport.OutcomeTransient:
		s.accounts.MarkError(j.accountID)
		s.addCounter(j.campaignID, func(ct *campaign.Counters) { ct.Failed++ })
	}

	s.appendAttempt(storage.Attempt{
		At:         res.started,
		CampaignID: j.campaignID,
		AccountID:  j.accountID,
		TargetID:   j.targetID,
		Message:    j.message,
		Outcome:    out.Kind.String(),
		Error:      errText,
	})
	s.persistAccount(j.accountID)

	s.metrics.ObserveAttempt(out.Kind.String())
	s.publish(eventbus.TypeAttemptFinished, AttemptEvent{
		CampaignID: j.campaignID, AccountID: j.accountID, TargetID: j.targetID,
		Outcome: out.Kind.String(), Attempts: res.attempts, Took: res.took,
	})
}

// addCounter mutates one campaign's counters under the scheduler lock.
func (s *Service) addCounter(campaignID string, fn func(*campaign.Counters)) {
	s.mu.Lock()
	c := s.campaigns[campaignID]
	if c != nil {
		fn(&c.Counters)
	}
	s.mu.Unlock()
}

// appendAttempt writes one immutable statistics record. Every attempt
// produces exactly one, whatever the outcome.
func (s *Service) appendAttempt(a storage.Attempt) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendAttempt(context.Background(), a); err != nil {
		s.log.Error("append attempt failed", logx.String("campaign", a.CampaignID), logx.Err(err))
		s.recordStorageFailure()
		return
	}
	s.recordStorageSuccess()
}

// recordStorageFailure counts consecutive persistence failures and trips
// degraded mode when they reach the configured threshold: every running
// campaign pauses and the event bus carries a degraded notice.
func (s *Service) recordStorageFailure() {
	s.mu.Lock()
	s.storageFails++
	trip := !s.degraded && s.cfg.DegradedAfter > 0 && s.storageFails >= s.cfg.DegradedAfter
	if trip {
		s.degraded = true
		for _, c := range s.campaigns {
			if c.State == campaign.StateRunning {
				s.pauseLocked(c, campaign.ReasonDegraded)
			}
		}
	}
	s.mu.Unlock()

	if trip {
		s.log.Error("storage degraded, pausing all campaigns", logx.Int("failures", s.cfg.DegradedAfter))
		s.publish(eventbus.TypeDegraded, nil)
	}
}

// recordStorageSuccess clears the failure streak. Campaigns paused during the
// incident stay paused until an operator resumes them.
func (s *Service) recordStorageSuccess() {
	s.mu.Lock()
	s.storageFails = 0
	s.degraded = false
	s.mu.Unlock()
}

// Snapshot returns a consistent diagnostics view.
func (s *Service) Snapshot() Snapshot {
	s.runMu.Lock()
	var uptime time.Duration
	if s.running {
		uptime = s.now().Sub(s.startedAt)
	}
	s.runMu.Unlock()

	s.mu.Lock()
	snap := Snapshot{
		Campaigns: make([]CampaignStatus, 0, len(s.campaigns)),
		Degraded:  s.degraded,
		QueueLen:  len(s.queue),
		QueueCap:  cap(s.queue),
		Uptime:    uptime,
	}
	for _, c := range s.campaigns {
		snap.Campaigns = append(snap.Campaigns, CampaignStatus{
			ID:           c.ID,
			Name:         c.Name,
			State:        c.State,
			PauseReason:  c.PauseReason,
			Interval:     c.Interval,
			NextEligible: c.NextEligible,
			Counters:     c.Counters,
			InFlight:     s.inflight[c.ID],
		})
	}
	for _, n := range s.inflight {
		snap.InFlight += n
	}
	s.mu.Unlock()

	sort.Slice(snap.Campaigns, func(i, j int) bool { return snap.Campaigns[i].Name < snap.Campaigns[j].Name })
	snap.Accounts = s.accounts.All()
	return snap
}

// CampaignStatusByID returns one campaign's status view.
func (s *Service) CampaignStatusByID(id string) (CampaignStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if c == nil {
		return CampaignStatus{}, false
	}
	return CampaignStatus{
		ID:           c.ID,
		Name:         c.Name,
		State:        c.State,
		PauseReason:  c.PauseReason,
		Interval:     c.Interval,
		NextEligible: c.NextEligible,
		Counters:     c.Counters,
		InFlight:     s.inflight[c.ID],
	}, true
}
