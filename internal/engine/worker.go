package engine

import (
	"context"
	"time"

	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// worker pulls jobs off the queue and performs the network send.
// The stopCh check comes first so a closed engine never starts new work.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case j := <-s.queue:
			res := s.execJob(ctx, j)
			log.Debug("attempt finished",
				logx.String("campaign", j.campaignID),
				logx.String("account", j.accountID),
				logx.String("target", j.targetID),
				logx.String("outcome", res.outcome.Kind.String()),
				logx.Int("tries", res.attempts),
				logx.Duration("queued", res.started.Sub(j.enqueuedAt)),
				logx.Duration("took", res.took))
			select {
			case s.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execJob runs one attempt: wait for a limiter slot, send, and retry
// transient errors up to the configured bound with a fixed delay.
// Rate-limit, forbidden and invalid-target outcomes are never retried here;
// they carry platform state the scheduler must act on.
func (s *Service) execJob(ctx context.Context, j job) result {
	started := s.now()
	tries := 0
	var out transport.Outcome
	for {
		tries++
		if err := s.limiter.Wait(ctx); err != nil {
			out = transport.Transient(err)
			break
		}
		out = s.client.Send(ctx, j.accountID, j.dest, j.message)
		if out.Kind != transport.OutcomeTransient || tries >= s.cfg.RetryMax {
			break
		}
		s.metrics.ObserveRetry()
		select {
		case <-ctx.Done():
			return result{job: j, outcome: out, attempts: tries, started: started, took: time.Since(started)}
		case <-time.After(s.cfg.RetryDelay):
		}
	}
	return result{job: j, outcome: out, attempts: tries, started: started, took: time.Since(started)}
}
