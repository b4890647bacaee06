package approval

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"tradeops.org/internal/auth"
	"tradeops.org/internal/obs"
)

// Sweeper periodically escalates overdue pending requests to an active
// admin. It is timer-driven with no latency guarantee; a failed sweep is
// retried on the next scheduled run, never immediately.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	overdue  time.Duration
	limiter  *rate.Limiter
	batch    int
}

// NewSweeper builds a sweeper over the engine. rps paces decisions against
// the store so a large backlog cannot stampede it.
func NewSweeper(svc *Service, interval, overdue time.Duration, rps float64) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if overdue <= 0 {
		overdue = 48 * time.Hour
	}
	if rps <= 0 {
		rps = 5
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		overdue:  overdue,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		batch:    100,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.SweepOnce(ctx)
			if err != nil {
				obs.Logger().Error().Err(err).Msg("escalation sweep failed")
				continue
			}
			if n > 0 {
				obs.Logger().Info().Int("escalated", n).Msg("escalation sweep complete")
			}
		}
	}
}

// SweepOnce escalates every overdue pending request to the first active
// admin and returns how many were escalated.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := w.svc.now().UTC().Add(-w.overdue)
	reqs, err := w.svc.store.ListOverduePending(ctx, cutoff, w.batch)
	if err != nil {
		return 0, err
	}
	if len(reqs) == 0 {
		return 0, nil
	}
	admins, err := w.svc.dir.UsersWithRole(ctx, RoleAdmin)
	if err != nil {
		return 0, err
	}
	if len(admins) == 0 {
		obs.Logger().Warn().Msg("escalation sweep: no active admin to escalate to")
		return 0, nil
	}
	target := admins[0].ID

	sysCtx := auth.ContextWithUser(ctx, auth.SystemIdentity, []string{string(RoleAdmin)})
	count := 0
	for _, req := range reqs {
		if req.CurrentApprover == target {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return count, err
		}
		_, err := w.svc.Decide(sysCtx, req.ID, DecisionInput{
			Decision:   DecisionEscalate,
			EscalateTo: target,
			Comments:   "escalated by overdue sweep",
		}, auth.SystemIdentity)
		if err != nil {
			obs.Logger().Warn().Err(err).Str("request_id", req.ID).Msg("sweep escalation failed")
			continue
		}
		count++
	}
	return count, nil
}
