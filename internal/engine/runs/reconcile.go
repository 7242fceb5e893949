package runs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconcile fails runs stuck in the running state longer than maxAge. A
// crashed worker leaves its run running forever; the sweep restores the
// invariant that every observed run eventually reaches a terminal state.
func (c *Coordinator) Reconcile(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).Unix()
	ids, err := c.runs.StaleRunning(cutoff)
	if err != nil {
		return err
	}

	for _, id := range ids {
		run, err := c.runs.GetByID(id)
		if err != nil {
			return err
		}
		if run == nil {
			continue
		}
		if err := c.failRun(run, "abandoned: no progress before reconciliation cutoff"); err != nil {
			return err
		}
		log.Warn().Str("run_id", id).Msg("stale run failed by reconciler")
	}
	return nil
}

// StartPoller executes queued runs found in the store on an interval. The
// in-memory queue only feeds workers in the process that accepted the
// trigger; the poller lets a separate worker process drain the backlog and
// picks up runs queued by a process that died before executing them.
func (c *Coordinator) StartPoller(ctx context.Context, interval time.Duration, batch int) {
	if batch <= 0 {
		batch = 16
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids, err := c.runs.QueuedIDs(batch)
				if err != nil {
					log.Error().Err(err).Msg("queued run poll failed")
					continue
				}
				for _, id := range ids {
					if err := c.ExecuteRun(ctx, id); err != nil {
						log.Error().Err(err).Str("run_id", id).Msg("run execution failed")
					}
				}
			}
		}
	}()
}

// StartReconciler sweeps on the given interval until ctx is canceled.
func (c *Coordinator) StartReconciler(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Reconcile(maxAge); err != nil {
					log.Error().Err(err).Msg("reconcile sweep failed")
				}
			}
		}
	}()
}
