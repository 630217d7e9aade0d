package verifier

import (
	"context"
	"time"

	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/store"
)

// Run drives the wake scheduler until the context is canceled. Each
// tick scans for in_progress records whose wake time has passed and
// verifies them. Because the wake time is persisted, a record opened by
// a previous process run is picked up here like any other; there is no
// in-memory timer to lose.
func (v *Verifier) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	v.resume(ctx)
	v.backfill(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweep(ctx)
		}
	}
}

func (v *Verifier) sweep(ctx context.Context) {
	pending, err := v.verifications.PendingInProgress(ctx)
	if err != nil {
		v.logger.Error("Failed to scan pending verifications", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range pending {
		if rec.WakeAt.After(now) {
			// Oldest wake first; everything after this is in the future.
			return
		}
		v.verify(ctx, rec)
	}
}

// resume logs what survived the restart. The records themselves need no
// touch-up; the sweep handles them once due.
func (v *Verifier) resume(ctx context.Context) {
	pending, err := v.verifications.PendingInProgress(ctx)
	if err != nil {
		v.logger.Error("Failed to load pending verifications at startup", "error", err)
		return
	}
	if len(pending) > 0 {
		v.logger.Info("Resuming in-flight verifications", "count", len(pending))
	}
}

// backfill reconciles deploy_succeeded events that never got a
// verification record, covering deployments that finished while the
// verifier was not subscribed.
func (v *Verifier) backfill(ctx context.Context) {
	from := time.Now().UTC().Add(-v.cfg.BackfillLookback)
	events, err := v.log.QueryWindow(ctx, store.WindowQuery{
		Topics: []string{event.TopicFixDeploySucceeded},
		From:   from,
	})
	if err != nil {
		v.logger.Error("Backfill scan failed", "error", err)
		return
	}

	opened := 0
	for i := range events {
		env := &events[i].Envelope
		var details event.DeployStatusDetails
		if err := env.DecodeDetails(&details); err != nil || details.FixID == "" {
			continue
		}
		exists, err := v.verifications.Exists(ctx, details.FixID)
		if err != nil {
			v.logger.Error("Backfill existence check failed", "fix_id", details.FixID, "error", err)
			continue
		}
		if exists {
			continue
		}

		deployedAt := details.DeployedAt.Time
		if deployedAt.IsZero() {
			deployedAt = env.Timestamp.Time
		}
		wakeAt := deployedAt.Add(v.longestWindow(details.Actions))
		if err := v.verifications.Start(ctx, details.FixID, env.CorrelationID, wakeAt); err != nil {
			v.logger.Error("Backfill failed to open verification", "fix_id", details.FixID, "error", err)
			continue
		}
		opened++
	}
	if opened > 0 {
		v.logger.Info("Backfilled unverified deployments", "count", opened)
	}
}
