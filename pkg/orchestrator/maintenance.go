package orchestrator

import (
	"context"
	"fmt"
	"time"

	"opsbrain/pkg/journal"
)

// SweepStale closes open events with no activity for StaleEventAge and open
// events whose documents cannot be read. Events with a running task are left
// alone. It returns how many it closed.
func (o *Orchestrator) SweepStale(ctx context.Context) (int, error) {
	events, malformed, err := o.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	age := o.Limits().StaleEventAge
	now := o.nowFunc()
	closed := o.closeMalformed(ctx, malformed)
	for _, ev := range events {
		if o.IsActive(ev.ID) {
			continue
		}
		idle := now.Sub(ev.UpdatedAt)
		if idle <= age {
			continue
		}
		reason := fmt.Sprintf("stale: no activity for %s", idle.Round(time.Minute))
		if o.settleAndClose(ctx, ev.ID, reason, journal.OriginStartupCleanup) {
			closed++
		}
	}
	return closed, nil
}
