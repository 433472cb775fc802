package fallbackkv

import (
	"context"
	"time"

	"github.com/kvmux/fallbackkv/internal/clock"
)

// runProbeLoop polls a single target's Probe function on its own
// CheckInterval cadence, updating the target's availability and
// requesting an immediate migration check on every edge. epoch ties
// this loop to the Start call that scheduled it.
func (db *Database) runProbeLoop(ctx context.Context, epoch int64, idx int) {
	db.mu.Lock()
	if idx >= len(db.targets) {
		db.mu.Unlock()
		return
	}
	interval := db.targets[idx].CheckInterval
	probe := db.targets[idx].Probe
	db.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.runProbeOnce(ctx, epoch, idx, probe)
		}
	}
}

// runProbeOnce invokes probe outside the lock (it may block on
// network I/O), then reacquires the lock to record any edge and, on a
// transition, run an immediate migration check on this goroutine.
func (db *Database) runProbeOnce(ctx context.Context, epoch int64, idx int, probe func() (bool, error)) {
	available, err := probe()
	if err != nil {
		db.logger.WithError(err).WithField("target", idx).Debug("fallbackkv: probe failed")
		available = false
	}

	db.mu.Lock()
	if !db.started || db.startEpoch != epoch {
		db.mu.Unlock()
		return
	}
	t := db.targets[idx]
	edge := available != t.available
	if edge {
		t.available = available
		t.lastChangeTimestamp = clock.Now()
	}
	db.mu.Unlock()

	if edge {
		db.logger.WithField("target", idx).WithField("available", available).Info("fallbackkv: target availability changed")
		db.requestMigrationCheck(ctx, epoch)
	}
}
