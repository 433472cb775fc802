package fallbackkv

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kvmux/fallbackkv/internal/clock"
	"github.com/kvmux/fallbackkv/internal/statefile"
)

// runMigrationCheckLoop drives the periodic migration check on a fixed
// cadence, independent of probe edges. epoch ties every tick back to
// the Start call that scheduled it, so a tick left over from a prior
// Start (however briefly, during the cancel/wg.Wait race) is a no-op.
func (db *Database) runMigrationCheckLoop(ctx context.Context, epoch int64) {
	db.mu.Lock()
	interval := db.migrationCheckInterval
	db.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.runMigrationCheck(ctx, epoch)
		}
	}
}

// requestMigrationCheck is called by probe.go on every availability
// edge, so a just-observed change doesn't have to wait for the next
// fixed-cadence tick. It runs synchronously on the probe goroutine;
// correctness never depends on this happening promptly, only on the
// periodic loop eventually catching up, so coalescing or dropping a
// burst of these is harmless.
func (db *Database) requestMigrationCheck(ctx context.Context, epoch int64) {
	db.runMigrationCheck(ctx, epoch)
}

// runMigrationCheck evaluates the hysteresis-adjusted selection
// algorithm and, if it picks a different target than the one currently
// active, executes a single migration to it. At most one migration
// runs at a time per Database.
func (db *Database) runMigrationCheck(ctx context.Context, epoch int64) {
	db.mu.Lock()
	if !db.started || db.startEpoch != epoch || db.migrating {
		db.mu.Unlock()
		return
	}
	best, changed := db.selectBestLocked()
	if !changed {
		db.mu.Unlock()
		return
	}
	curr := db.activeIndex
	db.migrating = true
	db.mu.Unlock()

	migrationID := uuid.NewString()
	logger := db.logger.WithFields(logrus.Fields{
		"migration_id": migrationID,
		"from":         curr,
		"to":           best,
	})
	logger.Info("fallbackkv: migration starting")

	var (
		currentTime time.Time
		migrateErr  error
		committed   bool
	)
	func() {
		defer func() {
			if committed {
				// Cleared below, in the same critical section as the swap.
				return
			}
			db.mu.Lock()
			db.migrating = false
			db.cond.Broadcast()
			db.mu.Unlock()
		}()
		currentTime, migrateErr = db.executeMigration(ctx, curr, best)
		committed = migrateErr == nil
	}()

	if committed {
		db.mu.Lock()
		if curr < 0 {
			t := currentTime
			db.lastStandaloneActiveTime = &t
		} else {
			t := currentTime
			db.targets[curr].lastActiveTime = &t
		}
		db.activeIndex = best
		db.migrationCount++
		db.migrating = false
		db.cond.Broadcast()
		rec := db.buildStateRecordLocked()
		db.mu.Unlock()

		logger.Info("fallbackkv: migration committed")
		if err := statefile.Save(db.stateFilePath, rec); err != nil {
			logger.WithError(err).Warn("fallbackkv: failed to persist migration state")
		}
		return
	}

	switch kindOf(migrateErr) {
	case errKindRetry:
		logger.WithError(migrateErr).Info("fallbackkv: migration aborted, will retry")
	default:
		logger.WithError(migrateErr).Error("fallbackkv: migration aborted")
	}
}

// selectBestLocked runs the hysteresis-adjusted availability scan from
// the most-preferred target down to the least-preferred, returning the
// first one whose adjusted availability holds, or -1 (standalone) if
// none does. Must be called with db.mu held.
//
// previous_available for target i is true when i is at or below the
// currently active tier: the target we're already using (previous
// tier is always trusted not to need re-dwelling), and anything less
// preferred than it (never disturbed by hysteresis on the tier above
// it going down). A target *more* preferred than the current tier
// always starts from previous_available == false: it wasn't in use
// before, so promoting onto it requires its own full
// min_available_time dwell. This is what makes rejoin hysteresis
// actually hold even when migrating up from standalone (index -1,
// below every configured target).
func (db *Database) selectBestLocked() (best int, changed bool) {
	best = -1
	for i := len(db.targets) - 1; i >= 0; i-- {
		t := db.targets[i]
		previousAvailable := i <= db.activeIndex

		if t.lastChangeTimestamp.Valid() && t.lastChangeTimestamp.IsRolloverDanger() {
			t.lastChangeTimestamp = clock.Timestamp{}
		}

		var timeSinceChange int64 = math.MaxInt64
		if t.lastChangeTimestamp.Valid() {
			timeSinceChange = t.lastChangeTimestamp.OffsetFromNow()
		}

		var hysteresisAvailable bool
		if t.available {
			hysteresisAvailable = previousAvailable || timeSinceChange >= t.MinAvailableTime.Milliseconds()
		} else {
			hysteresisAvailable = previousAvailable && timeSinceChange < t.MinUnavailableTime.Milliseconds()
		}

		if hysteresisAvailable {
			best = i
			break
		}
	}
	return best, best != db.activeIndex
}

// executeMigration opens a read-only (eventual-committed, if
// clustered) transaction against the outgoing backend and a normal
// read-write transaction against the incoming one, merges, and commits
// src before dst. On any failure both transactions are rolled back
// (best-effort for one already committed) and the migration is
// abandoned; the caller leaves current_active_index untouched. On
// success it returns the wall-clock instant the merge was taken at, to
// be recorded as the outgoing backend's new last-active time.
func (db *Database) executeMigration(ctx context.Context, currIdx, bestIdx int) (time.Time, error) {
	strategy, srcOpener, dstOpener := db.resolveMigration(currIdx, bestIdx)

	srcTx, err := srcOpener.openTransaction(ctx, currIdx >= 0)
	if err != nil {
		return time.Time{}, wrapMigrationErr(err)
	}
	dstTx, err := dstOpener.openTransaction(ctx, false)
	if err != nil {
		_ = srcTx.Rollback(ctx)
		return time.Time{}, wrapMigrationErr(err)
	}

	currentTime := time.Now()
	lastActive := db.lastActiveSnapshot(bestIdx)

	if err := strategy.Merge(ctx, srcTx, dstTx, lastActive); err != nil {
		_ = srcTx.Rollback(ctx)
		_ = dstTx.Rollback(ctx)
		return time.Time{}, wrapMigrationErr(err)
	}

	if err := srcTx.Commit(ctx); err != nil {
		_ = dstTx.Rollback(ctx)
		return time.Time{}, wrapMigrationErr(err)
	}
	if err := dstTx.Commit(ctx); err != nil {
		// src already committed; rolling it back is best-effort and may
		// simply be a no-op, but we still leave current_active_index
		// unchanged since the migration as a whole did not succeed.
		_ = srcTx.Rollback(ctx)
		return time.Time{}, wrapMigrationErr(err)
	}
	return currentTime, nil
}

// resolveMigration picks the merge strategy and the src/dst openers
// for a migration from currIdx to bestIdx. Moving to a more preferred
// target (rejoin) uses that target's RejoinMergeStrategy; moving to a
// less preferred one (or to standalone) uses the outgoing target's
// UnavailableMergeStrategy. Configuration is immutable once started,
// so this doesn't need db.mu.
func (db *Database) resolveMigration(currIdx, bestIdx int) (strategy MergeStrategy, src, dst opener) {
	if bestIdx > currIdx {
		strategy = db.targets[bestIdx].RejoinMergeStrategy
	} else {
		strategy = db.targets[currIdx].UnavailableMergeStrategy
	}
	src = db.openerFor(currIdx)
	dst = db.openerFor(bestIdx)
	return strategy, src, dst
}

// lastActiveSnapshot reads the incoming backend's last-active time
// under lock, detached from the Target it came from.
func (db *Database) lastActiveSnapshot(idx int) *time.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	var src *time.Time
	if idx < 0 {
		src = db.lastStandaloneActiveTime
	} else {
		src = db.targets[idx].lastActiveTime
	}
	if src == nil {
		return nil
	}
	v := *src
	return &v
}

// buildStateRecordLocked builds the on-disk state record from current
// runtime state. Must be called with db.mu held.
func (db *Database) buildStateRecordLocked() statefile.Record {
	rec := statefile.Record{
		ActiveIndex:        int32(db.activeIndex),
		TargetLastActiveMs: make([]int64, len(db.targets)),
	}
	if db.lastStandaloneActiveTime != nil {
		rec.StandaloneLastActiveMs = timeToMs(*db.lastStandaloneActiveTime)
	}
	for i, t := range db.targets {
		if t.lastActiveTime != nil {
			rec.TargetLastActiveMs[i] = timeToMs(*t.lastActiveTime)
		}
	}
	return rec
}
