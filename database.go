package fallbackkv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvmux/fallbackkv/internal/clock"
	"github.com/kvmux/fallbackkv/internal/statefile"
)

// DefaultMigrationCheckInterval is how often the periodic migration
// check runs, independent of probe edges.
const DefaultMigrationCheckInterval = time.Second

// TxOptions configures CreateTransactionWithOptions. It is currently
// empty and accepted only for forward compatibility.
type TxOptions struct{}

// Database is a partition-tolerant key/value facade that multiplexes
// transactions across a prioritized list of clustered backends and a
// single standalone backend, migrating between them as availability
// changes. The zero value is not usable; construct with NewDatabase.
type Database struct {
	mu   sync.Mutex
	cond *sync.Cond

	logger *logrus.Entry

	migrationCheckInterval time.Duration

	stateFilePath     string
	standaloneBackend StandaloneBackend
	targets           []*Target

	started    bool
	startEpoch int64
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	standaloneOpener opener
	targetOpeners    []opener

	migrating      bool
	migrationCount uint64
	activeIndex    int

	lastStandaloneActiveTime *time.Time
}

// NewDatabase constructs an unstarted Database. Configure it with
// SetStateFile, SetStandaloneTarget, and SetFallbackTargets, then call
// Start.
func NewDatabase() *Database {
	db := &Database{
		logger:                 logrus.StandardLogger().WithField("component", "fallbackkv"),
		migrationCheckInterval: DefaultMigrationCheckInterval,
		activeIndex:            -1,
	}
	db.cond = sync.NewCond(&db.mu)
	return db
}

// SetLogger overrides the logger used for probe/migration diagnostics.
func (db *Database) SetLogger(logger *logrus.Entry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if logger != nil {
		db.logger = logger
	}
}

// SetMigrationCheckInterval overrides the periodic migration-check
// cadence (default DefaultMigrationCheckInterval). Must be called
// before Start.
func (db *Database) SetMigrationCheckInterval(d time.Duration) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.started {
		return ErrAlreadyStarted
	}
	if d <= 0 {
		return fmt.Errorf("fallbackkv: migration check interval must be positive")
	}
	db.migrationCheckInterval = d
	return nil
}

// SetStateFile configures the path used to persist migration decisions.
// Must be called before Start.
func (db *Database) SetStateFile(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.started {
		return ErrAlreadyStarted
	}
	db.stateFilePath = path
	return nil
}

// SetStandaloneTarget configures the non-clustered local backend. Must
// be called before Start.
func (db *Database) SetStandaloneTarget(backend StandaloneBackend) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.started {
		return ErrAlreadyStarted
	}
	db.standaloneBackend = backend
	return nil
}

// SetFallbackTargets configures the ordered list of clustered targets,
// increasing in preference (last element most preferred). Must be
// called before Start. Each target is validated and copied; callers
// retain no live reference into the Database's runtime state.
func (db *Database) SetFallbackTargets(targets []Target) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.started {
		return ErrAlreadyStarted
	}
	copies := make([]*Target, len(targets))
	for i := range targets {
		t := targets[i]
		if err := t.validate(); err != nil {
			return err
		}
		copies[i] = &t
	}
	db.targets = copies
	return nil
}

// Start validates configuration, starts the standalone backend and
// every clustered target, loads persisted migration state (or applies
// defaults), and schedules availability probes and the periodic
// migration check. Start is idempotent: calling it while already
// started is a no-op.
func (db *Database) Start(ctx context.Context) error {
	db.mu.Lock()
	if db.started {
		db.mu.Unlock()
		return nil
	}
	if db.stateFilePath == "" {
		db.mu.Unlock()
		return ErrNoStateFile
	}
	if db.standaloneBackend == nil {
		db.mu.Unlock()
		return ErrNoStandaloneTarget
	}
	if len(db.targets) == 0 {
		db.mu.Unlock()
		return ErrNoTargets
	}

	db.standaloneOpener = standaloneOpener{backend: db.standaloneBackend}
	db.targetOpeners = make([]opener, len(db.targets))
	for i, t := range db.targets {
		db.targetOpeners[i] = clusteredOpener{backend: t.Backend}
	}
	targetCount := len(db.targets)
	db.mu.Unlock()

	started := make([]opener, 0, targetCount+1)
	cleanup := func() {
		stopCtx := context.Background()
		for _, o := range started {
			_ = o.stop(stopCtx)
		}
	}

	if err := db.standaloneOpener.start(ctx); err != nil {
		return fmt.Errorf("fallbackkv: start standalone backend: %w", err)
	}
	started = append(started, db.standaloneOpener)
	for i, o := range db.targetOpeners {
		if err := o.start(ctx); err != nil {
			cleanup()
			return fmt.Errorf("fallbackkv: start target %d backend: %w", i, err)
		}
		started = append(started, o)
	}

	rec, err := statefile.Load(db.stateFilePath, targetCount)
	if err != nil {
		if isCountMismatch(err) {
			db.logger.WithError(err).Warn("fallbackkv: state file target count mismatch, ignoring persisted state")
			rec = statefile.Default(targetCount)
		} else {
			cleanup()
			return fmt.Errorf("fallbackkv: load state file: %w", err)
		}
	}

	db.mu.Lock()
	db.activeIndex = int(rec.ActiveIndex)
	if rec.StandaloneLastActiveMs != 0 {
		t := msToTime(rec.StandaloneLastActiveMs)
		db.lastStandaloneActiveTime = &t
	} else {
		db.lastStandaloneActiveTime = nil
	}
	for i, t := range db.targets {
		if rec.TargetLastActiveMs[i] != 0 {
			v := msToTime(rec.TargetLastActiveMs[i])
			t.lastActiveTime = &v
		} else {
			t.lastActiveTime = nil
		}
		t.available = false
		t.lastChangeTimestamp = clock.Timestamp{}
	}
	db.migrating = false
	db.migrationCount = 0
	db.startEpoch++
	epoch := db.startEpoch
	runCtx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.started = true
	probes := make([]func() (bool, error), len(db.targets))
	for i, t := range db.targets {
		probes[i] = t.Probe
	}
	db.mu.Unlock()

	// Seed every target's availability with one synchronous probe pass
	// before the periodic migration check is allowed to run, the same
	// way a ticker loop runs its task once up front instead of waiting
	// out the first tick. Without this, a restart's first migration
	// check could race the first probe tick and see every target as
	// available=false (its zero value), demoting a healthy persisted
	// active target to standalone and back for no reason. The pass only
	// records availability; it requests no migration check, so no
	// decision is made while later targets are still unprobed.
	for i, probe := range probes {
		available, err := probe()
		if err != nil {
			db.logger.WithError(err).WithField("target", i).Debug("fallbackkv: probe failed")
			available = false
		}
		db.mu.Lock()
		if available && db.started && db.startEpoch == epoch {
			db.targets[i].available = true
			db.targets[i].lastChangeTimestamp = clock.Now()
		}
		db.mu.Unlock()
	}

	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		db.runMigrationCheckLoop(runCtx, epoch)
	}()
	for i := range db.targets {
		db.wg.Add(1)
		go func(idx int) {
			defer db.wg.Done()
			db.runProbeLoop(runCtx, epoch, idx)
		}(i)
	}

	return nil
}

// Stop idempotently shuts the facade down: if a migration is
// in-flight it waits (honoring ctx) for it to drain, cancels scheduled
// probes and the migration-check loop, and stops every backend.
// Backend shutdown errors are logged, never returned. If ctx is
// cancelled before an in-flight migration drains, Stop returns ctx's
// error but the drain and shutdown continue in the background.
func (db *Database) Stop(ctx context.Context) error {
	db.mu.Lock()
	if !db.started {
		db.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			db.mu.Lock()
			db.cond.Broadcast()
			db.mu.Unlock()
		case <-done:
		}
	}()
	for db.started && db.migrating {
		db.cond.Wait()
		if ctx.Err() != nil && db.migrating {
			close(done)
			db.mu.Unlock()
			go func() { _ = db.Stop(context.Background()) }()
			return ctx.Err()
		}
	}
	close(done)
	if !db.started {
		db.mu.Unlock()
		return nil
	}

	cancel := db.cancel
	standalone := db.standaloneOpener
	targets := db.targetOpeners
	db.started = false
	db.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	db.wg.Wait()

	stopCtx := ctx
	if stopCtx.Err() != nil {
		stopCtx = context.Background()
	}
	if err := standalone.stop(stopCtx); err != nil {
		db.logger.WithError(err).Warn("fallbackkv: standalone backend stop failed")
	}
	for i, o := range targets {
		if err := o.stop(stopCtx); err != nil {
			db.logger.WithError(err).WithField("target", i).Warn("fallbackkv: target backend stop failed")
		}
	}
	return nil
}

// CreateTransaction opens a transaction against whichever backend is
// currently active.
func (db *Database) CreateTransaction(ctx context.Context) (*Tx, error) {
	return db.CreateTransactionWithOptions(ctx, TxOptions{})
}

// CreateTransactionWithOptions opens a transaction against whichever
// backend is currently active. opts is accepted for forward
// compatibility and currently has no fields.
func (db *Database) CreateTransactionWithOptions(ctx context.Context, _ TxOptions) (*Tx, error) {
	db.mu.Lock()
	if !db.started {
		db.mu.Unlock()
		return nil, ErrNotStarted
	}
	idx := db.activeIndex
	gen := db.migrationCount
	o := db.openerFor(idx)
	db.mu.Unlock()

	backendTx, err := o.openTransaction(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("fallbackkv: create transaction: %w", err)
	}
	return &Tx{db: db, tx: backendTx, migrationGen: gen}, nil
}

// CurrentTargetIndex returns the currently active backend index: -1
// for standalone, otherwise an index into the configured target list.
func (db *Database) CurrentTargetIndex() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.activeIndex
}

// MigrationCount returns how many migrations have completed since
// Start.
func (db *Database) MigrationCount() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.migrationCount
}

// LastStandaloneActiveTime returns when the standalone backend was
// last the active backend at the end of a migration, or nil if never.
func (db *Database) LastStandaloneActiveTime() *time.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.lastStandaloneActiveTime == nil {
		return nil
	}
	v := *db.lastStandaloneActiveTime
	return &v
}

// FallbackTargets returns a detached snapshot of every configured
// target's configuration and runtime state, in configured order.
func (db *Database) FallbackTargets() []TargetSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]TargetSnapshot, len(db.targets))
	for i, t := range db.targets {
		out[i] = t.snapshot()
	}
	return out
}

// openerFor maps an active-index value (-1 for standalone, otherwise a
// target index) to its opener. Configuration is immutable once
// started, so this never needs db.mu.
func (db *Database) openerFor(idx int) opener {
	if idx < 0 {
		return db.standaloneOpener
	}
	return db.targetOpeners[idx]
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	return t.UnixMilli()
}

func isCountMismatch(err error) bool {
	return errors.Is(err, statefile.ErrCountMismatch)
}
