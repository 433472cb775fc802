package fallbackkv

import (
	"time"

	"github.com/kvmux/fallbackkv/internal/clock"
)

// Target is a single clustered backend's static configuration plus
// its runtime availability state. Targets are held by Database in an
// ordered slice, increasing in preference: index 0 is the least
// preferred clustered target, the last index the most preferred.
//
// The runtime fields (available, lastChangeTimestamp, lastActiveTime)
// are mutated only by Database's probe goroutines and migration
// controller, always under Database's lock; callers only ever see a
// TargetSnapshot copy via Database.FallbackTargets.
type Target struct {
	// Backend is the clustered backend this target wraps. Must be
	// non-nil.
	Backend ClusteredBackend
	// Probe reports whether the backend is currently reachable. A
	// returned error is treated identically to a false result:
	// unavailable.
	Probe func() (bool, error)
	// CheckInterval is how often Probe is invoked. Must be > 0.
	CheckInterval time.Duration
	// MinAvailableTime is how long the target must be continuously
	// available before the controller will migrate onto it (rejoin
	// hysteresis). May be 0.
	MinAvailableTime time.Duration
	// MinUnavailableTime is how long the target must be continuously
	// unavailable before the controller will migrate off of it
	// (partition hysteresis). May be 0.
	MinUnavailableTime time.Duration
	// RejoinMergeStrategy is used when migrating toward this target
	// from a less-preferred one (including standalone).
	RejoinMergeStrategy MergeStrategy
	// UnavailableMergeStrategy is used when migrating away from this
	// target to a less-preferred one.
	UnavailableMergeStrategy MergeStrategy

	available           bool
	lastChangeTimestamp clock.Timestamp
	lastActiveTime      *time.Time
}

// validate checks a Target's configuration invariants, applying
// defaults for anything left zero.
func (t *Target) validate() error {
	if t.Backend == nil {
		return ErrNilBackend
	}
	if t.CheckInterval <= 0 {
		t.CheckInterval = defaultCheckInterval
	}
	if t.Probe == nil {
		t.Probe = func() (bool, error) { return true, nil }
	}
	if t.RejoinMergeStrategy == nil {
		t.RejoinMergeStrategy = OverwriteMergeStrategy{}
	}
	if t.UnavailableMergeStrategy == nil {
		t.UnavailableMergeStrategy = OverwriteMergeStrategy{}
	}
	return nil
}

const defaultCheckInterval = time.Second

// TargetSnapshot is a point-in-time, detached copy of a Target's
// configuration and runtime state, safe to hold onto after the lock
// that produced it has been released.
type TargetSnapshot struct {
	CheckInterval            time.Duration
	MinAvailableTime         time.Duration
	MinUnavailableTime       time.Duration
	Available                bool
	LastChangeTimestampValid bool
	LastActiveTime           *time.Time
}

func (t *Target) snapshot() TargetSnapshot {
	var lastActive *time.Time
	if t.lastActiveTime != nil {
		v := *t.lastActiveTime
		lastActive = &v
	}
	return TargetSnapshot{
		CheckInterval:            t.CheckInterval,
		MinAvailableTime:         t.MinAvailableTime,
		MinUnavailableTime:       t.MinUnavailableTime,
		Available:                t.available,
		LastChangeTimestampValid: t.lastChangeTimestamp.Valid(),
		LastActiveTime:           lastActive,
	}
}
