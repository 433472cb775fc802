package fallbackkv

import (
	"context"
	"testing"
	"time"
)

type stubClusteredBackend struct{}

func (stubClusteredBackend) Start(context.Context) error { return nil }
func (stubClusteredBackend) Stop(context.Context) error  { return nil }
func (stubClusteredBackend) CreateTransaction(context.Context) (Transaction, error) {
	return nil, nil
}
func (stubClusteredBackend) CreateTransactionWithConsistency(context.Context, Consistency) (Transaction, error) {
	return nil, nil
}

func TestTargetValidateRejectsNilBackend(t *testing.T) {
	tgt := &Target{}
	if err := tgt.validate(); err != ErrNilBackend {
		t.Fatalf("got %v, want ErrNilBackend", err)
	}
}

func TestTargetValidateFillsInDefaultsWhenBackendPresent(t *testing.T) {
	tgt := &Target{Backend: stubClusteredBackend{}}
	if err := tgt.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tgt.CheckInterval != defaultCheckInterval {
		t.Fatalf("got CheckInterval=%v, want %v", tgt.CheckInterval, defaultCheckInterval)
	}
	if tgt.Probe == nil {
		t.Fatal("expected a default Probe to be installed")
	}
	ok, err := tgt.Probe()
	if !ok || err != nil {
		t.Fatalf("default probe should report available, got (%v, %v)", ok, err)
	}
	if tgt.RejoinMergeStrategy == nil || tgt.UnavailableMergeStrategy == nil {
		t.Fatal("expected default merge strategies to be installed")
	}
}

func TestTargetValidateKeepsExplicitCheckInterval(t *testing.T) {
	tgt := &Target{Backend: stubClusteredBackend{}, CheckInterval: 5 * time.Second}
	if err := tgt.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tgt.CheckInterval != 5*time.Second {
		t.Fatalf("got %v, want 5s", tgt.CheckInterval)
	}
}

func TestTargetSnapshotDetachesLastActiveTime(t *testing.T) {
	now := time.Now()
	tgt := &Target{CheckInterval: time.Second, lastActiveTime: &now, available: true}
	snap := tgt.snapshot()
	if snap.LastActiveTime == nil || !snap.LastActiveTime.Equal(now) {
		t.Fatalf("snapshot did not carry lastActiveTime through")
	}
	*snap.LastActiveTime = now.Add(time.Hour)
	if tgt.lastActiveTime.Equal(now.Add(time.Hour)) {
		t.Fatal("snapshot must be a detached copy, not an alias")
	}
}
