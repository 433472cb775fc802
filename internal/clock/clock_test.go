package clock

import (
	"testing"
	"time"
)

func TestNowIsValid(t *testing.T) {
	ts := Now()
	if !ts.Valid() {
		t.Fatalf("expected Now() to be valid")
	}
}

func TestZeroValueIsInvalid(t *testing.T) {
	var ts Timestamp
	if ts.Valid() {
		t.Fatalf("expected zero-value Timestamp to be invalid")
	}
}

func TestOffsetFromNowIsPositiveForPast(t *testing.T) {
	ts := Now()
	time.Sleep(5 * time.Millisecond)
	off := ts.OffsetFromNow()
	if off <= 0 {
		t.Fatalf("expected positive offset for a past timestamp, got %d", off)
	}
}

func TestOffsetFromNowPanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling OffsetFromNow on invalid Timestamp")
		}
	}()
	var ts Timestamp
	_ = ts.OffsetFromNow()
}

func TestIsRolloverDangerFalseForFreshTimestamp(t *testing.T) {
	ts := Now()
	if ts.IsRolloverDanger() {
		t.Fatalf("expected a freshly-constructed Timestamp not to be a rollover danger")
	}
}

func TestIsRolloverDangerTrueNearBound(t *testing.T) {
	ts := Timestamp{offset: int64(1<<63 - 1), valid: true}
	if !ts.IsRolloverDanger() {
		t.Fatalf("expected a Timestamp at the int64 bound to be a rollover danger")
	}
}

func TestIsRolloverDangerFalseForInvalid(t *testing.T) {
	var ts Timestamp
	if ts.IsRolloverDanger() {
		t.Fatalf("expected invalid Timestamp never to report rollover danger")
	}
}
