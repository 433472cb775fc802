package fallbackkv

import (
	"errors"
	"testing"
)

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string   { return "retryable" }
func (e retryableErr) Retryable() bool { return e.retry }

func TestWrapMigrationErrClassifiesRetryable(t *testing.T) {
	err := wrapMigrationErr(retryableErr{retry: true})
	if kindOf(err) != errKindRetry {
		t.Fatalf("expected retry classification")
	}
	if !errors.Is(err, retryableErr{retry: true}) {
		t.Fatalf("wrapped error should unwrap to the original")
	}
}

func TestWrapMigrationErrDefaultsToFatal(t *testing.T) {
	err := wrapMigrationErr(errors.New("boom"))
	if kindOf(err) != errKindFatal {
		t.Fatalf("expected fatal classification for a plain error")
	}

	err = wrapMigrationErr(retryableErr{retry: false})
	if kindOf(err) != errKindFatal {
		t.Fatalf("expected fatal classification when Retryable() is false")
	}
}

func TestWrapMigrationErrNilIsNil(t *testing.T) {
	if wrapMigrationErr(nil) != nil {
		t.Fatal("expected nil")
	}
}
