package fallbackkv

import "errors"

// Configuration errors, surfaced by the setters in database.go or by
// Start.
var (
	// ErrAlreadyStarted is returned by configuration setters once the
	// Database has started; configuration is immutable after Start.
	ErrAlreadyStarted = errors.New("fallbackkv: already started")
	// ErrNotStarted is returned by CreateTransaction and other
	// data-plane calls made before Start or after Stop.
	ErrNotStarted = errors.New("fallbackkv: not started")
	// ErrNoStateFile is returned by Start if no state file path was
	// configured.
	ErrNoStateFile = errors.New("fallbackkv: no state file configured")
	// ErrNoTargets is returned by Start if no fallback targets were
	// configured; a facade with zero clustered targets has nothing to
	// migrate between.
	ErrNoTargets = errors.New("fallbackkv: at least one fallback target is required")
	// ErrNilBackend is returned by SetFallbackTargets if any target's
	// backend reference is nil.
	ErrNilBackend = errors.New("fallbackkv: target backend must not be nil")
	// ErrNoStandaloneTarget is returned by Start if no standalone
	// backend was configured.
	ErrNoStandaloneTarget = errors.New("fallbackkv: no standalone target configured")
)

// ErrRetryTransaction is the sentinel Tx.Commit returns when the
// transaction straddled a migration boundary: the application
// should retry the whole transaction against whatever backend is now
// active, not assume partial effect.
var ErrRetryTransaction = errors.New("fallbackkv: transaction invalidated by concurrent migration, retry")

// errKind distinguishes how a migration attempt's failure should be
// handled, replacing exception-based control flow with an explicit
// tagged result.
type errKind int

const (
	errKindRetry errKind = iota
	errKindFatal
)

// migrationError wraps an underlying error with a disposition: retry
// (log at info, the periodic check will try again) or fatal (log at
// error, abandon this migration attempt). This replaces exception-
// based control flow with an explicit tagged result. It is never
// returned to application code; it only flows between controller.go's
// internal helpers and its own logging.
type migrationError struct {
	kind errKind
	err  error
}

func (e *migrationError) Error() string { return e.err.Error() }
func (e *migrationError) Unwrap() error { return e.err }

func retryError(err error) error {
	if err == nil {
		return nil
	}
	return &migrationError{kind: errKindRetry, err: err}
}

func fatalError(err error) error {
	if err == nil {
		return nil
	}
	return &migrationError{kind: errKindFatal, err: err}
}

// kindOf classifies err for logging purposes; anything not explicitly
// tagged retry-class is treated as fatal.
func kindOf(err error) errKind {
	var me *migrationError
	if errors.As(err, &me) {
		return me.kind
	}
	return errKindFatal
}

// Retryable lets a backend-supplied error mark itself as transient, so
// a migration attempt that fails this way is logged at info (the
// periodic check will simply try again) rather than at error. Errors
// that don't implement Retryable are treated as fatal.
type Retryable interface {
	error
	Retryable() bool
}

// wrapMigrationErr classifies a raw backend error returned while
// opening, merging, or committing a migration's transactions into the
// tagged result the rest of controller.go logs against.
func wrapMigrationErr(err error) error {
	if err == nil {
		return nil
	}
	var r Retryable
	if errors.As(err, &r) && r.Retryable() {
		return retryError(err)
	}
	return fatalError(err)
}
