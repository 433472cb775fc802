// Package fallbackkv implements a partition-tolerant key/value
// database facade that multiplexes application transactions across a
// prioritized list of clustered (Raft-style) backends and a single
// non-clustered standalone backend, migrating active use between them
// as cluster availability changes.
//
// Application code talks only to Database and Tx; the backends
// themselves, their transaction and consistency semantics, and how
// they achieve consensus or persistence are external collaborators
// consumed here only through the Transaction/ClusteredBackend/
// StandaloneBackend interfaces.
package fallbackkv

import "context"

// Consistency selects the durability/visibility contract a clustered
// backend transaction is opened under.
type Consistency int

const (
	// ConsistencyDefault is whatever a clustered backend normally
	// offers for read-write transactions (typically requiring a
	// quorum to commit).
	ConsistencyDefault Consistency = iota
	// ConsistencyEventualCommitted permits a transaction to commit
	// without contacting a majority of peers; reads reflect only
	// locally known state. This is the consistency level the
	// migration controller uses for the outgoing side of a migration
	// so leaving an unreachable cluster never blocks on quorum.
	ConsistencyEventualCommitted
)

// Transaction is the opaque capability a backend exposes for reading
// and writing keys within a single unit of work. Implementations are
// supplied by the application; this module only calls the methods
// below.
type Transaction interface {
	// Get returns the value stored for key, or (nil, nil) if key is
	// unset.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Put sets key to value.
	Put(ctx context.Context, key, value []byte) error
	// Delete removes key, if present.
	Delete(ctx context.Context, key []byte) error
	// ForEach invokes fn for every key/value pair currently visible
	// to the transaction, in unspecified order. fn must not mutate
	// the transaction it was called from. Iteration stops and the
	// error is returned if fn returns a non-nil error.
	ForEach(ctx context.Context, fn func(key, value []byte) error) error
	// Commit finalizes the transaction. A failed commit leaves the
	// transaction's effects undone.
	Commit(ctx context.Context) error
	// Rollback discards the transaction's effects. Rollback is safe
	// to call after a failed Commit and is a no-op after a
	// successful one.
	Rollback(ctx context.Context) error
}

// ClusteredBackend is a key/value store whose availability depends on
// communicating with a majority of peers.
type ClusteredBackend interface {
	// Start brings the backend online. Start must be idempotent with
	// respect to a single Database lifecycle.
	Start(ctx context.Context) error
	// Stop takes the backend offline. Errors are logged by the
	// caller but never propagated to application code.
	Stop(ctx context.Context) error
	// CreateTransaction opens a normal read-write transaction,
	// requiring a quorum to commit.
	CreateTransaction(ctx context.Context) (Transaction, error)
	// CreateTransactionWithConsistency opens a transaction under the
	// given consistency level. Only ConsistencyEventualCommitted is
	// used by this module, always for a read-only transaction opened
	// against a backend the controller is migrating away from.
	CreateTransactionWithConsistency(ctx context.Context, level Consistency) (Transaction, error)
}

// StandaloneBackend is a non-clustered local key/value store, always
// locally available.
type StandaloneBackend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateTransaction(ctx context.Context) (Transaction, error)
}

// opener is the internal adapter that lets the migration controller
// treat the standalone backend and every clustered target uniformly:
// "open me a transaction, possibly read-only-and-quorum-free".
type opener interface {
	start(ctx context.Context) error
	stop(ctx context.Context) error
	openTransaction(ctx context.Context, eventualReadOnly bool) (Transaction, error)
}

type standaloneOpener struct {
	backend StandaloneBackend
}

func (o standaloneOpener) start(ctx context.Context) error { return o.backend.Start(ctx) }
func (o standaloneOpener) stop(ctx context.Context) error  { return o.backend.Stop(ctx) }

func (o standaloneOpener) openTransaction(ctx context.Context, _ bool) (Transaction, error) {
	return o.backend.CreateTransaction(ctx)
}

type clusteredOpener struct {
	backend ClusteredBackend
}

func (o clusteredOpener) start(ctx context.Context) error { return o.backend.Start(ctx) }
func (o clusteredOpener) stop(ctx context.Context) error  { return o.backend.Stop(ctx) }

func (o clusteredOpener) openTransaction(ctx context.Context, eventualReadOnly bool) (Transaction, error) {
	if eventualReadOnly {
		return o.backend.CreateTransactionWithConsistency(ctx, ConsistencyEventualCommitted)
	}
	return o.backend.CreateTransaction(ctx)
}
