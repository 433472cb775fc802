package fallbackkv

import "context"

// Tx wraps a backend Transaction with the migration generation it was
// opened against. Commit fails with ErrRetryTransaction if a migration
// completed while the transaction was open: the backend it was opened
// against may no longer be the active one, and partial effects on the
// old backend must not be mistaken for a committed result.
type Tx struct {
	db           *Database
	tx           Transaction
	migrationGen uint64
}

// Get returns the value stored for key, or (nil, nil) if unset.
func (tx *Tx) Get(ctx context.Context, key []byte) ([]byte, error) {
	return tx.tx.Get(ctx, key)
}

// Put sets key to value.
func (tx *Tx) Put(ctx context.Context, key, value []byte) error {
	return tx.tx.Put(ctx, key, value)
}

// Delete removes key, if present.
func (tx *Tx) Delete(ctx context.Context, key []byte) error {
	return tx.tx.Delete(ctx, key)
}

// ForEach invokes fn for every key/value pair currently visible to the
// transaction.
func (tx *Tx) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	return tx.tx.ForEach(ctx, fn)
}

// Commit finalizes the transaction, unless a migration completed since
// it was opened, in which case it rolls back and returns
// ErrRetryTransaction.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.db.mu.Lock()
	stale := tx.db.migrationCount != tx.migrationGen
	tx.db.mu.Unlock()

	if stale {
		_ = tx.tx.Rollback(ctx)
		return ErrRetryTransaction
	}
	return tx.tx.Commit(ctx)
}

// Rollback unconditionally discards the transaction's effects.
func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.tx.Rollback(ctx)
}
