package fallbackkv

import (
	"context"
	"time"
)

// MergeStrategy copies data between the outgoing backend's read-only
// transaction (src) and the incoming backend's read-write transaction
// (dst) during a migration. Implementations must be stateless so a
// single MergeStrategy value may be invoked concurrently on disjoint
// transaction pairs (at most one migration runs at a time in this
// module, but a MergeStrategy is free to be shared across multiple
// Database instances).
//
// lastActiveTime is the incoming backend's last-active wall-clock
// instant, or nil if it has never been active, letting a strategy
// decide whether dst's existing contents are fresher than src's.
type MergeStrategy interface {
	Merge(ctx context.Context, src, dst Transaction, lastActiveTime *time.Time) error
}

// OverwriteMergeStrategy copies every key from src into dst after
// clearing whatever dst already holds. It is the usual choice both
// for leaving an unavailable cluster (copy its last known state into
// standalone or a less-preferred cluster) and for rejoining one (copy
// the interim standalone/less-preferred state into the backend that
// just became available).
type OverwriteMergeStrategy struct{}

// Merge implements MergeStrategy.
func (OverwriteMergeStrategy) Merge(ctx context.Context, src, dst Transaction, _ *time.Time) error {
	var keys [][]byte
	if err := dst.ForEach(ctx, func(key, _ []byte) error {
		// Copy key since ForEach does not guarantee the slice
		// outlives the callback.
		k := append([]byte(nil), key...)
		keys = append(keys, k)
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := dst.Delete(ctx, k); err != nil {
			return err
		}
	}

	return src.ForEach(ctx, func(key, value []byte) error {
		return dst.Put(ctx, key, value)
	})
}

// NoMergeStrategy leaves dst untouched. This is the right choice when
// the incoming backend's own data is already authoritative and the
// outgoing backend's interim state should simply be abandoned.
type NoMergeStrategy struct{}

// Merge implements MergeStrategy.
func (NoMergeStrategy) Merge(context.Context, Transaction, Transaction, *time.Time) error {
	return nil
}
