// Package blockindex defines the hash to block id index kept next to the
// block store.
package blockindex

import (
	"context"
	"errors"

	"github.com/i5heu/ametsuchi/pkg/types"
)

// ErrIndexUnavailable is returned when the index backend cannot be reached
// or rejects a write.
var ErrIndexUnavailable = errors.New("blockindex: index unavailable")

// BlockIndex maps block hashes to block ids and remembers the highest id it
// has recorded.
//
// Every method is synchronous from the caller's point of view and Record is
// durable once it returns. Implementations may be local or remote; callers
// must not assume either.
type BlockIndex interface {
	// Record inserts or overwrites h -> id and advances LastBlockID when id
	// is greater. Recording the same pair again is a no-op.
	Record(ctx context.Context, h types.Hash, id types.BlockID) error

	// LastBlockID returns the highest recorded id or types.NoBlock.
	LastBlockID(ctx context.Context) (types.BlockID, error)

	// Lookup returns the id recorded for h, or an error wrapping
	// types.ErrNotFound.
	Lookup(ctx context.Context, h types.Hash) (types.BlockID, error)

	Close() error
}
