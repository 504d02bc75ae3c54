// Package blockstore provides block store implementations for ametsuchi.
package blockstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/types"
)

// MemoryBlockStore implements the BlockStore interface using in-memory
// storage. It is a reference implementation for tests; nothing it holds
// survives the process.
type MemoryBlockStore struct {
	mu     sync.RWMutex
	blocks [][]byte
	closed bool
}

// NewMemoryBlockStore creates an empty MemoryBlockStore.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{}
}

// Append stores a copy of block.
func (s *MemoryBlockStore) Append(
	ctx context.Context,
	block []byte,
) (types.BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NoBlock, blockstore.ErrClosed
	}

	s.blocks = append(s.blocks, append([]byte{}, block...))
	return types.BlockID(len(s.blocks) - 1), nil
}

// Get returns a copy of the block stored under id.
func (s *MemoryBlockStore) Get(
	ctx context.Context,
	id types.BlockID,
) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, blockstore.ErrClosed
	}
	if id.IsEmpty() || uint64(id) >= uint64(len(s.blocks)) {
		return nil, fmt.Errorf("blockstore: block %s: %w", id, types.ErrNotFound)
	}
	return append([]byte{}, s.blocks[id]...), nil
}

// LastID returns the id of the newest block.
func (s *MemoryBlockStore) LastID(ctx context.Context) (types.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return types.NoBlock, blockstore.ErrClosed
	}
	return types.LastIDForCount(uint64(len(s.blocks))), nil
}

// Iterate walks the blocks present when the call starts.
func (s *MemoryBlockStore) Iterate(
	ctx context.Context,
	from types.BlockID,
	fn blockstore.IterateFunc,
) error {
	s.mu.RLock()
	closed := s.closed
	snapshot := s.blocks[:len(s.blocks):len(s.blocks)]
	s.mu.RUnlock()
	if closed {
		return blockstore.ErrClosed
	}

	if from.IsEmpty() {
		return nil
	}
	for id := uint64(from); id < uint64(len(snapshot)); id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(types.BlockID(id), append([]byte{}, snapshot[id]...)); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure MemoryBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*MemoryBlockStore)(nil)
