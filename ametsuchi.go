/*
Package ametsuchi is an append-only block ledger: a durable log of opaque
blocks, a hash to block id index next to it, and a Merkle accumulator whose
root summarizes every block appended so far.

Every append runs store append, hash, accumulator push and index record in
that order under one writer lock. Start reconciles the index with the store
before any append is accepted.
*/
package ametsuchi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	internalindex "github.com/i5heu/ametsuchi/internal/blockindex"
	internalstore "github.com/i5heu/ametsuchi/internal/blockstore"
	"github.com/i5heu/ametsuchi/internal/keyValStore"
	"github.com/i5heu/ametsuchi/pkg/blockindex"
	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/crashhandler"
	"github.com/i5heu/ametsuchi/pkg/merkle"
	"github.com/i5heu/ametsuchi/pkg/types"
	workerpool "github.com/i5heu/ametsuchi/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotStarted = errors.New("ametsuchi: ledger not started")
	ErrClosed     = errors.New("ametsuchi: ledger closed")
	// ErrNotConsistent is returned for appends after an index record failed.
	// Revalidate clears it.
	ErrNotConsistent = errors.New("ametsuchi: index not consistent with block store")
)

const (
	blocksDir    = "blocks"
	indexDir     = "index"
	snapshotFile = "merkle.snapshot"
)

// Ametsuchi is the ledger handle. Reads may run concurrently with the
// single writer.
type Ametsuchi struct {
	log    *logrus.Entry
	config Config

	store   blockstore.BlockStore
	index   blockindex.BlockIndex
	pool    *workerpool.WorkerPool
	auditMu sync.RWMutex // held shared by running audits

	writeMu sync.Mutex   // serializes appends, Revalidate and Checkpoint
	treeMu  sync.RWMutex // guards tree
	tree    *merkle.Tree

	degraded atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
	gcStop    chan struct{}
	gcDone    sync.WaitGroup
}

// cleaner is implemented by the badger backed store and index.
type cleaner interface {
	Clean() error
}

// New constructs a ledger handle. New does not touch the disk; call Start.
func New(conf Config) (*Ametsuchi, error) {
	conf.applyDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &Ametsuchi{
		log:    conf.Logger.WithField("component", "ametsuchi"),
		config: conf,
		gcStop: make(chan struct{}),
	}, nil
}

// Start opens the block store and the index, reconciles them, and rebuilds
// the Merkle accumulator. Start is safe to call multiple times; only the
// first call has effect and later calls return its error.
func (a *Ametsuchi) Start(ctx context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.startOnce.Do(func() {
		a.startErr = a.start(ctx)
	})
	return a.startErr
}

func (a *Ametsuchi) start(ctx context.Context) error {
	if !a.config.InMemory {
		if err := os.MkdirAll(a.dataRoot(), 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", a.dataRoot(), err)
		}
	}

	store, err := a.openStore()
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	index, err := a.openIndex()
	if err != nil {
		store.Close()
		return fmt.Errorf("open block index: %w", err)
	}

	replayed, err := crashhandler.NewMediator(index, store, a.config.Logger).Validate(ctx)
	if err != nil {
		index.Close()
		store.Close()
		return fmt.Errorf("reconcile block index: %w", err)
	}

	tree, err := a.restoreTree(ctx, store)
	if err != nil {
		index.Close()
		store.Close()
		return fmt.Errorf("restore merkle tree: %w", err)
	}

	a.store = store
	a.index = index
	a.tree = tree
	a.pool = workerpool.NewWorkerPool(workerpool.Config{})

	if a.config.GarbageCollectionInterval > 0 {
		a.gcDone.Add(1)
		go a.createGarbageCollection()
	}

	a.started.Store(true)
	a.log.WithFields(logrus.Fields{
		"path":     a.dataRoot(),
		"backend":  a.config.BlockStore,
		"blocks":   tree.Len(),
		"replayed": replayed,
	}).Info("ametsuchi started")
	return nil
}

func (a *Ametsuchi) dataRoot() string {
	if a.config.InMemory {
		return ""
	}
	return a.config.Paths[0]
}

func (a *Ametsuchi) openStore() (blockstore.BlockStore, error) {
	switch a.config.BlockStore {
	case BlockStoreBadger:
		codec, err := internalstore.ParseCodec(a.config.Compression)
		if err != nil {
			return nil, err
		}
		// the block store is the durability anchor, its commits are always
		// synced; Config.SyncWrites only applies to the index
		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            []string{filepath.Join(a.dataRoot(), blocksDir)},
			MinimumFreeSpace: a.config.MinimumFreeGB,
			Logger:           a.config.Logger,
			SyncWrites:       !a.config.InMemory,
			InMemory:         a.config.InMemory,
		})
		if err != nil {
			return nil, err
		}
		return internalstore.NewBadgerBlockStore(kv, internalstore.BadgerConfig{
			Codec:  codec,
			Logger: a.config.Logger,
		}), nil
	default:
		if a.config.InMemory {
			return internalstore.NewMemoryBlockStore(), nil
		}
		return internalstore.OpenFlatBlockStore(internalstore.FlatConfig{
			Path:                filepath.Join(a.dataRoot(), blocksDir),
			MinimumFreeGB:       a.config.MinimumFreeGB,
			RepairTruncatedTail: a.config.RepairTruncatedTail,
			Logger:              a.config.Logger,
		})
	}
}

func (a *Ametsuchi) openIndex() (blockindex.BlockIndex, error) {
	if a.config.InMemory {
		return internalindex.NewMemoryBlockIndex(), nil
	}
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{filepath.Join(a.dataRoot(), indexDir)},
		MinimumFreeSpace: a.config.MinimumFreeGB,
		Logger:           a.config.Logger,
		SyncWrites:       a.config.SyncWrites,
	})
	if err != nil {
		return nil, err
	}
	return internalindex.NewBadgerBlockIndex(kv, a.config.Logger), nil
}

// restoreTree resumes from the last snapshot when it fits the store and
// pushes the blocks appended after it. Otherwise it rebuilds from block 0.
func (a *Ametsuchi) restoreTree(ctx context.Context, store blockstore.BlockStore) (*merkle.Tree, error) {
	fresh, err := merkle.New(a.config.MerkleCapacity)
	if err != nil {
		return nil, err
	}
	last, err := store.LastID(ctx)
	if err != nil {
		return nil, err
	}

	tree := fresh
	if snapshot := a.loadSnapshot(); snapshot != nil {
		fields := logrus.Fields{"snapshotBlocks": snapshot.Len(), "storeBlocks": last.Count()}
		switch {
		case snapshot.LeafCapacity() != fresh.LeafCapacity():
			a.log.WithFields(fields).WithField("snapshotCapacity", snapshot.LeafCapacity()).
				Warn("merkle snapshot has a different capacity, rebuilding")
		case snapshot.Len() > last.Count():
			a.log.WithFields(fields).Warn("merkle snapshot is ahead of the block store, rebuilding")
		default:
			matches, err := snapshotMatchesStore(ctx, snapshot, store)
			if err != nil {
				return nil, err
			}
			if matches {
				tree = snapshot
			} else {
				a.log.WithFields(fields).Warn("merkle snapshot was taken over other blocks, rebuilding")
			}
		}
	}

	start := time.Now()
	from := types.BlockID(tree.Len())
	err = store.Iterate(ctx, from, func(id types.BlockID, block []byte) error {
		if id > last {
			return errStopIteration
		}
		tree.Push(types.HashBytes(block))
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	if tree.Len() != last.Count() {
		return nil, fmt.Errorf("%w: tree covers %d blocks, store holds %d", blockstore.ErrCorruptStore, tree.Len(), last.Count())
	}

	a.log.WithFields(logrus.Fields{
		"pushed":       tree.Len() - uint64(from),
		"leafCapacity": tree.LeafCapacity(),
		"took":         time.Since(start),
	}).Debug("merkle tree restored")
	return tree, nil
}

var errStopIteration = errors.New("stop iteration")

// snapshotMatchesStore checks that the last leaf of the snapshot is the hash
// of the block the store holds at that position.
func snapshotMatchesStore(ctx context.Context, snapshot *merkle.Tree, store blockstore.BlockStore) (bool, error) {
	lastLeaf, err := snapshot.LastLeaf()
	if errors.Is(err, merkle.ErrNotInitialized) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	block, err := store.Get(ctx, types.LastIDForCount(snapshot.Len()))
	if err != nil {
		return false, fmt.Errorf("read block covered by merkle snapshot: %w", err)
	}
	return types.HashBytes(block) == lastLeaf, nil
}

func (a *Ametsuchi) loadSnapshot() *merkle.Tree {
	if a.config.InMemory {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(a.dataRoot(), snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		a.log.WithError(err).Warn("could not read merkle snapshot")
		return nil
	}
	tree, err := merkle.Restore(data)
	if err != nil {
		a.log.WithError(err).Warn("discarding invalid merkle snapshot")
		return nil
	}
	return tree
}

func (a *Ametsuchi) checkStarted() error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Append stores block and returns its id. When the block is stored but the
// index record fails, the id is returned together with an error wrapping
// ErrNotConsistent, and further appends fail until Revalidate succeeds.
func (a *Ametsuchi) Append(ctx context.Context, block []byte) (types.BlockID, error) {
	if err := a.checkStarted(); err != nil {
		return types.NoBlock, err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := a.checkWritable(); err != nil {
		return types.NoBlock, err
	}
	return a.appendLocked(ctx, block)
}

// AppendBatch appends blocks in order and returns their ids and the Merkle
// root after the last one. It stops at the first failure; ids of blocks
// stored before it are still returned.
func (a *Ametsuchi) AppendBatch(ctx context.Context, blocks [][]byte) ([]types.BlockID, types.Hash, error) {
	if err := a.checkStarted(); err != nil {
		return nil, types.Hash{}, err
	}
	if len(blocks) == 0 {
		return nil, types.Hash{}, errors.New("ametsuchi: empty batch")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := a.checkWritable(); err != nil {
		return nil, types.Hash{}, err
	}

	ids := make([]types.BlockID, 0, len(blocks))
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return ids, types.Hash{}, err
		}
		id, err := a.appendLocked(ctx, block)
		if !id.IsEmpty() {
			ids = append(ids, id)
		}
		if err != nil {
			return ids, types.Hash{}, err
		}
	}

	root, err := a.MerkleRoot()
	return ids, root, err
}

func (a *Ametsuchi) checkWritable() error {
	if a.closed.Load() {
		return ErrClosed
	}
	if a.degraded.Load() {
		return ErrNotConsistent
	}
	return nil
}

func (a *Ametsuchi) appendLocked(ctx context.Context, block []byte) (types.BlockID, error) {
	id, err := a.store.Append(ctx, block)
	if err != nil {
		return types.NoBlock, fmt.Errorf("append block: %w", err)
	}

	h := types.HashBytes(block)
	a.treeMu.Lock()
	a.tree.Push(h)
	a.treeMu.Unlock()

	if err := a.index.Record(ctx, h, id); err != nil {
		a.degraded.Store(true)
		a.log.WithError(err).WithFields(logrus.Fields{"id": id, "hash": h.String()}).
			Error("block stored but not indexed, refusing further appends until revalidated")
		return id, fmt.Errorf("%w: record block %s: %w", ErrNotConsistent, id, err)
	}
	return id, nil
}

// Get returns the block stored under id.
func (a *Ametsuchi) Get(ctx context.Context, id types.BlockID) ([]byte, error) {
	if err := a.checkStarted(); err != nil {
		return nil, err
	}
	return a.store.Get(ctx, id)
}

// Lookup returns the id of the block hashing to h.
func (a *Ametsuchi) Lookup(ctx context.Context, h types.Hash) (types.BlockID, error) {
	if err := a.checkStarted(); err != nil {
		return types.NoBlock, err
	}
	return a.index.Lookup(ctx, h)
}

// LastID returns the id of the newest block or types.NoBlock.
func (a *Ametsuchi) LastID(ctx context.Context) (types.BlockID, error) {
	if err := a.checkStarted(); err != nil {
		return types.NoBlock, err
	}
	return a.store.LastID(ctx)
}

// MerkleRoot returns the root over every block appended so far, or
// merkle.ErrNotInitialized for an empty ledger.
func (a *Ametsuchi) MerkleRoot() (types.Hash, error) {
	if err := a.checkStarted(); err != nil {
		return types.Hash{}, err
	}
	a.treeMu.RLock()
	defer a.treeMu.RUnlock()
	return a.tree.Root()
}

// Revalidate reconciles the index with the store and, on success, accepts
// appends again.
func (a *Ametsuchi) Revalidate(ctx context.Context) (uint64, error) {
	if err := a.checkStarted(); err != nil {
		return 0, err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	replayed, err := crashhandler.NewMediator(a.index, a.store, a.config.Logger).Validate(ctx)
	if err != nil {
		return replayed, err
	}
	if a.degraded.Swap(false) {
		a.log.WithField("replayed", replayed).Info("index consistent again, accepting appends")
	}
	return replayed, nil
}

// Consistent reports whether appends are accepted.
func (a *Ametsuchi) Consistent() bool {
	return !a.degraded.Load()
}

// Checkpoint persists the Merkle accumulator so the next Start does not
// have to rehash the whole store.
func (a *Ametsuchi) Checkpoint() error {
	if err := a.checkStarted(); err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.checkpointLocked()
}

func (a *Ametsuchi) checkpointLocked() error {
	if a.config.InMemory {
		return nil
	}

	a.treeMu.RLock()
	data, err := a.tree.MarshalBinary()
	pushed := a.tree.Len()
	a.treeMu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal merkle tree: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(a.dataRoot(), snapshotFile), data); err != nil {
		return fmt.Errorf("write merkle snapshot: %w", err)
	}
	a.log.WithField("blocks", pushed).Debug("merkle snapshot written")
	return nil
}

// writeFileAtomic writes data next to path, syncs it and renames it over
// path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (a *Ametsuchi) createGarbageCollection() {
	defer a.gcDone.Done()
	ticker := time.NewTicker(a.config.GarbageCollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.gcStop:
			return
		case <-ticker.C:
			a.collectGarbage()
		}
	}
}

func (a *Ametsuchi) collectGarbage() {
	for name, c := range map[string]any{"blockStore": a.store, "blockIndex": a.index} {
		cl, ok := c.(cleaner)
		if !ok {
			continue
		}
		start := time.Now()
		if err := cl.Clean(); err != nil {
			a.log.WithError(err).WithField("target", name).Error("garbage collection failed")
			continue
		}
		a.log.WithFields(logrus.Fields{"target": name, "took": time.Since(start)}).Debug("garbage collection done")
	}
}

// Close writes a final snapshot and releases the store and the index.
// Close is idempotent.
func (a *Ametsuchi) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		close(a.gcStop)
		a.gcDone.Wait()

		// audits take auditMu before writeMu, so the same order here
		a.auditMu.Lock()
		defer a.auditMu.Unlock()
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		a.closed.Store(true)

		if !a.started.Load() {
			return
		}
		if err := a.checkpointLocked(); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
		a.pool.Close()
		if err := a.index.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close index: %w", err))
		}
		if err := a.store.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close block store: %w", err))
		}
		a.log.Info("ametsuchi closed")
	})
	return closeErr
}
