package ametsuchi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	internalstore "github.com/i5heu/ametsuchi/internal/blockstore"
	"github.com/i5heu/ametsuchi/pkg/blockindex"
	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/merkle"
	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testConfig(t *testing.T) Config {
	conf := DefaultConfig(t.TempDir())
	conf.Logger = quietLogger()
	conf.MerkleCapacity = 4
	return conf
}

func startLedger(t *testing.T, conf Config) *Ametsuchi {
	a, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func block(i int) []byte {
	return []byte(fmt.Sprintf("block-%d", i))
}

// expectedRoot computes the root of n blocks with a fresh tree.
func expectedRoot(t *testing.T, capacity, n int) types.Hash {
	tree, err := merkle.New(capacity)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		tree.Push(types.HashBytes(block(i)))
	}
	root, err := tree.Root()
	require.NoError(t, err)
	return root
}

func appendN(t *testing.T, a *Ametsuchi, from, to int) {
	for i := from; i < to; i++ {
		id, err := a.Append(context.Background(), block(i))
		require.NoError(t, err)
		require.Equal(t, types.BlockID(i), id)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, MerkleCapacity: -1, Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, BlockStore: "tape", Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, Compression: "zstd", Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, BlockStore: BlockStoreBadger, Compression: "gzip", Logger: quietLogger()})
	assert.Error(t, err)
}

func TestNotStarted(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)

	_, err = a.Append(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = a.MerkleRoot()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, a.Close())
}

func TestAppendGetLookup(t *testing.T) {
	ctx := context.Background()
	a := startLedger(t, testConfig(t))
	defer a.Close()

	_, err := a.MerkleRoot()
	assert.ErrorIs(t, err, merkle.ErrNotInitialized)

	appendN(t, a, 0, 7)

	got, err := a.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, block(3), got)

	_, err = a.Get(ctx, 7)
	assert.ErrorIs(t, err, types.ErrNotFound)

	id, err := a.Lookup(ctx, types.HashBytes(block(5)))
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(5), id)

	_, err = a.Lookup(ctx, types.HashBytes([]byte("unknown")))
	assert.ErrorIs(t, err, types.ErrNotFound)

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 7), root)

	last, err := a.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(6), last)
}

func TestAppendBatch(t *testing.T) {
	a := startLedger(t, testConfig(t))
	defer a.Close()

	ids, root, err := a.AppendBatch(context.Background(), [][]byte{block(0), block(1), block(2)})
	require.NoError(t, err)
	assert.Equal(t, []types.BlockID{0, 1, 2}, ids)
	assert.Equal(t, expectedRoot(t, 4, 3), root)

	_, _, err = a.AppendBatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestRestart_ResumesFromSnapshot(t *testing.T) {
	conf := testConfig(t)
	a := startLedger(t, conf)
	appendN(t, a, 0, 6)
	require.NoError(t, a.Close())

	_, err := os.Stat(filepath.Join(conf.Paths[0], snapshotFile))
	require.NoError(t, err)

	a = startLedger(t, conf)
	defer a.Close()

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.Blocks)
	assert.Equal(t, uint64(6), stats.Pushed)

	appendN(t, a, 6, 11)
	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 11), root)
}

func TestRestart_StaleSnapshotIsCaughtUp(t *testing.T) {
	conf := testConfig(t)
	a := startLedger(t, conf)
	appendN(t, a, 0, 3)
	require.NoError(t, a.Checkpoint())
	appendN(t, a, 3, 9)

	// crash: no final snapshot, the one on disk covers 3 blocks
	snapshot, err := os.ReadFile(filepath.Join(conf.Paths[0], snapshotFile))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, os.WriteFile(filepath.Join(conf.Paths[0], snapshotFile), snapshot, 0o600))

	a = startLedger(t, conf)
	defer a.Close()

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 9), root)
}

func TestRestart_CapacityChangeRebuilds(t *testing.T) {
	conf := testConfig(t)
	a := startLedger(t, conf)
	appendN(t, a, 0, 5)
	require.NoError(t, a.Close())

	conf.MerkleCapacity = 8
	a = startLedger(t, conf)
	defer a.Close()

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 8, 5), root)
}

func TestRestart_InvalidSnapshotRebuilds(t *testing.T) {
	conf := testConfig(t)
	a := startLedger(t, conf)
	appendN(t, a, 0, 5)
	require.NoError(t, a.Close())

	require.NoError(t, os.WriteFile(filepath.Join(conf.Paths[0], snapshotFile), []byte{0xff, 0x00}, 0o600))

	a = startLedger(t, conf)
	defer a.Close()

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 5), root)
}

func TestRestart_SnapshotOfOtherHistoryRebuilds(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	snapshotPath := filepath.Join(conf.Paths[0], snapshotFile)

	a := startLedger(t, conf)
	appendN(t, a, 0, 3)
	require.NoError(t, a.Close())
	snapshot, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)

	// a different history in the same directory
	require.NoError(t, os.RemoveAll(filepath.Join(conf.Paths[0], blocksDir)))
	require.NoError(t, os.RemoveAll(filepath.Join(conf.Paths[0], indexDir)))
	other := make([][]byte, 4)
	for i := range other {
		other[i] = []byte(fmt.Sprintf("other-%d", i))
	}
	a = startLedger(t, conf)
	_, _, err = a.AppendBatch(ctx, other)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, os.WriteFile(snapshotPath, snapshot, 0o600))

	a = startLedger(t, conf)
	defer a.Close()

	want, err := merkle.New(4)
	require.NoError(t, err)
	for _, b := range other {
		want.Push(types.HashBytes(b))
	}
	wantRoot, err := want.Root()
	require.NoError(t, err)

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, wantRoot, root)
}

func TestStart_ReconcilesIndex(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	a := startLedger(t, conf)
	appendN(t, a, 0, 4)
	require.NoError(t, a.Close())

	// blocks that reached the store while the index missed them
	store, err := internalstore.OpenFlatBlockStore(internalstore.FlatConfig{
		Path:   filepath.Join(conf.Paths[0], blocksDir),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	for i := 4; i < 8; i++ {
		_, err := store.Append(ctx, block(i))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	a = startLedger(t, conf)
	defer a.Close()

	for i := 0; i < 8; i++ {
		id, err := a.Lookup(ctx, types.HashBytes(block(i)))
		require.NoError(t, err)
		assert.Equal(t, types.BlockID(i), id)
	}
	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 8), root)

	report, err := a.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, uint64(8), report.Blocks)
}

// failingIndex fails Record while fail is set.
type failingIndex struct {
	blockindex.BlockIndex
	fail bool
}

func (f *failingIndex) Record(ctx context.Context, h types.Hash, id types.BlockID) error {
	if f.fail {
		return fmt.Errorf("%w: backend down", blockindex.ErrIndexUnavailable)
	}
	return f.BlockIndex.Record(ctx, h, id)
}

func TestAppend_IndexFailureBlocksWritesUntilRevalidate(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	conf.InMemory = true
	a := startLedger(t, conf)
	defer a.Close()

	failing := &failingIndex{BlockIndex: a.index, fail: true}
	a.index = failing

	id, err := a.Append(ctx, block(0))
	require.ErrorIs(t, err, ErrNotConsistent)
	require.ErrorIs(t, err, blockindex.ErrIndexUnavailable)
	assert.Equal(t, types.BlockID(0), id)
	assert.False(t, a.Consistent())

	_, err = a.Append(ctx, block(1))
	assert.ErrorIs(t, err, ErrNotConsistent)

	// still down
	_, err = a.Revalidate(ctx)
	assert.ErrorIs(t, err, blockindex.ErrIndexUnavailable)
	assert.False(t, a.Consistent())

	failing.fail = false
	replayed, err := a.Revalidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), replayed)
	assert.True(t, a.Consistent())

	id, err = a.Append(ctx, block(1))
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(1), id)

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 2), root)
}

func TestAudit_DetectsUnindexedBlocks(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	conf.InMemory = true
	a := startLedger(t, conf)
	defer a.Close()

	appendN(t, a, 0, 3)
	// bypass the index for two blocks
	for i := 3; i < 5; i++ {
		_, err := a.store.Append(ctx, block(i))
		require.NoError(t, err)
	}

	report, err := a.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []types.BlockID{3, 4}, report.Unindexed)
	assert.Equal(t, types.BlockID(4), report.StoreLast)
	assert.Equal(t, types.BlockID(2), report.IndexLast)

	_, err = a.Revalidate(ctx)
	require.NoError(t, err)
	report, err = a.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestAudit_DuplicateContents(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	conf.InMemory = true
	a := startLedger(t, conf)
	defer a.Close()

	for i := 0; i < 3; i++ {
		_, err := a.Append(ctx, []byte("same"))
		require.NoError(t, err)
	}
	id, err := a.Lookup(ctx, types.HashBytes([]byte("same")))
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(2), id)

	report, err := a.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestBadgerBackend(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	conf.BlockStore = BlockStoreBadger
	conf.Compression = "zstd"

	a := startLedger(t, conf)
	appendN(t, a, 0, 6)
	require.NoError(t, a.Close())

	a = startLedger(t, conf)
	defer a.Close()

	got, err := a.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, block(5), got)

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 6), root)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, BlockStoreBadger, stats.Backend)
	assert.NotZero(t, stats.StoreReads)
	assert.NotZero(t, stats.IndexReads)

	a.collectGarbage()
}

func TestBadgerBackend_BlockStoreAlwaysSyncs(t *testing.T) {
	conf := Config{
		Paths:      []string{t.TempDir()},
		BlockStore: BlockStoreBadger,
		Logger:     quietLogger(),
	}
	require.False(t, conf.SyncWrites)

	a := startLedger(t, conf)
	defer a.Close()

	store, ok := a.store.(*internalstore.BadgerBlockStore)
	require.True(t, ok)
	assert.True(t, store.Durable())
}

func TestStats(t *testing.T) {
	conf := testConfig(t)
	conf.InMemory = true
	a := startLedger(t, conf)
	defer a.Close()

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.HasRoot)
	assert.True(t, stats.LastID.IsEmpty())
	assert.Equal(t, 4, stats.LeafCapacity)

	appendN(t, a, 0, 2)
	stats, err = a.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.HasRoot)
	assert.Equal(t, expectedRoot(t, 4, 2), stats.Root)
	assert.Equal(t, types.BlockID(1), stats.IndexLastID)
	assert.True(t, stats.Consistent)
	assert.Equal(t, BlockStoreFlat, stats.Backend)
}

func TestClose(t *testing.T) {
	a := startLedger(t, testConfig(t))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Append(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Start(context.Background()), ErrClosed)
}

func TestStart_TornTail(t *testing.T) {
	conf := testConfig(t)
	a := startLedger(t, conf)
	appendN(t, a, 0, 3)
	require.NoError(t, a.Close())

	// a frame header promising more payload than was written
	file := filepath.Join(conf.Paths[0], blocksDir, internalstore.FlatFileName)
	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 100, 1, 2, 3, 4, 5, 6, 7, 8, 'p', 'a', 'r'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a, err = New(conf)
	require.NoError(t, err)
	err = a.Start(context.Background())
	assert.True(t, errors.Is(err, blockstore.ErrCorruptStore))

	conf.RepairTruncatedTail = true
	a = startLedger(t, conf)
	defer a.Close()
	last, err := a.LastID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(2), last)

	root, err := a.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, expectedRoot(t, 4, 3), root)
}
