package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/i5heu/ametsuchi/internal/keyValStore"
	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func openFlat(t testing.TB, dir string) *FlatBlockStore {
	s, err := OpenFlatBlockStore(FlatConfig{Path: dir, Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func openBadger(t testing.TB, dir string, codec Codec) *BadgerBlockStore {
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:      []string{dir},
		Logger:     quietLogger(),
		SyncWrites: true,
	})
	require.NoError(t, err)
	return NewBadgerBlockStore(kv, BadgerConfig{Codec: codec, Logger: quietLogger()})
}

// every implementation has to pass the same contract
func storeFactories() map[string]func(t *testing.T) blockstore.BlockStore {
	return map[string]func(t *testing.T) blockstore.BlockStore{
		"memory": func(t *testing.T) blockstore.BlockStore { return NewMemoryBlockStore() },
		"flat":   func(t *testing.T) blockstore.BlockStore { return openFlat(t, t.TempDir()) },
		"badger": func(t *testing.T) blockstore.BlockStore { return openBadger(t, t.TempDir(), CodecRaw) },
		"badgerLzma": func(t *testing.T) blockstore.BlockStore {
			return openBadger(t, t.TempDir(), CodecLzma)
		},
		"badgerZstd": func(t *testing.T) blockstore.BlockStore {
			return openBadger(t, t.TempDir(), CodecZstd)
		},
	}
}

func collect(t *testing.T, s blockstore.BlockStore, from types.BlockID) ([]types.BlockID, [][]byte) {
	var ids []types.BlockID
	var blocks [][]byte
	err := s.Iterate(context.Background(), from, func(id types.BlockID, block []byte) error {
		ids = append(ids, id)
		blocks = append(blocks, block)
		return nil
	})
	require.NoError(t, err)
	return ids, blocks
}

func TestBlockStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			last, err := s.LastID(ctx)
			require.NoError(t, err)
			assert.True(t, last.IsEmpty())

			_, err = s.Get(ctx, 0)
			assert.ErrorIs(t, err, types.ErrNotFound)

			ids, _ := collect(t, s, 0)
			assert.Empty(t, ids)

			blocks := [][]byte{[]byte("genesis"), {}, []byte("third block"), {0x00, 0xff}}
			for i, b := range blocks {
				id, err := s.Append(ctx, b)
				require.NoError(t, err)
				assert.Equal(t, types.BlockID(i), id)
			}

			last, err = s.LastID(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.BlockID(3), last)

			for i, b := range blocks {
				got, err := s.Get(ctx, types.BlockID(i))
				require.NoError(t, err)
				assert.Equal(t, len(b), len(got))
				if len(b) > 0 {
					assert.Equal(t, b, got)
				}
			}

			_, err = s.Get(ctx, 4)
			assert.ErrorIs(t, err, types.ErrNotFound)
			_, err = s.Get(ctx, types.NoBlock)
			assert.ErrorIs(t, err, types.ErrNotFound)

			ids, got := collect(t, s, 2)
			assert.Equal(t, []types.BlockID{2, 3}, ids)
			assert.Equal(t, blocks[2], got[0])

			ids, _ = collect(t, s, 4)
			assert.Empty(t, ids)
			ids, _ = collect(t, s, types.NoBlock)
			assert.Empty(t, ids)
		})
	}
}

func TestBlockStore_IterateStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	stop := errors.New("stop")
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			for i := 0; i < 5; i++ {
				_, err := s.Append(ctx, []byte(fmt.Sprintf("block-%d", i)))
				require.NoError(t, err)
			}

			visited := 0
			err := s.Iterate(ctx, 0, func(id types.BlockID, block []byte) error {
				visited++
				if id == 1 {
					return stop
				}
				return nil
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 2, visited)
		})
	}
}

func TestBlockStore_IterateHonoursContext(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			_, err := s.Append(context.Background(), []byte("a"))
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			err = s.Iterate(ctx, 0, func(types.BlockID, []byte) error { return nil })
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestBlockStore_Closed(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			_, err := s.Append(ctx, []byte("early"))
			require.NoError(t, err)
			require.NoError(t, s.Close())

			_, err = s.Append(ctx, []byte("late"))
			assert.ErrorIs(t, err, blockstore.ErrClosed)
			_, err = s.Get(ctx, 0)
			assert.ErrorIs(t, err, blockstore.ErrClosed)
			_, err = s.LastID(ctx)
			assert.ErrorIs(t, err, blockstore.ErrClosed)
			err = s.Iterate(ctx, 0, func(types.BlockID, []byte) error { return nil })
			assert.ErrorIs(t, err, blockstore.ErrClosed)
			assert.NoError(t, s.Close())
		})
	}
}

func TestMemoryBlockStore_CopiesBlocks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBlockStore()

	block := []byte("mutable")
	id, err := s.Append(ctx, block)
	require.NoError(t, err)
	block[0] = 'X'

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), got)

	got[0] = 'Y'
	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), again)
}

func TestFlatBlockStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openFlat(t, dir)
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, []byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openFlat(t, dir)
	defer s.Close()

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(9), last)

	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("block-7"), got)

	id, err := s.Append(ctx, []byte("block-10"))
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(10), id)
}

// writeFlat creates a log holding n blocks and returns its file path.
func writeFlat(t *testing.T, dir string, n int) string {
	s := openFlat(t, dir)
	for i := 0; i < n; i++ {
		_, err := s.Append(context.Background(), []byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	return filepath.Join(dir, FlatFileName)
}

func TestFlatBlockStore_TornTail(t *testing.T) {
	cases := map[string]func(t *testing.T, file string){
		"truncatedPayload": func(t *testing.T, file string) {
			info, err := os.Stat(file)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(file, info.Size()-3))
		},
		"partialHeader": func(t *testing.T, file string) {
			f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o600)
			require.NoError(t, err)
			_, err = f.Write([]byte{0, 0, 0})
			require.NoError(t, err)
			require.NoError(t, f.Close())
		},
		"zeroFilledTail": func(t *testing.T, file string) {
			f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o600)
			require.NoError(t, err)
			_, err = f.Write(make([]byte, 64))
			require.NoError(t, err)
			require.NoError(t, f.Close())
		},
	}

	for name, tear := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			file := writeFlat(t, dir, 3)
			tear(t, file)

			_, err := OpenFlatBlockStore(FlatConfig{Path: dir, Logger: quietLogger()})
			require.ErrorIs(t, err, blockstore.ErrCorruptStore)

			s, err := OpenFlatBlockStore(FlatConfig{Path: dir, Logger: quietLogger(), RepairTruncatedTail: true})
			require.NoError(t, err)
			defer s.Close()

			last, err := s.LastID(ctx)
			require.NoError(t, err)
			want := types.BlockID(2)
			if name == "truncatedPayload" {
				want = 1
			}
			assert.Equal(t, want, last)

			id, err := s.Append(ctx, []byte("after repair"))
			require.NoError(t, err)
			assert.Equal(t, want+1, id)
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte("after repair"), got)
		})
	}
}

func TestFlatBlockStore_CorruptMiddleFrame(t *testing.T) {
	cases := map[string]func(data []byte){
		// flip one payload byte of the first frame
		"payloadByte": func(data []byte) { data[frameHeaderSize] ^= 0xff },
		// the first frame now claims to run far past the end of the file
		"lengthPastEOF": func(data []byte) { data[0] = 0x7f },
		// the second frame claims one byte more than it has
		"lengthOfSecondFrame": func(data []byte) { data[frameHeaderSize+len("block-0")+3]++ },
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			file := writeFlat(t, dir, 5)

			data, err := os.ReadFile(file)
			require.NoError(t, err)
			corrupt(data)
			require.NoError(t, os.WriteFile(file, data, 0o600))

			for _, repair := range []bool{false, true} {
				_, err = OpenFlatBlockStore(FlatConfig{Path: dir, Logger: quietLogger(), RepairTruncatedTail: repair})
				assert.ErrorIs(t, err, blockstore.ErrCorruptStore)
			}

			// nothing was truncated
			after, err := os.ReadFile(file)
			require.NoError(t, err)
			assert.Equal(t, data, after)
		})
	}
}

func TestFlatBlockStore_RequiresPath(t *testing.T) {
	_, err := OpenFlatBlockStore(FlatConfig{Logger: quietLogger()})
	assert.Error(t, err)
}

func TestBadgerBlockStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openBadger(t, dir, CodecLzma)
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, []byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openBadger(t, dir, CodecZstd)
	for i := 5; i < 8; i++ {
		_, err := s.Append(ctx, []byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// blocks written with any codec stay readable
	s = openBadger(t, dir, CodecRaw)
	defer s.Close()

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(7), last)

	ids, blocks := collect(t, s, 0)
	assert.Len(t, ids, 8)
	assert.Equal(t, []byte("block-3"), blocks[3])
	assert.Equal(t, []byte("block-6"), blocks[6])

	id, err := s.Append(ctx, []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, types.BlockID(8), id)
	assert.NoError(t, s.Clean())
}

func TestCompressionRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 4096)

	compressed, err := compressWithLzma(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))
	decompressed, err := decompressWithLzma(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)

	compressed, err = compressWithZstd(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))
	decompressed, err = decompressWithZstd(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecRaw, "none": CodecRaw, "lzma": CodecLzma, "zstd": CodecZstd} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodec("gzip")
	assert.Error(t, err)
}

func TestBadgerBlockStore_DecodeRejectsUnknownCodec(t *testing.T) {
	s := &BadgerBlockStore{}
	_, err := s.decode([]byte{7, 1, 2})
	assert.Error(t, err)
	_, err = s.decode(nil)
	assert.Error(t, err)
}

// Rapid: whatever sequence of blocks is appended, the flat store hands
// back the same bytes, in order, before and after a reopen.
func TestFlatBlockStore_RapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		dir, err := os.MkdirTemp("", "flat-rapid-*")
		if err != nil {
			rt.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)

		blocks := rapid.SliceOfN(rapid.SliceOf(rapid.Byte()), 0, 20).Draw(rt, "blocks")

		s, err := OpenFlatBlockStore(FlatConfig{Path: dir, Logger: quietLogger()})
		if err != nil {
			rt.Fatalf("open: %v", err)
		}
		for i, b := range blocks {
			id, err := s.Append(ctx, b)
			if err != nil {
				rt.Fatalf("append: %v", err)
			}
			if id != types.BlockID(i) {
				rt.Fatalf("id %s, want %d", id, i)
			}
		}
		if err := s.Close(); err != nil {
			rt.Fatalf("close: %v", err)
		}

		s, err = OpenFlatBlockStore(FlatConfig{Path: dir, Logger: quietLogger()})
		if err != nil {
			rt.Fatalf("reopen: %v", err)
		}
		defer s.Close()

		last, err := s.LastID(ctx)
		if err != nil {
			rt.Fatalf("last id: %v", err)
		}
		if last != types.LastIDForCount(uint64(len(blocks))) {
			rt.Fatalf("last id %s after %d blocks", last, len(blocks))
		}
		i := 0
		err = s.Iterate(ctx, 0, func(id types.BlockID, block []byte) error {
			if string(block) != string(blocks[i]) {
				return fmt.Errorf("block %d differs", i)
			}
			i++
			return nil
		})
		if err != nil {
			rt.Fatalf("iterate: %v", err)
		}
		if i != len(blocks) {
			rt.Fatalf("visited %d of %d blocks", i, len(blocks))
		}
	})
}
