package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ametsuchi/internal/keyValStore"
	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"
)

const (
	prefixBlock = "block:"
	keyLastID   = "blockmeta:last"
)

// Codec selects how new block values are compressed. It is stored as the
// first byte of every value, so blocks written with any codec stay
// readable.
type Codec byte

const (
	CodecRaw  Codec = 0
	CodecLzma Codec = 1
	CodecZstd Codec = 2
)

// ParseCodec maps a configuration name to a Codec. The empty string and
// "none" mean CodecRaw.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecRaw, nil
	case "lzma":
		return CodecLzma, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecRaw, fmt.Errorf("blockstore: unknown codec %q", name)
	}
}

// BadgerConfig configures a BadgerBlockStore.
type BadgerConfig struct {
	Codec  Codec
	Logger *logrus.Logger
}

// BadgerBlockStore keeps blocks in badger under big-endian id keys. The
// block and the last-id cursor are written in one transaction, so a crash
// never leaves one without the other. Appends are durable on return only
// when the KeyValStore syncs writes; Durable reports it.
type BadgerBlockStore struct {
	kv      *keyValStore.KeyValStore
	codec   Codec
	log     *logrus.Entry
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewBadgerBlockStore takes ownership of kv; Close closes it.
func NewBadgerBlockStore(kv *keyValStore.KeyValStore, cfg BadgerConfig) *BadgerBlockStore {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &BadgerBlockStore{
		kv:    kv,
		codec: cfg.Codec,
		log:   cfg.Logger.WithField("component", "badgerBlockStore"),
	}
}

func blockKey(id types.BlockID) []byte {
	return append([]byte(prefixBlock), id.Bytes()...)
}

func lastID(txn *badger.Txn) (types.BlockID, error) {
	item, err := txn.Get([]byte(keyLastID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.NoBlock, nil
	}
	if err != nil {
		return types.NoBlock, err
	}
	var id types.BlockID
	err = item.Value(func(v []byte) error {
		id, err = types.BlockIDFromBytes(v)
		return err
	})
	return id, err
}

func (s *BadgerBlockStore) Append(ctx context.Context, block []byte) (types.BlockID, error) {
	if s.closed.Load() {
		return types.NoBlock, blockstore.ErrClosed
	}
	value, err := s.encode(block)
	if err != nil {
		return types.NoBlock, fmt.Errorf("%w: encode block: %v", blockstore.ErrStorage, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id types.BlockID
	err = s.kv.Update(func(txn *badger.Txn) error {
		last, err := lastID(txn)
		if err != nil {
			return err
		}
		id = last.Next()
		if err := txn.Set(blockKey(id), value); err != nil {
			return err
		}
		return txn.Set([]byte(keyLastID), id.Bytes())
	})
	if err != nil {
		return types.NoBlock, fmt.Errorf("%w: append block: %v", blockstore.ErrStorage, err)
	}
	return id, nil
}

func (s *BadgerBlockStore) Get(ctx context.Context, id types.BlockID) ([]byte, error) {
	if s.closed.Load() {
		return nil, blockstore.ErrClosed
	}
	var block []byte
	err := s.kv.View(func(txn *badger.Txn) error {
		last, err := lastID(txn)
		if err != nil {
			return fmt.Errorf("%w: read cursor: %v", blockstore.ErrStorage, err)
		}
		if id.IsEmpty() || last.IsEmpty() || id > last {
			return fmt.Errorf("blockstore: block %s: %w", id, types.ErrNotFound)
		}

		item, err := txn.Get(blockKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: block %s missing below cursor %s", blockstore.ErrCorruptStore, id, last)
		}
		if err != nil {
			return fmt.Errorf("%w: read block %s: %v", blockstore.ErrStorage, id, err)
		}
		return item.Value(func(v []byte) error {
			block, err = s.decode(v)
			if err != nil {
				return fmt.Errorf("%w: block %s: %v", blockstore.ErrCorruptStore, id, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

func (s *BadgerBlockStore) LastID(ctx context.Context) (types.BlockID, error) {
	if s.closed.Load() {
		return types.NoBlock, blockstore.ErrClosed
	}
	var id types.BlockID
	err := s.kv.View(func(txn *badger.Txn) error {
		var err error
		id, err = lastID(txn)
		return err
	})
	if err != nil {
		return types.NoBlock, fmt.Errorf("%w: read cursor: %v", blockstore.ErrStorage, err)
	}
	return id, nil
}

// Iterate reads from one badger snapshot, so blocks appended while it runs
// are not visited.
func (s *BadgerBlockStore) Iterate(ctx context.Context, from types.BlockID, fn blockstore.IterateFunc) error {
	if s.closed.Load() {
		return blockstore.ErrClosed
	}
	if from.IsEmpty() {
		return nil
	}
	return s.kv.View(func(txn *badger.Txn) error {
		last, err := lastID(txn)
		if err != nil {
			return fmt.Errorf("%w: read cursor: %v", blockstore.ErrStorage, err)
		}
		if last.IsEmpty() || from > last {
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixBlock)
		it := txn.NewIterator(opts)
		defer it.Close()

		expected := from
		for it.Seek(blockKey(from)); it.ValidForPrefix([]byte(prefixBlock)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id, err := types.BlockIDFromBytes(item.Key()[len(prefixBlock):])
			if err != nil {
				return fmt.Errorf("%w: %v", blockstore.ErrCorruptStore, err)
			}
			if id > last {
				break
			}
			if id != expected {
				return fmt.Errorf("%w: block %s missing", blockstore.ErrCorruptStore, expected)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("%w: read block %s: %v", blockstore.ErrStorage, id, err)
			}
			block, err := s.decode(raw)
			if err != nil {
				return fmt.Errorf("%w: block %s: %v", blockstore.ErrCorruptStore, id, err)
			}
			if err := fn(id, block); err != nil {
				return err
			}
			expected = id.Next()
		}

		if expected != last.Next() {
			return fmt.Errorf("%w: block %s missing below cursor %s", blockstore.ErrCorruptStore, expected, last)
		}
		return nil
	})
}

// Durable reports whether Append waits for the commit to reach disk.
func (s *BadgerBlockStore) Durable() bool {
	return s.kv.SyncWrites()
}

// Counters returns the read and write transactions run since open.
func (s *BadgerBlockStore) Counters() (reads, writes uint64) {
	return s.kv.Counters()
}

// Clean runs badger compaction and value log garbage collection.
func (s *BadgerBlockStore) Clean() error {
	return s.kv.Clean()
}

func (s *BadgerBlockStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return s.kv.Close()
}

func (s *BadgerBlockStore) encode(block []byte) ([]byte, error) {
	var payload []byte
	var err error
	switch s.codec {
	case CodecRaw:
		payload = block
	case CodecLzma:
		payload, err = compressWithLzma(block)
	case CodecZstd:
		payload, err = compressWithZstd(block)
	default:
		err = fmt.Errorf("unknown codec %d", s.codec)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(s.codec)}, payload...), nil
}

func (s *BadgerBlockStore) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errors.New("empty value")
	}
	switch Codec(value[0]) {
	case CodecRaw:
		return append([]byte{}, value[1:]...), nil
	case CodecLzma:
		return decompressWithLzma(value[1:])
	case CodecZstd:
		return decompressWithZstd(value[1:])
	default:
		return nil, fmt.Errorf("unknown codec %d", value[0])
	}
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(data)
	if err != nil {
		return nil, err
	}

	err = w.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func compressWithZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Ensure BadgerBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*BadgerBlockStore)(nil)
