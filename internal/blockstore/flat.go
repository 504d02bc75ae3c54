package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/i5heu/ametsuchi/internal/keyValStore"
	"github.com/i5heu/ametsuchi/pkg/blockstore"
	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	// FlatFileName is the log file inside the configured directory.
	FlatFileName = "blocks.dat"

	// length (u32) + xxhash64 of the payload (u64), both big-endian
	frameHeaderSize = 12
)

// FlatConfig configures a FlatBlockStore.
type FlatConfig struct {
	// Path is the directory holding the log file.
	Path string
	// MinimumFreeGB is checked once when the store is opened.
	MinimumFreeGB int
	// RepairTruncatedTail truncates a torn final frame instead of failing
	// with ErrCorruptStore.
	RepairTruncatedTail bool
	Logger              *logrus.Logger
}

// FlatBlockStore keeps all blocks in one append-only file. Every block is
// written as a frame of [length][checksum][payload] and the file is synced
// before Append returns. Frame offsets are kept in memory and rebuilt by a
// full scan on open.
type FlatBlockStore struct {
	log *logrus.Entry

	writeMu sync.Mutex // serializes appends

	mu      sync.RWMutex
	f       *os.File
	offsets []int64 // start offset of every frame, indexed by block id
	size    int64   // end of the last complete frame
	closed  bool
}

// OpenFlatBlockStore opens or creates the log in cfg.Path and verifies every
// frame in it.
func OpenFlatBlockStore(cfg FlatConfig) (*FlatBlockStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Path == "" {
		return nil, errors.New("blockstore: no path provided in configuration")
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", blockstore.ErrStorage, cfg.Path, err)
	}
	if err := keyValStore.CheckFreeSpace(cfg.Path, cfg.MinimumFreeGB); err != nil {
		return nil, fmt.Errorf("blockstore: %w", err)
	}

	file := filepath.Join(cfg.Path, FlatFileName)
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", blockstore.ErrStorage, file, err)
	}

	s := &FlatBlockStore{
		log: cfg.Logger.WithFields(logrus.Fields{"component": "flatBlockStore", "file": file}),
		f:   f,
	}
	if err := s.scan(cfg.RepairTruncatedTail); err != nil {
		f.Close()
		return nil, err
	}

	s.log.WithField("blocks", len(s.offsets)).Debug("flat block store opened")
	return s, nil
}

// scan rebuilds the offsets table. Only the last frame may be incomplete;
// anything else that fails verification is corruption.
func (s *FlatBlockStore) scan(repair bool) error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", blockstore.ErrStorage, err)
	}
	fileSize := info.Size()

	var offset int64
	for offset < fileSize {
		_, next, err := s.readFrame(offset, fileSize)
		if err == nil {
			s.offsets = append(s.offsets, offset)
			offset = next
			continue
		}
		if !errors.Is(err, errTornFrame) {
			return err
		}

		fields := logrus.Fields{"offset": offset, "fileSize": fileSize, "block": len(s.offsets)}
		// a torn write is the last thing in the file; a valid frame behind
		// the bad one means the bad one is in the middle of the log
		after, err := s.validFrameAfter(offset, fileSize)
		if err != nil {
			return err
		}
		if after >= 0 {
			s.log.WithFields(fields).WithField("validFrameAt", after).Error("bad frame followed by valid frames in the block log")
			return fmt.Errorf("%w: bad frame at offset %d (block %d) followed by a valid frame at %d",
				blockstore.ErrCorruptStore, offset, len(s.offsets), after)
		}
		if !repair {
			s.log.WithFields(fields).Error("torn frame at the tail of the block log")
			return fmt.Errorf("%w: torn frame at offset %d (block %d)", blockstore.ErrCorruptStore, offset, len(s.offsets))
		}
		s.log.WithFields(fields).Warn("truncating torn frame at the tail of the block log")
		if err := s.f.Truncate(offset); err != nil {
			return fmt.Errorf("%w: truncate: %v", blockstore.ErrStorage, err)
		}
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", blockstore.ErrStorage, err)
		}
		break
	}
	s.size = offset
	return nil
}

var errTornFrame = errors.New("torn frame")

// readFrame reads and verifies the frame starting at offset. end is the end
// of valid data; a frame reaching past it, or a checksum mismatch on the
// frame that ends exactly at end, is reported as errTornFrame.
func (s *FlatBlockStore) readFrame(offset, end int64) ([]byte, int64, error) {
	if end-offset < frameHeaderSize {
		return nil, 0, errTornFrame
	}
	var header [frameHeaderSize]byte
	if _, err := s.f.ReadAt(header[:], offset); err != nil {
		return nil, 0, fmt.Errorf("%w: read frame header at %d: %v", blockstore.ErrStorage, offset, err)
	}
	length := int64(binary.BigEndian.Uint32(header[0:4]))
	checksum := binary.BigEndian.Uint64(header[4:12])

	next := offset + frameHeaderSize + length
	if next > end {
		return nil, 0, errTornFrame
	}

	payload := make([]byte, length)
	if _, err := s.f.ReadAt(payload, offset+frameHeaderSize); err != nil && !(errors.Is(err, io.EOF) && length == 0) {
		return nil, 0, fmt.Errorf("%w: read frame at %d: %v", blockstore.ErrStorage, offset, err)
	}
	if xxhash.Sum64(payload) != checksum {
		if next == end || s.zeroFrom(offset, end) {
			return nil, 0, errTornFrame
		}
		return nil, 0, fmt.Errorf("%w: checksum mismatch at offset %d", blockstore.ErrCorruptStore, offset)
	}
	return payload, next, nil
}

// validFrameAfter returns the offset of the first checksum-valid frame that
// starts after offset and ends at or before end, or -1 if there is none.
func (s *FlatBlockStore) validFrameAfter(offset, end int64) (int64, error) {
	var header [frameHeaderSize]byte
	for p := offset + 1; end-p >= frameHeaderSize; p++ {
		if _, err := s.f.ReadAt(header[:], p); err != nil {
			return -1, fmt.Errorf("%w: read frame header at %d: %v", blockstore.ErrStorage, p, err)
		}
		length := int64(binary.BigEndian.Uint32(header[0:4]))
		if p+frameHeaderSize+length > end {
			continue
		}
		payload := make([]byte, length)
		if length > 0 {
			if _, err := s.f.ReadAt(payload, p+frameHeaderSize); err != nil {
				return -1, fmt.Errorf("%w: read frame at %d: %v", blockstore.ErrStorage, p, err)
			}
		}
		if xxhash.Sum64(payload) == binary.BigEndian.Uint64(header[4:12]) {
			return p, nil
		}
	}
	return -1, nil
}

// zeroFrom reports whether [offset, end) holds only zero bytes, which is
// what a file extended by the filesystem but never written looks like.
func (s *FlatBlockStore) zeroFrom(offset, end int64) bool {
	buf := make([]byte, 32*1024)
	for offset < end {
		n := int64(len(buf))
		if end-offset < n {
			n = end - offset
		}
		if _, err := s.f.ReadAt(buf[:n], offset); err != nil {
			return false
		}
		for _, b := range buf[:n] {
			if b != 0 {
				return false
			}
		}
		offset += n
	}
	return true
}

// Append writes block as a new frame and syncs the file.
func (s *FlatBlockStore) Append(ctx context.Context, block []byte) (types.BlockID, error) {
	if uint64(len(block)) > math.MaxUint32 {
		return types.NoBlock, fmt.Errorf("blockstore: block of %d bytes exceeds the frame limit", len(block))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed, offset, id := s.closed, s.size, types.BlockID(len(s.offsets))
	s.mu.RUnlock()
	if closed {
		return types.NoBlock, blockstore.ErrClosed
	}

	frame := make([]byte, frameHeaderSize+len(block))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(block)))
	binary.BigEndian.PutUint64(frame[4:12], xxhash.Sum64(block))
	copy(frame[frameHeaderSize:], block)

	if _, err := s.f.WriteAt(frame, offset); err != nil {
		s.rollback(offset)
		return types.NoBlock, fmt.Errorf("%w: write block %s: %v", blockstore.ErrStorage, id, err)
	}
	if err := s.f.Sync(); err != nil {
		s.rollback(offset)
		return types.NoBlock, fmt.Errorf("%w: sync block %s: %v", blockstore.ErrStorage, id, err)
	}

	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	s.size = offset + int64(len(frame))
	s.mu.Unlock()

	return id, nil
}

// rollback drops a partially written frame so the next append starts on a
// frame boundary.
func (s *FlatBlockStore) rollback(offset int64) {
	if err := s.f.Truncate(offset); err != nil {
		s.log.WithError(err).WithField("offset", offset).Error("could not drop partial frame")
	}
}

func (s *FlatBlockStore) Get(ctx context.Context, id types.BlockID) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, blockstore.ErrClosed
	}
	if id.IsEmpty() || uint64(id) >= uint64(len(s.offsets)) {
		s.mu.RUnlock()
		return nil, fmt.Errorf("blockstore: block %s: %w", id, types.ErrNotFound)
	}
	offset, end := s.offsets[id], s.size
	s.mu.RUnlock()

	block, _, err := s.readFrame(offset, end)
	if errors.Is(err, errTornFrame) {
		return nil, fmt.Errorf("%w: block %s", blockstore.ErrCorruptStore, id)
	}
	return block, err
}

func (s *FlatBlockStore) LastID(ctx context.Context) (types.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return types.NoBlock, blockstore.ErrClosed
	}
	return types.LastIDForCount(uint64(len(s.offsets))), nil
}

func (s *FlatBlockStore) Iterate(ctx context.Context, from types.BlockID, fn blockstore.IterateFunc) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return blockstore.ErrClosed
	}
	offsets := s.offsets[:len(s.offsets):len(s.offsets)]
	end := s.size
	s.mu.RUnlock()

	if from.IsEmpty() {
		return nil
	}
	for id := uint64(from); id < uint64(len(offsets)); id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, _, err := s.readFrame(offsets[id], end)
		if errors.Is(err, errTornFrame) {
			return fmt.Errorf("%w: block %d", blockstore.ErrCorruptStore, id)
		}
		if err != nil {
			return err
		}
		if err := fn(types.BlockID(id), block); err != nil {
			return err
		}
	}
	return nil
}

func (s *FlatBlockStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("%w: sync on close: %v", blockstore.ErrStorage, err)
	}
	return s.f.Close()
}

// Ensure FlatBlockStore implements the BlockStore interface.
var _ blockstore.BlockStore = (*FlatBlockStore)(nil)
