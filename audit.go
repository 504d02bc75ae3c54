package ametsuchi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/i5heu/ametsuchi/pkg/types"
	"github.com/sirupsen/logrus"
)

// AuditReport is the result of Audit. Block ids in the lists are sorted.
type AuditReport struct {
	StoreLast types.BlockID
	IndexLast types.BlockID
	Blocks    uint64
	// Unindexed blocks have a hash the index does not know.
	Unindexed []types.BlockID
	// Mismatched blocks have a hash the index maps to a block with other
	// contents.
	Mismatched []types.BlockID
	Took       time.Duration
}

// OK reports whether every block is indexed correctly and both cursors
// agree.
func (r AuditReport) OK() bool {
	return r.StoreLast == r.IndexLast && len(r.Unindexed) == 0 && len(r.Mismatched) == 0
}

type auditResult struct {
	id         types.BlockID
	unindexed  bool
	mismatched bool
	err        error
}

// Audit rehashes every stored block on the worker pool and checks the
// index against it. Blocks appended while the audit runs are not checked.
// An error is returned only when the audit itself could not run; findings
// are reported in the AuditReport.
func (a *Ametsuchi) Audit(ctx context.Context) (AuditReport, error) {
	a.auditMu.RLock()
	defer a.auditMu.RUnlock()
	if err := a.checkStarted(); err != nil {
		return AuditReport{}, err
	}
	start := time.Now()

	// both cursors from the same moment
	a.writeMu.Lock()
	storeLast, err := a.store.LastID(ctx)
	if err != nil {
		a.writeMu.Unlock()
		return AuditReport{}, err
	}
	indexLast, err := a.index.LastBlockID(ctx)
	a.writeMu.Unlock()
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{StoreLast: storeLast, IndexLast: indexLast}

	room := a.pool.CreateRoom(a.pool.Workers())
	room.AsyncCollector()
	iterErr := a.store.Iterate(ctx, 0, func(id types.BlockID, block []byte) error {
		if id > storeLast {
			return errStopIteration
		}
		return room.NewTaskWaitForFreeSlot(ctx, func() any {
			return a.auditBlock(ctx, id, block)
		})
	})
	results := room.GetAsyncResults()
	if iterErr != nil && !errors.Is(iterErr, errStopIteration) {
		return AuditReport{}, fmt.Errorf("audit: %w", iterErr)
	}

	for _, r := range results {
		res := r.(auditResult)
		if res.err != nil {
			return AuditReport{}, fmt.Errorf("audit block %s: %w", res.id, res.err)
		}
		report.Blocks++
		if res.unindexed {
			report.Unindexed = append(report.Unindexed, res.id)
		}
		if res.mismatched {
			report.Mismatched = append(report.Mismatched, res.id)
		}
	}
	sortIDs(report.Unindexed)
	sortIDs(report.Mismatched)
	report.Took = time.Since(start)

	entry := a.log.WithFields(logrus.Fields{
		"blocks":     report.Blocks,
		"unindexed":  len(report.Unindexed),
		"mismatched": len(report.Mismatched),
		"storeLast":  storeLast,
		"indexLast":  indexLast,
		"took":       report.Took,
	})
	if report.OK() {
		entry.Info("audit passed")
	} else {
		entry.Warn("audit found inconsistencies")
	}
	return report, nil
}

// auditBlock checks that the index maps the block's hash to a block with
// the same contents. With duplicate contents that need not be id itself.
func (a *Ametsuchi) auditBlock(ctx context.Context, id types.BlockID, block []byte) auditResult {
	h := types.HashBytes(block)
	indexed, err := a.index.Lookup(ctx, h)
	if errors.Is(err, types.ErrNotFound) {
		return auditResult{id: id, unindexed: true}
	}
	if err != nil {
		return auditResult{id: id, err: err}
	}
	if indexed == id {
		return auditResult{id: id}
	}

	other, err := a.store.Get(ctx, indexed)
	if errors.Is(err, types.ErrNotFound) {
		return auditResult{id: id, mismatched: true}
	}
	if err != nil {
		return auditResult{id: id, err: err}
	}
	return auditResult{id: id, mismatched: types.HashBytes(other) != h}
}

func sortIDs(ids []types.BlockID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Stats describes the ledger at one point in time.
type Stats struct {
	Blocks       uint64
	LastID       types.BlockID
	IndexLastID  types.BlockID
	LeafCapacity int
	Pushed       uint64
	// Root is zero when HasRoot is false.
	Root       types.Hash
	HasRoot    bool
	Consistent bool
	Backend    BlockStoreBackend
	// Badger transactions since Start, zero for backends without badger.
	StoreReads, StoreWrites uint64
	IndexReads, IndexWrites uint64
}

// counter is implemented by the badger backed store and index.
type counter interface {
	Counters() (reads, writes uint64)
}

func (a *Ametsuchi) Stats(ctx context.Context) (Stats, error) {
	if err := a.checkStarted(); err != nil {
		return Stats{}, err
	}
	last, err := a.store.LastID(ctx)
	if err != nil {
		return Stats{}, err
	}
	indexLast, err := a.index.LastBlockID(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Blocks:      last.Count(),
		LastID:      last,
		IndexLastID: indexLast,
		Consistent:  a.Consistent(),
		Backend:     a.config.BlockStore,
	}
	if c, ok := a.store.(counter); ok {
		s.StoreReads, s.StoreWrites = c.Counters()
	}
	if c, ok := a.index.(counter); ok {
		s.IndexReads, s.IndexWrites = c.Counters()
	}
	a.treeMu.RLock()
	s.LeafCapacity = a.tree.LeafCapacity()
	s.Pushed = a.tree.Len()
	if root, err := a.tree.Root(); err == nil {
		s.Root, s.HasRoot = root, true
	}
	a.treeMu.RUnlock()
	return s, nil
}
