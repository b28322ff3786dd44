package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/segment"
)

// Tracker owns one table's visible segment set. The set is an immutable
// slice behind a single atomic pointer: readers always observe either the
// fully-old or fully-new set, and only a committing transaction (one at a
// time) replaces it.
type Tracker struct {
	dir    string
	table  string
	logger *slog.Logger

	// serializes commits; readers never take it
	commitMu sync.Mutex

	visible atomic.Pointer[[]*segment.Reader]

	claimMu sync.Mutex
	claims  map[uint64]string // generation -> claiming txn id

	deletions sync.WaitGroup
}

func NewTracker(dir, table string, logger *slog.Logger) *Tracker {
	t := &Tracker{
		dir:    dir,
		table:  table,
		logger: logger,
		claims: make(map[uint64]string),
	}
	empty := make([]*segment.Reader, 0)
	t.visible.Store(&empty)
	return t
}

// Load opens every complete segment found in the data directory and
// installs them as the visible set. Scrub must run first so only files
// from committed transactions remain. Returns the highest generation seen.
func (t *Tracker) Load() (uint64, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, dberrors.NewStorageIO("readdir", t.dir, err)
	}

	found := make(map[uint64]map[segment.Component]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		desc, comp, ok := segment.ParseFileName(t.dir, entry.Name())
		if !ok || desc.Table != t.table {
			continue
		}
		if found[desc.Generation] == nil {
			found[desc.Generation] = make(map[segment.Component]bool)
		}
		found[desc.Generation][comp] = true
	}

	var maxGen uint64
	readers := make([]*segment.Reader, 0, len(found))
	for gen, comps := range found {
		if len(comps) != len(segment.Components) {
			// incomplete set survived scrub; leave it for the next pass
			t.logger.Warn("skipping incomplete segment", "table", t.table, "generation", gen)
			continue
		}
		desc := segment.Descriptor{Dir: t.dir, Table: t.table, Generation: gen}
		r, err := segment.Open(desc)
		if err != nil {
			// keep the files for the operator, but close the handles of
			// the segments already opened in this pass
			for _, opened := range readers {
				opened.Retire(func() {})
			}
			return 0, fmt.Errorf("failed to open segment %s: %w", desc, err)
		}
		readers = append(readers, r)
		if gen > maxGen {
			maxGen = gen
		}
	}

	sort.Slice(readers, func(i, j int) bool {
		return readers[i].Generation() < readers[j].Generation()
	})
	t.visible.Store(&readers)
	return maxGen, nil
}

// Visible returns the current visible set. The slice is immutable; the
// segments it names are guaranteed live only while referenced.
func (t *Tracker) Visible() []*segment.Reader {
	return *t.visible.Load()
}

// PinVisible returns the visible set with one reference taken per segment.
// Callers must ReleasePinned when done. A segment retired between the set
// load and the Ref is handled by retrying on the fresh set.
func (t *Tracker) PinVisible() []*segment.Reader {
	for {
		set := *t.visible.Load()
		pinned := make([]*segment.Reader, 0, len(set))
		ok := true
		for _, r := range set {
			if !r.Ref() {
				ok = false
				break
			}
			pinned = append(pinned, r)
		}
		if ok {
			return pinned
		}
		ReleasePinned(pinned)
	}
}

// ReleasePinned drops references taken by PinVisible.
func ReleasePinned(pinned []*segment.Reader) {
	for _, r := range pinned {
		r.Unref()
	}
}

// WaitForDeletions blocks until every deferred physical deletion scheduled
// by committed transactions has completed.
func (t *Tracker) WaitForDeletions() {
	t.deletions.Wait()
}

func (t *Tracker) claim(gen uint64, txnID string) error {
	t.claimMu.Lock()
	defer t.claimMu.Unlock()
	if owner, taken := t.claims[gen]; taken && owner != txnID {
		return dberrors.ErrAlreadyClaimed
	}
	t.claims[gen] = txnID
	return nil
}

func (t *Tracker) releaseClaim(gen uint64, txnID string) {
	t.claimMu.Lock()
	defer t.claimMu.Unlock()
	if owner, taken := t.claims[gen]; taken && owner == txnID {
		delete(t.claims, gen)
	}
}

// Close releases the visible set's references. Segments still pinned by
// readers stay open until those readers finish.
func (t *Tracker) Close() {
	empty := make([]*segment.Reader, 0)
	old := t.visible.Swap(&empty)
	for _, r := range *old {
		r.Retire(func() {})
	}
}
