package lifecycle

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/segment"
)

type txnState int

const (
	stateOpen txnState = iota
	stateCommitted
	stateAborted
)

// Txn is one lifecycle transaction: a proposed set of segment additions
// and removals that becomes visible in a single atomic swap on Commit, or
// vanishes without trace on Abort. Commit and Abort are the only terminal
// transitions and both are idempotent.
type Txn struct {
	id string
	tr *Tracker

	mu      sync.Mutex
	state   txnState
	adds    []*segment.Reader
	removes []*segment.Reader

	// signalled once every file this txn retired is physically gone
	removed sync.WaitGroup
}

// Begin opens a new transaction.
func (t *Tracker) Begin() *Txn {
	return &Txn{
		id: uuid.NewString(),
		tr: t,
	}
}

func (x *Txn) ID() string { return x.id }

// StageAdd registers a fully-written, durable segment as an addition.
func (x *Txn) StageAdd(r *segment.Reader) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != stateOpen {
		return dberrors.ErrTxnNotOpen
	}
	x.adds = append(x.adds, r)
	return nil
}

// StageRemove claims a currently-visible segment for retirement. At most
// one open transaction may hold the claim on a segment; a second claimant
// gets ErrAlreadyClaimed and must reselect.
func (x *Txn) StageRemove(r *segment.Reader) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != stateOpen {
		return dberrors.ErrTxnNotOpen
	}
	if err := x.tr.claim(r.Generation(), x.id); err != nil {
		return err
	}
	x.removes = append(x.removes, r)
	return nil
}

// Commit durably logs the staged file names, swaps the visible set in one
// atomic pointer store, and schedules removed segments for physical
// deletion once their last reference drops. Once Commit begins it runs to
// completion; a crash in between is resolved by scrub from the log.
func (x *Txn) Commit() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case stateCommitted:
		return nil
	case stateAborted:
		return dberrors.ErrTxnNotOpen
	}

	tr := x.tr
	tr.commitMu.Lock()
	defer tr.commitMu.Unlock()

	log, err := createTxnLog(filepath.Join(tr.dir, logFileName(tr.table, x.id)), x.fileNames(x.adds), x.fileNames(x.removes))
	if err != nil {
		return err
	}

	old := *tr.visible.Load()
	next := make([]*segment.Reader, 0, len(old)+len(x.adds))
	for _, r := range old {
		if !x.staged(r) {
			next = append(next, r)
		}
	}
	next = append(next, x.adds...)
	tr.visible.Store(&next)

	if err := log.markCommitted(); err != nil {
		// the swap already happened; surface the log fault but stay committed
		tr.logger.Error("failed to mark transaction committed", "txn", x.id, "error", err)
	}

	for _, r := range x.removes {
		r := r
		tr.releaseClaim(r.Generation(), x.id)
		tr.deletions.Add(1)
		x.removed.Add(1)
		r.Retire(func() {
			deleteSegmentFiles(r.Descriptor())
			x.removed.Done()
			tr.deletions.Done()
		})
	}

	// the log is only needed until every retired file is gone
	go func() {
		x.removed.Wait()
		log.closeAndRemove()
	}()

	x.state = stateCommitted
	tr.logger.Info("lifecycle transaction committed",
		"txn", x.id, "added", len(x.adds), "removed", len(x.removes), "visible", len(next))
	return nil
}

// Abort discards staged additions (deleting their files) and releases
// removal claims. The visible set is untouched.
func (x *Txn) Abort() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case stateAborted:
		return nil
	case stateCommitted:
		return dberrors.ErrTxnNotOpen
	}

	for _, r := range x.adds {
		r := r
		r.Retire(func() {
			deleteSegmentFiles(r.Descriptor())
		})
	}
	for _, r := range x.removes {
		x.tr.releaseClaim(r.Generation(), x.id)
	}

	x.adds = nil
	x.removes = nil
	x.state = stateAborted
	return nil
}

func (x *Txn) staged(r *segment.Reader) bool {
	for _, rem := range x.removes {
		if rem == r {
			return true
		}
	}
	return false
}

func (x *Txn) fileNames(readers []*segment.Reader) []string {
	var names []string
	for _, r := range readers {
		for _, c := range segment.Components {
			names = append(names, r.Descriptor().FileName(c))
		}
	}
	return names
}

func deleteSegmentFiles(desc segment.Descriptor) {
	for _, path := range desc.Paths() {
		os.Remove(path)
	}
}
