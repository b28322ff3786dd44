package tablestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/listener"
	"tablestore/pkg/memtable"
	"tablestore/pkg/segment"
)

// flushTask carries one frozen buffer to the flush worker. The epoch is
// sampled at swap time; a truncate in between makes the task stale.
type flushTask struct {
	mem   *memtable.Memtable
	epoch uint64
	done  chan error
}

// flusher persists frozen buffers one at a time on a channel worker, so
// segment generations commit in swap order.
type flusher struct {
	store *Store
	tasks chan flushTask
	job   listener.Job
}

func newFlusher(s *Store, queueSize int) *flusher {
	f := &flusher{
		store: s,
		tasks: make(chan flushTask, queueSize),
	}
	f.job = listener.New(f.tasks, f.handle)
	return f
}

func (f *flusher) Start(ctx context.Context) { f.job.Start(ctx) }
func (f *flusher) Stop()                     { f.job.Stop() }

func (f *flusher) enqueue(t flushTask) { f.tasks <- t }

// handle never returns an error: flush failures are reported through the
// task's done channel and the store's degraded flag instead of killing
// the worker.
func (f *flusher) handle(t flushTask) error {
	s := f.store

	if t.epoch != s.epoch.Load() {
		// truncated since the swap; the buffer's contents must not land
		s.drainWG.done()
		t.done <- nil
		return nil
	}

	start := time.Now()
	err := f.flushOnce(t.mem)
	for attempt := 1; err != nil && attempt <= s.cfg.Compaction.FlushRetries; attempt++ {
		s.logger.Error("flush failed, retrying",
			"attempt", attempt, "error", err)
		time.Sleep(s.cfg.Compaction.RetryBackoff)
		err = f.flushOnce(t.mem)
	}

	if err != nil {
		s.degraded.Store(true)
		s.stats.ObserveFlush(time.Since(start).Seconds(), 0, true)
		s.logger.Error("flush retries exhausted, rejecting writes", "error", err)
		s.drainWG.done()
		t.done <- fmt.Errorf("%w: flush failed: %v", dberrors.ErrTableUnavailable, err)
		return nil
	}

	s.removeDraining(t.mem)
	s.drainWG.done()
	s.stats.ObserveFlush(time.Since(start).Seconds(), int64(t.mem.ApproximateSize()), false)
	s.stats.SetLiveSegments(len(s.tracker.Visible()))
	t.done <- nil
	return nil
}

// flushOnce writes one buffer into a fresh segment generation and commits
// it through a lifecycle transaction. Failures leave only files a later
// scrub removes.
func (f *flusher) flushOnce(mt *memtable.Memtable) error {
	s := f.store

	gen := s.gen.Next()
	desc := segment.Descriptor{Dir: s.dir, Table: s.cfg.Name, Generation: gen}

	w, err := segment.NewWriter(desc, mt.PartitionCount(), s.cfg.Segment.BloomFPRate)
	if err != nil {
		return err
	}
	for _, pr := range mt.Sorted() {
		if err := w.Append(pr); err != nil {
			w.Discard()
			return err
		}
	}
	if _, err := w.Finish(); err != nil {
		w.Discard()
		return err
	}

	r, err := segment.Open(desc)
	if err != nil {
		return err
	}

	txn := s.tracker.Begin()
	if err := txn.StageAdd(r); err != nil {
		txn.Abort()
		return err
	}
	if err := txn.Commit(); err != nil {
		txn.Abort()
		return err
	}

	if s.cfg.IncrementalBackups {
		if err := f.backup(desc); err != nil {
			s.logger.Warn("incremental backup failed", "generation", gen, "error", err)
		}
	}

	s.logger.Info("flushed buffer",
		"generation", gen,
		"partitions", mt.PartitionCount(),
		"bytes", mt.ApproximateSize())
	return nil
}

// backup hard-links the freshly committed segment's components under
// backups/ so an external tool can collect them incrementally.
func (f *flusher) backup(desc segment.Descriptor) error {
	dir := filepath.Join(f.store.dir, "backups")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return dberrors.NewStorageIO("mkdir", dir, err)
	}
	for _, p := range desc.Paths() {
		dst := filepath.Join(dir, filepath.Base(p))
		if err := os.Link(p, dst); err != nil && !os.IsExist(err) {
			return dberrors.NewStorageIO("link", dst, err)
		}
	}
	return nil
}
