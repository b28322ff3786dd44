package tablestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"tablestore/pkg/clock"
	"tablestore/pkg/compaction"
	"tablestore/pkg/config"
	"tablestore/pkg/dberrors"
	"tablestore/pkg/guardrails"
	"tablestore/pkg/lifecycle"
	"tablestore/pkg/memtable"
	"tablestore/pkg/metrics"
	"tablestore/pkg/segment"
	"tablestore/pkg/scrub"
	"tablestore/pkg/snapshot"
	"tablestore/pkg/types"
)

const (
	stateOpen int32 = iota
	stateTruncating
	stateClosed
)

// Deps are the injected collaborators: a logger, the guardrail policy, an
// optional metrics sink and the compaction selection strategy. Zero values
// get sensible defaults.
type Deps struct {
	Logger   *slog.Logger
	Guard    guardrails.Policy
	Metrics  *metrics.Metrics
	Strategy compaction.Strategy
}

// Store is the single entry point to one table's storage engine. It owns
// the current memory buffer and the visible segment set, and coordinates
// flush, compaction, snapshot and scrub against them.
type Store struct {
	cfg    config.TableConfig
	dir    string
	logger *slog.Logger
	guard  guardrails.Policy
	stats  *metrics.Metrics

	gen     *clock.AtomicClock
	tracker *lifecycle.Tracker

	// swapMu guards buffer rotation and the draining list; writes and
	// reads never take it
	swapMu   sync.Mutex
	mem      atomic.Pointer[memtable.Memtable]
	draining atomic.Pointer[[]*memtable.Memtable]
	drainWG  waitGroupCounter
	epoch    atomic.Uint64

	flusher   *flusher
	compactor *compaction.Controller
	snapshots *snapshot.Manager

	indexMu sync.Mutex
	indexes map[string]*Store

	state    atomic.Int32
	degraded atomic.Bool
}

// Open scrubs the table's data directory, clears leftover ephemeral
// snapshots, loads the visible segment set and starts the background
// flush worker.
func Open(ctx context.Context, cfg config.TableConfig, deps Deps) (*Store, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = guardrails.Permissive()
	}
	if deps.Strategy == nil {
		deps.Strategy = compaction.NewSizeTiered(cfg.Compaction.MinThreshold, cfg.Compaction.MaxThreshold)
	}

	dir := cfg.RootPath
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dberrors.NewStorageIO("mkdir", dir, err)
	}

	logger := deps.Logger.With("table", cfg.Name)

	if _, err := scrub.DataDirectories(dir, cfg.Name, logger); err != nil {
		return nil, fmt.Errorf("failed to scrub data directories: %w", err)
	}

	tracker := lifecycle.NewTracker(dir, cfg.Name, logger)
	maxGen, err := tracker.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load segment set: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		dir:     dir,
		logger:  logger,
		guard:   deps.Guard,
		stats:   deps.Metrics,
		gen:     clock.NewAtomic(maxGen),
		tracker: tracker,
		indexes: make(map[string]*Store),
	}
	s.mem.Store(memtable.New(cfg.Memtable.FlushThresholdBytes))
	empty := make([]*memtable.Memtable, 0)
	s.draining.Store(&empty)

	s.snapshots = snapshot.NewManager(dir, cfg.Name, cfg.SchemaIdentifier, tracker, logger)
	if err := s.snapshots.ClearEphemeral(); err != nil {
		return nil, fmt.Errorf("failed to clear ephemeral snapshots: %w", err)
	}

	s.compactor = compaction.NewController(
		tracker, dir, cfg.Name, s.gen, deps.Strategy,
		cfg.Segment.BloomFPRate, cfg.Segment.TargetSizeBytes,
		cfg.Compaction.TombstoneGCGrace, logger, deps.Metrics,
	)

	s.flusher = newFlusher(s, cfg.Memtable.FlushQueueSize)
	s.flusher.Start(ctx)

	s.stats.SetLiveSegments(len(tracker.Visible()))
	logger.Info("table store opened", "segments", len(tracker.Visible()), "generation", maxGen)
	return s, nil
}

// Write applies one row-level update at the caller-supplied timestamp. It
// never blocks on disk I/O; past the buffer threshold it schedules an
// asynchronous flush. The guardrail check runs before any state changes.
func (s *Store) Write(m types.Mutation) error {
	if s.state.Load() != stateOpen || s.degraded.Load() {
		return dberrors.ErrTableUnavailable
	}

	switch d := s.guard.Evaluate(guardrails.MetricMutationSize, int64(m.Size())); d.Outcome {
	case guardrails.Reject:
		return fmt.Errorf("%w: %s", dberrors.ErrGuardrailRejected, d.Message)
	case guardrails.Warn:
		s.logger.Warn("guardrail warning", "message", d.Message)
		s.stats.ObserveGuardrailWarning()
	}

	for {
		mt := s.mem.Load()
		err := mt.Apply(m)
		if errors.Is(err, memtable.ErrFrozen) {
			// racing a buffer swap; the fresh buffer is instants away
			runtime.Gosched()
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	cur := s.mem.Load()
	s.stats.SetMemtableBytes(cur.ApproximateSize())
	if cur.ShouldFlush() {
		s.scheduleFlush()
	}
	return nil
}

// Flush requests the current buffer be swapped out and persisted. With
// blocking set it waits for the resulting lifecycle transaction to commit
// (including any earlier buffers still draining); otherwise it returns as
// soon as the flush is queued. Flushing an empty buffer is a no-op.
func (s *Store) Flush(ctx context.Context, blocking bool) error {
	if s.state.Load() == stateClosed {
		return dberrors.ErrClosed
	}

	task, queued := s.swapAndQueue()
	if !blocking {
		return nil
	}
	if queued {
		select {
		case err := <-task.done:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.drainWG.wait(ctx)
}

// scheduleFlush is the size-triggered path: swap and queue without waiting.
func (s *Store) scheduleFlush() {
	s.swapAndQueue()
}

func (s *Store) swapAndQueue() (flushTask, bool) {
	s.swapMu.Lock()

	cur := s.mem.Load()
	if cur.Empty() {
		s.swapMu.Unlock()
		return flushTask{}, false
	}

	// Freeze before installing the fresh buffer: after Freeze returns no
	// write is in flight against the retired buffer, so the swap loses
	// and duplicates nothing.
	cur.Freeze()
	s.mem.Store(memtable.New(s.cfg.Memtable.FlushThresholdBytes))

	list := append(append([]*memtable.Memtable{}, *s.draining.Load()...), cur)
	s.draining.Store(&list)
	s.drainWG.add(1)

	task := flushTask{mem: cur, epoch: s.epoch.Load(), done: make(chan error, 1)}
	s.stats.SetMemtableBytes(0)
	s.swapMu.Unlock()

	// enqueue outside swapMu: the flush worker takes it in removeDraining,
	// so blocking here with the lock held could deadlock on a full queue
	s.flusher.enqueue(task)
	return task, true
}

func (s *Store) removeDraining(mt *memtable.Memtable) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	old := *s.draining.Load()
	list := make([]*memtable.Memtable, 0, len(old))
	for _, m := range old {
		if m != mt {
			list = append(list, m)
		}
	}
	s.draining.Store(&list)
}

// ForceMajorCompaction synchronously merges the entire visible segment set
// into a single output run, dropping tombstones past the retention window.
func (s *Store) ForceMajorCompaction(ctx context.Context) error {
	if s.state.Load() != stateOpen {
		return dberrors.ErrTableUnavailable
	}
	return s.compactor.CompactAll(ctx)
}

// MaybeCompact runs one strategy-selected minor compaction.
func (s *Store) MaybeCompact(ctx context.Context) error {
	if s.state.Load() != stateOpen {
		return dberrors.ErrTableUnavailable
	}
	return s.compactor.MaybeCompact(ctx)
}

// Truncate empties the table: the current buffer is discarded and every
// visible segment is retired through one lifecycle transaction.
func (s *Store) Truncate() error {
	if !s.state.CompareAndSwap(stateOpen, stateTruncating) {
		return dberrors.ErrTableUnavailable
	}
	defer s.state.Store(stateOpen)

	s.swapMu.Lock()
	s.epoch.Add(1) // queued flush tasks for old buffers become stale
	s.mem.Store(memtable.New(s.cfg.Memtable.FlushThresholdBytes))
	empty := make([]*memtable.Memtable, 0)
	s.draining.Store(&empty)
	s.swapMu.Unlock()

	// a flush that already passed the epoch check may still commit; wait
	// it out so its segment lands before the remove-all below
	if err := s.drainWG.wait(context.Background()); err != nil {
		return err
	}

	txn := s.tracker.Begin()
	for _, r := range s.tracker.Visible() {
		if err := txn.StageRemove(r); err != nil {
			txn.Abort()
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		// a failed commit never swaps the set, so the claims must be
		// handed back or no later truncate or compaction could take them
		txn.Abort()
		return err
	}

	s.stats.SetLiveSegments(0)
	s.stats.SetMemtableBytes(0)
	return nil
}

// Snapshot produces a named, immutable, point-in-time copy of the table's
// on-disk state, optionally flushing first so it reflects all prior
// writes. Attached secondary-index stores are captured recursively.
func (s *Store) Snapshot(ctx context.Context, name string, ephemeral, skipFlush bool) (*snapshot.TableSnapshot, error) {
	if s.state.Load() != stateOpen {
		return nil, dberrors.ErrTableUnavailable
	}

	if !skipFlush {
		if err := s.Flush(ctx, true); err != nil {
			return nil, fmt.Errorf("failed to flush before snapshot: %w", err)
		}
		for _, idx := range s.indexStores() {
			if err := idx.Flush(ctx, true); err != nil {
				return nil, fmt.Errorf("failed to flush index before snapshot: %w", err)
			}
		}
	}

	var nested []snapshot.NestedCapture
	var pinnedSets [][]*segment.Reader
	defer func() {
		for _, set := range pinnedSets {
			lifecycle.ReleasePinned(set)
		}
	}()
	s.indexMu.Lock()
	for idxName, idx := range s.indexes {
		pinned := idx.tracker.PinVisible()
		pinnedSets = append(pinnedSets, pinned)
		capture := snapshot.NestedCapture{SubDir: "." + idxName}
		for _, r := range pinned {
			capture.Files = append(capture.Files, r.Descriptor().Paths()...)
		}
		nested = append(nested, capture)
	}
	s.indexMu.Unlock()

	snap, err := s.snapshots.Create(name, ephemeral, nested)
	if err != nil {
		return nil, err
	}
	s.stats.ObserveSnapshot()
	return snap, nil
}

// ListSnapshots enumerates this table's snapshots present on disk.
func (s *Store) ListSnapshots() (map[string]*snapshot.TableSnapshot, error) {
	return s.snapshots.List()
}

// ClearSnapshot deletes one snapshot by name, or all snapshots for "".
func (s *Store) ClearSnapshot(name string) error {
	return s.snapshots.Clear(name)
}

// ClearEphemeralSnapshots deletes only snapshots created as ephemeral.
func (s *Store) ClearEphemeralSnapshots() error {
	return s.snapshots.ClearEphemeral()
}

// AttachIndex opens a dependent secondary-structure store nested under
// this table's directory. It shares the parent's table name so its
// segment files mirror the parent's naming inside the `.{name}` folder.
func (s *Store) AttachIndex(ctx context.Context, name string) (*Store, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if idx, ok := s.indexes[name]; ok {
		return idx, nil
	}

	idxCfg := s.cfg
	idxCfg.RootPath = filepath.Join(s.dir, "."+name)
	idx, err := Open(ctx, idxCfg, Deps{Logger: s.logger, Guard: s.guard, Strategy: nil})
	if err != nil {
		return nil, fmt.Errorf("failed to open index store %q: %w", name, err)
	}
	s.indexes[name] = idx
	return idx, nil
}

func (s *Store) indexStores() []*Store {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	out := make([]*Store, 0, len(s.indexes))
	for _, idx := range s.indexes {
		out = append(out, idx)
	}
	return out
}

// ScrubDataDirectories reconciles this table's directory against its
// transaction logs, removing orphaned and incomplete files. The store
// must be quiescent (no flush or compaction in flight).
func (s *Store) ScrubDataDirectories() (scrub.Report, error) {
	return scrub.DataDirectories(s.dir, s.cfg.Name, s.logger)
}

// WaitForDeletions blocks until all deferred segment deletions from
// committed transactions have settled on disk.
func (s *Store) WaitForDeletions() {
	s.tracker.WaitForDeletions()
}

// LiveSegmentCount is the size of the visible set.
func (s *Store) LiveSegmentCount() int {
	return len(s.tracker.Visible())
}

// Degraded reports whether flush retries were exhausted; the table stays
// readable from its last-good state.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Dir returns the table's data directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Close stops background work and releases the visible set. Draining
// buffers are flushed first so no acknowledged write is lost.
func (s *Store) Close(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateOpen, stateClosed) {
		return nil
	}
	err := s.drainWG.wait(ctx)
	s.flusher.Stop()
	for _, idx := range s.indexStores() {
		idx.Close(ctx)
	}
	s.tracker.Close()
	return err
}

// waitGroupCounter is a context-aware WaitGroup built from a counter and
// a broadcast channel; sync.WaitGroup alone cannot honor cancellation.
type waitGroupCounter struct {
	mu    sync.Mutex
	n     int
	zeroC chan struct{}
}

func (w *waitGroupCounter) add(delta int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n += delta
	if w.n <= 0 && w.zeroC != nil {
		close(w.zeroC)
		w.zeroC = nil
	}
}

func (w *waitGroupCounter) done() { w.add(-1) }

func (w *waitGroupCounter) wait(ctx context.Context) error {
	w.mu.Lock()
	if w.n <= 0 {
		w.mu.Unlock()
		return nil
	}
	if w.zeroC == nil {
		w.zeroC = make(chan struct{})
	}
	c := w.zeroC
	w.mu.Unlock()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
