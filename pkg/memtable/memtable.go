package memtable

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"tablestore/pkg/types"
)

var (
	// ErrFrozen is returned when a write races a buffer swap; callers
	// reload the current buffer and retry.
	ErrFrozen = errors.New("memtable: frozen")

	ErrTooLargeEntry = errors.New("memtable: entry is too large")
)

// cellSlot holds one clustering key's current cell. Writers reconcile
// through CompareAndSwap so a stale timestamp can never land after a
// newer one; a nil pointer means the slot was created but not yet filled.
type cellSlot = atomic.Pointer[types.Cell]

type partition = skipmap.FuncMap[[]byte, *cellSlot]

// Memtable is one write buffer: a concurrent ordered map of partition key
// to an ordered map of clustering key to cell. Exactly one buffer per table
// is current; frozen buffers drain into segments and never accept writes.
type Memtable struct {
	threshold uint64
	size      atomic.Uint64

	parts *skipmap.FuncMap[[]byte, *partition]

	mu     sync.RWMutex
	frozen bool
}

func New(flushThresholdBytes uint64) *Memtable {
	return &Memtable{
		threshold: flushThresholdBytes,
		parts: skipmap.NewFunc[[]byte, *partition](func(a, b []byte) bool {
			return types.KeyLess(a, b)
		}),
	}
}

// Apply upserts one cell. Concurrent writers for the same cell reconcile
// by timestamp so a stale writer never clobbers a newer one.
func (mt *Memtable) Apply(m types.Mutation) error {
	entSize := m.Size()
	if mt.threshold > 0 && entSize > mt.threshold {
		return ErrTooLargeEntry
	}

	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.frozen {
		return ErrFrozen
	}

	p, _ := mt.parts.LoadOrStoreLazy(m.Partition, func() *partition {
		return skipmap.NewFunc[[]byte, *cellSlot](func(a, b []byte) bool {
			return types.KeyLess(a, b)
		})
	})

	slot, _ := p.LoadOrStoreLazy(m.Clustering, func() *cellSlot {
		return new(cellSlot)
	})

	cell := m.Cell()
	for {
		existing := slot.Load()
		if existing != nil && !cell.Supersedes(*existing) {
			return nil
		}
		if slot.CompareAndSwap(existing, &cell) {
			break
		}
	}

	mt.size.Add(entSize)
	return nil
}

// Get returns the cell for a partition/clustering pair.
func (mt *Memtable) Get(pk, ck []byte) (types.Cell, bool) {
	p, ok := mt.parts.Load(pk)
	if !ok {
		return types.Cell{}, false
	}
	slot, ok := p.Load(ck)
	if !ok {
		return types.Cell{}, false
	}
	cell := slot.Load()
	if cell == nil {
		return types.Cell{}, false
	}
	return *cell, true
}

// Partition materializes one partition's cells in clustering order.
func (mt *Memtable) Partition(pk []byte) ([]types.Cell, bool) {
	p, ok := mt.parts.Load(pk)
	if !ok {
		return nil, false
	}

	cells := make([]types.Cell, 0, p.Len())
	p.Range(func(_ []byte, slot *cellSlot) bool {
		if cell := slot.Load(); cell != nil {
			cells = append(cells, *cell)
		}
		return true
	})
	if len(cells) == 0 {
		return nil, false
	}
	return cells, true
}

// Sorted snapshots the whole buffer in partition-then-clustering order.
// Only called on frozen buffers during flush.
func (mt *Memtable) Sorted() []types.PartitionRows {
	out := make([]types.PartitionRows, 0, mt.parts.Len())
	mt.parts.Range(func(pk []byte, p *partition) bool {
		cells := make([]types.Cell, 0, p.Len())
		p.Range(func(_ []byte, slot *cellSlot) bool {
			if cell := slot.Load(); cell != nil {
				cells = append(cells, *cell)
			}
			return true
		})
		out = append(out, types.PartitionRows{Key: pk, Cells: cells})
		return true
	})
	return out
}

// Freeze marks the buffer immutable. After Freeze returns, no write is in
// flight and none will be admitted; the swap is thereby indivisible.
func (mt *Memtable) Freeze() {
	mt.mu.Lock()
	mt.frozen = true
	mt.mu.Unlock()
}

// ApproximateSize is the tracked cumulative byte size.
func (mt *Memtable) ApproximateSize() uint64 {
	return mt.size.Load()
}

// ShouldFlush reports whether the buffer crossed its flush threshold.
func (mt *Memtable) ShouldFlush() bool {
	return mt.size.Load() >= mt.threshold
}

// Empty reports whether the buffer holds no partitions.
func (mt *Memtable) Empty() bool {
	return mt.parts.Len() == 0
}

// PartitionCount returns the number of distinct partitions.
func (mt *Memtable) PartitionCount() int {
	return mt.parts.Len()
}
