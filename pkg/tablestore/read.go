package tablestore

import (
	"fmt"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/guardrails"
	"tablestore/pkg/lifecycle"
	"tablestore/pkg/types"
)

// Read returns the live cells of one partition, merged across the current
// buffer, draining buffers and the pinned visible segment set. Tombstoned
// and superseded cells never surface. A nil result with ok=false means
// the partition has no live data.
func (s *Store) Read(pk types.Key) ([]types.Cell, bool, error) {
	if s.state.Load() == stateClosed {
		return nil, false, dberrors.ErrClosed
	}

	var lists [][]types.Cell

	if cells, ok := s.mem.Load().Partition(pk); ok {
		lists = append(lists, cells)
	}
	for _, mt := range *s.draining.Load() {
		if cells, ok := mt.Partition(pk); ok {
			lists = append(lists, cells)
		}
	}

	pinned := s.tracker.PinVisible()
	defer lifecycle.ReleasePinned(pinned)
	for _, r := range pinned {
		if !r.MayContain(pk) {
			continue
		}
		cells, ok, err := r.Partition(pk)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read segment %s: %w", r.Descriptor(), err)
		}
		if ok {
			lists = append(lists, cells)
		}
	}

	if len(lists) == 0 {
		return nil, false, nil
	}

	merged := types.MergeCells(lists)

	switch d := s.guard.Evaluate(guardrails.MetricPartitionCells, int64(len(merged))); d.Outcome {
	case guardrails.Reject:
		return nil, false, fmt.Errorf("%w: %s", dberrors.ErrGuardrailRejected, d.Message)
	case guardrails.Warn:
		s.logger.Warn("guardrail warning", "partition", string(pk), "message", d.Message)
		s.stats.ObserveGuardrailWarning()
	}

	live := merged[:0]
	for _, c := range merged {
		if !c.Tombstone {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, false, nil
	}
	return live, true, nil
}

// Get is the single-cell convenience form of Read.
func (s *Store) Get(pk types.Key, clustering []byte) (types.Cell, bool, error) {
	cells, ok, err := s.Read(pk)
	if err != nil || !ok {
		return types.Cell{}, false, err
	}
	for _, c := range cells {
		if string(c.Clustering) == string(clustering) {
			return c, true, nil
		}
	}
	return types.Cell{}, false, nil
}
