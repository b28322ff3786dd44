package compaction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"tablestore/pkg/clock"
	"tablestore/pkg/lifecycle"
	"tablestore/pkg/metrics"
	"tablestore/pkg/segment"
	"tablestore/pkg/types"
)

// Controller merges groups of visible segments into fewer larger ones,
// dropping shadowed cells and expired tombstones, through a lifecycle
// transaction. Concurrent flushes (add-only) and disjoint compactions are
// safe; overlapping selections fail the claim check before any work runs.
type Controller struct {
	tracker  *lifecycle.Tracker
	dir      string
	table    string
	gen      *clock.AtomicClock
	strategy Strategy

	fpRate     float64
	targetSize int64
	gcGrace    time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewController(
	tracker *lifecycle.Tracker,
	dir, table string,
	gen *clock.AtomicClock,
	strategy Strategy,
	fpRate float64,
	targetSize int64,
	gcGrace time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Controller {
	return &Controller{
		tracker:    tracker,
		dir:        dir,
		table:      table,
		gen:        gen,
		strategy:   strategy,
		fpRate:     fpRate,
		targetSize: targetSize,
		gcGrace:    gcGrace,
		now:        time.Now,
		logger:     logger,
		metrics:    m,
	}
}

// MaybeCompact runs one strategy-selected compaction if the strategy finds
// a worthwhile group.
func (c *Controller) MaybeCompact(ctx context.Context) error {
	inputs := c.strategy.Select(c.tracker.Visible())
	if len(inputs) < 2 {
		return nil
	}
	return c.Compact(ctx, inputs)
}

// CompactAll merges the entire visible set into a single output run. Major
// compaction may drop any expired tombstone because no older segment can
// remain to resurrect shadowed data.
func (c *Controller) CompactAll(ctx context.Context) error {
	inputs := c.tracker.Visible()
	if len(inputs) == 0 {
		return nil
	}
	return c.Compact(ctx, inputs)
}

// Compact merges the given visible segments. Inputs are claimed for
// removal before any byte is written; the transaction is aborted on any
// failure, leaving the prior visible set intact.
func (c *Controller) Compact(ctx context.Context, inputs []*segment.Reader) error {
	txn := c.tracker.Begin()
	for _, in := range inputs {
		if err := txn.StageRemove(in); err != nil {
			txn.Abort()
			return err
		}
	}

	outputs, written, err := c.merge(ctx, inputs, txn)
	if err != nil {
		for _, w := range outputs {
			w.Discard()
		}
		txn.Abort()
		return err
	}

	for _, w := range outputs {
		r, err := segment.Open(w.Descriptor())
		if err != nil {
			txn.Abort()
			return fmt.Errorf("failed to open compaction output: %w", err)
		}
		if err := txn.StageAdd(r); err != nil {
			txn.Abort()
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		// commit can only fail before the visible-set swap, so aborting
		// still releases the claims and deletes the staged outputs
		txn.Abort()
		return err
	}

	c.metrics.ObserveCompaction(written)
	c.metrics.SetLiveSegments(len(c.tracker.Visible()))
	c.logger.Info("compaction finished",
		"table", c.table, "inputs", len(inputs), "outputs", len(outputs), "bytes", written)
	return nil
}

func (c *Controller) merge(ctx context.Context, inputs []*segment.Reader, txn *lifecycle.Txn) ([]*segment.Writer, int64, error) {
	stream, err := newMergeStream(inputs)
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	gcBefore := c.now().Add(-c.gcGrace).UnixMicro()
	expectedPartitions := 0
	for _, in := range inputs {
		expectedPartitions += int(in.Stats().PartitionCount)
	}

	var (
		outputs []*segment.Writer
		cur     *segment.Writer
		written int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return outputs, written, err
		}

		pr, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return outputs, written, err
		}

		pr.Cells = dropExpiredTombstones(pr.Cells, gcBefore)
		if len(pr.Cells) == 0 {
			continue
		}

		if cur == nil {
			cur, err = segment.NewWriter(
				segment.Descriptor{Dir: c.dir, Table: c.table, Generation: c.gen.Next()},
				expectedPartitions, c.fpRate,
			)
			if err != nil {
				return outputs, written, err
			}
			outputs = append(outputs, cur)
		}

		if err := cur.Append(pr); err != nil {
			return outputs, written, err
		}

		if c.targetSize > 0 && cur.DataSize() >= c.targetSize {
			stats, err := cur.Finish()
			if err != nil {
				return outputs, written, err
			}
			written += stats.DataSizeBytes
			cur = nil
		}
	}

	if cur != nil {
		stats, err := cur.Finish()
		if err != nil {
			return outputs, written, err
		}
		written += stats.DataSizeBytes
	}
	return outputs, written, nil
}

// dropExpiredTombstones removes deletion markers past the retention
// window. A tombstone inside the window is kept so it keeps shadowing any
// older copy of the cell that may still live in an uncompacted segment.
func dropExpiredTombstones(cells []types.Cell, gcBefore int64) []types.Cell {
	out := cells[:0]
	for _, cell := range cells {
		if cell.Tombstone && cell.Timestamp < gcBefore {
			continue
		}
		out = append(out, cell)
	}
	return out
}
