package compaction

import (
	"bytes"
	"container/heap"
	"io"

	"tablestore/pkg/segment"
	"tablestore/pkg/types"
)

// mergeStream streams the union of several segments partition by
// partition, in key order, without materializing more than one partition
// per input at a time.
type mergeStream struct {
	sources sourceHeap
}

type mergeSource struct {
	it  *segment.Iterator
	cur types.PartitionRows
}

type sourceHeap []*mergeSource

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].cur.Key, h[j].cur.Key) < 0
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)   { *h = append(*h, x.(*mergeSource)) }
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newMergeStream(inputs []*segment.Reader) (*mergeStream, error) {
	m := &mergeStream{}
	for _, r := range inputs {
		it, err := r.Iter()
		if err != nil {
			m.Close()
			return nil, err
		}
		src := &mergeSource{it: it}
		pr, err := it.Next()
		if err == io.EOF {
			it.Close()
			continue
		}
		if err != nil {
			it.Close()
			m.Close()
			return nil, err
		}
		src.cur = pr
		m.sources = append(m.sources, src)
	}
	heap.Init(&m.sources)
	return m, nil
}

// Next returns the next merged partition, or io.EOF. Cells from newer data
// shadow older cells with the same clustering key by timestamp.
func (m *mergeStream) Next() (types.PartitionRows, error) {
	if len(m.sources) == 0 {
		return types.PartitionRows{}, io.EOF
	}

	key := m.sources[0].cur.Key
	var lists [][]types.Cell
	for len(m.sources) > 0 && bytes.Equal(m.sources[0].cur.Key, key) {
		src := m.sources[0]
		lists = append(lists, src.cur.Cells)

		pr, err := src.it.Next()
		if err == io.EOF {
			src.it.Close()
			heap.Pop(&m.sources)
			continue
		}
		if err != nil {
			return types.PartitionRows{}, err
		}
		src.cur = pr
		heap.Fix(&m.sources, 0)
	}

	return types.PartitionRows{Key: key, Cells: types.MergeCells(lists)}, nil
}

func (m *mergeStream) Close() {
	for _, src := range m.sources {
		src.it.Close()
	}
	m.sources = nil
}
