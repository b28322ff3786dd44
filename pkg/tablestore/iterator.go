package tablestore

import "tablestore/pkg/types"

// RowIterator walks one partition's live cells in clustering order.
type RowIterator struct {
	cells []types.Cell
	pos   int
}

// ReadPartition is the iterator form of Read.
func (s *Store) ReadPartition(pk types.Key) (*RowIterator, error) {
	cells, _, err := s.Read(pk)
	if err != nil {
		return nil, err
	}
	return &RowIterator{cells: cells}, nil
}

// Next returns the next cell, or false when the partition is exhausted.
func (it *RowIterator) Next() (types.Cell, bool) {
	if it.pos >= len(it.cells) {
		return types.Cell{}, false
	}
	c := it.cells[it.pos]
	it.pos++
	return c, true
}

// Rewind restarts the iterator at the first cell.
func (it *RowIterator) Rewind() {
	it.pos = 0
}

// Len is the number of live cells the iterator covers.
func (it *RowIterator) Len() int {
	return len(it.cells)
}
