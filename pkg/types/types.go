package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Generation is the monotonically increasing id assigned to each segment.
type Generation = uint64

// Timestamp is a caller-supplied write timestamp in microseconds.
type Timestamp = int64

// Cell is a single clustering-keyed value (or deletion marker) inside a
// partition. The highest timestamp wins; on a tie the tombstone wins.
type Cell struct {
	Clustering []byte
	Value      []byte
	Timestamp  int64
	Tombstone  bool
}

// Supersedes reports whether c should replace other when both carry the
// same partition and clustering key.
func (c Cell) Supersedes(other Cell) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp > other.Timestamp
	}
	return c.Tombstone && !other.Tombstone
}

// Size returns the approximate in-memory footprint of the cell.
func (c Cell) Size() uint64 {
	const overhead = 8 + 1 // timestamp + tombstone flag
	return uint64(len(c.Clustering)) + uint64(len(c.Value)) + overhead
}

// Mutation is a single row-level update applied to a table.
type Mutation struct {
	Partition  []byte
	Clustering []byte
	Value      []byte
	Timestamp  int64
	Tombstone  bool
}

func (m Mutation) Cell() Cell {
	return Cell{
		Clustering: m.Clustering,
		Value:      m.Value,
		Timestamp:  m.Timestamp,
		Tombstone:  m.Tombstone,
	}
}

// Size returns the approximate footprint of the mutation.
func (m Mutation) Size() uint64 {
	return uint64(len(m.Partition)) + m.Cell().Size()
}

// PartitionRows is one partition's worth of cells, sorted by clustering key.
type PartitionRows struct {
	Key   []byte
	Cells []Cell
}

// KeyLess orders raw partition and clustering keys.
func KeyLess(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}
