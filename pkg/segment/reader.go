package segment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/types"
)

// Reader serves point and sequential reads from one immutable segment.
//
// Lifetime is reference counted: the visible set holds the initial
// reference, iterators pin additional ones. Retire marks the segment
// obsolete; the release hook (which unlinks the files) runs when the last
// reference drops, so in-flight readers are never pulled out from under.
type Reader struct {
	desc  Descriptor
	stats Stats
	bloom *BloomFilter
	index []indexEntry

	mu   sync.Mutex
	file *os.File

	refs      atomic.Int32
	onRelease atomic.Pointer[func()]
}

// Open loads a segment's index, filter and statistics components. Malformed
// auxiliary files surface ErrCorruptSegment so the segment can be excluded
// from reads and flagged for scrub.
func Open(desc Descriptor) (*Reader, error) {
	statsData, err := os.ReadFile(desc.Path(ComponentStatistics))
	if err != nil {
		return nil, dberrors.NewStorageIO("read", desc.Path(ComponentStatistics), err)
	}
	var stats Stats
	if err := json.Unmarshal(statsData, &stats); err != nil {
		return nil, fmt.Errorf("%w: %s statistics: %v", dberrors.ErrCorruptSegment, desc, err)
	}

	filterData, err := os.ReadFile(desc.Path(ComponentFilter))
	if err != nil {
		return nil, dberrors.NewStorageIO("read", desc.Path(ComponentFilter), err)
	}
	bloom, err := UnmarshalBloom(filterData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s filter: %v", dberrors.ErrCorruptSegment, desc, err)
	}

	index, err := readIndex(desc)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(desc.Path(ComponentData))
	if err != nil {
		return nil, dberrors.NewStorageIO("open", desc.Path(ComponentData), err)
	}

	r := &Reader{
		desc:  desc,
		stats: stats,
		bloom: bloom,
		index: index,
		file:  file,
	}
	r.refs.Store(1)
	return r, nil
}

func readIndex(desc Descriptor) ([]indexEntry, error) {
	data, err := os.ReadFile(desc.Path(ComponentIndex))
	if err != nil {
		return nil, dberrors.NewStorageIO("read", desc.Path(ComponentIndex), err)
	}

	var index []indexEntry
	for off := 0; off < len(data); {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: %s index truncated", dberrors.ErrCorruptSegment, desc)
		}
		keyLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+keyLen+8 > len(data) {
			return nil, fmt.Errorf("%w: %s index truncated", dberrors.ErrCorruptSegment, desc)
		}
		key := make([]byte, keyLen)
		copy(key, data[off:off+keyLen])
		off += keyLen
		offset := int64(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
		index = append(index, indexEntry{Key: key, Offset: offset})
	}
	return index, nil
}

func (r *Reader) Descriptor() Descriptor { return r.desc }

func (r *Reader) Stats() Stats { return r.stats }

func (r *Reader) Generation() uint64 { return r.desc.Generation }

// ApproximateSize is the data component size in bytes.
func (r *Reader) ApproximateSize() int64 { return r.stats.DataSizeBytes }

// Ref pins the segment for a reader. Returns false if the last reference
// is already gone, in which case the caller must re-load the visible set.
func (r *Reader) Ref() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref releases one reference. The release hook runs exactly once, when
// the count reaches zero after Retire.
func (r *Reader) Unref() {
	if r.refs.Add(-1) != 0 {
		return
	}
	r.close()
	if hook := r.onRelease.Swap(nil); hook != nil {
		(*hook)()
	}
}

// Retire installs the deferred-deletion hook and drops the owning
// reference held by the visible set.
func (r *Reader) Retire(onRelease func()) {
	r.onRelease.Store(&onRelease)
	r.Unref()
}

func (r *Reader) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// MayContain consults the membership filter and key range; a false result
// is exact.
func (r *Reader) MayContain(pk []byte) bool {
	if len(r.index) == 0 {
		return false
	}
	if types.KeyLess(pk, r.stats.MinPartitionKey) || types.KeyLess(r.stats.MaxPartitionKey, pk) {
		return false
	}
	return r.bloom.MayContain(pk)
}

// Partition reads one partition's cells in clustering order.
func (r *Reader) Partition(pk []byte) ([]types.Cell, bool, error) {
	if !r.MayContain(pk) {
		return nil, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return !types.KeyLess(r.index[i].Key, pk)
	})
	if i >= len(r.index) || !bytes.Equal(r.index[i].Key, pk) {
		return nil, false, nil
	}

	pr, err := r.readPartitionAt(r.index[i].Offset)
	if err != nil {
		return nil, false, err
	}
	return pr.Cells, true, nil
}

func (r *Reader) readPartitionAt(offset int64) (types.PartitionRows, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return types.PartitionRows{}, dberrors.ErrClosed
	}
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return types.PartitionRows{}, dberrors.NewStorageIO("seek", r.desc.Path(ComponentData), err)
	}
	return readPartition(bufio.NewReader(r.file), r.desc)
}

func readPartition(br *bufio.Reader, desc Descriptor) (types.PartitionRows, error) {
	pk, err := readBytes(br)
	if err != nil {
		return types.PartitionRows{}, wrapRead(err, desc)
	}

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return types.PartitionRows{}, wrapRead(err, desc)
	}

	cells := make([]types.Cell, 0, count)
	for i := uint32(0); i < count; i++ {
		ck, err := readBytes(br)
		if err != nil {
			return types.PartitionRows{}, wrapRead(err, desc)
		}
		val, err := readBytes(br)
		if err != nil {
			return types.PartitionRows{}, wrapRead(err, desc)
		}
		var ts int64
		if err := binary.Read(br, binary.LittleEndian, &ts); err != nil {
			return types.PartitionRows{}, wrapRead(err, desc)
		}
		flags, err := br.ReadByte()
		if err != nil {
			return types.PartitionRows{}, wrapRead(err, desc)
		}
		cells = append(cells, types.Cell{
			Clustering: ck,
			Value:      val,
			Timestamp:  ts,
			Tombstone:  flags&1 != 0,
		})
	}

	return types.PartitionRows{Key: pk, Cells: cells}, nil
}

func readBytes(br *bufio.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, err
	}
	return b, nil
}

func wrapRead(err error, desc Descriptor) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %s data truncated", dberrors.ErrCorruptSegment, desc)
	}
	return dberrors.NewStorageIO("read", desc.Path(ComponentData), err)
}

// Iter streams partitions in key order. The iterator holds its own file
// handle so concurrent point reads are unaffected; callers must hold a
// reference on the segment for the iterator's lifetime.
func (r *Reader) Iter() (*Iterator, error) {
	file, err := os.Open(r.desc.Path(ComponentData))
	if err != nil {
		return nil, dberrors.NewStorageIO("open", r.desc.Path(ComponentData), err)
	}
	return &Iterator{
		desc: r.desc,
		file: file,
		br:   bufio.NewReader(file),
		n:    len(r.index),
	}, nil
}

// Iterator yields whole partitions sequentially from one segment.
type Iterator struct {
	desc Descriptor
	file *os.File
	br   *bufio.Reader
	n    int
	pos  int
}

// Next returns the next partition, or io.EOF after the last one.
func (it *Iterator) Next() (types.PartitionRows, error) {
	if it.pos >= it.n {
		return types.PartitionRows{}, io.EOF
	}
	pr, err := readPartition(it.br, it.desc)
	if err != nil {
		return types.PartitionRows{}, err
	}
	it.pos++
	return pr, nil
}

func (it *Iterator) Close() error {
	return it.file.Close()
}
