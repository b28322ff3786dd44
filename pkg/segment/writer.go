package segment

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/types"
)

type indexEntry struct {
	Key    []byte
	Offset int64
}

// Writer streams sorted partitions into a new segment's component files.
// Partitions must arrive in key order; cells within a partition in
// clustering order. The segment is invisible to readers until a lifecycle
// transaction commits it.
type Writer struct {
	desc Descriptor

	data *os.File
	buf  *bufio.Writer

	index  []indexEntry
	bloom  *BloomFilter
	stats  Stats
	offset int64

	finished bool
}

func NewWriter(desc Descriptor, expectedPartitions int, fpRate float64) (*Writer, error) {
	file, err := os.OpenFile(desc.Path(ComponentData), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return nil, dberrors.NewStorageIO("create", desc.Path(ComponentData), err)
	}

	return &Writer{
		desc:  desc,
		data:  file,
		buf:   bufio.NewWriter(file),
		bloom: NewBloomFilter(expectedPartitions, fpRate),
		stats: Stats{
			Generation:   desc.Generation,
			MinTimestamp: math.MaxInt64,
			MaxTimestamp: math.MinInt64,
		},
	}, nil
}

func (w *Writer) Descriptor() Descriptor {
	return w.desc
}

// Append writes one partition record and tracks index, filter and stats.
func (w *Writer) Append(pr types.PartitionRows) error {
	if len(pr.Cells) == 0 {
		return nil
	}

	start := w.offset

	if err := w.writeBytes(pr.Key); err != nil {
		return err
	}
	if err := w.writeUint32(uint32(len(pr.Cells))); err != nil {
		return err
	}

	for _, cell := range pr.Cells {
		if err := w.writeBytes(cell.Clustering); err != nil {
			return err
		}
		if err := w.writeBytes(cell.Value); err != nil {
			return err
		}
		if err := binary.Write(w.buf, binary.LittleEndian, cell.Timestamp); err != nil {
			return w.ioErr(err)
		}
		var flags uint8
		if cell.Tombstone {
			flags |= 1
			w.stats.TombstoneCount++
		}
		if err := w.buf.WriteByte(flags); err != nil {
			return w.ioErr(err)
		}
		w.offset += 9

		if cell.Timestamp < w.stats.MinTimestamp {
			w.stats.MinTimestamp = cell.Timestamp
		}
		if cell.Timestamp > w.stats.MaxTimestamp {
			w.stats.MaxTimestamp = cell.Timestamp
		}
	}

	w.index = append(w.index, indexEntry{Key: pr.Key, Offset: start})
	w.bloom.Add(pr.Key)

	w.stats.PartitionCount++
	w.stats.CellCount += int64(len(pr.Cells))
	if w.stats.MinPartitionKey == nil {
		w.stats.MinPartitionKey = pr.Key
	}
	w.stats.MaxPartitionKey = pr.Key

	return nil
}

// DataSize is the number of data bytes written so far, used to split
// compaction output by target segment size.
func (w *Writer) DataSize() int64 {
	return w.offset
}

// Finish flushes and fsyncs every component so the segment is durable
// before a transaction may make it visible.
func (w *Writer) Finish() (Stats, error) {
	if w.finished {
		return w.stats, nil
	}

	w.stats.DataSizeBytes = w.offset
	if w.stats.CellCount == 0 {
		w.stats.MinTimestamp = 0
		w.stats.MaxTimestamp = 0
	}

	if err := w.buf.Flush(); err != nil {
		return Stats{}, w.ioErr(err)
	}
	if err := w.data.Sync(); err != nil {
		return Stats{}, w.ioErr(err)
	}
	if err := w.data.Close(); err != nil {
		return Stats{}, w.ioErr(err)
	}

	if err := w.writeIndex(); err != nil {
		return Stats{}, err
	}
	if err := writeComponent(w.desc.Path(ComponentFilter), w.bloom.Marshal()); err != nil {
		return Stats{}, err
	}

	statsData, err := json.Marshal(&w.stats)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to marshal segment stats: %w", err)
	}
	if err := writeComponent(w.desc.Path(ComponentStatistics), statsData); err != nil {
		return Stats{}, err
	}

	w.finished = true
	return w.stats, nil
}

// Discard removes every file written so far. Used on abort.
func (w *Writer) Discard() error {
	if !w.finished {
		w.data.Close()
	}
	var firstErr error
	for _, path := range w.desc.Paths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = dberrors.NewStorageIO("remove", path, err)
		}
	}
	return firstErr
}

func (w *Writer) writeIndex() error {
	buf := make([]byte, 0, len(w.index)*32)
	var scratch [12]byte
	for _, e := range w.index {
		binary.LittleEndian.PutUint32(scratch[0:4], uint32(len(e.Key)))
		binary.LittleEndian.PutUint64(scratch[4:12], uint64(e.Offset))
		buf = append(buf, scratch[0:4]...)
		buf = append(buf, e.Key...)
		buf = append(buf, scratch[4:12]...)
	}
	return writeComponent(w.desc.Path(ComponentIndex), buf)
}

func (w *Writer) writeBytes(b []byte) error {
	if err := w.writeUint32(uint32(len(b))); err != nil {
		return err
	}
	if _, err := w.buf.Write(b); err != nil {
		return w.ioErr(err)
	}
	w.offset += int64(len(b))
	return nil
}

func (w *Writer) writeUint32(v uint32) error {
	if err := binary.Write(w.buf, binary.LittleEndian, v); err != nil {
		return w.ioErr(err)
	}
	w.offset += 4
	return nil
}

func (w *Writer) ioErr(err error) error {
	return dberrors.NewStorageIO("write", w.desc.Path(ComponentData), err)
}

func writeComponent(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return dberrors.NewStorageIO("create", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return dberrors.NewStorageIO("write", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return dberrors.NewStorageIO("sync", path, err)
	}
	if err := file.Close(); err != nil {
		return dberrors.NewStorageIO("close", path, err)
	}
	return nil
}
