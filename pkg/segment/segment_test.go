package segment

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/types"
)

func writeTestSegment(t *testing.T, dir string, gen uint64, rows []types.PartitionRows) Descriptor {
	t.Helper()
	desc := Descriptor{Dir: dir, Table: "standard1", Generation: gen}
	w, err := NewWriter(desc, len(rows), 0.01)
	require.NoError(t, err)
	for _, pr := range rows {
		require.NoError(t, w.Append(pr))
	}
	_, err = w.Finish()
	require.NoError(t, err)
	return desc
}

func TestDescriptorNaming(t *testing.T) {
	desc := Descriptor{Dir: "/data", Table: "tbl", Generation: 42}
	assert.Equal(t, "tbl-42-data", desc.FileName(ComponentData))

	parsed, comp, ok := ParseFileName("/data", "tbl-42-index")
	require.True(t, ok)
	assert.Equal(t, desc.Table, parsed.Table)
	assert.EqualValues(t, 42, parsed.Generation)
	assert.Equal(t, ComponentIndex, comp)

	// table names may themselves contain dashes
	parsed, comp, ok = ParseFileName("/data", "my-table-7-filter")
	require.True(t, ok)
	assert.Equal(t, "my-table", parsed.Table)
	assert.EqualValues(t, 7, parsed.Generation)
	assert.Equal(t, ComponentFilter, comp)

	_, _, ok = ParseFileName("/data", "not-a-segment")
	assert.False(t, ok)
	_, _, ok = ParseFileName("/data", "tbl-42-bogus")
	assert.False(t, ok)
}

func TestWriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	rows := []types.PartitionRows{
		{Key: []byte("pa"), Cells: []types.Cell{
			{Clustering: []byte("c1"), Value: []byte("v1"), Timestamp: 1},
			{Clustering: []byte("c2"), Value: []byte("v2"), Timestamp: 2},
		}},
		{Key: []byte("pb"), Cells: []types.Cell{
			{Clustering: []byte("c1"), Timestamp: 3, Tombstone: true},
		}},
	}
	desc := writeTestSegment(t, dir, 1, rows)

	r, err := Open(desc)
	require.NoError(t, err)
	defer r.Retire(func() {})

	assert.EqualValues(t, 2, r.Stats().PartitionCount)
	assert.EqualValues(t, 3, r.Stats().CellCount)
	assert.EqualValues(t, 1, r.Stats().TombstoneCount)
	assert.EqualValues(t, 1, r.Stats().MinTimestamp)
	assert.EqualValues(t, 3, r.Stats().MaxTimestamp)

	cells, found, err := r.Partition([]byte("pa"))
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cells, 2)
	assert.Equal(t, []byte("v1"), cells[0].Value)
	assert.Equal(t, []byte("v2"), cells[1].Value)

	cells, found, err = r.Partition([]byte("pb"))
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cells, 1)
	assert.True(t, cells[0].Tombstone)

	_, found, err = r.Partition([]byte("pz"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMayContain(t *testing.T) {
	dir := t.TempDir()
	desc := writeTestSegment(t, dir, 1, []types.PartitionRows{
		{Key: []byte("m"), Cells: []types.Cell{{Clustering: []byte("c"), Value: []byte("v"), Timestamp: 1}}},
	})

	r, err := Open(desc)
	require.NoError(t, err)
	defer r.Retire(func() {})

	assert.True(t, r.MayContain([]byte("m")))
	// outside the key range is an exact miss
	assert.False(t, r.MayContain([]byte("a")))
	assert.False(t, r.MayContain([]byte("z")))
}

func TestIterator(t *testing.T) {
	dir := t.TempDir()
	var rows []types.PartitionRows
	for i := 0; i < 20; i++ {
		rows = append(rows, types.PartitionRows{
			Key: []byte(fmt.Sprintf("p%02d", i)),
			Cells: []types.Cell{
				{Clustering: []byte("c"), Value: []byte(fmt.Sprintf("v%d", i)), Timestamp: int64(i)},
			},
		})
	}
	desc := writeTestSegment(t, dir, 1, rows)

	r, err := Open(desc)
	require.NoError(t, err)
	defer r.Retire(func() {})

	it, err := r.Iter()
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < 20; i++ {
		pr, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, rows[i].Key, pr.Key)
		assert.Equal(t, rows[i].Cells[0].Value, pr.Cells[0].Value)
	}
	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestOpenCorruptStatistics(t *testing.T) {
	dir := t.TempDir()
	desc := writeTestSegment(t, dir, 1, []types.PartitionRows{
		{Key: []byte("p"), Cells: []types.Cell{{Clustering: []byte("c"), Value: []byte("v"), Timestamp: 1}}},
	})

	require.NoError(t, os.WriteFile(desc.Path(ComponentStatistics), []byte("{not json"), 0o640))

	_, err := Open(desc)
	assert.ErrorIs(t, err, dberrors.ErrCorruptSegment)
}

func TestOpenTruncatedIndex(t *testing.T) {
	dir := t.TempDir()
	desc := writeTestSegment(t, dir, 1, []types.PartitionRows{
		{Key: []byte("p"), Cells: []types.Cell{{Clustering: []byte("c"), Value: []byte("v"), Timestamp: 1}}},
	})

	data, err := os.ReadFile(desc.Path(ComponentIndex))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(desc.Path(ComponentIndex), data[:len(data)-3], 0o640))

	_, err = Open(desc)
	assert.ErrorIs(t, err, dberrors.ErrCorruptSegment)
}

func TestDiscardRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	desc := Descriptor{Dir: dir, Table: "standard1", Generation: 9}
	w, err := NewWriter(desc, 1, 0.01)
	require.NoError(t, err)
	require.NoError(t, w.Append(types.PartitionRows{
		Key:   []byte("p"),
		Cells: []types.Cell{{Clustering: []byte("c"), Value: []byte("v"), Timestamp: 1}},
	}))
	require.NoError(t, w.Discard())

	for _, path := range desc.Paths() {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "expected %s to be gone", path)
	}
}

func TestRefCounting(t *testing.T) {
	dir := t.TempDir()
	desc := writeTestSegment(t, dir, 1, []types.PartitionRows{
		{Key: []byte("p"), Cells: []types.Cell{{Clustering: []byte("c"), Value: []byte("v"), Timestamp: 1}}},
	})

	r, err := Open(desc)
	require.NoError(t, err)

	require.True(t, r.Ref())

	released := false
	r.Retire(func() { released = true })
	// a pinned reference keeps the hook from firing
	assert.False(t, released)

	// reads still served while pinned
	_, found, err := r.Partition([]byte("p"))
	require.NoError(t, err)
	assert.True(t, found)

	r.Unref()
	assert.True(t, released)

	// the last reference is gone; new pins must fail
	assert.False(t, r.Ref())
}

func TestBloomFilterRoundtrip(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	for i := 0; i < 100; i++ {
		bf.Add([]byte(fmt.Sprintf("key%d", i)))
	}

	got, err := UnmarshalBloom(bf.Marshal())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		assert.True(t, got.MayContain([]byte(fmt.Sprintf("key%d", i))))
	}

	misses := 0
	for i := 0; i < 1000; i++ {
		if !got.MayContain([]byte(fmt.Sprintf("other%d", i))) {
			misses++
		}
	}
	// false positive rate should stay in the neighborhood of the target
	assert.Greater(t, misses, 900)
}
