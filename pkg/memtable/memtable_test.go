package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/pkg/types"
)

func TestApplyAndGet(t *testing.T) {
	mt := New(1 << 20)

	err := mt.Apply(types.Mutation{
		Partition:  []byte("p1"),
		Clustering: []byte("c1"),
		Value:      []byte("v1"),
		Timestamp:  1,
	})
	require.NoError(t, err)

	cell, found := mt.Get([]byte("p1"), []byte("c1"))
	require.True(t, found)
	assert.Equal(t, []byte("v1"), cell.Value)

	_, found = mt.Get([]byte("p1"), []byte("nope"))
	assert.False(t, found)
	_, found = mt.Get([]byte("nope"), []byte("c1"))
	assert.False(t, found)
}

func TestStaleWriteDoesNotClobber(t *testing.T) {
	mt := New(1 << 20)

	require.NoError(t, mt.Apply(types.Mutation{
		Partition: []byte("p"), Clustering: []byte("c"), Value: []byte("new"), Timestamp: 10,
	}))
	require.NoError(t, mt.Apply(types.Mutation{
		Partition: []byte("p"), Clustering: []byte("c"), Value: []byte("old"), Timestamp: 5,
	}))

	cell, found := mt.Get([]byte("p"), []byte("c"))
	require.True(t, found)
	assert.Equal(t, []byte("new"), cell.Value)
	assert.EqualValues(t, 10, cell.Timestamp)
}

func TestTombstoneWinsTimestampTie(t *testing.T) {
	mt := New(1 << 20)

	require.NoError(t, mt.Apply(types.Mutation{
		Partition: []byte("p"), Clustering: []byte("c"), Value: []byte("v"), Timestamp: 7,
	}))
	require.NoError(t, mt.Apply(types.Mutation{
		Partition: []byte("p"), Clustering: []byte("c"), Timestamp: 7, Tombstone: true,
	}))

	cell, found := mt.Get([]byte("p"), []byte("c"))
	require.True(t, found)
	assert.True(t, cell.Tombstone)
}

func TestFreezeRejectsWrites(t *testing.T) {
	mt := New(1 << 20)
	require.NoError(t, mt.Apply(types.Mutation{
		Partition: []byte("p"), Clustering: []byte("c"), Value: []byte("v"), Timestamp: 1,
	}))

	mt.Freeze()

	err := mt.Apply(types.Mutation{
		Partition: []byte("p"), Clustering: []byte("c2"), Value: []byte("v"), Timestamp: 2,
	})
	assert.ErrorIs(t, err, ErrFrozen)

	// reads still work on a frozen buffer
	_, found := mt.Get([]byte("p"), []byte("c"))
	assert.True(t, found)
}

func TestTooLargeEntry(t *testing.T) {
	mt := New(16)
	err := mt.Apply(types.Mutation{
		Partition:  []byte("p"),
		Clustering: []byte("c"),
		Value:      make([]byte, 64),
		Timestamp:  1,
	})
	assert.ErrorIs(t, err, ErrTooLargeEntry)
}

func TestSortedOrder(t *testing.T) {
	mt := New(1 << 20)
	for _, pk := range []string{"pc", "pa", "pb"} {
		for _, ck := range []string{"c2", "c1"} {
			require.NoError(t, mt.Apply(types.Mutation{
				Partition:  []byte(pk),
				Clustering: []byte(ck),
				Value:      []byte(pk + ck),
				Timestamp:  1,
			}))
		}
	}
	mt.Freeze()

	rows := mt.Sorted()
	require.Len(t, rows, 3)
	assert.Equal(t, []byte("pa"), rows[0].Key)
	assert.Equal(t, []byte("pb"), rows[1].Key)
	assert.Equal(t, []byte("pc"), rows[2].Key)
	for _, pr := range rows {
		require.Len(t, pr.Cells, 2)
		assert.Equal(t, []byte("c1"), pr.Cells[0].Clustering)
		assert.Equal(t, []byte("c2"), pr.Cells[1].Clustering)
	}
}

func TestConcurrentWriters(t *testing.T) {
	mt := New(1 << 30)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				err := mt.Apply(types.Mutation{
					Partition:  []byte(fmt.Sprintf("p%d", i%10)),
					Clustering: []byte(fmt.Sprintf("c%d-%d", w, i)),
					Value:      []byte("v"),
					Timestamp:  int64(i),
				})
				if err != nil {
					t.Errorf("Apply failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 10, mt.PartitionCount())
	total := 0
	for _, pr := range mt.Sorted() {
		total += len(pr.Cells)
	}
	assert.Equal(t, 800, total)
}

func TestRacingWritersReconcileByTimestamp(t *testing.T) {
	mt := New(1 << 30)

	// pairs of writers race an older and a newer timestamp onto the same
	// fresh cell; the newer one must win every time regardless of which
	// writer's store lands last
	for i := 0; i < 2000; i++ {
		ck := []byte(fmt.Sprintf("c%d", i))
		var start, wg sync.WaitGroup
		start.Add(1)
		for _, m := range []types.Mutation{
			{Partition: []byte("p"), Clustering: ck, Value: []byte("old"), Timestamp: 1},
			{Partition: []byte("p"), Clustering: ck, Value: []byte("new"), Timestamp: 2},
		} {
			wg.Add(1)
			go func(m types.Mutation) {
				defer wg.Done()
				start.Wait()
				if err := mt.Apply(m); err != nil {
					t.Errorf("Apply failed: %v", err)
				}
			}(m)
		}
		start.Done()
		wg.Wait()

		cell, found := mt.Get([]byte("p"), ck)
		require.True(t, found)
		require.Equal(t, []byte("new"), cell.Value, "clustering %s", ck)
		require.EqualValues(t, 2, cell.Timestamp)
	}
}

func TestShouldFlush(t *testing.T) {
	mt := New(64)
	assert.False(t, mt.ShouldFlush())
	assert.True(t, mt.Empty())

	require.NoError(t, mt.Apply(types.Mutation{
		Partition:  []byte("p"),
		Clustering: []byte("c"),
		Value:      make([]byte, 60),
		Timestamp:  1,
	}))

	assert.True(t, mt.ShouldFlush())
	assert.False(t, mt.Empty())
	assert.NotZero(t, mt.ApproximateSize())
}
