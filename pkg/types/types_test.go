package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellSupersedes(t *testing.T) {
	older := Cell{Clustering: []byte("c"), Value: []byte("v1"), Timestamp: 1}
	newer := Cell{Clustering: []byte("c"), Value: []byte("v2"), Timestamp: 2}

	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))

	// on a timestamp tie the tombstone wins
	live := Cell{Clustering: []byte("c"), Value: []byte("v"), Timestamp: 5}
	dead := Cell{Clustering: []byte("c"), Timestamp: 5, Tombstone: true}
	assert.True(t, dead.Supersedes(live))
	assert.False(t, live.Supersedes(dead))
	assert.False(t, dead.Supersedes(dead))
}

func TestMergeCells(t *testing.T) {
	t.Run("NewestWinsAcrossLists", func(t *testing.T) {
		merged := MergeCells([][]Cell{
			{
				{Clustering: []byte("a"), Value: []byte("old"), Timestamp: 1},
				{Clustering: []byte("b"), Value: []byte("keep"), Timestamp: 1},
			},
			{
				{Clustering: []byte("a"), Value: []byte("new"), Timestamp: 9},
			},
		})

		assert.Len(t, merged, 2)
		assert.Equal(t, []byte("new"), merged[0].Value)
		assert.Equal(t, []byte("keep"), merged[1].Value)
	})

	t.Run("TombstoneShadowsOlderValue", func(t *testing.T) {
		merged := MergeCells([][]Cell{
			{{Clustering: []byte("a"), Value: []byte("v"), Timestamp: 1}},
			{{Clustering: []byte("a"), Timestamp: 2, Tombstone: true}},
		})

		assert.Len(t, merged, 1)
		assert.True(t, merged[0].Tombstone)
	})

	t.Run("ClusteringOrder", func(t *testing.T) {
		merged := MergeCells([][]Cell{
			{{Clustering: []byte("b"), Timestamp: 1}},
			{{Clustering: []byte("a"), Timestamp: 1}},
			{{Clustering: []byte("c"), Timestamp: 1}},
		})

		assert.Len(t, merged, 3)
		assert.Equal(t, []byte("a"), merged[0].Clustering)
		assert.Equal(t, []byte("b"), merged[1].Clustering)
		assert.Equal(t, []byte("c"), merged[2].Clustering)
	})
}
