package types

import (
	"bytes"
	"sort"
)

// MergeCells reconciles cells from several sources (buffers, segments) for
// one partition: per clustering key the superseding cell wins, regardless
// of which source it came from. Input lists must each be sorted by
// clustering key; the result is too. Tombstones are kept — dropping them
// is the caller's policy.
func MergeCells(lists [][]Cell) []Cell {
	switch len(lists) {
	case 0:
		return nil
	case 1:
		return lists[0]
	}

	var all []Cell
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return KeyLess(all[i].Clustering, all[j].Clustering)
	})

	out := all[:0]
	for _, cell := range all {
		if len(out) > 0 && bytes.Equal(out[len(out)-1].Clustering, cell.Clustering) {
			if cell.Supersedes(out[len(out)-1]) {
				out[len(out)-1] = cell
			}
			continue
		}
		out = append(out, cell)
	}
	return out
}
