package compaction

import (
	"sort"

	"tablestore/pkg/segment"
)

// Strategy selects which visible segments are worth merging. It is policy,
// not mechanism: any selection is safe because the lifecycle transaction
// claim check rejects overlapping picks before a merge starts.
type Strategy interface {
	Select(segments []*segment.Reader) []*segment.Reader
}

// SizeTiered groups segments of similar size and proposes the fullest
// bucket once it reaches MinThreshold members.
type SizeTiered struct {
	MinThreshold int
	MaxThreshold int
	BucketLow    float64
	BucketHigh   float64
}

func NewSizeTiered(minThreshold, maxThreshold int) SizeTiered {
	return SizeTiered{
		MinThreshold: minThreshold,
		MaxThreshold: maxThreshold,
		BucketLow:    0.5,
		BucketHigh:   1.5,
	}
}

func (s SizeTiered) Select(segments []*segment.Reader) []*segment.Reader {
	if len(segments) < s.MinThreshold {
		return nil
	}

	sorted := make([]*segment.Reader, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ApproximateSize() < sorted[j].ApproximateSize()
	})

	var buckets [][]*segment.Reader
	for _, r := range sorted {
		size := float64(r.ApproximateSize())
		placed := false
		for i, bucket := range buckets {
			avg := bucketAvg(bucket)
			if size >= avg*s.BucketLow && size <= avg*s.BucketHigh {
				buckets[i] = append(bucket, r)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, []*segment.Reader{r})
		}
	}

	var best []*segment.Reader
	for _, bucket := range buckets {
		if len(bucket) >= s.MinThreshold && len(bucket) > len(best) {
			best = bucket
		}
	}
	if s.MaxThreshold > 0 && len(best) > s.MaxThreshold {
		best = best[:s.MaxThreshold]
	}
	return best
}

func bucketAvg(bucket []*segment.Reader) float64 {
	var total int64
	for _, r := range bucket {
		total += r.ApproximateSize()
	}
	return float64(total) / float64(len(bucket))
}
