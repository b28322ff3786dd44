package segment

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// BloomFilter is the membership filter persisted as a segment's filter
// component. Negative answers are exact; positives may be false at the
// configured rate.
type BloomFilter struct {
	bits []byte
	m    uint64
	k    int
}

// NewBloomFilter sizes a filter for the expected key count and false
// positive rate.
func NewBloomFilter(expectedKeys int, fpRate float64) *BloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n*ln(p)/ln(2)^2, k = m/n*ln(2)
	n := float64(expectedKeys)
	m := uint64(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := int(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 12 {
		k = 12
	}

	return &BloomFilter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

func (f *BloomFilter) hashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	a := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	b := h2.Sum64() | 1

	return a, b
}

func (f *BloomFilter) Add(key []byte) {
	a, b := f.hashes(key)
	for i := 0; i < f.k; i++ {
		idx := (a + uint64(i)*b) % f.m
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

func (f *BloomFilter) MayContain(key []byte) bool {
	a, b := f.hashes(key)
	for i := 0; i < f.k; i++ {
		idx := (a + uint64(i)*b) % f.m
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Marshal serializes the filter for the filter component file.
func (f *BloomFilter) Marshal() []byte {
	out := make([]byte, 12+len(f.bits))
	binary.LittleEndian.PutUint64(out[0:8], f.m)
	binary.LittleEndian.PutUint32(out[8:12], uint32(f.k))
	copy(out[12:], f.bits)
	return out
}

// UnmarshalBloom reads a filter back from its on-disk form.
func UnmarshalBloom(data []byte) (*BloomFilter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("bloom filter too short: %d bytes", len(data))
	}
	m := binary.LittleEndian.Uint64(data[0:8])
	k := int(binary.LittleEndian.Uint32(data[8:12]))
	bits := data[12:]
	if uint64(len(bits)) != (m+7)/8 || k < 1 {
		return nil, fmt.Errorf("bloom filter malformed: m=%d k=%d bits=%d", m, k, len(bits))
	}
	return &BloomFilter{bits: bits, m: m, k: k}, nil
}
