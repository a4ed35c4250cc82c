package emberkv

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a fixed-size bit array with k hash probes per spec.md §4.3.
// Probe positions are |h1 + i*h2| mod m for i in [0, k). h1 and h2 are two
// independent base hashes of the key; this uses xxhash.Sum64 of the key and
// of the key with a fixed salt string appended, rather than a hand-rolled hash (see
// DESIGN.md).
type BloomFilter struct {
	bits  []uint64
	m     uint64
	k     uint64
	added uint64
}

// NewBloomFilter allocates a filter with m bits and k hash functions.
func NewBloomFilter(m, k uint64) *BloomFilter {
	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}
	return &BloomFilter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// NewBloomFilterForRun sizes a filter for n expected entries using the
// run-construction rule from spec.md §4.2: m = 10*n bits, k = 3.
func NewBloomFilterForRun(n int) *BloomFilter {
	if n < 1 {
		n = 1
	}
	return NewBloomFilter(uint64(n)*10, 3)
}

func (bf *BloomFilter) hashes(key string) (uint64, uint64) {
	h1 := xxhash.Sum64String(key)
	h2 := xxhash.Sum64String(key + "\x00emberkv-salt")
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Add records key as (probably) present.
func (bf *BloomFilter) Add(key string) {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.m
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
	bf.added++
}

// Contains returns false authoritatively (the key is definitely absent) or
// true meaning "maybe present" per spec.md §4.2.
func (bf *BloomFilter) Contains(key string) bool {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.m
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// EstimatedFPRate computes (1 - exp(-k*n/m))^k per spec.md §4.3.
func (bf *BloomFilter) EstimatedFPRate() float64 {
	if bf.m == 0 {
		return 1
	}
	exponent := -float64(bf.k) * float64(bf.added) / float64(bf.m)
	inner := 1 - math.Exp(exponent)
	return math.Pow(inner, float64(bf.k))
}

// Marshal serializes the filter as (bits, k, m) per spec.md §4.3.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 24+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.m)
	binary.LittleEndian.PutUint64(buf[8:16], bf.k)
	binary.LittleEndian.PutUint64(buf[16:24], bf.added)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[24+i*8:24+(i+1)*8], word)
	}
	return buf
}

// UnmarshalBloomFilter reconstructs a filter previously produced by Marshal.
func UnmarshalBloomFilter(buf []byte) *BloomFilter {
	if len(buf) < 24 {
		return nil
	}
	bf := &BloomFilter{
		m:     binary.LittleEndian.Uint64(buf[0:8]),
		k:     binary.LittleEndian.Uint64(buf[8:16]),
		added: binary.LittleEndian.Uint64(buf[16:24]),
	}
	words := (len(buf) - 24) / 8
	bf.bits = make([]uint64, words)
	for i := 0; i < words; i++ {
		bf.bits[i] = binary.LittleEndian.Uint64(buf[24+i*8 : 24+(i+1)*8])
	}
	return bf
}
