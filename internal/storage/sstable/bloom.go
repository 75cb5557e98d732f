package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"os"
)

// BloomFilter answers "definitely absent" for point reads so that most
// segment files are never touched.
type BloomFilter struct {
	bits      []bool
	size      uint64
	hashCount uint64
}

// NewBloomFilter sizes a filter for the expected element count and false
// positive rate.
func NewBloomFilter(expectedElements int, falsePositiveRate float64) *BloomFilter {
	size := uint64(-float64(expectedElements) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 1
	}
	hashCount := uint64(float64(size) / float64(expectedElements) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	return &BloomFilter{
		bits:      make([]bool, size),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key.
func (bf *BloomFilter) Add(key string) {
	for _, h := range bf.hashes(key) {
		bf.bits[h%bf.size] = true
	}
}

// MayContain reports whether key might be present.
func (bf *BloomFilter) MayContain(key string) bool {
	for _, h := range bf.hashes(key) {
		if !bf.bits[h%bf.size] {
			return false
		}
	}
	return true
}

// hashes derives k probe positions by double hashing.
func (bf *BloomFilter) hashes(key string) []uint64 {
	h := fnv.New64()
	h.Write([]byte(key))
	h1 := h.Sum64()

	h.Reset()
	h.Write([]byte(key))
	h.Write([]byte{0xff})
	h2 := h.Sum64()

	out := make([]uint64, bf.hashCount)
	for i := uint64(0); i < bf.hashCount; i++ {
		out[i] = h1 + i*h2
	}
	return out
}

// WriteTo serializes the filter.
func (bf *BloomFilter) WriteTo(file *os.File) error {
	if err := binary.Write(file, binary.LittleEndian, bf.size); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, bf.hashCount); err != nil {
		return err
	}
	packed := make([]byte, (bf.size+7)/8)
	for i := uint64(0); i < bf.size; i++ {
		if bf.bits[i] {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	_, err := file.Write(packed)
	return err
}

// LoadBloomFilter reads a filter back from disk.
func LoadBloomFilter(path string) (*BloomFilter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bf := &BloomFilter{}
	if err := binary.Read(file, binary.LittleEndian, &bf.size); err != nil {
		return nil, err
	}
	if err := binary.Read(file, binary.LittleEndian, &bf.hashCount); err != nil {
		return nil, err
	}
	packed := make([]byte, (bf.size+7)/8)
	if _, err := io.ReadFull(file, packed); err != nil {
		return nil, err
	}
	bf.bits = make([]bool, bf.size)
	for i := uint64(0); i < bf.size; i++ {
		bf.bits[i] = packed[i/8]&(1<<(i%8)) != 0
	}
	return bf, nil
}
