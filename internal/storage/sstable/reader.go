package sstable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lminervino18/rustic-airlines/internal/model"
)

// Reader serves point and prefix reads from one immutable segment. The
// index is held in memory sorted by key; the bloom filter short-circuits
// point reads for absent keys.
//
// Readers are reference counted: the owner's reference is taken at open and
// every in-flight scan holds one more, so a segment retired by compaction
// stays readable until its last scan releases it.
type Reader struct {
	path  string
	index []IndexEntry // ascending by key
	bloom *BloomFilter

	refs     atomic.Int32
	obsolete atomic.Bool

	mu       sync.Mutex // guards seeks on dataFile
	dataFile *os.File
}

// NewReader opens the segment at basePath.
func NewReader(basePath string) (*Reader, error) {
	dataFile, err := os.Open(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment data file: %w", err)
	}
	r := &Reader{path: basePath, dataFile: dataFile}

	if err := r.loadIndex(basePath + ".idx"); err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to load segment index: %w", err)
	}
	bloom, err := LoadBloomFilter(basePath + ".bloom")
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to load segment bloom filter: %w", err)
	}
	r.bloom = bloom
	r.refs.Store(1)
	return r, nil
}

func (r *Reader) loadIndex(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	for {
		var keyLen int32
		if err := binary.Read(file, binary.LittleEndian, &keyLen); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(file, keyBytes); err != nil {
			return err
		}
		entry := IndexEntry{Key: string(keyBytes)}
		if err := binary.Read(file, binary.LittleEndian, &entry.Offset); err != nil {
			return err
		}
		if err := binary.Read(file, binary.LittleEndian, &entry.Size); err != nil {
			return err
		}
		if err := binary.Read(file, binary.LittleEndian, &entry.Checksum); err != nil {
			return err
		}
		r.index = append(r.index, entry)
	}
}

// Get returns the row stored under key, or nil when absent.
func (r *Reader) Get(key string) (*model.Row, error) {
	if !r.bloom.MayContain(key) {
		return nil, nil
	}
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Key >= key })
	if i >= len(r.index) || r.index[i].Key != key {
		return nil, nil
	}
	return r.readAt(r.index[i])
}

// ScanPrefix visits, in key order, every row whose key starts with prefix.
func (r *Reader) ScanPrefix(prefix string, visit func(key string, row *model.Row) bool) error {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Key >= prefix })
	for ; i < len(r.index); i++ {
		if !strings.HasPrefix(r.index[i].Key, prefix) {
			return nil
		}
		row, err := r.readAt(r.index[i])
		if err != nil {
			return err
		}
		if !visit(r.index[i].Key, row) {
			return nil
		}
	}
	return nil
}

// Count returns the number of rows in the segment.
func (r *Reader) Count() int { return len(r.index) }

// Path returns the segment's data file path.
func (r *Reader) Path() string { return r.path }

func (r *Reader) readAt(entry IndexEntry) (*model.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.dataFile.Seek(entry.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek segment: %w", err)
	}
	var size int32
	if err := binary.Read(r.dataFile, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read record size: %w", err)
	}
	var checksum uint32
	if err := binary.Read(r.dataFile, binary.LittleEndian, &checksum); err != nil {
		return nil, fmt.Errorf("failed to read record checksum: %w", err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r.dataFile, data); err != nil {
		return nil, fmt.Errorf("failed to read record data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, fmt.Errorf("segment record corrupt for key %s", entry.Key)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec.Row, nil
}

// Retain takes a reference for an in-flight scan.
func (r *Reader) Retain() {
	r.refs.Add(1)
}

// Release drops one reference. The last release closes the data file and,
// for segments retired by compaction, removes the files from disk.
func (r *Reader) Release() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	err := r.dataFile.Close()
	if r.obsolete.Load() {
		if e := r.removeFiles(); err == nil {
			err = e
		}
	}
	return err
}

// MarkObsolete flags the segment as replaced by compaction: its files are
// removed once the last reference is released.
func (r *Reader) MarkObsolete() {
	r.obsolete.Store(true)
}

func (r *Reader) removeFiles() error {
	var err error
	for _, suffix := range []string{"", ".idx", ".bloom"} {
		if e := os.Remove(r.path + suffix); e != nil && !os.IsNotExist(e) {
			err = e
		}
	}
	return err
}
