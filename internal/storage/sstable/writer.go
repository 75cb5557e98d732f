package sstable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/lminervino18/rustic-airlines/internal/model"
)

// IndexEntry locates one row inside a segment's data file.
type IndexEntry struct {
	Key      string
	Offset   int64
	Size     int32
	Checksum uint32
}

// record is the persisted form of one row.
type record struct {
	Key string     `json:"key"`
	Row *model.Row `json:"row"`
}

// Writer produces one immutable segment: a data file, an index file, and a
// bloom filter file. Entries must be written in ascending key order, which a
// memtable flush provides naturally.
type Writer struct {
	dataFile  *os.File
	indexFile *os.File
	bloomFile *os.File
	offset    int64
	lastKey   string
	index     []IndexEntry
	bloom     *BloomFilter
}

// NewWriter creates the three segment files at basePath.
func NewWriter(basePath string, expectedEntries int, bloomFP float64) (*Writer, error) {
	dataFile, err := os.Create(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment data file: %w", err)
	}
	indexFile, err := os.Create(basePath + ".idx")
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to create segment index file: %w", err)
	}
	bloomFile, err := os.Create(basePath + ".bloom")
	if err != nil {
		dataFile.Close()
		indexFile.Close()
		return nil, fmt.Errorf("failed to create segment bloom file: %w", err)
	}
	if expectedEntries <= 0 {
		expectedEntries = 1
	}
	return &Writer{
		dataFile:  dataFile,
		indexFile: indexFile,
		bloomFile: bloomFile,
		bloom:     NewBloomFilter(expectedEntries, bloomFP),
	}, nil
}

// Write appends one row under its storage key.
func (w *Writer) Write(key string, row *model.Row) error {
	if w.lastKey != "" && key <= w.lastKey {
		return fmt.Errorf("segment keys out of order: %q after %q", key, w.lastKey)
	}
	w.lastKey = key

	data, err := json.Marshal(&record{Key: key, Row: row})
	if err != nil {
		return fmt.Errorf("failed to marshal segment record: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)
	size := int32(len(data))

	if err := binary.Write(w.dataFile, binary.LittleEndian, size); err != nil {
		return fmt.Errorf("failed to write record size: %w", err)
	}
	if err := binary.Write(w.dataFile, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	n, err := w.dataFile.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		Key:      key,
		Offset:   w.offset,
		Size:     size,
		Checksum: checksum,
	})
	w.bloom.Add(key)
	w.offset += int64(8 + n)
	return nil
}

// Finalize writes the index and bloom filter and syncs everything. A segment
// is only visible to readers after Finalize succeeds.
func (w *Writer) Finalize() error {
	for _, entry := range w.index {
		if err := w.writeIndexEntry(entry); err != nil {
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}
	if err := w.bloom.WriteTo(w.bloomFile); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}
	for _, file := range []*os.File{w.dataFile, w.indexFile, w.bloomFile} {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("failed to sync segment file: %w", err)
		}
	}
	return nil
}

func (w *Writer) writeIndexEntry(entry IndexEntry) error {
	if err := binary.Write(w.indexFile, binary.LittleEndian, int32(len(entry.Key))); err != nil {
		return err
	}
	if _, err := w.indexFile.Write([]byte(entry.Key)); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Offset); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Size); err != nil {
		return err
	}
	return binary.Write(w.indexFile, binary.LittleEndian, entry.Checksum)
}

// Count returns the number of rows written.
func (w *Writer) Count() int { return len(w.index) }

// Close closes the segment files.
func (w *Writer) Close() error {
	var err error
	for _, file := range []*os.File{w.dataFile, w.indexFile, w.bloomFile} {
		if e := file.Close(); e != nil {
			err = e
		}
	}
	return err
}
