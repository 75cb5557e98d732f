package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lminervino18/rustic-airlines/internal/model"
	"go.uber.org/zap"
)

// logRecord is one durable write-ahead entry, a JSON line per record.
type logRecord struct {
	Seq      uint64     `json:"seq"`
	Key      string     `json:"key"`
	Row      *model.Row `json:"row"`
	Checksum uint32     `json:"crc"`
}

func (r *logRecord) computeChecksum() uint32 {
	data, _ := json.Marshal(r.Row)
	return crc32.ChecksumIEEE(append([]byte(r.Key), data...))
}

// CommitLog is the write-ahead log. Every mutation is appended (and
// optionally fsynced) before it is acknowledged; recovery replays surviving
// segments into the memtable, where last-write-wins merging makes replay
// idempotent.
type CommitLog struct {
	dir         string
	segmentSize int64
	syncWrites  bool
	logger      *zap.Logger

	mu        sync.Mutex
	file      *os.File
	segmentID uint64
	seq       uint64
	written   int64
}

// NewCommitLog opens the log directory and starts a fresh segment after the
// highest existing one.
func NewCommitLog(dir string, segmentSize int64, syncWrites bool, logger *zap.Logger) (*CommitLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	cl := &CommitLog{
		dir:         dir,
		segmentSize: segmentSize,
		syncWrites:  syncWrites,
		logger:      logger,
	}

	ids, err := cl.segmentIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		cl.segmentID = ids[len(ids)-1]
	}
	if err := cl.openNextSegment(); err != nil {
		return nil, err
	}
	return cl, nil
}

// Append durably records a mutation before it is applied. Failures here are
// surfaced as WriteFailed by the caller.
func (cl *CommitLog) Append(key string, row *model.Row) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.seq++
	rec := &logRecord{Seq: cl.seq, Key: key, Row: row}
	rec.Checksum = rec.computeChecksum()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal log record: %w", err)
	}
	data = append(data, '\n')

	n, err := cl.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to append to commit log: %w", err)
	}
	if cl.syncWrites {
		if err := cl.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}

	cl.written += int64(n)
	if cl.written >= cl.segmentSize {
		if err := cl.openNextSegment(); err != nil {
			return err
		}
	}
	return nil
}

// Rotate closes the active segment and opens a new one, returning the id of
// the segment that was sealed. The engine rotates before a memtable flush so
// it knows which segments the flushed data covers.
func (cl *CommitLog) Rotate() (uint64, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	sealed := cl.segmentID
	if err := cl.openNextSegment(); err != nil {
		return 0, err
	}
	return sealed, nil
}

// PurgeThrough deletes every sealed segment with id <= through. Called after
// a flush has made the covered mutations durable in a segment file.
func (cl *CommitLog) PurgeThrough(through uint64) error {
	cl.mu.Lock()
	active := cl.segmentID
	cl.mu.Unlock()

	ids, err := cl.segmentIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id > through || id == active {
			continue
		}
		path := cl.segmentPath(id)
		if err := os.Remove(path); err != nil {
			cl.logger.Warn("failed to remove commit log segment", zap.String("path", path), zap.Error(err))
			continue
		}
		cl.logger.Debug("purged commit log segment", zap.Uint64("segment", id))
	}
	return nil
}

// Recover replays all segments in order, feeding each surviving record to
// apply. Torn or corrupt records at the tail are skipped.
func (cl *CommitLog) Recover(apply func(key string, row *model.Row)) error {
	ids, err := cl.segmentIDs()
	if err != nil {
		return err
	}

	recovered := 0
	for _, id := range ids {
		file, err := os.Open(cl.segmentPath(id))
		if err != nil {
			return fmt.Errorf("failed to open commit log segment: %w", err)
		}
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var rec logRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				cl.logger.Warn("skipping unparseable commit log record", zap.Uint64("segment", id), zap.Error(err))
				continue
			}
			if rec.computeChecksum() != rec.Checksum {
				cl.logger.Warn("skipping corrupt commit log record",
					zap.Uint64("segment", id), zap.Uint64("seq", rec.Seq))
				continue
			}
			apply(rec.Key, rec.Row)
			if rec.Seq > cl.seq {
				cl.seq = rec.Seq
			}
			recovered++
		}
		file.Close()
		if err := scanner.Err(); err != nil {
			cl.logger.Warn("commit log segment ended early", zap.Uint64("segment", id), zap.Error(err))
		}
	}

	cl.logger.Info("commit log recovery completed", zap.Int("records", recovered))
	return nil
}

// Close closes the active segment.
func (cl *CommitLog) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file != nil {
		return cl.file.Close()
	}
	return nil
}

func (cl *CommitLog) openNextSegment() error {
	if cl.file != nil {
		cl.file.Close()
	}
	cl.segmentID++
	file, err := os.OpenFile(cl.segmentPath(cl.segmentID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open commit log segment: %w", err)
	}
	cl.file = file
	cl.written = 0
	cl.logger.Debug("opened commit log segment", zap.Uint64("segment", cl.segmentID))
	return nil
}

func (cl *CommitLog) segmentPath(id uint64) string {
	return filepath.Join(cl.dir, fmt.Sprintf("commitlog-%020d.log", id))
}

func (cl *CommitLog) segmentIDs() ([]uint64, error) {
	paths, err := filepath.Glob(filepath.Join(cl.dir, "commitlog-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log segments: %w", err)
	}
	ids := make([]uint64, 0, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".log")
		name = strings.TrimPrefix(name, "commitlog-")
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
