package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/storage/memtable"
	"github.com/lminervino18/rustic-airlines/internal/storage/sstable"
	"go.uber.org/zap"
)

// sectionSep separates keyspace, table, partition key, and clustering key in
// a storage key. It differs from model.KeySeparator so composite partition
// keys can never alias a neighboring partition's prefix.
const sectionSep = "\x01"

const bloomFalsePositiveRate = 0.01

// lockStripes is the number of partition lock stripes.
const lockStripes = 128

// Config tunes the engine; see config.StorageConfig for the YAML mapping.
type Config struct {
	DataDir            string
	CommitLogSegment   int64
	CommitLogSync      bool
	MemtableFlushBytes int64
	FlushInterval      time.Duration
	CompactionInterval time.Duration
	CompactionTrigger  int
	TombstoneGCGrace   time.Duration
}

// Engine is the per-node durable store. It is strictly local: no replica or
// network awareness. Mutations go commit log first, then memtable; reads
// merge the memtable with on-disk segments under last-write-wins, honoring
// tombstones. Locking is per partition stripe, so unrelated partitions
// proceed independently.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	commitLog *CommitLog

	mu       sync.RWMutex // guards memtable swap and segment list
	active   *memtable.SkipList
	flushing *memtable.SkipList
	segments []*sstable.Reader // oldest first

	flushMu    sync.Mutex // serializes flushes and compactions
	segmentSeq uint64

	locks [lockStripes]sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StorageKey builds the engine key for a row identity.
func StorageKey(keyspace, table, partitionKey, clusteringKey string) string {
	return keyspace + sectionSep + table + sectionSep + partitionKey + sectionSep + clusteringKey
}

// PartitionPrefix is the common prefix of every row in a partition.
func PartitionPrefix(keyspace, table, partitionKey string) string {
	return keyspace + sectionSep + table + sectionSep + partitionKey + sectionSep
}

// TablePrefix is the common prefix of every row in a table.
func TablePrefix(keyspace, table string) string {
	return keyspace + sectionSep + table + sectionSep
}

// KeyspacePrefix is the common prefix of every row in a keyspace.
func KeyspacePrefix(keyspace string) string {
	return keyspace + sectionSep
}

// SplitStorageKey decomposes an engine key back into its row identity.
func SplitStorageKey(key string) (keyspace, table, partitionKey, clusteringKey string, ok bool) {
	parts := strings.SplitN(key, sectionSep, 4)
	if len(parts) != 4 {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], true
}

// NewEngine opens (or creates) the data directory, loads existing segments,
// and replays the commit log into a fresh memtable.
func NewEngine(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	segDir := filepath.Join(cfg.DataDir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	commitLog, err := NewCommitLog(filepath.Join(cfg.DataDir, "commitlog"), cfg.CommitLogSegment, cfg.CommitLogSync, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		commitLog: commitLog,
		active:    memtable.New(),
		stopCh:    make(chan struct{}),
	}

	if err := e.loadSegments(segDir); err != nil {
		commitLog.Close()
		return nil, err
	}

	if err := commitLog.Recover(func(key string, row *model.Row) {
		e.active.Apply(key, row)
	}); err != nil {
		commitLog.Close()
		return nil, fmt.Errorf("commit log recovery failed: %w", err)
	}

	e.wg.Add(1)
	go e.maintenanceLoop()
	return e, nil
}

func (e *Engine) loadSegments(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "segment-*.db"))
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}
	sort.Strings(paths)
	for _, path := range paths {
		reader, err := sstable.NewReader(path)
		if err != nil {
			e.logger.Warn("skipping unreadable segment", zap.String("path", path), zap.Error(err))
			continue
		}
		e.segments = append(e.segments, reader)
		if seq := segmentSeqFromPath(path); seq > e.segmentSeq {
			e.segmentSeq = seq
		}
	}
	e.metrics.SegmentsOpen.Set(float64(len(e.segments)))
	e.logger.Info("loaded segments", zap.Int("count", len(e.segments)))
	return nil
}

func segmentSeqFromPath(path string) uint64 {
	name := strings.TrimSuffix(filepath.Base(path), ".db")
	name = strings.TrimPrefix(name, "segment-")
	var seq uint64
	fmt.Sscanf(name, "%d", &seq)
	return seq
}

// Apply durably applies one mutation. The partition stripe lock serializes
// write application per identity, making last-write-wins deterministic.
func (e *Engine) Apply(mut *model.Mutation) error {
	key := StorageKey(mut.Keyspace, mut.Table, mut.PartitionKey, mut.ClusteringKey)
	row := mut.Row()

	stripe := &e.locks[xxhash.Sum64String(PartitionPrefix(mut.Keyspace, mut.Table, mut.PartitionKey))%lockStripes]
	stripe.Lock()
	defer stripe.Unlock()

	// Holding the read lock across append and apply keeps a concurrent
	// flush from sealing the log segment between the two steps, which
	// would let an acknowledged write miss both the flushed segment and
	// the surviving log.
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.commitLog.Append(key, row); err != nil {
		return dberr.Wrap(dberr.CodeWriteFailed, err, "commit log append failed")
	}
	e.metrics.CommitLogAppends.Inc()

	e.active.Apply(key, row)
	e.metrics.MemtableBytes.Set(float64(e.active.Bytes()))
	return nil
}

// readSnapshot pins the current view for one scan: the memtables plus a
// retained reference on every segment reader. release must be called once
// the scan finishes; segments retired by compaction while the scan runs
// stay open until then.
func (e *Engine) readSnapshot() (active, flushing *memtable.SkipList, segments []*sstable.Reader, release func()) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	active = e.active
	flushing = e.flushing
	segments = append([]*sstable.Reader(nil), e.segments...)
	for _, seg := range segments {
		seg.Retain()
	}
	release = func() {
		for _, seg := range segments {
			if err := seg.Release(); err != nil {
				e.logger.Warn("failed to release segment", zap.String("path", seg.Path()), zap.Error(err))
			}
		}
	}
	return active, flushing, segments, release
}

// ReadPartition returns the merged rows of one partition in clustering key
// order, bounded by rng. Tombstoned rows are included so that replica
// reconciliation can let deletions win over stale values; client-facing
// layers filter them.
func (e *Engine) ReadPartition(keyspace, table, partitionKey string, rng *model.ClusteringRange) ([]*model.Row, error) {
	prefix := PartitionPrefix(keyspace, table, partitionKey)

	merged := make(map[string]*model.Row)
	collect := func(key string, row *model.Row) bool {
		ck := strings.TrimPrefix(key, prefix)
		if !rng.Contains(ck) {
			return true
		}
		if cur, ok := merged[key]; ok {
			cur.Merge(row)
		} else {
			merged[key] = row.Clone()
		}
		return true
	}

	active, flushing, segments, release := e.readSnapshot()
	defer release()

	for _, seg := range segments {
		if err := seg.ScanPrefix(prefix, collect); err != nil {
			return nil, fmt.Errorf("segment scan failed: %w", err)
		}
	}
	if flushing != nil {
		flushing.ScanPrefix(prefix, collect)
	}
	active.ScanPrefix(prefix, collect)

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([]*model.Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, merged[key])
	}
	return rows, nil
}

// ReadRow returns the merged row for one identity, or nil when the identity
// was never written.
func (e *Engine) ReadRow(keyspace, table, partitionKey, clusteringKey string) (*model.Row, error) {
	key := StorageKey(keyspace, table, partitionKey, clusteringKey)

	var merged *model.Row
	fold := func(row *model.Row) {
		if row == nil {
			return
		}
		if merged == nil {
			merged = row.Clone()
		} else {
			merged.Merge(row)
		}
	}

	active, flushing, segments, release := e.readSnapshot()
	defer release()

	for _, seg := range segments {
		row, err := seg.Get(key)
		if err != nil {
			return nil, fmt.Errorf("segment read failed: %w", err)
		}
		fold(row)
	}
	if flushing != nil {
		if row, ok := flushing.Get(key); ok {
			fold(row)
		}
	}
	if row, ok := active.Get(key); ok {
		fold(row)
	}
	return merged, nil
}

// ScanAll visits the merged view of every stored row in key order,
// tombstones included. Range streaming walks the whole store through it.
func (e *Engine) ScanAll(fn func(key string, row *model.Row) bool) error {
	merged := make(map[string]*model.Row)
	collect := func(key string, row *model.Row) bool {
		if cur, ok := merged[key]; ok {
			cur.Merge(row)
		} else {
			merged[key] = row.Clone()
		}
		return true
	}

	active, flushing, segments, release := e.readSnapshot()
	defer release()

	for _, seg := range segments {
		if err := seg.ScanPrefix("", collect); err != nil {
			return fmt.Errorf("segment scan failed: %w", err)
		}
	}
	if flushing != nil {
		flushing.ScanPrefix("", collect)
	}
	active.ScanPrefix("", collect)

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fn(key, merged[key]) {
			return nil
		}
	}
	return nil
}

// DropPrefix removes all rows under prefix (a table or keyspace) by writing
// per-row tombstones at ts. Used by DROP TABLE / DROP KEYSPACE.
func (e *Engine) DropPrefix(prefix string, ts int64) error {
	seen := make(map[string]struct{})
	collect := func(key string, _ *model.Row) bool {
		seen[key] = struct{}{}
		return true
	}

	active, flushing, segments, release := e.readSnapshot()
	defer release()

	active.ScanPrefix(prefix, collect)
	if flushing != nil {
		flushing.ScanPrefix(prefix, collect)
	}
	for _, seg := range segments {
		if err := seg.ScanPrefix(prefix, collect); err != nil {
			return fmt.Errorf("segment scan failed: %w", err)
		}
	}

	for key := range seen {
		tomb := &model.Row{Tombstone: true, DeletedAt: ts}
		e.mu.RLock()
		if err := e.commitLog.Append(key, tomb); err != nil {
			e.mu.RUnlock()
			return dberr.Wrap(dberr.CodeWriteFailed, err, "commit log append failed")
		}
		e.active.Apply(key, tomb)
		e.mu.RUnlock()
	}
	return nil
}

// Flush seals the active memtable and writes it out as a new segment.
func (e *Engine) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if e.active.Len() == 0 {
		e.mu.Unlock()
		return nil
	}
	sealedThrough, err := e.commitLog.Rotate()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.flushing = e.active
	e.active = memtable.New()
	flushing := e.flushing
	e.mu.Unlock()

	e.segmentSeq++
	path := filepath.Join(e.cfg.DataDir, "segments", fmt.Sprintf("segment-%020d.db", e.segmentSeq))
	writer, err := sstable.NewWriter(path, flushing.Len(), bloomFalsePositiveRate)
	if err != nil {
		return err
	}

	var writeErr error
	flushing.ScanAll(func(key string, row *model.Row) bool {
		if err := writer.Write(key, row); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr == nil {
		writeErr = writer.Finalize()
	}
	if closeErr := writer.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("memtable flush failed: %w", writeErr)
	}

	reader, err := sstable.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open flushed segment: %w", err)
	}

	e.mu.Lock()
	e.segments = append(e.segments, reader)
	e.flushing = nil
	e.mu.Unlock()

	if err := e.commitLog.PurgeThrough(sealedThrough); err != nil {
		e.logger.Warn("failed to purge flushed commit log segments", zap.Error(err))
	}

	e.metrics.MemtableFlushesTotal.Inc()
	e.metrics.MemtableBytes.Set(0)
	e.metrics.SegmentsOpen.Set(float64(len(e.segments)))
	e.logger.Info("flushed memtable", zap.String("segment", path), zap.Int("rows", reader.Count()))
	return nil
}

func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	flushTicker := time.NewTicker(e.cfg.FlushInterval)
	compactTicker := time.NewTicker(e.cfg.CompactionInterval)
	defer flushTicker.Stop()
	defer compactTicker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-flushTicker.C:
			e.mu.RLock()
			needsFlush := e.active.Bytes() >= e.cfg.MemtableFlushBytes || e.active.Len() > 0
			e.mu.RUnlock()
			if needsFlush {
				if err := e.Flush(); err != nil {
					e.logger.Error("periodic flush failed", zap.Error(err))
				}
			}
		case <-compactTicker.C:
			if err := e.Compact(); err != nil {
				e.logger.Error("compaction failed", zap.Error(err))
			}
		}
	}
}

// Close flushes outstanding data and stops background maintenance.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	if err := e.Flush(); err != nil {
		e.logger.Error("final flush failed", zap.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, seg := range e.segments {
		if err := seg.Release(); err != nil {
			e.logger.Warn("failed to close segment", zap.String("path", seg.Path()), zap.Error(err))
		}
	}
	return e.commitLog.Close()
}
