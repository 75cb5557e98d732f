package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/storage/sstable"
	"go.uber.org/zap"
)

// Compact merges all on-disk segments into one, resolving duplicate
// identities by last-write-wins and permanently purging tombstones older
// than the retention window. Runs only when the segment count reaches the
// configured trigger.
func (e *Engine) Compact() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.RLock()
	inputs := append([]*sstable.Reader(nil), e.segments...)
	e.mu.RUnlock()

	if len(inputs) < e.cfg.CompactionTrigger {
		return nil
	}

	purgeBefore := time.Now().Add(-e.cfg.TombstoneGCGrace).UnixMicro()

	merged := make(map[string]*model.Row)
	for _, seg := range inputs {
		err := seg.ScanPrefix("", func(key string, row *model.Row) bool {
			if cur, ok := merged[key]; ok {
				cur.Merge(row)
			} else {
				merged[key] = row.Clone()
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("compaction scan failed: %w", err)
		}
	}

	keys := make([]string, 0, len(merged))
	dropped := 0
	for key, row := range merged {
		// A fully-shadowed tombstone older than the grace window is
		// purged for good; younger tombstones must survive so they can
		// still suppress stale replicas.
		if !row.Live() && row.DeletedAt < purgeBefore {
			delete(merged, key)
			dropped++
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	e.segmentSeq++
	path := filepath.Join(e.cfg.DataDir, "segments", fmt.Sprintf("segment-%020d.db", e.segmentSeq))
	writer, err := sstable.NewWriter(path, len(keys), bloomFalsePositiveRate)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := writer.Write(key, merged[key]); err != nil {
			writer.Close()
			return fmt.Errorf("compaction write failed: %w", err)
		}
	}
	if err := writer.Finalize(); err != nil {
		writer.Close()
		return fmt.Errorf("compaction finalize failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("compaction close failed: %w", err)
	}

	reader, err := sstable.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open compacted segment: %w", err)
	}

	// Swap: replace exactly the input segments, keeping any segment
	// flushed while the merge ran.
	e.mu.Lock()
	inputSet := make(map[*sstable.Reader]struct{}, len(inputs))
	for _, seg := range inputs {
		inputSet[seg] = struct{}{}
	}
	remaining := make([]*sstable.Reader, 0, len(e.segments))
	remaining = append(remaining, reader)
	for _, seg := range e.segments {
		if _, ok := inputSet[seg]; !ok {
			remaining = append(remaining, seg)
		}
	}
	e.segments = remaining
	e.mu.Unlock()

	// Drop the engine's reference. In-flight scans that pinned an input
	// keep it open; the last release removes the files.
	for _, seg := range inputs {
		seg.MarkObsolete()
		if err := seg.Release(); err != nil {
			e.logger.Warn("failed to retire compacted segment", zap.String("path", seg.Path()), zap.Error(err))
		}
	}

	e.metrics.CompactionsTotal.Inc()
	e.metrics.SegmentsOpen.Set(float64(len(remaining)))
	e.logger.Info("compaction completed",
		zap.Int("inputs", len(inputs)),
		zap.Int("rows", len(keys)),
		zap.Int("purged", dropped))
	return nil
}
