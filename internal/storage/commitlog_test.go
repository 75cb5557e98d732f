package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCommitLog_RecoverReplaysAppendedRecords(t *testing.T) {
	dir := t.TempDir()

	cl, err := storage.NewCommitLog(dir, 1<<20, false, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cl.Append("k1", &model.Row{Columns: map[string]model.Column{
		"status": {Value: "boarding", Timestamp: 10},
	}}))
	require.NoError(t, cl.Append("k2", &model.Row{Tombstone: true, DeletedAt: 20}))
	require.NoError(t, cl.Close())

	reopened, err := storage.NewCommitLog(dir, 1<<20, false, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	recovered := make(map[string]*model.Row)
	require.NoError(t, reopened.Recover(func(key string, row *model.Row) {
		recovered[key] = row
	}))

	require.Len(t, recovered, 2)
	assert.Equal(t, "boarding", recovered["k1"].Columns["status"].Value)
	assert.True(t, recovered["k2"].Tombstone)
}

func TestCommitLog_RecoverSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()

	cl, err := storage.NewCommitLog(dir, 1<<20, false, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cl.Append("good", &model.Row{Columns: map[string]model.Column{
		"v": {Value: "x", Timestamp: 1},
	}}))
	require.NoError(t, cl.Close())

	// Simulate a torn write at the tail of the newest segment.
	paths, err := filepath.Glob(filepath.Join(dir, "commitlog-*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	f, err := os.OpenFile(paths[len(paths)-1], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":99,"key":"bad","row":{},"crc":12345}` + "\n" + `{"truncat`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := storage.NewCommitLog(dir, 1<<20, false, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	var keys []string
	require.NoError(t, reopened.Recover(func(key string, _ *model.Row) {
		keys = append(keys, key)
	}))
	assert.Equal(t, []string{"good"}, keys)
}

func TestCommitLog_PurgeThroughKeepsActiveSegment(t *testing.T) {
	dir := t.TempDir()

	cl, err := storage.NewCommitLog(dir, 1<<20, false, zap.NewNop())
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.Append("k1", &model.Row{Columns: map[string]model.Column{
		"v": {Value: "x", Timestamp: 1},
	}}))
	sealed, err := cl.Rotate()
	require.NoError(t, err)
	require.NoError(t, cl.PurgeThrough(sealed))

	paths, err := filepath.Glob(filepath.Join(dir, "commitlog-*.log"))
	require.NoError(t, err)
	assert.Len(t, paths, 1) // only the active segment remains
}
