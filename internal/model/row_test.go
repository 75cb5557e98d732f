package model_test

import (
	"testing"

	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRow_MergeLastWriteWins(t *testing.T) {
	tests := []struct {
		name     string
		base     *model.Row
		incoming *model.Row
		verify   func(*testing.T, *model.Row)
	}{
		{
			name: "newer column wins",
			base: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "boarding", Timestamp: 10},
			}},
			incoming: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "departed", Timestamp: 20},
			}},
			verify: func(t *testing.T, r *model.Row) {
				assert.Equal(t, "departed", r.Columns["status"].Value)
			},
		},
		{
			name: "older column loses",
			base: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "departed", Timestamp: 20},
			}},
			incoming: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "boarding", Timestamp: 10},
			}},
			verify: func(t *testing.T, r *model.Row) {
				assert.Equal(t, "departed", r.Columns["status"].Value)
			},
		},
		{
			name: "columns merge independently",
			base: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "boarding", Timestamp: 10},
				"gate":   {Value: "B12", Timestamp: 30},
			}},
			incoming: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "departed", Timestamp: 20},
				"gate":   {Value: "A1", Timestamp: 5},
			}},
			verify: func(t *testing.T, r *model.Row) {
				assert.Equal(t, "departed", r.Columns["status"].Value)
				assert.Equal(t, "B12", r.Columns["gate"].Value)
			},
		},
		{
			name: "tombstone suppresses older columns",
			base: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "boarding", Timestamp: 10},
			}},
			incoming: &model.Row{Tombstone: true, DeletedAt: 15},
			verify: func(t *testing.T, r *model.Row) {
				assert.True(t, r.Tombstone)
				assert.Empty(t, r.Columns)
				assert.False(t, r.Live())
			},
		},
		{
			name: "write after deletion survives the tombstone",
			base: &model.Row{Tombstone: true, DeletedAt: 15},
			incoming: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "rescheduled", Timestamp: 20},
			}},
			verify: func(t *testing.T, r *model.Row) {
				assert.True(t, r.Tombstone)
				assert.Equal(t, "rescheduled", r.Columns["status"].Value)
				assert.True(t, r.Live())
			},
		},
		{
			name:     "older tombstone does not resurrect",
			base:     &model.Row{Tombstone: true, DeletedAt: 30},
			incoming: &model.Row{Tombstone: true, DeletedAt: 15},
			verify: func(t *testing.T, r *model.Row) {
				assert.Equal(t, int64(30), r.DeletedAt)
			},
		},
		{
			name: "timestamp tie breaks on the larger value",
			base: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "boarding", Timestamp: 10},
			}},
			incoming: &model.Row{Columns: map[string]model.Column{
				"status": {Value: "delayed", Timestamp: 10},
			}},
			verify: func(t *testing.T, r *model.Row) {
				assert.Equal(t, "delayed", r.Columns["status"].Value)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.base.Merge(tt.incoming)
			tt.verify(t, tt.base)
		})
	}
}

func TestRow_MergeIsOrderIndependent(t *testing.T) {
	a := &model.Row{Columns: map[string]model.Column{
		"status": {Value: "boarding", Timestamp: 10},
		"gate":   {Value: "B12", Timestamp: 30},
	}}
	b := &model.Row{Tombstone: true, DeletedAt: 20}

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.Equal(t, ab.Tombstone, ba.Tombstone)
	assert.Equal(t, ab.DeletedAt, ba.DeletedAt)
	assert.Equal(t, ab.Columns, ba.Columns)
	// Only the gate column outlives the deletion at 20.
	assert.Equal(t, "B12", ab.Columns["gate"].Value)
	_, hasStatus := ab.Columns["status"]
	assert.False(t, hasStatus)
}

func TestRow_MergeTieIsOrderIndependent(t *testing.T) {
	a := &model.Row{Columns: map[string]model.Column{"status": {Value: "boarding", Timestamp: 10}}}
	b := &model.Row{Columns: map[string]model.Column{"status": {Value: "delayed", Timestamp: 10}}}

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.Equal(t, "delayed", ab.Columns["status"].Value)
	assert.Equal(t, ab.Columns, ba.Columns)
}

func TestRow_CloneIsDeep(t *testing.T) {
	orig := &model.Row{Columns: map[string]model.Column{
		"status": {Value: "boarding", Timestamp: 10},
	}}
	cp := orig.Clone()
	cp.Columns["status"] = model.Column{Value: "departed", Timestamp: 20}
	assert.Equal(t, "boarding", orig.Columns["status"].Value)
}

func TestJoinSplitKey(t *testing.T) {
	parts := []string{"ar", "eze", "2024-01-01"}
	key := model.JoinKey(parts)
	require.Equal(t, parts, model.SplitKey(key))
}

func TestClusteringRange_Contains(t *testing.T) {
	tests := []struct {
		name string
		rng  *model.ClusteringRange
		ck   string
		want bool
	}{
		{"nil range admits everything", nil, "anything", true},
		{"inclusive start boundary", &model.ClusteringRange{Start: "b", StartInclusive: true}, "b", true},
		{"exclusive start boundary", &model.ClusteringRange{Start: "b"}, "b", false},
		{"below start", &model.ClusteringRange{Start: "b", StartInclusive: true}, "a", false},
		{"inclusive end boundary", &model.ClusteringRange{End: "m", EndInclusive: true}, "m", true},
		{"exclusive end boundary", &model.ClusteringRange{End: "m"}, "m", false},
		{"inside both bounds", &model.ClusteringRange{Start: "b", End: "m"}, "g", true},
		{
			"bound applies to the key prefix of equal length",
			&model.ClusteringRange{Start: "b", End: "b", StartInclusive: true, EndInclusive: true},
			"b" + model.KeySeparator + "second",
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rng.Contains(tt.ck))
		})
	}
}

func TestClusteringRange_PrefixBound(t *testing.T) {
	// A partial prefix bound carries its trailing separator, exactly as the
	// query planner builds it.
	bound := "ar" + model.KeySeparator
	rng := &model.ClusteringRange{Start: bound, End: bound, StartInclusive: true, EndInclusive: true}

	assert.True(t, rng.Contains("ar"+model.KeySeparator+"eze"))
	assert.False(t, rng.Contains("arg"+model.KeySeparator+"eze"))
	assert.False(t, rng.Contains("aq"+model.KeySeparator+"eze"))
}
