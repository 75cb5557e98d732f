package model

import "strings"

// KeySeparator joins the components of composite partition and clustering
// keys. Encoded clustering components never contain it.
const KeySeparator = "\x00"

// Column is one cell of a row: a textual value and the write timestamp used
// for last-write-wins resolution.
type Column struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"ts"`
}

// Row is the unit of storage and replication. Identity is
// (PartitionKey, ClusteringKey); conflicting writes to the same identity
// resolve column-wise by timestamp. ClusteringKey is order-preserving
// encoded, so lexical order equals clustering order.
type Row struct {
	PartitionKey  string            `json:"pk"`
	ClusteringKey string            `json:"ck"`
	Columns       map[string]Column `json:"columns,omitempty"`
	Tombstone     bool              `json:"tombstone,omitempty"`
	DeletedAt     int64             `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	cp := *r
	cp.Columns = make(map[string]Column, len(r.Columns))
	for name, col := range r.Columns {
		cp.Columns[name] = col
	}
	return &cp
}

// LatestTimestamp returns the newest write timestamp in the row, including
// its tombstone.
func (r *Row) LatestTimestamp() int64 {
	ts := r.DeletedAt
	for _, col := range r.Columns {
		if col.Timestamp > ts {
			ts = col.Timestamp
		}
	}
	return ts
}

// Merge folds other into r under last-write-wins semantics. A tombstone
// suppresses every column written at or before the deletion timestamp;
// columns written after the deletion survive it. Equal timestamps break on
// the lexically larger value so every replica resolves the tie the same way.
func (r *Row) Merge(other *Row) {
	if other.Tombstone && other.DeletedAt > r.DeletedAt {
		r.Tombstone = true
		r.DeletedAt = other.DeletedAt
	}
	for name, col := range other.Columns {
		cur, ok := r.Columns[name]
		if ok && (col.Timestamp < cur.Timestamp ||
			(col.Timestamp == cur.Timestamp && col.Value <= cur.Value)) {
			continue
		}
		if r.Columns == nil {
			r.Columns = make(map[string]Column)
		}
		r.Columns[name] = col
	}
	for name, col := range r.Columns {
		if r.Tombstone && col.Timestamp <= r.DeletedAt {
			delete(r.Columns, name)
		}
	}
}

// Live reports whether the row still has visible data: either it was never
// deleted or some column outlived the tombstone.
func (r *Row) Live() bool {
	if !r.Tombstone {
		return true
	}
	return len(r.Columns) > 0
}

// JoinKey builds a composite key from raw components.
func JoinKey(parts []string) string {
	return strings.Join(parts, KeySeparator)
}

// SplitKey splits a composite key back into its components.
func SplitKey(key string) []string {
	return strings.Split(key, KeySeparator)
}
