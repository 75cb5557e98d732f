package memtable

import (
	"math/rand"
	"strings"

	"github.com/lminervino18/rustic-airlines/internal/model"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type node struct {
	key     string
	row     *model.Row
	forward []*node
}

// SkipList is an ordered in-memory table keyed by the encoded
// (keyspace, table, partition key, clustering key) identity. Inserting an
// existing identity merges the rows column-wise by write timestamp, which
// serializes write application per identity.
type SkipList struct {
	head  *node
	level int
	size  int
	bytes int64
}

// New creates an empty skip list.
func New() *SkipList {
	return &SkipList{
		head: &node{forward: make([]*node, maxLevel)},
	}
}

func randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// Apply inserts the row under key, merging with the existing row when the
// identity is already present.
func (sl *SkipList) Apply(key string, row *model.Row) {
	update := make([]*node, maxLevel)
	current := sl.head

	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current != nil && current.key == key {
		current.row.Merge(row)
		sl.bytes += approxSize(row)
		return
	}

	newLevel := randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node{
		key:     key,
		row:     row.Clone(),
		forward: make([]*node, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}

	sl.size++
	sl.bytes += int64(len(key)) + approxSize(row)
}

// Get returns a copy of the row stored under key.
func (sl *SkipList) Get(key string) (*model.Row, bool) {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
	}
	current = current.forward[0]
	if current != nil && current.key == key {
		return current.row.Clone(), true
	}
	return nil, false
}

// ScanPrefix visits, in key order, every entry whose key starts with prefix.
// The visited rows are the stored rows; callers must not retain them.
func (sl *SkipList) ScanPrefix(prefix string, visit func(key string, row *model.Row) bool) {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < prefix {
			current = current.forward[i]
		}
	}
	for current = current.forward[0]; current != nil; current = current.forward[0] {
		if !strings.HasPrefix(current.key, prefix) {
			return
		}
		if !visit(current.key, current.row) {
			return
		}
	}
}

// ScanAll visits every entry in key order.
func (sl *SkipList) ScanAll(visit func(key string, row *model.Row) bool) {
	sl.ScanPrefix("", visit)
}

// Len returns the number of identities stored.
func (sl *SkipList) Len() int { return sl.size }

// Bytes returns the approximate heap footprint, used to decide flushes.
func (sl *SkipList) Bytes() int64 { return sl.bytes }

func approxSize(row *model.Row) int64 {
	size := int64(len(row.PartitionKey) + len(row.ClusteringKey) + 16)
	for name, col := range row.Columns {
		size += int64(len(name) + len(col.Value) + 8)
	}
	return size
}
