package model

// Mutation is a replicated write: an upsert of columns or a row deletion for
// one row identity. It is what travels in WriteAt/DeleteAt RPCs and hints.
type Mutation struct {
	Keyspace      string            `json:"keyspace"`
	Table         string            `json:"table"`
	PartitionKey  string            `json:"pk"`
	ClusteringKey string            `json:"ck"`
	Columns       map[string]Column `json:"columns,omitempty"`
	Delete        bool              `json:"delete,omitempty"`
	Timestamp     int64             `json:"ts"`
}

// Row converts the mutation into the row it produces when applied to an
// empty identity.
func (m *Mutation) Row() *Row {
	row := &Row{
		PartitionKey:  m.PartitionKey,
		ClusteringKey: m.ClusteringKey,
		Columns:       make(map[string]Column, len(m.Columns)),
	}
	for name, col := range m.Columns {
		row.Columns[name] = col
	}
	if m.Delete {
		row.Tombstone = true
		row.DeletedAt = m.Timestamp
		row.Columns = nil
	}
	return row
}

// ClusteringRange bounds a clustering key scan within one partition. Bounds
// are order-preserving encoded clustering key prefixes; empty strings mean
// unbounded. An exact match sets both bounds inclusive to the same value.
type ClusteringRange struct {
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	StartInclusive bool   `json:"start_inclusive,omitempty"`
	EndInclusive   bool   `json:"end_inclusive,omitempty"`
}

// Unbounded reports whether the range admits every clustering key.
func (r *ClusteringRange) Unbounded() bool {
	return r == nil || (r.Start == "" && r.End == "")
}

// Contains reports whether the encoded clustering key ck falls inside the
// range. Bounds are compared against the key's prefix of equal length, so a
// bound on a leading clustering column applies to all rows sharing it.
func (r *ClusteringRange) Contains(ck string) bool {
	if r.Unbounded() {
		return true
	}
	if r.Start != "" {
		probe := truncateTo(ck, r.Start)
		if probe < r.Start {
			return false
		}
		if probe == r.Start && !r.StartInclusive {
			return false
		}
	}
	if r.End != "" {
		probe := truncateTo(ck, r.End)
		if probe > r.End {
			return false
		}
		if probe == r.End && !r.EndInclusive {
			return false
		}
	}
	return true
}

func truncateTo(s, bound string) string {
	if len(s) > len(bound) {
		return s[:len(bound)]
	}
	return s
}
