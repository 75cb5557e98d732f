package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/model"
)

// SystemKeyspace is the distinguished keyspace holding replicated schema
// rows. It always exists and cannot be dropped.
const SystemKeyspace = "system"

// SchemaTable is the table inside SystemKeyspace that persists definitions.
const SchemaTable = "schema"

// ColumnDef declares one column of a table.
type ColumnDef struct {
	Name string         `json:"name"`
	Type model.DataType `json:"type"`
}

// ClusteringDef declares one clustering column and its sort order.
type ClusteringDef struct {
	Name       string `json:"name"`
	Descending bool   `json:"descending,omitempty"`
}

// Table defines the shape of rows: columns, partition key columns, and
// clustering key columns with sort order. Validated at query time.
type Table struct {
	Keyspace      string          `json:"keyspace"`
	Name          string          `json:"name"`
	Columns       []ColumnDef     `json:"columns"`
	PartitionKey  []string        `json:"partition_key"`
	ClusteringKey []ClusteringDef `json:"clustering_key,omitempty"`
}

// Column returns the definition of the named column.
func (t *Table) Column(name string) (ColumnDef, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnDef{}, false
}

// IsPartitionKey reports whether name is a partition key column.
func (t *Table) IsPartitionKey(name string) bool {
	for _, k := range t.PartitionKey {
		if k == name {
			return true
		}
	}
	return false
}

// ClusteringIndex returns the position of name among the clustering columns,
// or -1.
func (t *Table) ClusteringIndex(name string) int {
	for i, k := range t.ClusteringKey {
		if k.Name == name {
			return i
		}
	}
	return -1
}

// Keyspace defines a replication domain. Immutable once created.
type Keyspace struct {
	Name              string `json:"name"`
	ReplicationFactor int    `json:"replication_factor"`
}

// Mutation is one replicated schema change. Schema mutations travel through
// the coordinator at consistency ALL so every node agrees before the client
// sees success.
type Mutation struct {
	Kind         MutationKind `json:"kind"`
	Keyspace     *Keyspace    `json:"keyspace,omitempty"`
	Table        *Table       `json:"table,omitempty"`
	KeyspaceName string       `json:"keyspace_name,omitempty"`
	TableName    string       `json:"table_name,omitempty"`
	IfExists     bool         `json:"if_exists,omitempty"`
	IfNotExists  bool         `json:"if_not_exists,omitempty"`
	Timestamp    int64        `json:"ts"`
}

// MutationKind tags the schema change variants.
type MutationKind string

const (
	MutationCreateKeyspace MutationKind = "create_keyspace"
	MutationCreateTable    MutationKind = "create_table"
	MutationDropKeyspace   MutationKind = "drop_keyspace"
	MutationDropTable      MutationKind = "drop_table"
)

// Registry is the node-local view of the cluster schema. It is read on
// every query and mutated only by replicated schema mutations; Version is a
// timestamp gossiped so peers can detect divergence and pull.
type Registry struct {
	mu        sync.RWMutex
	keyspaces map[string]*Keyspace
	tables    map[string]map[string]*Table // keyspace -> table name
	version   int64
}

// NewRegistry creates a registry containing only the system keyspace.
func NewRegistry() *Registry {
	r := &Registry{
		keyspaces: make(map[string]*Keyspace),
		tables:    make(map[string]map[string]*Table),
	}
	r.keyspaces[SystemKeyspace] = &Keyspace{Name: SystemKeyspace, ReplicationFactor: 1}
	r.tables[SystemKeyspace] = map[string]*Table{
		SchemaTable: {
			Keyspace: SystemKeyspace,
			Name:     SchemaTable,
			Columns: []ColumnDef{
				{Name: "scope", Type: model.TypeText},
				{Name: "object", Type: model.TypeText},
				{Name: "definition", Type: model.TypeText},
			},
			PartitionKey:  []string{"scope"},
			ClusteringKey: []ClusteringDef{{Name: "object"}},
		},
	}
	return r
}

// Keyspace returns the named keyspace or a SchemaError.
func (r *Registry) Keyspace(name string) (*Keyspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ks, ok := r.keyspaces[name]
	if !ok {
		return nil, dberr.New(dberr.CodeSchema, "unknown keyspace %q", name)
	}
	return ks, nil
}

// Table returns the named table or a SchemaError.
func (r *Registry) Table(keyspace, name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables, ok := r.tables[keyspace]
	if !ok {
		return nil, dberr.New(dberr.CodeSchema, "unknown keyspace %q", keyspace)
	}
	table, ok := tables[name]
	if !ok {
		return nil, dberr.New(dberr.CodeSchema, "unknown table %q in keyspace %q", name, keyspace)
	}
	return table, nil
}

// Version returns the timestamp of the newest applied mutation.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Apply installs a schema mutation. Re-applying an already-installed
// mutation is harmless, which makes schema replication idempotent.
func (r *Registry) Apply(mut *Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch mut.Kind {
	case MutationCreateKeyspace:
		name := mut.Keyspace.Name
		if name == SystemKeyspace {
			return dberr.New(dberr.CodeSchema, "keyspace %q is reserved", name)
		}
		if _, ok := r.keyspaces[name]; ok {
			if mut.IfNotExists {
				return nil
			}
			return dberr.New(dberr.CodeSchema, "keyspace %q already exists", name)
		}
		ks := *mut.Keyspace
		r.keyspaces[name] = &ks
		r.tables[name] = make(map[string]*Table)

	case MutationCreateTable:
		table := mut.Table
		tables, ok := r.tables[table.Keyspace]
		if !ok {
			return dberr.New(dberr.CodeSchema, "unknown keyspace %q", table.Keyspace)
		}
		if _, ok := tables[table.Name]; ok {
			if mut.IfNotExists {
				return nil
			}
			return dberr.New(dberr.CodeSchema, "table %q already exists in keyspace %q", table.Name, table.Keyspace)
		}
		if err := validateTable(table); err != nil {
			return err
		}
		cp := *table
		tables[table.Name] = &cp

	case MutationDropKeyspace:
		name := mut.KeyspaceName
		if name == SystemKeyspace {
			return dberr.New(dberr.CodeSchema, "keyspace %q cannot be dropped", name)
		}
		if _, ok := r.keyspaces[name]; !ok {
			if mut.IfExists {
				return nil
			}
			return dberr.New(dberr.CodeSchema, "unknown keyspace %q", name)
		}
		delete(r.keyspaces, name)
		delete(r.tables, name)

	case MutationDropTable:
		tables, ok := r.tables[mut.KeyspaceName]
		if !ok {
			if mut.IfExists {
				return nil
			}
			return dberr.New(dberr.CodeSchema, "unknown keyspace %q", mut.KeyspaceName)
		}
		if _, ok := tables[mut.TableName]; !ok {
			if mut.IfExists {
				return nil
			}
			return dberr.New(dberr.CodeSchema, "unknown table %q in keyspace %q", mut.TableName, mut.KeyspaceName)
		}
		delete(tables, mut.TableName)

	default:
		return dberr.New(dberr.CodeSchema, "unknown schema mutation kind %q", mut.Kind)
	}

	if mut.Timestamp > r.version {
		r.version = mut.Timestamp
	}
	return nil
}

func validateTable(t *Table) error {
	if len(t.PartitionKey) == 0 {
		return dberr.New(dberr.CodeSchema, "table %q has no partition key", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, col := range t.Columns {
		if _, dup := seen[col.Name]; dup {
			return dberr.New(dberr.CodeSchema, "duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	for _, k := range t.PartitionKey {
		if _, ok := seen[k]; !ok {
			return dberr.New(dberr.CodeSchema, "partition key column %q is not declared", k)
		}
	}
	for _, k := range t.ClusteringKey {
		if _, ok := seen[k.Name]; !ok {
			return dberr.New(dberr.CodeSchema, "clustering key column %q is not declared", k.Name)
		}
	}
	return nil
}

// Snapshot serializes the full schema for transfer to a peer that noticed a
// newer version through gossip.
type Snapshot struct {
	Keyspaces []*Keyspace `json:"keyspaces"`
	Tables    []*Table    `json:"tables"`
	Version   int64       `json:"version"`
}

// Export captures the current schema.
func (r *Registry) Export() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{Version: r.version}
	for name, ks := range r.keyspaces {
		if name == SystemKeyspace {
			continue
		}
		snap.Keyspaces = append(snap.Keyspaces, ks)
	}
	sort.Slice(snap.Keyspaces, func(i, j int) bool { return snap.Keyspaces[i].Name < snap.Keyspaces[j].Name })
	for ksName, tables := range r.tables {
		if ksName == SystemKeyspace {
			continue
		}
		for _, table := range tables {
			snap.Tables = append(snap.Tables, table)
		}
	}
	sort.Slice(snap.Tables, func(i, j int) bool {
		if snap.Tables[i].Keyspace != snap.Tables[j].Keyspace {
			return snap.Tables[i].Keyspace < snap.Tables[j].Keyspace
		}
		return snap.Tables[i].Name < snap.Tables[j].Name
	})
	return snap
}

// Import replaces the non-system schema with snap when snap is newer.
func (r *Registry) Import(snap *Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Version <= r.version {
		return false
	}
	for name := range r.keyspaces {
		if name != SystemKeyspace {
			delete(r.keyspaces, name)
			delete(r.tables, name)
		}
	}
	for _, ks := range snap.Keyspaces {
		cp := *ks
		r.keyspaces[ks.Name] = &cp
		r.tables[ks.Name] = make(map[string]*Table)
	}
	for _, table := range snap.Tables {
		cp := *table
		if _, ok := r.tables[table.Keyspace]; !ok {
			r.tables[table.Keyspace] = make(map[string]*Table)
		}
		r.tables[table.Keyspace][table.Name] = &cp
	}
	r.version = snap.Version
	return true
}

// EncodeMutation serializes a mutation for the system schema table.
func EncodeMutation(mut *Mutation) (string, error) {
	data, err := json.Marshal(mut)
	if err != nil {
		return "", fmt.Errorf("failed to encode schema mutation: %w", err)
	}
	return string(data), nil
}

// DecodeMutation parses a serialized schema mutation.
func DecodeMutation(data string) (*Mutation, error) {
	var mut Mutation
	if err := json.Unmarshal([]byte(data), &mut); err != nil {
		return nil, fmt.Errorf("failed to decode schema mutation: %w", err)
	}
	return &mut, nil
}
