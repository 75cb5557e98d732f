package query

import "github.com/lminervino18/rustic-airlines/internal/model"

// Statement is one parsed CQL statement. The set of implementations is
// closed; the executor dispatches over it exhaustively.
type Statement interface {
	// Kind names the statement for metrics and logs.
	Kind() string
}

// ColumnSpec is one column declaration in CREATE TABLE.
type ColumnSpec struct {
	Name string
	Type model.DataType
}

// OrderSpec is one clustering column declaration or ORDER BY entry.
type OrderSpec struct {
	Column     string
	Descending bool
}

// CreateKeyspace creates a replication domain.
type CreateKeyspace struct {
	Name              string
	ReplicationFactor int
	IfNotExists       bool
}

func (*CreateKeyspace) Kind() string { return "create_keyspace" }

// DropKeyspace removes a keyspace and all its data.
type DropKeyspace struct {
	Name     string
	IfExists bool
}

func (*DropKeyspace) Kind() string { return "drop_keyspace" }

// CreateTable declares a table shape.
type CreateTable struct {
	Keyspace      string // empty means the session keyspace
	Name          string
	Columns       []ColumnSpec
	PartitionKey  []string
	ClusteringKey []OrderSpec
	IfNotExists   bool
}

func (*CreateTable) Kind() string { return "create_table" }

// DropTable removes a table and all its data.
type DropTable struct {
	Keyspace string
	Name     string
	IfExists bool
}

func (*DropTable) Kind() string { return "drop_table" }

// Use sets the session keyspace.
type Use struct {
	Keyspace string
}

func (*Use) Kind() string { return "use" }

// Condition is one WHERE term. Op is "=", "<", "<=", ">", ">=", or "in";
// Values is set only for "in".
type Condition struct {
	Column string
	Op     string
	Value  string
	Values []string
}

// Insert upserts one row.
type Insert struct {
	Keyspace string
	Table    string
	Columns  []string
	Values   []string
}

func (*Insert) Kind() string { return "insert" }

// Update sets columns on one row identified by its full primary key.
type Update struct {
	Keyspace string
	Table    string
	Set      map[string]string
	Where    []Condition
}

func (*Update) Kind() string { return "update" }

// Delete tombstones one row identified by its full primary key.
type Delete struct {
	Keyspace string
	Table    string
	Where    []Condition
}

func (*Delete) Kind() string { return "delete" }

// Select reads rows from one or more partitions of a table.
type Select struct {
	Keyspace string
	Table    string
	Columns  []string // nil means *
	Where    []Condition
	OrderBy  []OrderSpec
	Limit    int // 0 means no limit
}

func (*Select) Kind() string { return "select" }
