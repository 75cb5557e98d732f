package query

import (
	"context"
	"sync"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/coordinator"
	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"go.uber.org/zap"
)

// Cluster is the slice of the coordinator the executor drives. Satisfied by
// *coordinator.Coordinator; tests substitute an in-memory fake.
type Cluster interface {
	Write(ctx context.Context, mut *model.Mutation, cl model.Consistency) error
	Read(ctx context.Context, req *coordinator.ReadRequest, cl model.Consistency) ([]*model.Row, error)
	ExecuteSchema(ctx context.Context, mut *schema.Mutation) error
}

// Session carries per-connection state, currently just the USE keyspace.
// Queries on one connection run concurrently, so access is guarded.
type Session struct {
	mu       sync.Mutex
	keyspace string
}

// UseKeyspace sets the session's current keyspace.
func (s *Session) UseKeyspace(ks string) {
	s.mu.Lock()
	s.keyspace = ks
	s.mu.Unlock()
}

// CurrentKeyspace returns the keyspace selected by USE, or empty.
func (s *Session) CurrentKeyspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyspace
}

// Result is the client-visible outcome of a statement. Write statements
// return an empty result.
type Result struct {
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
}

// Executor validates parsed statements against the schema and turns them
// into coordinator operations.
type Executor struct {
	registry *schema.Registry
	cluster  Cluster
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewExecutor wires an executor.
func NewExecutor(registry *schema.Registry, cluster Cluster, logger *zap.Logger, m *metrics.Metrics) *Executor {
	return &Executor{registry: registry, cluster: cluster, logger: logger, metrics: m}
}

// Execute parses and runs one statement at the given consistency level.
func (e *Executor) Execute(ctx context.Context, cql string, cl model.Consistency, sess *Session) (*Result, error) {
	stmt, err := Parse(cql)
	if err != nil {
		e.metrics.QueriesTotal.WithLabelValues("invalid", dberr.CodeOf(err).String()).Inc()
		return nil, err
	}

	start := time.Now()
	res, err := e.exec(ctx, stmt, cl, sess)
	e.metrics.QueriesTotal.WithLabelValues(stmt.Kind(), dberr.CodeOf(err).String()).Inc()
	e.metrics.QueryDuration.WithLabelValues(stmt.Kind()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

func (e *Executor) exec(ctx context.Context, stmt Statement, cl model.Consistency, sess *Session) (*Result, error) {
	switch s := stmt.(type) {
	case *Use:
		if _, err := e.registry.Keyspace(s.Keyspace); err != nil {
			return nil, err
		}
		sess.UseKeyspace(s.Keyspace)
		return nil, nil
	case *CreateKeyspace:
		return nil, e.cluster.ExecuteSchema(ctx, &schema.Mutation{
			Kind:        schema.MutationCreateKeyspace,
			Keyspace:    &schema.Keyspace{Name: s.Name, ReplicationFactor: s.ReplicationFactor},
			IfNotExists: s.IfNotExists,
		})
	case *DropKeyspace:
		return nil, e.cluster.ExecuteSchema(ctx, &schema.Mutation{
			Kind:         schema.MutationDropKeyspace,
			KeyspaceName: s.Name,
			IfExists:     s.IfExists,
		})
	case *CreateTable:
		return e.execCreateTable(ctx, s, sess)
	case *DropTable:
		ks, err := e.resolveKeyspace(s.Keyspace, sess)
		if err != nil {
			return nil, err
		}
		return nil, e.cluster.ExecuteSchema(ctx, &schema.Mutation{
			Kind:         schema.MutationDropTable,
			KeyspaceName: ks,
			TableName:    s.Name,
			IfExists:     s.IfExists,
		})
	case *Insert:
		return e.execInsert(ctx, s, cl, sess)
	case *Update:
		return e.execUpdate(ctx, s, cl, sess)
	case *Delete:
		return e.execDelete(ctx, s, cl, sess)
	case *Select:
		return e.execSelect(ctx, s, cl, sess)
	default:
		return nil, dberr.New(dberr.CodeParse, "unsupported statement")
	}
}

func (e *Executor) resolveKeyspace(explicit string, sess *Session) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if ks := sess.CurrentKeyspace(); ks != "" {
		return ks, nil
	}
	return "", dberr.New(dberr.CodeSchema, "no keyspace selected: qualify the table or USE a keyspace")
}

func (e *Executor) execCreateTable(ctx context.Context, s *CreateTable, sess *Session) (*Result, error) {
	ks, err := e.resolveKeyspace(s.Keyspace, sess)
	if err != nil {
		return nil, err
	}
	table := &schema.Table{Keyspace: ks, Name: s.Name}
	for _, col := range s.Columns {
		table.Columns = append(table.Columns, schema.ColumnDef{Name: col.Name, Type: col.Type})
	}
	table.PartitionKey = append(table.PartitionKey, s.PartitionKey...)
	for _, ck := range s.ClusteringKey {
		table.ClusteringKey = append(table.ClusteringKey, schema.ClusteringDef{
			Name:       ck.Column,
			Descending: ck.Descending,
		})
	}
	return nil, e.cluster.ExecuteSchema(ctx, &schema.Mutation{
		Kind:        schema.MutationCreateTable,
		Table:       table,
		IfNotExists: s.IfNotExists,
	})
}

// encodeKeyPart validates and order-encodes one key column value.
func encodeKeyPart(table *schema.Table, column, value string) (string, error) {
	def, ok := table.Column(column)
	if !ok {
		return "", dberr.New(dberr.CodeSchema, "unknown column %q in table %q", column, table.Name)
	}
	enc, err := def.Type.EncodeOrdered(value)
	if err != nil {
		return "", dberr.New(dberr.CodeSchema, "column %q: %v", column, err)
	}
	return enc, nil
}

func (e *Executor) execInsert(ctx context.Context, s *Insert, cl model.Consistency, sess *Session) (*Result, error) {
	ks, err := e.resolveKeyspace(s.Keyspace, sess)
	if err != nil {
		return nil, err
	}
	table, err := e.registry.Table(ks, s.Table)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(s.Columns))
	for i, col := range s.Columns {
		def, ok := table.Column(col)
		if !ok {
			return nil, dberr.New(dberr.CodeSchema, "unknown column %q in table %q", col, s.Table)
		}
		if err := def.Type.ValidateLiteral(s.Values[i]); err != nil {
			return nil, dberr.New(dberr.CodeSchema, "column %q: %v", col, err)
		}
		values[col] = s.Values[i]
	}

	now := time.Now().UnixMicro()
	mut := &model.Mutation{
		Keyspace:  ks,
		Table:     s.Table,
		Columns:   make(map[string]model.Column),
		Timestamp: now,
	}

	pkParts := make([]string, 0, len(table.PartitionKey))
	for _, col := range table.PartitionKey {
		val, ok := values[col]
		if !ok {
			return nil, dberr.New(dberr.CodeSchema, "INSERT must set partition key column %q", col)
		}
		enc, err := encodeKeyPart(table, col, val)
		if err != nil {
			return nil, err
		}
		pkParts = append(pkParts, enc)
	}
	mut.PartitionKey = model.JoinKey(pkParts)

	ckParts := make([]string, 0, len(table.ClusteringKey))
	for _, ck := range table.ClusteringKey {
		val, ok := values[ck.Name]
		if !ok {
			return nil, dberr.New(dberr.CodeSchema, "INSERT must set clustering key column %q", ck.Name)
		}
		enc, err := encodeKeyPart(table, ck.Name, val)
		if err != nil {
			return nil, err
		}
		ckParts = append(ckParts, enc)
	}
	mut.ClusteringKey = model.JoinKey(ckParts)

	for col, val := range values {
		if table.IsPartitionKey(col) || table.ClusteringIndex(col) >= 0 {
			continue
		}
		mut.Columns[col] = model.Column{Value: val, Timestamp: now}
	}

	return nil, e.cluster.Write(ctx, mut, cl)
}

// keyFromConditions extracts the full primary key from equality conditions,
// rejecting anything else. UPDATE and DELETE address exactly one row.
func keyFromConditions(table *schema.Table, conds []Condition) (pk, ck string, err error) {
	byCol := make(map[string]Condition, len(conds))
	for _, cond := range conds {
		if cond.Op != "=" {
			return "", "", dberr.New(dberr.CodeSchema, "only equality conditions are allowed here, got %q on %q", cond.Op, cond.Column)
		}
		if _, dup := byCol[cond.Column]; dup {
			return "", "", dberr.New(dberr.CodeSchema, "duplicate condition on column %q", cond.Column)
		}
		byCol[cond.Column] = cond
	}

	pkParts := make([]string, 0, len(table.PartitionKey))
	for _, col := range table.PartitionKey {
		cond, ok := byCol[col]
		if !ok {
			return "", "", dberr.New(dberr.CodeSchema, "missing condition on partition key column %q", col)
		}
		delete(byCol, col)
		enc, err := encodeKeyPart(table, col, cond.Value)
		if err != nil {
			return "", "", err
		}
		pkParts = append(pkParts, enc)
	}

	ckParts := make([]string, 0, len(table.ClusteringKey))
	for _, def := range table.ClusteringKey {
		cond, ok := byCol[def.Name]
		if !ok {
			return "", "", dberr.New(dberr.CodeSchema, "missing condition on clustering key column %q", def.Name)
		}
		delete(byCol, def.Name)
		enc, err := encodeKeyPart(table, def.Name, cond.Value)
		if err != nil {
			return "", "", err
		}
		ckParts = append(ckParts, enc)
	}

	for col := range byCol {
		return "", "", dberr.New(dberr.CodeSchema, "column %q is not a primary key column", col)
	}
	return model.JoinKey(pkParts), model.JoinKey(ckParts), nil
}

func (e *Executor) execUpdate(ctx context.Context, s *Update, cl model.Consistency, sess *Session) (*Result, error) {
	ks, err := e.resolveKeyspace(s.Keyspace, sess)
	if err != nil {
		return nil, err
	}
	table, err := e.registry.Table(ks, s.Table)
	if err != nil {
		return nil, err
	}
	pk, ck, err := keyFromConditions(table, s.Where)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMicro()
	mut := &model.Mutation{
		Keyspace:      ks,
		Table:         s.Table,
		PartitionKey:  pk,
		ClusteringKey: ck,
		Columns:       make(map[string]model.Column, len(s.Set)),
		Timestamp:     now,
	}
	for col, val := range s.Set {
		def, ok := table.Column(col)
		if !ok {
			return nil, dberr.New(dberr.CodeSchema, "unknown column %q in table %q", col, s.Table)
		}
		if table.IsPartitionKey(col) || table.ClusteringIndex(col) >= 0 {
			return nil, dberr.New(dberr.CodeSchema, "primary key column %q cannot be updated", col)
		}
		if err := def.Type.ValidateLiteral(val); err != nil {
			return nil, dberr.New(dberr.CodeSchema, "column %q: %v", col, err)
		}
		mut.Columns[col] = model.Column{Value: val, Timestamp: now}
	}
	return nil, e.cluster.Write(ctx, mut, cl)
}

func (e *Executor) execDelete(ctx context.Context, s *Delete, cl model.Consistency, sess *Session) (*Result, error) {
	ks, err := e.resolveKeyspace(s.Keyspace, sess)
	if err != nil {
		return nil, err
	}
	table, err := e.registry.Table(ks, s.Table)
	if err != nil {
		return nil, err
	}
	pk, ck, err := keyFromConditions(table, s.Where)
	if err != nil {
		return nil, err
	}
	mut := &model.Mutation{
		Keyspace:      ks,
		Table:         s.Table,
		PartitionKey:  pk,
		ClusteringKey: ck,
		Delete:        true,
		Timestamp:     time.Now().UnixMicro(),
	}
	return nil, e.cluster.Write(ctx, mut, cl)
}

// selectPlan is the physical form of a SELECT: the partitions to contact
// and the clustering bound within each.
type selectPlan struct {
	partitions []string
	rng        *model.ClusteringRange
	reverse    bool
}

func (e *Executor) execSelect(ctx context.Context, s *Select, cl model.Consistency, sess *Session) (*Result, error) {
	ks, err := e.resolveKeyspace(s.Keyspace, sess)
	if err != nil {
		return nil, err
	}
	table, err := e.registry.Table(ks, s.Table)
	if err != nil {
		return nil, err
	}

	outCols := s.Columns
	if outCols == nil {
		for _, col := range table.Columns {
			outCols = append(outCols, col.Name)
		}
	} else {
		for _, col := range outCols {
			if _, ok := table.Column(col); !ok {
				return nil, dberr.New(dberr.CodeSchema, "unknown column %q in table %q", col, s.Table)
			}
		}
	}

	plan, err := planSelect(table, s)
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: outCols}
	total := 0
	for _, pk := range plan.partitions {
		rows, err := e.cluster.Read(ctx, &coordinator.ReadRequest{
			Keyspace:     ks,
			Table:        s.Table,
			PartitionKey: pk,
			Range:        plan.rng,
		}, cl)
		if err != nil {
			return nil, err
		}

		live := rows[:0]
		for _, row := range rows {
			if row.Live() {
				live = append(live, row)
			}
		}
		if plan.reverse {
			for i, j := 0, len(live)-1; i < j; i, j = i+1, j-1 {
				live[i], live[j] = live[j], live[i]
			}
		}
		for _, row := range live {
			if s.Limit > 0 && total >= s.Limit {
				break
			}
			out, err := renderRow(table, outCols, row)
			if err != nil {
				return nil, err
			}
			result.Rows = append(result.Rows, out)
			total++
		}
		if s.Limit > 0 && total >= s.Limit {
			break
		}
	}
	e.metrics.RowsReturned.Observe(float64(len(result.Rows)))
	return result, nil
}

// planSelect validates the WHERE clause against the primary key and builds
// the partition list and clustering bound. Partition key columns take
// equality or IN; clustering columns take an equality prefix followed by at
// most one ranged column; other columns cannot be constrained.
func planSelect(table *schema.Table, s *Select) (*selectPlan, error) {
	byCol := make(map[string][]Condition)
	for _, cond := range s.Where {
		byCol[cond.Column] = append(byCol[cond.Column], cond)
	}

	// Partition key: cartesian product of the per-column value sets.
	partitions := []string{""}
	for i, col := range table.PartitionKey {
		conds, ok := byCol[col]
		if !ok {
			return nil, dberr.New(dberr.CodeSchema, "SELECT must constrain partition key column %q", col)
		}
		delete(byCol, col)
		if len(conds) != 1 {
			return nil, dberr.New(dberr.CodeSchema, "conflicting conditions on partition key column %q", col)
		}
		var values []string
		switch conds[0].Op {
		case "=":
			values = []string{conds[0].Value}
		case "in":
			values = conds[0].Values
		default:
			return nil, dberr.New(dberr.CodeSchema, "partition key column %q only supports = and IN", col)
		}
		next := make([]string, 0, len(partitions)*len(values))
		for _, prefix := range partitions {
			for _, val := range values {
				enc, err := encodeKeyPart(table, col, val)
				if err != nil {
					return nil, err
				}
				if i == 0 {
					next = append(next, enc)
				} else {
					next = append(next, prefix+model.KeySeparator+enc)
				}
			}
		}
		partitions = next
	}

	rng, err := clusteringBound(table, byCol)
	if err != nil {
		return nil, err
	}

	reverse := false
	if len(table.ClusteringKey) > 0 {
		reverse = table.ClusteringKey[0].Descending
	}
	if len(s.OrderBy) > 0 {
		if len(table.ClusteringKey) == 0 {
			return nil, dberr.New(dberr.CodeSchema, "ORDER BY requires clustering columns")
		}
		if len(s.OrderBy) > len(table.ClusteringKey) {
			return nil, dberr.New(dberr.CodeSchema, "ORDER BY lists more columns than the clustering key")
		}
		for i, spec := range s.OrderBy {
			if spec.Column != table.ClusteringKey[i].Name {
				return nil, dberr.New(dberr.CodeSchema, "ORDER BY must follow the clustering key order, got %q", spec.Column)
			}
			if spec.Descending != s.OrderBy[0].Descending {
				return nil, dberr.New(dberr.CodeSchema, "ORDER BY directions must all match")
			}
		}
		// Storage order is always ascending in the encoded key, so the
		// requested direction alone decides the reversal.
		reverse = s.OrderBy[0].Descending
	}

	return &selectPlan{partitions: partitions, rng: rng, reverse: reverse}, nil
}

// clusteringBound folds the remaining conditions into a ClusteringRange.
func clusteringBound(table *schema.Table, byCol map[string][]Condition) (*model.ClusteringRange, error) {
	var eqParts []string
	rangeTaken := false
	rng := &model.ClusteringRange{}

	for _, def := range table.ClusteringKey {
		conds, ok := byCol[def.Name]
		if !ok {
			break
		}
		delete(byCol, def.Name)
		if rangeTaken {
			return nil, dberr.New(dberr.CodeSchema,
				"clustering column %q cannot be constrained after a range condition", def.Name)
		}
		if len(conds) == 1 && conds[0].Op == "=" {
			enc, err := encodeKeyPart(table, def.Name, conds[0].Value)
			if err != nil {
				return nil, err
			}
			eqParts = append(eqParts, enc)
			continue
		}

		// Ranged column: at most one lower and one upper bound.
		for _, cond := range conds {
			if cond.Op == "in" || cond.Op == "=" {
				return nil, dberr.New(dberr.CodeSchema,
					"clustering column %q mixes equality and range conditions", def.Name)
			}
			enc, err := encodeKeyPart(table, def.Name, cond.Value)
			if err != nil {
				return nil, err
			}
			bound := model.JoinKey(append(append([]string(nil), eqParts...), enc))
			switch cond.Op {
			case ">", ">=":
				if rng.Start != "" {
					return nil, dberr.New(dberr.CodeSchema, "duplicate lower bound on %q", def.Name)
				}
				rng.Start = bound
				rng.StartInclusive = cond.Op == ">="
			case "<", "<=":
				if rng.End != "" {
					return nil, dberr.New(dberr.CodeSchema, "duplicate upper bound on %q", def.Name)
				}
				rng.End = bound
				rng.EndInclusive = cond.Op == "<="
			}
		}
		rangeTaken = true
	}

	for col := range byCol {
		return nil, dberr.New(dberr.CodeSchema, "column %q is not a primary key column", col)
	}

	if !rangeTaken && len(eqParts) > 0 {
		bound := model.JoinKey(eqParts)
		if len(eqParts) < len(table.ClusteringKey) {
			// A partial prefix bound carries its trailing separator so a
			// longer sibling value cannot alias it.
			bound += model.KeySeparator
		}
		rng.Start, rng.End = bound, bound
		rng.StartInclusive, rng.EndInclusive = true, true
	} else if rangeTaken && len(eqParts) > 0 {
		prefix := model.JoinKey(eqParts) + model.KeySeparator
		if rng.Start == "" {
			rng.Start = prefix
			rng.StartInclusive = true
		}
		if rng.End == "" {
			rng.End = prefix
			rng.EndInclusive = true
		}
	}

	if rng.Unbounded() {
		return nil, nil
	}
	return rng, nil
}

// renderRow projects a stored row onto the requested columns, decoding key
// columns back to their literal form. Unset columns render as empty.
func renderRow(table *schema.Table, cols []string, row *model.Row) ([]string, error) {
	pkParts := model.SplitKey(row.PartitionKey)
	ckParts := model.SplitKey(row.ClusteringKey)

	out := make([]string, 0, len(cols))
	for _, col := range cols {
		def, _ := table.Column(col)
		if idx := pkIndex(table, col); idx >= 0 && idx < len(pkParts) {
			lit, err := def.Type.DecodeOrdered(pkParts[idx])
			if err != nil {
				return nil, err
			}
			out = append(out, lit)
			continue
		}
		if idx := table.ClusteringIndex(col); idx >= 0 && idx < len(ckParts) {
			lit, err := def.Type.DecodeOrdered(ckParts[idx])
			if err != nil {
				return nil, err
			}
			out = append(out, lit)
			continue
		}
		out = append(out, row.Columns[col].Value)
	}
	return out, nil
}

func pkIndex(table *schema.Table, col string) int {
	for i, k := range table.PartitionKey {
		if k == col {
			return i
		}
	}
	return -1
}
