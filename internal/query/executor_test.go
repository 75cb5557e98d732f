package query_test

import (
	"context"
	"sync"
	"testing"

	"github.com/lminervino18/rustic-airlines/internal/coordinator"
	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/query"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCluster struct {
	mu      sync.Mutex
	writes  []*model.Mutation
	schemas []*schema.Mutation
	reads   []*coordinator.ReadRequest
	rows    map[string][]*model.Row
}

func (f *fakeCluster) Write(_ context.Context, mut *model.Mutation, _ model.Consistency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, mut)
	return nil
}

func (f *fakeCluster) Read(_ context.Context, req *coordinator.ReadRequest, _ model.Consistency) ([]*model.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, req)
	return f.rows[req.PartitionKey], nil
}

func (f *fakeCluster) ExecuteSchema(_ context.Context, mut *schema.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas = append(f.schemas, mut)
	return nil
}

func newTestExecutor(t *testing.T) (*query.Executor, *fakeCluster) {
	t.Helper()

	registry := schema.NewRegistry()
	require.NoError(t, registry.Apply(&schema.Mutation{
		Kind:      schema.MutationCreateKeyspace,
		Keyspace:  &schema.Keyspace{Name: "sky", ReplicationFactor: 1},
		Timestamp: 1,
	}))
	require.NoError(t, registry.Apply(&schema.Mutation{
		Kind: schema.MutationCreateTable,
		Table: &schema.Table{
			Keyspace: "sky",
			Name:     "flights",
			Columns: []schema.ColumnDef{
				{Name: "origin", Type: model.TypeText},
				{Name: "flight", Type: model.TypeText},
				{Name: "status", Type: model.TypeText},
				{Name: "delay", Type: model.TypeInt},
			},
			PartitionKey:  []string{"origin"},
			ClusteringKey: []schema.ClusteringDef{{Name: "flight"}},
		},
		Timestamp: 2,
	}))
	require.NoError(t, registry.Apply(&schema.Mutation{
		Kind: schema.MutationCreateTable,
		Table: &schema.Table{
			Keyspace: "sky",
			Name:     "positions",
			Columns: []schema.ColumnDef{
				{Name: "origin", Type: model.TypeText},
				{Name: "seq", Type: model.TypeInt},
				{Name: "lat", Type: model.TypeDouble},
			},
			PartitionKey:  []string{"origin"},
			ClusteringKey: []schema.ClusteringDef{{Name: "seq"}},
		},
		Timestamp: 3,
	}))

	cluster := &fakeCluster{rows: make(map[string][]*model.Row)}
	return query.NewExecutor(registry, cluster, zap.NewNop(), metrics.NewNop()), cluster
}

func exec(t *testing.T, e *query.Executor, cql string, sess *query.Session) *query.Result {
	t.Helper()
	res, err := e.Execute(context.Background(), cql, model.ConsistencyQuorum, sess)
	require.NoError(t, err, "statement: %s", cql)
	return res
}

func execErr(t *testing.T, e *query.Executor, cql string) error {
	t.Helper()
	_, err := e.Execute(context.Background(), cql, model.ConsistencyQuorum, &query.Session{})
	require.Error(t, err, "statement: %s", cql)
	return err
}

func TestExecute_InsertBuildsMutation(t *testing.T) {
	e, cluster := newTestExecutor(t)

	exec(t, e, "INSERT INTO sky.flights (origin, flight, status, delay) VALUES ('EZE', 'AR1304', 'on time', 45)", &query.Session{})

	require.Len(t, cluster.writes, 1)
	mut := cluster.writes[0]
	assert.Equal(t, "sky", mut.Keyspace)
	assert.Equal(t, "flights", mut.Table)
	assert.Equal(t, "EZE", mut.PartitionKey)
	assert.Equal(t, "AR1304", mut.ClusteringKey)
	assert.False(t, mut.Delete)
	assert.Positive(t, mut.Timestamp)

	// Key columns are carried by the key, not stored as cells.
	assert.Len(t, mut.Columns, 2)
	assert.Equal(t, "on time", mut.Columns["status"].Value)
	assert.Equal(t, "45", mut.Columns["delay"].Value)
}

func TestExecute_InsertEncodesNumericKeys(t *testing.T) {
	e, cluster := newTestExecutor(t)

	exec(t, e, "INSERT INTO sky.positions (origin, seq, lat) VALUES ('EZE', -3, -34.6)", &query.Session{})

	require.Len(t, cluster.writes, 1)
	wantCK, err := model.TypeInt.EncodeOrdered("-3")
	require.NoError(t, err)
	assert.Equal(t, wantCK, cluster.writes[0].ClusteringKey)
}

func TestExecute_InsertValidation(t *testing.T) {
	e, _ := newTestExecutor(t)
	tests := []struct {
		name string
		cql  string
	}{
		{"missing clustering key", "INSERT INTO sky.flights (origin, status) VALUES ('EZE', 'late')"},
		{"missing partition key", "INSERT INTO sky.flights (flight, status) VALUES ('AR1', 'late')"},
		{"unknown column", "INSERT INTO sky.flights (origin, flight, gate) VALUES ('EZE', 'AR1', '9B')"},
		{"bad int literal", "INSERT INTO sky.flights (origin, flight, delay) VALUES ('EZE', 'AR1', 'soon')"},
		{"unknown table", "INSERT INTO sky.gates (origin) VALUES ('EZE')"},
		{"separator byte in partition key", "INSERT INTO sky.flights (origin, flight) VALUES ('EZE\x01X', 'AR1')"},
		{"separator byte in clustering key", "INSERT INTO sky.flights (origin, flight) VALUES ('EZE', 'AR\x001')"},
		{"separator byte in a value", "INSERT INTO sky.flights (origin, flight, status) VALUES ('EZE', 'AR1', 'on\x00time')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execErr(t, e, tt.cql)
			assert.Equal(t, dberr.CodeSchema, dberr.CodeOf(err))
		})
	}
}

func TestExecute_UpdateTargetsOneRow(t *testing.T) {
	e, cluster := newTestExecutor(t)

	exec(t, e, "UPDATE sky.flights SET status = 'delayed' WHERE origin = 'EZE' AND flight = 'AR1304'", &query.Session{})

	require.Len(t, cluster.writes, 1)
	mut := cluster.writes[0]
	assert.Equal(t, "EZE", mut.PartitionKey)
	assert.Equal(t, "AR1304", mut.ClusteringKey)
	assert.Equal(t, "delayed", mut.Columns["status"].Value)
	assert.Len(t, mut.Columns, 1)
}

func TestExecute_UpdateRejectsLooseWhere(t *testing.T) {
	e, _ := newTestExecutor(t)
	tests := []struct {
		name string
		cql  string
	}{
		{"range condition", "UPDATE sky.flights SET status = 'x' WHERE origin = 'EZE' AND flight > 'AR'"},
		{"missing clustering key", "UPDATE sky.flights SET status = 'x' WHERE origin = 'EZE'"},
		{"non key condition", "UPDATE sky.flights SET status = 'x' WHERE origin = 'EZE' AND flight = 'AR1' AND status = 'y'"},
		{"updating a key column", "UPDATE sky.flights SET flight = 'AR2' WHERE origin = 'EZE' AND flight = 'AR1'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execErr(t, e, tt.cql)
			assert.Equal(t, dberr.CodeSchema, dberr.CodeOf(err))
		})
	}
}

func TestExecute_DeleteWritesTombstone(t *testing.T) {
	e, cluster := newTestExecutor(t)

	exec(t, e, "DELETE FROM sky.flights WHERE origin = 'EZE' AND flight = 'AR1304'", &query.Session{})

	require.Len(t, cluster.writes, 1)
	mut := cluster.writes[0]
	assert.True(t, mut.Delete)
	assert.Empty(t, mut.Columns)
	assert.Equal(t, "EZE", mut.PartitionKey)
}

func TestExecute_SelectProjectsAndSkipsDeleted(t *testing.T) {
	e, cluster := newTestExecutor(t)
	cluster.rows["EZE"] = []*model.Row{
		{
			PartitionKey:  "EZE",
			ClusteringKey: "AR1304",
			Columns:       map[string]model.Column{"status": {Value: "on time", Timestamp: 1}},
		},
		{
			PartitionKey:  "EZE",
			ClusteringKey: "AR1305",
			Tombstone:     true,
			DeletedAt:     2,
		},
	}

	res := exec(t, e, "SELECT flight, status, delay FROM sky.flights WHERE origin = 'EZE'", &query.Session{})

	assert.Equal(t, []string{"flight", "status", "delay"}, res.Columns)
	require.Len(t, res.Rows, 1)
	// Key columns decode from the key; the unset delay cell renders empty.
	assert.Equal(t, []string{"AR1304", "on time", ""}, res.Rows[0])
}

func TestExecute_SelectStarUsesTableColumnOrder(t *testing.T) {
	e, cluster := newTestExecutor(t)
	cluster.rows["EZE"] = []*model.Row{{
		PartitionKey:  "EZE",
		ClusteringKey: "AR1304",
		Columns:       map[string]model.Column{"status": {Value: "boarding", Timestamp: 1}},
	}}

	res := exec(t, e, "SELECT * FROM sky.flights WHERE origin = 'EZE'", &query.Session{})

	assert.Equal(t, []string{"origin", "flight", "status", "delay"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []string{"EZE", "AR1304", "boarding", ""}, res.Rows[0])
}

func TestExecute_SelectInFansOutWithLimit(t *testing.T) {
	e, cluster := newTestExecutor(t)
	cluster.rows["EZE"] = []*model.Row{{
		PartitionKey: "EZE", ClusteringKey: "AR1",
		Columns: map[string]model.Column{"status": {Value: "a", Timestamp: 1}},
	}}
	cluster.rows["AEP"] = []*model.Row{{
		PartitionKey: "AEP", ClusteringKey: "AR2",
		Columns: map[string]model.Column{"status": {Value: "b", Timestamp: 1}},
	}}

	res := exec(t, e, "SELECT flight FROM sky.flights WHERE origin IN ('EZE', 'AEP')", &query.Session{})
	require.Len(t, res.Rows, 2)
	assert.Len(t, cluster.reads, 2)

	cluster.reads = nil
	res = exec(t, e, "SELECT flight FROM sky.flights WHERE origin IN ('EZE', 'AEP') LIMIT 1", &query.Session{})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "AR1", res.Rows[0][0])
	// The limit was reached before the second partition was contacted.
	assert.Len(t, cluster.reads, 1)
}

func TestExecute_SelectClusteringRange(t *testing.T) {
	e, cluster := newTestExecutor(t)

	exec(t, e, "SELECT flight FROM sky.flights WHERE origin = 'EZE' AND flight >= 'AR' AND flight < 'AS'", &query.Session{})

	require.Len(t, cluster.reads, 1)
	rng := cluster.reads[0].Range
	require.NotNil(t, rng)
	assert.Equal(t, "AR", rng.Start)
	assert.True(t, rng.StartInclusive)
	assert.Equal(t, "AS", rng.End)
	assert.False(t, rng.EndInclusive)
}

func TestExecute_SelectOrderByDescReverses(t *testing.T) {
	e, cluster := newTestExecutor(t)
	cluster.rows["EZE"] = []*model.Row{
		{PartitionKey: "EZE", ClusteringKey: "AR1", Columns: map[string]model.Column{"status": {Value: "a", Timestamp: 1}}},
		{PartitionKey: "EZE", ClusteringKey: "AR2", Columns: map[string]model.Column{"status": {Value: "b", Timestamp: 1}}},
	}

	res := exec(t, e, "SELECT flight FROM sky.flights WHERE origin = 'EZE' ORDER BY flight DESC", &query.Session{})

	require.Len(t, res.Rows, 2)
	assert.Equal(t, "AR2", res.Rows[0][0])
	assert.Equal(t, "AR1", res.Rows[1][0])
}

func TestExecute_SelectNumericKeyRoundTrip(t *testing.T) {
	e, cluster := newTestExecutor(t)
	sess := &query.Session{}

	exec(t, e, "INSERT INTO sky.positions (origin, seq, lat) VALUES ('EZE', -3, -34.6)", sess)
	require.Len(t, cluster.writes, 1)
	written := cluster.writes[0]
	cluster.rows[written.PartitionKey] = []*model.Row{{
		PartitionKey:  written.PartitionKey,
		ClusteringKey: written.ClusteringKey,
		Columns:       written.Columns,
	}}

	res := exec(t, e, "SELECT seq, lat FROM sky.positions WHERE origin = 'EZE'", sess)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []string{"-3", "-34.6"}, res.Rows[0])
}

func TestExecute_SelectRejectsBadPlans(t *testing.T) {
	e, _ := newTestExecutor(t)
	tests := []struct {
		name string
		cql  string
	}{
		{"no partition key", "SELECT flight FROM sky.flights WHERE flight = 'AR1'"},
		{"range on partition key", "SELECT flight FROM sky.flights WHERE origin > 'A'"},
		{"non key column constrained", "SELECT flight FROM sky.flights WHERE origin = 'EZE' AND status = 'late'"},
		{"order by wrong column", "SELECT flight FROM sky.flights WHERE origin = 'EZE' ORDER BY status"},
		{"unknown projected column", "SELECT gate FROM sky.flights WHERE origin = 'EZE'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execErr(t, e, tt.cql)
			assert.Equal(t, dberr.CodeSchema, dberr.CodeOf(err))
		})
	}
}

func TestExecute_UseSetsSessionKeyspace(t *testing.T) {
	e, cluster := newTestExecutor(t)
	sess := &query.Session{}

	exec(t, e, "USE sky", sess)
	assert.Equal(t, "sky", sess.CurrentKeyspace())

	// Unqualified names now resolve against the session keyspace.
	exec(t, e, "INSERT INTO flights (origin, flight) VALUES ('EZE', 'AR1')", sess)
	require.Len(t, cluster.writes, 1)
	assert.Equal(t, "sky", cluster.writes[0].Keyspace)
}

func TestExecute_UnqualifiedTableNeedsKeyspace(t *testing.T) {
	e, _ := newTestExecutor(t)
	err := execErr(t, e, "INSERT INTO flights (origin, flight) VALUES ('EZE', 'AR1')")
	assert.Equal(t, dberr.CodeSchema, dberr.CodeOf(err))

	err = execErr(t, e, "USE nowhere")
	assert.Equal(t, dberr.CodeSchema, dberr.CodeOf(err))
}

func TestExecute_SchemaStatementsRouteToCluster(t *testing.T) {
	e, cluster := newTestExecutor(t)
	sess := &query.Session{}
	sess.UseKeyspace("sky")

	exec(t, e, "CREATE KEYSPACE cargo WITH REPLICATION = {'replication_factor': 2}", sess)
	exec(t, e, "DROP TABLE flights", sess)

	require.Len(t, cluster.schemas, 2)
	assert.Equal(t, schema.MutationCreateKeyspace, cluster.schemas[0].Kind)
	assert.Equal(t, 2, cluster.schemas[0].Keyspace.ReplicationFactor)
	assert.Equal(t, schema.MutationDropTable, cluster.schemas[1].Kind)
	assert.Equal(t, "sky", cluster.schemas[1].KeyspaceName)
}

func TestExecute_SessionIsSafeForConcurrentQueries(t *testing.T) {
	e, cluster := newTestExecutor(t)
	sess := &query.Session{}
	sess.UseKeyspace("sky")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), "USE sky", model.ConsistencyQuorum, sess)
			errs <- err
			_, err = e.Execute(context.Background(), "INSERT INTO flights (origin, flight) VALUES ('EZE', 'AR1')", model.ConsistencyQuorum, sess)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, "sky", sess.CurrentKeyspace())
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	assert.Len(t, cluster.writes, 8)
}

func TestExecute_ParseErrorSurfaces(t *testing.T) {
	e, _ := newTestExecutor(t)
	err := execErr(t, e, "EXPLAIN everything")
	assert.Equal(t, dberr.CodeParse, dberr.CodeOf(err))
}
