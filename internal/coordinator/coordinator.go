package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/config"
	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"github.com/lminervino18/rustic-airlines/internal/storage"
	"github.com/lminervino18/rustic-airlines/internal/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReadRequest identifies one partition read as shipped to replicas.
type ReadRequest struct {
	Keyspace     string                 `json:"keyspace"`
	Table        string                 `json:"table"`
	PartitionKey string                 `json:"pk"`
	Range        *model.ClusteringRange `json:"range,omitempty"`
}

// ReplicaClient performs replica RPCs against a peer's inter-node address.
type ReplicaClient interface {
	WriteAt(ctx context.Context, addr string, mut *model.Mutation) error
	DeleteAt(ctx context.Context, addr string, mut *model.Mutation) error
	DeliverHint(ctx context.Context, addr string, mut *model.Mutation) error
	ReadAt(ctx context.Context, addr string, req *ReadRequest) ([]*model.Row, error)
	SchemaAt(ctx context.Context, addr string, mut *schema.Mutation) error
}

// Membership is the view the coordinator needs of the gossip layer.
type Membership interface {
	Members() []*model.NodeInfo
	Liveness(id string) model.Liveness
	Self() model.NodeInfo
}

// Coordinator turns client statements into replica operations. Any node
// coordinates any query: it resolves the replica set from the current ring
// snapshot, dispatches to replicas in parallel (itself included, served
// locally), and answers once the consistency level's quorum is met. Slower
// replicas keep running in the background; their results feed hints and
// read repair rather than the client response.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	selfID     string
	ringHold   *ring.Holder
	membership Membership
	client     ReplicaClient
	engine     *storage.Engine
	registry   *schema.Registry
	hints      *HintStore
	pool       *workerpool.Pool
	logger     *zap.Logger
	metrics    *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a coordinator. Start launches hint replay; Stop shuts it down.
func New(
	cfg config.CoordinatorConfig,
	selfID string,
	ringHold *ring.Holder,
	membership Membership,
	client ReplicaClient,
	engine *storage.Engine,
	registry *schema.Registry,
	pool *workerpool.Pool,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		selfID:     selfID,
		ringHold:   ringHold,
		membership: membership,
		client:     client,
		engine:     engine,
		registry:   registry,
		hints:      NewHintStore(cfg.HintTTL, cfg.MaxHintsPerNode, m),
		pool:       pool,
		logger:     logger,
		metrics:    m,
	}
}

// Start launches the hint replay loop.
func (c *Coordinator) Start() {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HintReplayEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.replayHints()
			}
		}
	}()
}

// Stop halts background hint replay.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Hints exposes the hint store for inspection.
func (c *Coordinator) Hints() *HintStore { return c.hints }

// replicaPlan is the owner set for one partition, split by reachability.
type replicaPlan struct {
	owners     []*model.NodeInfo // full replica set, ring order
	candidates []*model.NodeInfo // alive or suspect, dispatched to
	dead       []*model.NodeInfo // confirmed down, hinted immediately
	required   int
	aliveCount int
}

// plan resolves owners and the ack requirement for one partition key.
// Effective replication is capped by the number of distinct ring owners so
// a small cluster still answers QUORUM and ALL.
func (c *Coordinator) plan(keyspace, partitionKey string, cl model.Consistency) (*replicaPlan, error) {
	ks, err := c.registry.Keyspace(keyspace)
	if err != nil {
		return nil, err
	}
	snap := c.ringHold.Current()
	owners := snap.Owners(partitionKey, ks.ReplicationFactor)
	if len(owners) == 0 {
		return nil, dberr.New(dberr.CodeUnavailable, "token ring has no owners")
	}

	p := &replicaPlan{owners: owners, required: cl.Required(len(owners))}
	for _, owner := range owners {
		switch c.membership.Liveness(owner.ID) {
		case model.LivenessAlive:
			p.aliveCount++
			p.candidates = append(p.candidates, owner)
		case model.LivenessSuspect:
			p.candidates = append(p.candidates, owner)
		default:
			p.dead = append(p.dead, owner)
		}
	}
	return p, nil
}

// Write coordinates one mutation at the given consistency level. Replicas
// known dead are hinted without being tried; suspect replicas are tried and
// their acks count. Timeout means the quorum did not form in time, not that
// the write failed: replicas that did apply it keep it.
func (c *Coordinator) Write(ctx context.Context, mut *model.Mutation, cl model.Consistency) error {
	plan, err := c.plan(mut.Keyspace, mut.PartitionKey, cl)
	if err != nil {
		return err
	}
	if plan.aliveCount < plan.required {
		return dberr.New(dberr.CodeUnavailable,
			"need %d replicas for %s, only %d alive of %d owners",
			plan.required, cl, plan.aliveCount, len(plan.owners))
	}
	for _, node := range plan.dead {
		c.hints.Add(node.ID, mut)
	}

	acks := make(chan error, len(plan.candidates))
	for _, node := range plan.candidates {
		node := node
		go func() {
			err := c.writeOne(node, mut)
			if err != nil {
				c.metrics.ReplicaRequestsTotal.WithLabelValues("write", "error").Inc()
				c.hints.Add(node.ID, mut)
			} else {
				c.metrics.ReplicaRequestsTotal.WithLabelValues("write", "ok").Inc()
			}
			acks <- err
		}()
	}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()

	got, replied := 0, 0
	for replied < len(plan.candidates) {
		select {
		case err := <-acks:
			replied++
			if err == nil {
				got++
				if got >= plan.required {
					return nil
				}
			}
		case <-timer.C:
			return dberr.New(dberr.CodeTimeout,
				"write acknowledged by %d of %d required replicas", got, plan.required)
		case <-ctx.Done():
			return dberr.Wrap(dberr.CodeTimeout, ctx.Err(), "write cancelled")
		}
	}
	return dberr.New(dberr.CodeWriteFailed,
		"write acknowledged by %d of %d required replicas", got, plan.required)
}

// writeOne applies the mutation on one replica. The attempt carries its own
// deadline, detached from the client request, so a write that outlives the
// coordinator's quorum wait still lands for durability.
func (c *Coordinator) writeOne(node *model.NodeInfo, mut *model.Mutation) error {
	if node.ID == c.selfID {
		return c.engine.Apply(mut)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if mut.Delete {
		return c.client.DeleteAt(ctx, node.Addr, mut)
	}
	return c.client.WriteAt(ctx, node.Addr, mut)
}

type replicaRead struct {
	node *model.NodeInfo
	rows []*model.Row
	err  error
}

// Read coordinates one partition read. All reachable replicas are queried;
// the merged last-write-wins view is returned once the required count has
// answered. Divergent replicas are repaired in the background. Tombstoned
// rows stay in the result so callers can distinguish deleted from absent.
func (c *Coordinator) Read(ctx context.Context, req *ReadRequest, cl model.Consistency) ([]*model.Row, error) {
	plan, err := c.plan(req.Keyspace, req.PartitionKey, cl)
	if err != nil {
		return nil, err
	}
	if plan.aliveCount < plan.required {
		return nil, dberr.New(dberr.CodeUnavailable,
			"need %d replicas for %s, only %d alive of %d owners",
			plan.required, cl, plan.aliveCount, len(plan.owners))
	}

	results := make(chan replicaRead, len(plan.candidates))
	for _, node := range plan.candidates {
		node := node
		go func() {
			rows, err := c.readOne(node, req)
			if err != nil {
				c.metrics.ReplicaRequestsTotal.WithLabelValues("read", "error").Inc()
			} else {
				c.metrics.ReplicaRequestsTotal.WithLabelValues("read", "ok").Inc()
			}
			results <- replicaRead{node: node, rows: rows, err: err}
		}()
	}

	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()

	var responses []replicaRead
	replied := 0
	for replied < len(plan.candidates) && len(responses) < plan.required {
		select {
		case res := <-results:
			replied++
			if res.err == nil {
				responses = append(responses, res)
			}
		case <-timer.C:
			return nil, dberr.New(dberr.CodeTimeout,
				"read answered by %d of %d required replicas", len(responses), plan.required)
		case <-ctx.Done():
			return nil, dberr.Wrap(dberr.CodeTimeout, ctx.Err(), "read cancelled")
		}
	}
	if len(responses) < plan.required {
		return nil, dberr.New(dberr.CodeTimeout,
			"read answered by %d of %d required replicas", len(responses), plan.required)
	}

	merged := mergeReads(responses)
	c.scheduleReadRepair(req, merged, responses)

	rows := make([]*model.Row, 0, len(merged.order))
	for _, ck := range merged.order {
		rows = append(rows, merged.rows[ck])
	}
	return rows, nil
}

func (c *Coordinator) readOne(node *model.NodeInfo, req *ReadRequest) ([]*model.Row, error) {
	if node.ID == c.selfID {
		return c.engine.ReadPartition(req.Keyspace, req.Table, req.PartitionKey, req.Range)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReadTimeout)
	defer cancel()
	return c.client.ReadAt(ctx, node.Addr, req)
}

type mergedView struct {
	rows  map[string]*model.Row // clustering key -> merged row
	order []string              // clustering keys, ascending
}

func mergeReads(responses []replicaRead) *mergedView {
	view := &mergedView{rows: make(map[string]*model.Row)}
	for _, res := range responses {
		for _, row := range res.rows {
			if cur, ok := view.rows[row.ClusteringKey]; ok {
				cur.Merge(row)
			} else {
				view.rows[row.ClusteringKey] = row.Clone()
				view.order = insertSorted(view.order, row.ClusteringKey)
			}
		}
	}
	return view
}

func insertSorted(keys []string, key string) []string {
	i := 0
	for i < len(keys) && keys[i] < key {
		i++
	}
	keys = append(keys, "")
	copy(keys[i+1:], keys[i:])
	keys[i] = key
	return keys
}

// scheduleReadRepair pushes the merged view to every responding replica
// that returned a stale or missing version. Repair is asynchronous and best
// effort; a full worker pool just means the next read repairs instead.
func (c *Coordinator) scheduleReadRepair(req *ReadRequest, merged *mergedView, responses []replicaRead) {
	for _, res := range responses {
		have := make(map[string]int64, len(res.rows))
		for _, row := range res.rows {
			have[row.ClusteringKey] = row.LatestTimestamp()
		}

		var stale []*model.Row
		for ck, row := range merged.rows {
			if ts, ok := have[ck]; !ok || ts < row.LatestTimestamp() {
				stale = append(stale, row)
			}
		}
		if len(stale) == 0 {
			continue
		}

		node := res.node
		task := workerpool.Task{
			Name: "read-repair",
			Fn: func(ctx context.Context) error {
				for _, row := range stale {
					for _, mut := range rowMutations(req.Keyspace, req.Table, row) {
						if err := c.writeOne(node, mut); err != nil {
							return fmt.Errorf("repair of %s failed: %w", node.ID, err)
						}
					}
				}
				c.metrics.ReadRepairsTotal.Inc()
				return nil
			},
		}
		if err := c.pool.Submit(task); err != nil {
			c.logger.Debug("read repair dropped", zap.Error(err))
		}
	}
}

// ApplyLocal serves the replica side of WriteAt.
func (c *Coordinator) ApplyLocal(mut *model.Mutation) error {
	return c.engine.Apply(mut)
}

// ReadLocal serves the replica side of ReadAt.
func (c *Coordinator) ReadLocal(req *ReadRequest) ([]*model.Row, error) {
	return c.engine.ReadPartition(req.Keyspace, req.Table, req.PartitionKey, req.Range)
}

// ExecuteSchema applies a schema mutation cluster-wide. Schema changes run
// at consistency ALL against every non-removed member: the mutation is
// validated and applied locally first, then pushed to every peer. A peer
// that cannot be reached fails the statement; it will still converge later
// through the gossiped schema version and a pull.
func (c *Coordinator) ExecuteSchema(ctx context.Context, mut *schema.Mutation) error {
	if mut.Timestamp == 0 {
		mut.Timestamp = time.Now().UnixMicro()
	}
	if err := c.ApplySchemaLocal(mut); err != nil {
		return err
	}

	peers := make([]*model.NodeInfo, 0)
	for _, member := range c.membership.Members() {
		if member.ID == c.selfID || member.Status == model.NodeStatusRemoved {
			continue
		}
		peers = append(peers, member)
	}
	if len(peers) == 0 {
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(gctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := c.client.SchemaAt(gctx, peer.Addr, mut); err != nil {
				return fmt.Errorf("schema change not applied on %s: %w", peer.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dberr.Wrap(dberr.CodeTimeout, err, "schema change not acknowledged by all nodes")
	}
	return nil
}

// ApplySchemaLocal installs a schema mutation on this node: registry first,
// then a durable record in the system keyspace, then data removal for drops.
func (c *Coordinator) ApplySchemaLocal(mut *schema.Mutation) error {
	if err := c.registry.Apply(mut); err != nil {
		return err
	}

	encoded, err := schema.EncodeMutation(mut)
	if err != nil {
		return err
	}
	record := &model.Mutation{
		Keyspace:      schema.SystemKeyspace,
		Table:         schema.SchemaTable,
		PartitionKey:  "mutations",
		ClusteringKey: fmt.Sprintf("%020d", mut.Timestamp),
		Columns:       map[string]model.Column{"definition": {Value: encoded, Timestamp: mut.Timestamp}},
		Timestamp:     mut.Timestamp,
	}
	if err := c.engine.Apply(record); err != nil {
		return err
	}

	switch mut.Kind {
	case schema.MutationDropTable:
		return c.engine.DropPrefix(storage.TablePrefix(mut.KeyspaceName, mut.TableName), mut.Timestamp)
	case schema.MutationDropKeyspace:
		return c.engine.DropPrefix(storage.KeyspacePrefix(mut.KeyspaceName), mut.Timestamp)
	}
	return nil
}

// SchemaSnapshot serves schema pull requests from peers that saw a newer
// version in gossip.
func (c *Coordinator) SchemaSnapshot() *schema.Snapshot {
	return c.registry.Export()
}

// ImportSchema installs a pulled snapshot when it is newer than local.
func (c *Coordinator) ImportSchema(snap *schema.Snapshot) bool {
	return c.registry.Import(snap)
}

// RecoverSchema replays the persisted schema mutations from the system
// keyspace into the registry, called once at startup before serving.
func RecoverSchema(engine *storage.Engine, registry *schema.Registry, logger *zap.Logger) error {
	rows, err := engine.ReadPartition(schema.SystemKeyspace, schema.SchemaTable, "mutations", nil)
	if err != nil {
		return fmt.Errorf("schema recovery scan failed: %w", err)
	}
	applied := 0
	for _, row := range rows {
		if !row.Live() {
			continue
		}
		col, ok := row.Columns["definition"]
		if !ok {
			continue
		}
		mut, err := schema.DecodeMutation(col.Value)
		if err != nil {
			logger.Warn("skipping undecodable schema record", zap.Error(err))
			continue
		}
		if err := registry.Apply(mut); err != nil {
			// Replaying the full history can legitimately conflict, e.g.
			// a create that a later drop removed again.
			logger.Debug("schema replay conflict", zap.Error(err))
			continue
		}
		applied++
	}
	logger.Info("recovered schema", zap.Int("mutations", applied), zap.Int64("version", registry.Version()))
	return nil
}

// replayHints delivers parked mutations to targets that came back. Targets
// still down keep their hints for the next cycle.
func (c *Coordinator) replayHints() {
	c.hints.Expire()

	members := make(map[string]*model.NodeInfo)
	for _, member := range c.membership.Members() {
		members[member.ID] = member
	}

	for _, targetID := range c.hints.Targets() {
		target, known := members[targetID]
		if !known || target.Status != model.NodeStatusNormal {
			continue
		}
		if c.membership.Liveness(targetID) != model.LivenessAlive {
			continue
		}

		hints := c.hints.Drain(targetID)
		var failed []*Hint
		for _, hint := range hints {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			err := c.client.DeliverHint(ctx, target.Addr, hint.Mutation)
			cancel()
			if err != nil {
				failed = append(failed, hint)
				continue
			}
			c.metrics.HintsReplayedTotal.Inc()
		}
		if len(failed) > 0 {
			c.hints.Requeue(failed)
			c.logger.Debug("hint replay partially failed",
				zap.String("target", targetID),
				zap.Int("delivered", len(hints)-len(failed)),
				zap.Int("requeued", len(failed)))
		} else if len(hints) > 0 {
			c.logger.Info("replayed hints", zap.String("target", targetID), zap.Int("count", len(hints)))
		}
	}
}
