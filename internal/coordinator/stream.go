package coordinator

import (
	"context"
	"fmt"

	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"github.com/lminervino18/rustic-airlines/internal/storage"
	"go.uber.org/zap"
)

// StreamedRow is one stored row in transit during a range transfer.
type StreamedRow struct {
	Key string     `json:"key"`
	Row *model.Row `json:"row"`
}

// StreamClient pulls a token range from a peer. Kept separate from
// ReplicaClient because only join-time bootstrap uses it.
type StreamClient interface {
	StreamRange(ctx context.Context, addr string, rng ring.Range) ([]StreamedRow, error)
}

// Announcer is the slice of the gossip layer that ring transitions drive.
type Announcer interface {
	SetStatus(status model.NodeStatus)
	SetTokens(tokens []uint64)
}

// RowsInRange serves the source side of a range transfer: every stored row
// whose partition token falls inside rng, tombstones included so deletions
// transfer too.
func (c *Coordinator) RowsInRange(rng ring.Range) ([]StreamedRow, error) {
	var out []StreamedRow
	err := c.engine.ScanAll(func(key string, row *model.Row) bool {
		_, _, pk, _, ok := storage.SplitStorageKey(key)
		if !ok || !rng.Contains(ring.HashKey(pk)) {
			return true
		}
		out = append(out, StreamedRow{Key: key, Row: row})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// JoinRing brings this node into the ring. In an empty ring it becomes the
// first owner immediately. Otherwise it announces JOINING, pulls every range
// it will own from the current owners, and only then announces NORMAL with
// its tokens, so reads never hit a replica that lacks its data.
func (c *Coordinator) JoinRing(ctx context.Context, stream StreamClient, tokens []uint64, announce Announcer) error {
	snap := c.ringHold.Current()
	if snap.OwnerCount() == 0 {
		announce.SetTokens(tokens)
		announce.SetStatus(model.NodeStatusNormal)
		c.logger.Info("joined as first ring member", zap.Int("tokens", len(tokens)))
		return nil
	}

	announce.SetStatus(model.NodeStatusJoining)

	plan := snap.StreamPlan(tokens, c.selfID)
	for _, transfer := range plan {
		source, ok := snap.Node(transfer.SourceID)
		if !ok {
			return dberr.New(dberr.CodeUnavailable, "stream source %q left the ring", transfer.SourceID)
		}
		rows, err := stream.StreamRange(ctx, source.Addr, transfer.Range)
		if err != nil {
			return dberr.Wrap(dberr.CodeNodeUnreachable, err, "range pull from %s failed", source.ID)
		}
		if err := c.applyStreamedRows(rows); err != nil {
			return err
		}
		c.logger.Info("pulled range",
			zap.String("source", source.ID),
			zap.Uint64("start", transfer.Range.Start),
			zap.Uint64("end", transfer.Range.End),
			zap.Int("rows", len(rows)))
	}

	announce.SetTokens(tokens)
	announce.SetStatus(model.NodeStatusNormal)
	c.logger.Info("joined ring", zap.Int("tokens", len(tokens)), zap.Int("ranges_pulled", len(plan)))
	return nil
}

// Decommission removes this node from the ring: announce LEAVING (the node
// keeps serving its ranges), push every locally stored row to the replicas
// that own it once this node is gone, then announce REMOVED. A push failure
// aborts and leaves the node LEAVING so the operator can retry.
func (c *Coordinator) Decommission(ctx context.Context, announce Announcer) error {
	announce.SetStatus(model.NodeStatusLeaving)

	var future []*model.NodeInfo
	for _, member := range c.membership.Members() {
		if member.ID == c.selfID {
			continue
		}
		future = append(future, member)
	}
	futureRing := ring.Build(future, 0)
	if futureRing.OwnerCount() == 0 {
		// Last node: nowhere to hand data to.
		announce.SetStatus(model.NodeStatusRemoved)
		return nil
	}

	pushed := 0
	var streamErr error
	scanErr := c.engine.ScanAll(func(key string, row *model.Row) bool {
		ks, table, pk, _, ok := storage.SplitStorageKey(key)
		if !ok || ks == schema.SystemKeyspace {
			return true
		}
		keyspace, err := c.registry.Keyspace(ks)
		if err != nil {
			return true // dropped keyspace, only tombstones remain
		}
		for _, owner := range futureRing.Owners(pk, keyspace.ReplicationFactor) {
			for _, mut := range rowMutations(ks, table, row) {
				wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
				err := c.client.WriteAt(wctx, owner.Addr, mut)
				cancel()
				if err != nil {
					streamErr = fmt.Errorf("handoff to %s failed: %w", owner.ID, err)
					return false
				}
			}
		}
		pushed++
		return true
	})
	if scanErr != nil {
		return scanErr
	}
	if streamErr != nil {
		return dberr.Wrap(dberr.CodeNodeUnreachable, streamErr, "decommission aborted")
	}

	announce.SetStatus(model.NodeStatusRemoved)
	c.logger.Info("decommissioned", zap.Int("rows_handed_off", pushed))
	return nil
}

// applyStreamedRows installs pulled rows through the normal write path so
// they hit the commit log.
func (c *Coordinator) applyStreamedRows(rows []StreamedRow) error {
	for _, sr := range rows {
		ks, table, _, _, ok := storage.SplitStorageKey(sr.Key)
		if !ok {
			continue
		}
		for _, mut := range rowMutations(ks, table, sr.Row) {
			if err := c.engine.Apply(mut); err != nil {
				return err
			}
		}
	}
	return nil
}

// rowMutations rebuilds the mutations that reproduce a stored row elsewhere.
func rowMutations(keyspace, table string, row *model.Row) []*model.Mutation {
	var muts []*model.Mutation
	if row.Tombstone {
		muts = append(muts, &model.Mutation{
			Keyspace:      keyspace,
			Table:         table,
			PartitionKey:  row.PartitionKey,
			ClusteringKey: row.ClusteringKey,
			Delete:        true,
			Timestamp:     row.DeletedAt,
		})
	}
	if len(row.Columns) > 0 {
		muts = append(muts, &model.Mutation{
			Keyspace:      keyspace,
			Table:         table,
			PartitionKey:  row.PartitionKey,
			ClusteringKey: row.ClusteringKey,
			Columns:       row.Columns,
			Timestamp:     row.LatestTimestamp(),
		})
	}
	return muts
}
