package ring_test

import (
	"fmt"
	"testing"

	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string, status model.NodeStatus, vnodes int) *model.NodeInfo {
	return &model.NodeInfo{
		ID:     id,
		Addr:   id + ":7000",
		Status: status,
		Tokens: ring.TokensFor(id, vnodes),
	}
}

func TestTokensFor_Deterministic(t *testing.T) {
	a := ring.TokensFor("node-1", 8)
	b := ring.TokensFor("node-1", 8)
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, ring.TokensFor("node-2", 8))
}

func TestSnapshot_OwnersDistinctAndStable(t *testing.T) {
	members := []*model.NodeInfo{
		member("n1", model.NodeStatusNormal, 8),
		member("n2", model.NodeStatusNormal, 8),
		member("n3", model.NodeStatusNormal, 8),
	}
	snap := ring.Build(members, 1)

	for i := 0; i < 50; i++ {
		pk := fmt.Sprintf("flight-%d", i)
		owners := snap.Owners(pk, 2)
		require.Len(t, owners, 2)
		assert.NotEqual(t, owners[0].ID, owners[1].ID, "replicas must be distinct nodes")
		// Placement is a pure function of the key and the ring.
		again := snap.Owners(pk, 2)
		assert.Equal(t, owners[0].ID, again[0].ID)
		assert.Equal(t, owners[1].ID, again[1].ID)
	}
}

func TestSnapshot_OwnersCappedByClusterSize(t *testing.T) {
	snap := ring.Build([]*model.NodeInfo{
		member("n1", model.NodeStatusNormal, 8),
		member("n2", model.NodeStatusNormal, 8),
	}, 1)
	owners := snap.Owners("anything", 3)
	assert.Len(t, owners, 2)
}

func TestBuild_StatusGatesRingOwnership(t *testing.T) {
	snap := ring.Build([]*model.NodeInfo{
		member("n1", model.NodeStatusNormal, 8),
		member("n2", model.NodeStatusJoining, 8),
		member("n3", model.NodeStatusLeaving, 8),
		member("n4", model.NodeStatusRemoved, 8),
	}, 1)

	// JOINING and REMOVED nodes own nothing; NORMAL and LEAVING do.
	assert.Equal(t, 2, snap.OwnerCount())
	for i := 0; i < 20; i++ {
		for _, owner := range snap.Owners(fmt.Sprintf("pk-%d", i), 2) {
			assert.Contains(t, []string{"n1", "n3"}, owner.ID)
		}
	}
}

func TestRange_Contains(t *testing.T) {
	plain := ring.Range{Start: 100, End: 200}
	assert.False(t, plain.Contains(100), "range is exclusive at start")
	assert.True(t, plain.Contains(150))
	assert.True(t, plain.Contains(200), "range is inclusive at end")
	assert.False(t, plain.Contains(201))

	wrapped := ring.Range{Start: ^uint64(0) - 10, End: 10}
	assert.True(t, wrapped.Contains(^uint64(0)))
	assert.True(t, wrapped.Contains(5))
	assert.False(t, wrapped.Contains(11))
	assert.False(t, wrapped.Contains(^uint64(0)-10))
}

func TestSnapshot_StreamPlanCoversNewTokens(t *testing.T) {
	snap := ring.Build([]*model.NodeInfo{
		member("n1", model.NodeStatusNormal, 8),
		member("n2", model.NodeStatusNormal, 8),
	}, 1)

	tokens := ring.TokensFor("n3", 8)
	plan := snap.StreamPlan(tokens, "n3")
	require.NotEmpty(t, plan)
	for _, transfer := range plan {
		assert.Contains(t, []string{"n1", "n2"}, transfer.SourceID)
		assert.True(t, transfer.Range.Contains(transfer.Range.End))
	}
}

func TestHolder_PublishSwapsAtomically(t *testing.T) {
	holder := ring.NewHolder()
	assert.Equal(t, 0, holder.Current().OwnerCount())

	first := holder.Publish([]*model.NodeInfo{member("n1", model.NodeStatusNormal, 8)})
	assert.Equal(t, 1, holder.Current().OwnerCount())

	second := holder.Publish([]*model.NodeInfo{
		member("n1", model.NodeStatusNormal, 8),
		member("n2", model.NodeStatusNormal, 8),
	})
	assert.Greater(t, second.Version(), first.Version())
	assert.Equal(t, 2, holder.Current().OwnerCount())
}

func TestHashKey_SpreadsAcrossOwners(t *testing.T) {
	snap := ring.Build([]*model.NodeInfo{
		member("n1", model.NodeStatusNormal, 32),
		member("n2", model.NodeStatusNormal, 32),
		member("n3", model.NodeStatusNormal, 32),
	}, 1)

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		owners := snap.Owners(fmt.Sprintf("flight-%d", i), 1)
		require.Len(t, owners, 1)
		counts[owners[0].ID]++
	}
	// Every node should take a meaningful share of 300 keys.
	for id, n := range counts {
		assert.Greater(t, n, 30, "node %s owns too little", id)
	}
	assert.Len(t, counts, 3)
}
