package gossip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/gossip"
	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memTransport exchanges gossip messages between gossipers in memory.
type memTransport struct {
	nodes map[string]*gossip.Gossiper
}

func (t *memTransport) Exchange(_ context.Context, addr string, syn *gossip.Syn) (*gossip.Ack, error) {
	g, ok := t.nodes[addr]
	if !ok {
		return nil, errors.New("peer unreachable")
	}
	return g.HandleSyn(syn), nil
}

func (t *memTransport) SendAck2(_ context.Context, addr string, ack2 *gossip.Ack2) error {
	g, ok := t.nodes[addr]
	if !ok {
		return errors.New("peer unreachable")
	}
	g.HandleAck2(ack2)
	return nil
}

func gossipConfig() gossip.Config {
	return gossip.Config{
		TickInterval:    time.Hour, // ticks driven manually through handlers
		Fanout:          3,
		PhiThreshold:    8.0,
		DownAfter:       time.Hour,
		RequestTimeout:  time.Second,
		PurgeRemovedAge: time.Hour,
	}
}

func newGossiper(t *testing.T, id string, seeds []string, transport *memTransport) *gossip.Gossiper {
	t.Helper()
	g := gossip.New(gossipConfig(), model.NodeInfo{ID: id, Addr: id + ":7000"}, seeds,
		transport, ring.NewHolder(), zap.NewNop(), metrics.NewNop())
	transport.nodes[id+":7000"] = g
	return g
}

func TestGossiper_BootstrapExchangesMembership(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}

	seed := newGossiper(t, "a", nil, transport)
	seed.SetTokens(ring.TokensFor("a", 4))
	seed.SetStatus(model.NodeStatusNormal)

	joiner := newGossiper(t, "b", []string{"a:7000"}, transport)
	require.NoError(t, joiner.Bootstrap(context.Background()))

	// The joiner learned the seed, including its tokens.
	a, ok := joiner.Node("a")
	require.True(t, ok)
	assert.Equal(t, model.NodeStatusNormal, a.Status)
	assert.Len(t, a.Tokens, 4)

	// The seed learned the joiner through the closing Ack2.
	b, ok := seed.Node("b")
	require.True(t, ok)
	assert.Equal(t, model.NodeStatusBootstrap, b.Status)
}

func TestGossiper_BootstrapSupersedesStaleIncarnation(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}
	seed := newGossiper(t, "a", nil, transport)

	// The seed remembers a previous incarnation of node b.
	stale := newGossiper(t, "b", []string{"a:7000"}, transport)
	require.NoError(t, stale.Bootstrap(context.Background()))
	oldGen := mustNode(t, seed, "b").Generation

	// b restarts: a fresh gossiper with the same id must end up with a
	// strictly higher generation than the seed remembers.
	restarted := newGossiper(t, "b", []string{"a:7000"}, transport)
	require.NoError(t, restarted.Bootstrap(context.Background()))
	assert.Greater(t, restarted.Self().Generation, oldGen)
}

func TestGossiper_StaleUpdateIsIgnored(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}
	g := newGossiper(t, "a", nil, transport)

	fresh := &model.NodeInfo{ID: "x", Addr: "x:7000", Status: model.NodeStatusNormal, Generation: 100, Version: 5}
	g.HandleAck2(&gossip.Ack2{FromID: "x", Updated: map[string]*model.NodeInfo{"x": fresh}})
	require.Equal(t, int64(5), mustNode(t, g, "x").Version)

	stale := &model.NodeInfo{ID: "x", Addr: "x:7000", Status: model.NodeStatusDown, Generation: 100, Version: 3}
	g.HandleAck2(&gossip.Ack2{FromID: "x", Updated: map[string]*model.NodeInfo{"x": stale}})
	got := mustNode(t, g, "x")
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, model.NodeStatusNormal, got.Status)

	newer := &model.NodeInfo{ID: "x", Addr: "x:7000", Status: model.NodeStatusLeaving, Generation: 100, Version: 9}
	g.HandleAck2(&gossip.Ack2{FromID: "x", Updated: map[string]*model.NodeInfo{"x": newer}})
	assert.Equal(t, model.NodeStatusLeaving, mustNode(t, g, "x").Status)
}

func TestGossiper_HigherGenerationBeatsHigherVersion(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}
	g := newGossiper(t, "a", nil, transport)

	old := &model.NodeInfo{ID: "x", Addr: "x:7000", Status: model.NodeStatusNormal, Generation: 100, Version: 999}
	g.HandleAck2(&gossip.Ack2{FromID: "x", Updated: map[string]*model.NodeInfo{"x": old}})

	rebooted := &model.NodeInfo{ID: "x", Addr: "x:7000", Status: model.NodeStatusBootstrap, Generation: 101, Version: 1}
	g.HandleAck2(&gossip.Ack2{FromID: "x", Updated: map[string]*model.NodeInfo{"x": rebooted}})

	got := mustNode(t, g, "x")
	assert.Equal(t, int64(101), got.Generation)
	assert.Equal(t, model.NodeStatusBootstrap, got.Status)
}

func TestGossiper_HandleSynClassifiesDigests(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}
	g := newGossiper(t, "a", nil, transport)
	g.HandleAck2(&gossip.Ack2{FromID: "x", Updated: map[string]*model.NodeInfo{
		"x": {ID: "x", Addr: "x:7000", Status: model.NodeStatusNormal, Generation: 100, Version: 5},
	}})

	ack := g.HandleSyn(&gossip.Syn{FromID: "z", FromAddr: "z:7000", Digests: []gossip.Digest{
		{NodeID: "x", Generation: 100, Version: 3}, // sender is stale
		{NodeID: "z", Generation: 50, Version: 1},  // unknown to us
	}})

	require.Contains(t, ack.Updated, "x")
	assert.Equal(t, int64(5), ack.Updated["x"].Version)
	// We know node a (ourselves) which the sender never mentioned.
	require.Contains(t, ack.Updated, "a")

	require.Len(t, ack.Requested, 1)
	assert.Equal(t, "z", ack.Requested[0].NodeID)
}

func TestGossiper_SetStatusPropagatesThroughVersionBump(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}
	g := newGossiper(t, "a", nil, transport)

	before := g.Self().Version
	g.SetStatus(model.NodeStatusNormal)
	after := g.Self()
	assert.Greater(t, after.Version, before)
	assert.Equal(t, model.NodeStatusNormal, after.Status)
}

func TestGossiper_SelfIsAlwaysAlive(t *testing.T) {
	transport := &memTransport{nodes: make(map[string]*gossip.Gossiper)}
	g := newGossiper(t, "a", nil, transport)
	assert.Equal(t, model.LivenessAlive, g.Liveness("a"))
}

func mustNode(t *testing.T, g *gossip.Gossiper, id string) *model.NodeInfo {
	t.Helper()
	info, ok := g.Node(id)
	require.True(t, ok)
	return info
}
