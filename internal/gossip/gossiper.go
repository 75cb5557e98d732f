package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/metrics"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"go.uber.org/zap"
)

// Transport performs the network half of a gossip round against one peer.
// Implemented by the inter-node client; gossip stays transport-agnostic so
// tests can exchange messages in memory.
type Transport interface {
	// Exchange sends a Syn and returns the peer's Ack.
	Exchange(ctx context.Context, addr string, syn *Syn) (*Ack, error)
	// SendAck2 delivers the closing message of a round.
	SendAck2(ctx context.Context, addr string, ack2 *Ack2) error
}

// Config tunes the gossiper; see config.GossipConfig for the YAML mapping.
type Config struct {
	TickInterval    time.Duration
	Fanout          int
	PhiThreshold    float64
	DownAfter       time.Duration
	RequestTimeout  time.Duration
	PurgeRemovedAge time.Duration
}

type endpointState struct {
	info        model.NodeInfo
	lastUpdated time.Time
}

// Gossiper maintains the eventually-consistent membership view. Once per
// tick it performs a three-phase digest exchange (Syn → Ack → Ack2) with
// randomly chosen peers; received NodeInfo is accepted only when its
// (generation, version) strictly exceeds the local copy. Accepted changes
// republish the ring snapshot. Gossip never blocks query processing.
type Gossiper struct {
	cfg       Config
	selfID    string
	seeds     []string
	transport Transport
	ringHold  *ring.Holder
	detector  *Detector
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// schemaVersion is consulted each round so the local application
	// state advertises the newest schema this node has applied.
	schemaVersion func() int64
	// onSchemaBehind fires when a peer advertises a newer schema.
	onSchemaBehind func(peerAddr string)

	mu        sync.RWMutex
	endpoints map[string]*endpointState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a gossiper whose own state starts in BOOTSTRAP with a fresh
// generation.
func New(
	cfg Config,
	self model.NodeInfo,
	seeds []string,
	transport Transport,
	ringHold *ring.Holder,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Gossiper {
	self.Status = model.NodeStatusBootstrap
	self.Generation = time.Now().UnixNano()
	self.Version = 1

	g := &Gossiper{
		cfg:           cfg,
		selfID:        self.ID,
		seeds:         seeds,
		transport:     transport,
		ringHold:      ringHold,
		detector:      NewDetector(cfg.PhiThreshold, cfg.DownAfter),
		logger:        logger,
		metrics:       m,
		schemaVersion: func() int64 { return 0 },
		endpoints:     make(map[string]*endpointState),
		stopCh:        make(chan struct{}),
	}
	g.endpoints[self.ID] = &endpointState{info: self, lastUpdated: time.Now()}
	return g
}

// SetSchemaVersionFunc wires the schema registry's version into the
// advertised application state.
func (g *Gossiper) SetSchemaVersionFunc(fn func() int64) { g.schemaVersion = fn }

// OnSchemaBehind registers the callback used to pull a newer schema.
func (g *Gossiper) OnSchemaBehind(fn func(peerAddr string)) { g.onSchemaBehind = fn }

// Bootstrap contacts the seed list and pulls the current membership before
// the node starts gossiping. Seeds are a discovery aid only; a node with no
// reachable seed starts a cluster of one. The generation is forced above
// anything a seed already knows for this id, so a restarted node always
// supersedes its stale incarnation.
func (g *Gossiper) Bootstrap(ctx context.Context) error {
	for _, seed := range g.seeds {
		if seed == g.selfAddr() {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		ack, err := g.transport.Exchange(reqCtx, seed, g.buildSyn())
		cancel()
		if err != nil {
			g.logger.Warn("seed unreachable during bootstrap", zap.String("seed", seed), zap.Error(err))
			continue
		}
		g.applyUpdates(ack.Updated)

		g.mu.Lock()
		self := &g.endpoints[g.selfID].info
		if known, ok := ack.Updated[g.selfID]; ok && known.Generation >= self.Generation {
			self.Generation = known.Generation + 1
			self.Version = 1
		}
		g.mu.Unlock()

		// Close the round so the seed learns about us immediately.
		if len(ack.Requested) > 0 {
			ack2Ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
			if err := g.transport.SendAck2(ack2Ctx, seed, g.buildAck2(ack.Requested)); err != nil {
				g.logger.Debug("bootstrap ack2 failed", zap.String("seed", seed), zap.Error(err))
			}
			cancel()
		}

		g.logger.Info("bootstrapped from seed",
			zap.String("seed", seed),
			zap.Int("known_nodes", len(ack.Updated)))
		return nil
	}
	if len(g.seeds) > 0 {
		g.logger.Warn("no seed reachable, starting standalone")
	}
	return nil
}

// Start launches the periodic gossip driver and the failure detector
// evaluator. Stop with Stop.
func (g *Gossiper) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.tick()
			}
		}
	}()
}

// Stop halts the gossip loop.
func (g *Gossiper) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// tick runs one gossip round: bump our heartbeat, exchange digests with
// random peers, and re-evaluate liveness. A failed exchange with one peer
// is dropped silently; next tick picks different peers.
func (g *Gossiper) tick() {
	g.mu.Lock()
	self := &g.endpoints[g.selfID].info
	self.Version++
	self.SchemaVersion = g.schemaVersion()
	g.endpoints[g.selfID].lastUpdated = time.Now()
	g.mu.Unlock()

	for _, peer := range g.pickPeers() {
		g.exchangeWith(peer)
	}

	g.purgeRemoved()
	g.publishMetrics()
}

// exchangeWith runs the three-phase exchange against one peer under its own
// timeout, so a slow peer cannot eat into the budget of the rest of the
// round.
func (g *Gossiper) exchangeWith(peer *model.NodeInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
	defer cancel()

	ack, err := g.transport.Exchange(ctx, peer.Addr, g.buildSyn())
	if err != nil {
		// NodeUnreachable: recovered locally, never surfaced.
		g.metrics.GossipRoundsTotal.WithLabelValues("unreachable").Inc()
		g.logger.Debug("gossip exchange failed", zap.String("peer", peer.ID), zap.Error(err))
		return
	}
	g.applyUpdates(ack.Updated)

	if len(ack.Requested) > 0 {
		ack2 := g.buildAck2(ack.Requested)
		if err := g.transport.SendAck2(ctx, peer.Addr, ack2); err != nil {
			g.metrics.GossipRoundsTotal.WithLabelValues("unreachable").Inc()
			g.logger.Debug("gossip ack2 failed", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
	}
	g.metrics.GossipRoundsTotal.WithLabelValues("ok").Inc()
}

// pickPeers selects up to Fanout random peers that are not ourselves, not
// REMOVED, and not confirmed dead.
func (g *Gossiper) pickPeers() []*model.NodeInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	candidates := make([]*model.NodeInfo, 0, len(g.endpoints))
	for id, ep := range g.endpoints {
		if id == g.selfID || ep.info.Status == model.NodeStatusRemoved {
			continue
		}
		if g.detector.Liveness(id, now) == model.LivenessDead {
			continue
		}
		info := ep.info
		candidates = append(candidates, &info)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > g.cfg.Fanout {
		candidates = candidates[:g.cfg.Fanout]
	}
	return candidates
}

func (g *Gossiper) buildSyn() *Syn {
	g.mu.RLock()
	defer g.mu.RUnlock()

	syn := &Syn{FromID: g.selfID, FromAddr: g.endpoints[g.selfID].info.Addr}
	for id, ep := range g.endpoints {
		syn.Digests = append(syn.Digests, Digest{
			NodeID:     id,
			Generation: ep.info.Generation,
			Version:    ep.info.Version,
		})
	}
	return syn
}

// buildAck2 gathers the full entries a peer requested.
func (g *Gossiper) buildAck2(requested []Digest) *Ack2 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ack2 := &Ack2{FromID: g.selfID, Updated: make(map[string]*model.NodeInfo, len(requested))}
	for _, digest := range requested {
		if ep, ok := g.endpoints[digest.NodeID]; ok {
			info := ep.info
			ack2.Updated[digest.NodeID] = &info
		}
	}
	return ack2
}

// HandleSyn serves phase (b) of a round initiated by a peer: reply with
// full entries the sender is stale on and request the ones we are missing.
func (g *Gossiper) HandleSyn(syn *Syn) *Ack {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ack := &Ack{Updated: make(map[string]*model.NodeInfo)}
	mentioned := make(map[string]struct{}, len(syn.Digests))

	for _, digest := range syn.Digests {
		mentioned[digest.NodeID] = struct{}{}
		ep, known := g.endpoints[digest.NodeID]
		if !known {
			ack.Requested = append(ack.Requested, digest)
			continue
		}
		switch {
		case digest.Newer(ep.info.Generation, ep.info.Version):
			ack.Requested = append(ack.Requested, digest)
		case ep.info.Generation != digest.Generation || ep.info.Version != digest.Version:
			// The sender is stale; ship the full entry.
			info := ep.info
			ack.Updated[digest.NodeID] = &info
		}
	}

	// Entries the sender does not know about at all.
	for id, ep := range g.endpoints {
		if _, ok := mentioned[id]; !ok {
			info := ep.info
			ack.Updated[id] = &info
		}
	}
	return ack
}

// HandleAck2 serves phase (c): install the full entries we requested.
func (g *Gossiper) HandleAck2(ack2 *Ack2) {
	g.applyUpdates(ack2.Updated)
}

// applyUpdates installs received states that strictly supersede the local
// ones and republishes the ring when membership changed.
func (g *Gossiper) applyUpdates(updates map[string]*model.NodeInfo) {
	if len(updates) == 0 {
		return
	}
	now := time.Now()
	changed := false
	var schemaPeer string

	g.mu.Lock()
	for id, info := range updates {
		if id == g.selfID {
			continue // we are authoritative for ourselves
		}
		ep, known := g.endpoints[id]
		if known && !info.Newer(&ep.info) {
			continue
		}
		ringRelevant := !known ||
			ep.info.Status != info.Status ||
			len(ep.info.Tokens) != len(info.Tokens) ||
			ep.info.Addr != info.Addr
		g.endpoints[id] = &endpointState{info: *info, lastUpdated: now}
		g.detector.Report(id, now)
		if ringRelevant {
			changed = true
		}
		if info.SchemaVersion > g.schemaVersion() && schemaPeer == "" {
			schemaPeer = info.Addr
		}
	}
	g.mu.Unlock()

	if changed {
		g.publishRing()
	}
	if schemaPeer != "" && g.onSchemaBehind != nil {
		g.onSchemaBehind(schemaPeer)
	}
}

// publishRing atomically replaces the ring snapshot from the current view.
func (g *Gossiper) publishRing() {
	members := g.Members()
	snap := g.ringHold.Publish(members)
	g.metrics.RingVersion.Set(float64(snap.Version()))
	g.logger.Debug("published ring snapshot",
		zap.Uint64("version", snap.Version()),
		zap.Int("members", len(members)))
}

// purgeRemoved forgets REMOVED nodes after the configured age so their ids
// eventually disappear from all digests.
func (g *Gossiper) purgeRemoved() {
	cutoff := time.Now().Add(-g.cfg.PurgeRemovedAge)
	g.mu.Lock()
	for id, ep := range g.endpoints {
		if id == g.selfID {
			continue
		}
		if ep.info.Status == model.NodeStatusRemoved && ep.lastUpdated.Before(cutoff) {
			delete(g.endpoints, id)
			g.detector.Forget(id)
		}
	}
	g.mu.Unlock()
}

func (g *Gossiper) publishMetrics() {
	counts := make(map[string]int)
	for _, m := range g.Members() {
		counts[string(m.Status)]++
	}
	for status, n := range counts {
		g.metrics.ClusterMembers.WithLabelValues(status).Set(float64(n))
	}
}

// Members returns a copy of every known NodeInfo, with the local failure
// detector's DOWN verdict overlaid on the gossiped status.
func (g *Gossiper) Members() []*model.NodeInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	members := make([]*model.NodeInfo, 0, len(g.endpoints))
	for id, ep := range g.endpoints {
		info := ep.info
		if id != g.selfID && info.Status == model.NodeStatusNormal &&
			g.detector.Liveness(id, now) == model.LivenessDead {
			info.Status = model.NodeStatusDown
		}
		members = append(members, &info)
	}
	return members
}

// Node returns the current view of one member.
func (g *Gossiper) Node(id string) (*model.NodeInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ep, ok := g.endpoints[id]
	if !ok {
		return nil, false
	}
	info := ep.info
	return &info, true
}

// Liveness returns the failure detector's verdict for a peer. The local
// node is always alive to itself.
func (g *Gossiper) Liveness(id string) model.Liveness {
	if id == g.selfID {
		return model.LivenessAlive
	}
	g.mu.RLock()
	ep, ok := g.endpoints[id]
	g.mu.RUnlock()
	if !ok {
		return model.LivenessDead
	}
	if ep.info.Status == model.NodeStatusDown || ep.info.Status == model.NodeStatusRemoved {
		return model.LivenessDead
	}
	return g.detector.Liveness(id, time.Now())
}

// SetStatus transitions the local node's announced status and bumps the
// heartbeat version so the change propagates.
func (g *Gossiper) SetStatus(status model.NodeStatus) {
	g.mu.Lock()
	self := &g.endpoints[g.selfID].info
	self.Status = status
	self.Version++
	g.mu.Unlock()

	g.logger.Info("node status changed", zap.String("status", string(status)))
	g.publishRing()
}

// SetTokens announces the local node's owned tokens.
func (g *Gossiper) SetTokens(tokens []uint64) {
	g.mu.Lock()
	self := &g.endpoints[g.selfID].info
	self.Tokens = append([]uint64(nil), tokens...)
	self.Version++
	g.mu.Unlock()
	g.publishRing()
}

// Self returns the local node's current state.
func (g *Gossiper) Self() model.NodeInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.endpoints[g.selfID].info
}

func (g *Gossiper) selfAddr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.endpoints[g.selfID].info.Addr
}

// String renders a short cluster summary for logs.
func (g *Gossiper) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fmt.Sprintf("gossiper(%s, %d known)", g.selfID, len(g.endpoints))
}
