package ring

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/lminervino18/rustic-airlines/internal/model"
)

// HashKey maps a partition key into the token space.
func HashKey(partitionKey string) uint64 {
	return xxhash.Sum64String(partitionKey)
}

// TokensFor derives a node's virtual-node tokens deterministically from its
// id, so a restarting node reclaims the same ring positions.
func TokensFor(nodeID string, count int) []uint64 {
	tokens := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		tokens = append(tokens, xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d", nodeID, i)))
	}
	return tokens
}

type entry struct {
	token  uint64
	nodeID string
}

// Snapshot is an immutable view of the token ring. Queries in flight may
// hold different snapshots concurrently; staleness is bounded by gossip
// propagation and never causes a partially-updated view.
type Snapshot struct {
	entries []entry // ascending by token
	nodes   map[string]*model.NodeInfo
	version uint64
}

// Build constructs a snapshot from the membership view. Only nodes whose
// status grants ring ownership (NORMAL and LEAVING, which still serve their
// ranges until streaming completes) contribute tokens.
func Build(members []*model.NodeInfo, version uint64) *Snapshot {
	snap := &Snapshot{
		nodes:   make(map[string]*model.NodeInfo, len(members)),
		version: version,
	}
	for _, member := range members {
		m := *member
		snap.nodes[member.ID] = &m
		if member.Status != model.NodeStatusNormal && member.Status != model.NodeStatusLeaving {
			continue
		}
		for _, token := range member.Tokens {
			snap.entries = append(snap.entries, entry{token: token, nodeID: member.ID})
		}
	}
	sort.Slice(snap.entries, func(i, j int) bool { return snap.entries[i].token < snap.entries[j].token })
	return snap
}

// Version identifies the snapshot; it increases with every rebuild.
func (s *Snapshot) Version() uint64 { return s.version }

// Node returns the NodeInfo captured for id when the snapshot was built.
func (s *Snapshot) Node(id string) (*model.NodeInfo, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// OwnerCount returns the number of distinct nodes owning tokens.
func (s *Snapshot) OwnerCount() int {
	seen := make(map[string]struct{})
	for _, e := range s.entries {
		seen[e.nodeID] = struct{}{}
	}
	return len(seen)
}

// Owners returns the ordered replica set for a partition key: the first
// ring entry at or after the key's token (wrapping), then clockwise,
// collecting rf pairwise-distinct nodes and skipping repeats caused by a
// node owning several virtual-node tokens.
func (s *Snapshot) Owners(partitionKey string, rf int) []*model.NodeInfo {
	if len(s.entries) == 0 || rf <= 0 {
		return nil
	}
	token := HashKey(partitionKey)
	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].token >= token })
	if start == len(s.entries) {
		start = 0
	}

	owners := make([]*model.NodeInfo, 0, rf)
	seen := make(map[string]struct{}, rf)
	for i := 0; i < len(s.entries) && len(owners) < rf; i++ {
		e := s.entries[(start+i)%len(s.entries)]
		if _, dup := seen[e.nodeID]; dup {
			continue
		}
		seen[e.nodeID] = struct{}{}
		owners = append(owners, s.nodes[e.nodeID])
	}
	return owners
}

// Range is a clockwise token interval (Start, End], wrapping at the top of
// the token space when Start >= End.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether token falls inside the range.
func (r Range) Contains(token uint64) bool {
	if r.Start < r.End {
		return token > r.Start && token <= r.End
	}
	// Wrapped range.
	return token > r.Start || token <= r.End
}

// Transfer names a range a joining or leaving node exchanges with the
// current owner.
type Transfer struct {
	Range    Range
	SourceID string
}

// StreamPlan computes, against the current ring, which ranges a node with
// the given tokens must pull and from whom. For each token t, the node will
// own (pred(t), t]; the node currently first on or after t serves that data.
func (s *Snapshot) StreamPlan(tokens []uint64, selfID string) []Transfer {
	if len(s.entries) == 0 {
		return nil
	}
	plan := make([]Transfer, 0, len(tokens))
	for _, token := range tokens {
		succ := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].token >= token })
		if succ == len(s.entries) {
			succ = 0
		}
		source := s.entries[succ]
		if source.nodeID == selfID {
			continue
		}
		pred := succ - 1
		if pred < 0 {
			pred = len(s.entries) - 1
		}
		plan = append(plan, Transfer{
			Range:    Range{Start: s.entries[pred].token, End: token},
			SourceID: source.nodeID,
		})
	}
	return plan
}

// Holder publishes ring snapshots atomically: membership acceptance logic
// replaces the snapshot, concurrent readers never observe a half-built ring.
type Holder struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewHolder starts with an empty ring.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Build(nil, 0))
	return h
}

// Current returns the latest snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Publish rebuilds the ring from the given members and swaps it in.
func (h *Holder) Publish(members []*model.NodeInfo) *Snapshot {
	snap := Build(members, h.version.Add(1))
	h.current.Store(snap)
	return snap
}
