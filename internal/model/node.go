package model

// NodeStatus is the membership status of a node as propagated by gossip.
type NodeStatus string

const (
	NodeStatusBootstrap NodeStatus = "bootstrap"
	NodeStatusJoining   NodeStatus = "joining"
	NodeStatusNormal    NodeStatus = "normal"
	NodeStatusLeaving   NodeStatus = "leaving"
	NodeStatusDown      NodeStatus = "down"
	NodeStatusRemoved   NodeStatus = "removed"
)

// Liveness is the local failure detector's verdict on a peer. It overlays
// the gossiped status: a node can be NORMAL by status and still be suspect
// because its heartbeats stopped arriving here.
type Liveness int

const (
	LivenessAlive Liveness = iota
	LivenessSuspect
	LivenessDead
)

// String returns a human readable liveness name.
func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessSuspect:
		return "suspect"
	default:
		return "dead"
	}
}

// NodeInfo is the canonical description of a cluster member. The gossip
// membership table owns one NodeInfo per node id; every other component
// refers to nodes by id only.
type NodeInfo struct {
	ID         string     `json:"id"`
	Addr       string     `json:"addr"` // inter-node host:port
	Status     NodeStatus `json:"status"`
	Generation int64      `json:"generation"` // set once at process start
	Version    int64      `json:"version"`    // bumped every gossip round
	Tokens     []uint64   `json:"tokens"`

	// SchemaVersion is the timestamp of the newest schema mutation the
	// node has applied; peers seeing a higher value pull the schema.
	SchemaVersion int64 `json:"schema_version,omitempty"`
}

// Newer reports whether (generation, version) of n strictly exceeds o.
// This total order per node id is what prevents stale overwrites when the
// same node's state arrives over concurrent gossip paths.
func (n *NodeInfo) Newer(o *NodeInfo) bool {
	if n.Generation != o.Generation {
		return n.Generation > o.Generation
	}
	return n.Version > o.Version
}
