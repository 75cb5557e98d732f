package gossip

import "github.com/lminervino18/rustic-airlines/internal/model"

// Digest summarizes one node's heartbeat for the exchange: enough for the
// peer to tell who is stale without shipping full state.
type Digest struct {
	NodeID     string `json:"node_id"`
	Generation int64  `json:"generation"`
	Version    int64  `json:"version"`
}

// Newer reports whether the digest strictly exceeds (generation, version).
func (d Digest) Newer(generation, version int64) bool {
	if d.Generation != generation {
		return d.Generation > generation
	}
	return d.Version > version
}

// Syn opens a gossip round: the full digest list of the sender's view.
type Syn struct {
	FromID   string   `json:"from_id"`
	FromAddr string   `json:"from_addr"`
	Digests  []Digest `json:"digests"`
}

// Ack answers a Syn: full entries the sender is missing or stale on, plus a
// request list for entries the replier is missing.
type Ack struct {
	Updated   map[string]*model.NodeInfo `json:"updated,omitempty"`
	Requested []Digest                   `json:"requested,omitempty"`
}

// Ack2 closes the round: the full entries the replier asked for.
type Ack2 struct {
	FromID  string                     `json:"from_id"`
	Updated map[string]*model.NodeInfo `json:"updated,omitempty"`
}
