package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lminervino18/rustic-airlines/internal/coordinator"
	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/gossip"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"go.uber.org/zap"
)

// Client is the inter-node client: one multiplexed connection per peer,
// requests correlated by envelope id. It backs every remote interface in
// the node: replica RPCs, gossip exchange, schema pulls, range streaming.
type Client struct {
	dialTimeout time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	peers map[string]*peerConn
}

// NewClient creates an inter-node client.
func NewClient(dialTimeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		dialTimeout: dialTimeout,
		logger:      logger,
		peers:       make(map[string]*peerConn),
	}
}

type peerConn struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Envelope
	closed  bool

	nextID atomic.Uint64
}

// peer returns the live connection to addr, dialing when needed.
func (c *Client) peer(addr string) (*peerConn, error) {
	c.mu.Lock()
	if pc, ok := c.peers[addr]; ok {
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeNodeUnreachable, err, "dial %s failed", addr)
	}

	pc := &peerConn{conn: conn, pending: make(map[uint64]chan *Envelope)}

	c.mu.Lock()
	if existing, ok := c.peers[addr]; ok {
		// Lost the dial race; use the winner.
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.peers[addr] = pc
	c.mu.Unlock()

	go c.readLoop(addr, pc)
	return pc, nil
}

// readLoop dispatches responses to their waiting requests until the
// connection dies, then fails everything in flight.
func (c *Client) readLoop(addr string, pc *peerConn) {
	reader := bufio.NewReader(pc.conn)
	for {
		env, err := ReadEnvelope(reader)
		if err != nil {
			c.dropPeer(addr, pc)
			return
		}
		pc.mu.Lock()
		ch, ok := pc.pending[env.ID]
		if ok {
			delete(pc.pending, env.ID)
		}
		pc.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) dropPeer(addr string, pc *peerConn) {
	c.mu.Lock()
	if c.peers[addr] == pc {
		delete(c.peers, addr)
	}
	c.mu.Unlock()

	pc.conn.Close()
	pc.mu.Lock()
	pc.closed = true
	pending := pc.pending
	pc.pending = make(map[uint64]chan *Envelope)
	pc.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// request performs one correlated round trip against addr.
func (c *Client) request(ctx context.Context, addr, kind string, body interface{}) (*Envelope, error) {
	pc, err := c.peer(addr)
	if err != nil {
		return nil, err
	}

	id := pc.nextID.Add(1)
	env, err := NewEnvelope(id, kind, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Envelope, 1)
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, dberr.New(dberr.CodeNodeUnreachable, "connection to %s is closed", addr)
	}
	pc.pending[id] = ch
	pc.mu.Unlock()

	pc.writeMu.Lock()
	writeErr := WriteEnvelope(pc.conn, env)
	pc.writeMu.Unlock()
	if writeErr != nil {
		pc.mu.Lock()
		delete(pc.pending, id)
		pc.mu.Unlock()
		c.dropPeer(addr, pc)
		return nil, dberr.Wrap(dberr.CodeNodeUnreachable, writeErr, "send to %s failed", addr)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, dberr.New(dberr.CodeNodeUnreachable, "connection to %s dropped mid-request", addr)
		}
		if resp.Kind == KindError {
			var body ErrorBody
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				return nil, dberr.New(dberr.CodeWriteFailed, "peer %s returned an unreadable error", addr)
			}
			return nil, dberr.New(codeFromWire(body.Code), "%s", body.Message)
		}
		return resp, nil
	case <-ctx.Done():
		pc.mu.Lock()
		delete(pc.pending, id)
		pc.mu.Unlock()
		return nil, dberr.Wrap(dberr.CodeTimeout, ctx.Err(), "request to %s timed out", addr)
	}
}

func codeFromWire(name string) dberr.Code {
	for _, code := range []dberr.Code{
		dberr.CodeParse, dberr.CodeSchema, dberr.CodeUnavailable,
		dberr.CodeTimeout, dberr.CodeWriteFailed, dberr.CodeNodeUnreachable,
	} {
		if code.String() == name {
			return code
		}
	}
	return dberr.CodeWriteFailed
}

// Close tears down every peer connection.
func (c *Client) Close() {
	c.mu.Lock()
	peers := make(map[string]*peerConn, len(c.peers))
	for addr, pc := range c.peers {
		peers[addr] = pc
	}
	c.mu.Unlock()
	for addr, pc := range peers {
		c.dropPeer(addr, pc)
	}
}

// WriteAt applies a mutation on the replica at addr.
func (c *Client) WriteAt(ctx context.Context, addr string, mut *model.Mutation) error {
	_, err := c.request(ctx, addr, KindWrite, mut)
	return err
}

// DeleteAt writes a row tombstone on the replica at addr.
func (c *Client) DeleteAt(ctx context.Context, addr string, mut *model.Mutation) error {
	_, err := c.request(ctx, addr, KindDelete, mut)
	return err
}

// DeliverHint replays a parked mutation to its recovered target.
func (c *Client) DeliverHint(ctx context.Context, addr string, mut *model.Mutation) error {
	_, err := c.request(ctx, addr, KindHint, mut)
	return err
}

// ReadAt reads a partition from the replica at addr.
func (c *Client) ReadAt(ctx context.Context, addr string, req *coordinator.ReadRequest) ([]*model.Row, error) {
	resp, err := c.request(ctx, addr, KindRead, req)
	if err != nil {
		return nil, err
	}
	var rows []*model.Row
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, fmt.Errorf("malformed rows from %s: %w", addr, err)
	}
	return rows, nil
}

// SchemaAt applies a schema mutation on the peer at addr.
func (c *Client) SchemaAt(ctx context.Context, addr string, mut *schema.Mutation) error {
	_, err := c.request(ctx, addr, KindSchema, mut)
	return err
}

// SchemaPull fetches the peer's full schema snapshot.
func (c *Client) SchemaPull(ctx context.Context, addr string) (*schema.Snapshot, error) {
	resp, err := c.request(ctx, addr, KindSchemaPull, nil)
	if err != nil {
		return nil, err
	}
	var snap schema.Snapshot
	if err := json.Unmarshal(resp.Body, &snap); err != nil {
		return nil, fmt.Errorf("malformed schema snapshot from %s: %w", addr, err)
	}
	return &snap, nil
}

// StreamRange pulls every row of a token range from the peer at addr.
func (c *Client) StreamRange(ctx context.Context, addr string, rng ring.Range) ([]coordinator.StreamedRow, error) {
	resp, err := c.request(ctx, addr, KindStream, rng)
	if err != nil {
		return nil, err
	}
	var rows []coordinator.StreamedRow
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, fmt.Errorf("malformed stream from %s: %w", addr, err)
	}
	return rows, nil
}

// Exchange performs the Syn half of a gossip round.
func (c *Client) Exchange(ctx context.Context, addr string, syn *gossip.Syn) (*gossip.Ack, error) {
	resp, err := c.request(ctx, addr, KindGossipSyn, syn)
	if err != nil {
		return nil, err
	}
	var ack gossip.Ack
	if err := json.Unmarshal(resp.Body, &ack); err != nil {
		return nil, fmt.Errorf("malformed gossip ack from %s: %w", addr, err)
	}
	return &ack, nil
}

// SendAck2 closes a gossip round.
func (c *Client) SendAck2(ctx context.Context, addr string, ack2 *gossip.Ack2) error {
	_, err := c.request(ctx, addr, KindGossipAck2, ack2)
	return err
}
