package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/lminervino18/rustic-airlines/internal/config"
	"github.com/lminervino18/rustic-airlines/internal/coordinator"
	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/gossip"
	"github.com/lminervino18/rustic-airlines/internal/model"
	"github.com/lminervino18/rustic-airlines/internal/query"
	"github.com/lminervino18/rustic-airlines/internal/ring"
	"github.com/lminervino18/rustic-airlines/internal/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server runs the node's two listeners: the client port speaking the query
// protocol and the inter-node port serving replica, gossip, schema, and
// streaming requests. Requests on one connection are handled concurrently;
// the correlation id lets responses interleave.
type Server struct {
	cfg      config.NodeConfig
	executor *query.Executor
	coord    *coordinator.Coordinator
	gossiper *gossip.Gossiper
	logger   *zap.Logger

	clientLn    net.Listener
	internodeLn net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New wires a server; Start opens the listeners.
func New(cfg config.NodeConfig, executor *query.Executor, coord *coordinator.Coordinator, gossiper *gossip.Gossiper, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		executor: executor,
		coord:    coord,
		gossiper: gossiper,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start opens both listeners and begins accepting.
func (s *Server) Start() error {
	clientAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.ClientPort)
	internodeAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.InternodePort)

	var err error
	s.clientLn, err = net.Listen("tcp", clientAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on client port: %w", err)
	}
	s.internodeLn, err = net.Listen("tcp", internodeAddr)
	if err != nil {
		s.clientLn.Close()
		return fmt.Errorf("failed to listen on internode port: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group, _ = errgroup.WithContext(s.ctx)
	s.group.Go(func() error { return s.acceptLoop(s.clientLn, s.handleClientConn) })
	s.group.Go(func() error { return s.acceptLoop(s.internodeLn, s.handleInternodeConn) })

	s.logger.Info("listening",
		zap.String("client", clientAddr),
		zap.String("internode", internodeAddr))
	return nil
}

// Stop closes the listeners and every open connection, then waits for the
// accept loops to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.clientLn != nil {
		s.clientLn.Close()
	}
	if s.internodeLn != nil {
		s.internodeLn.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	if s.group != nil {
		s.group.Wait()
	}
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		go func() {
			handle(conn)
			s.connMu.Lock()
			delete(s.conns, conn)
			s.connMu.Unlock()
			conn.Close()
		}()
	}
}

// connWriter serializes response frames on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) send(env *Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteEnvelope(w.conn, env)
}

func (w *connWriter) sendError(id uint64, err error) {
	env, encErr := NewEnvelope(id, KindError, &ErrorBody{
		Code:    dberr.CodeOf(err).String(),
		Message: err.Error(),
	})
	if encErr != nil {
		return
	}
	w.send(env)
}

// handleClientConn serves the query protocol: each connection owns a
// session, each query runs in its own goroutine. The session synchronizes
// itself, so queries on one connection proceed concurrently.
func (s *Server) handleClientConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := &connWriter{conn: conn}
	sess := &query.Session{}

	for {
		env, err := ReadEnvelope(reader)
		if err != nil {
			return
		}
		if env.Kind != KindQuery {
			writer.sendError(env.ID, dberr.New(dberr.CodeParse, "unexpected message kind %q", env.Kind))
			continue
		}
		var req QueryRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeParse, "malformed query body"))
			continue
		}
		go func(id uint64, req QueryRequest) {
			cl, err := model.ParseConsistency(req.Consistency)
			if err != nil {
				writer.sendError(id, dberr.Wrap(dberr.CodeParse, err, "bad consistency"))
				return
			}
			res, err := s.executor.Execute(s.ctx, req.CQL, cl, sess)
			if err != nil {
				writer.sendError(id, err)
				return
			}
			resp, err := NewEnvelope(id, KindResult, res)
			if err != nil {
				writer.sendError(id, err)
				return
			}
			writer.send(resp)
		}(env.ID, req)
	}
}

// handleInternodeConn serves peer requests.
func (s *Server) handleInternodeConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := &connWriter{conn: conn}

	for {
		env, err := ReadEnvelope(reader)
		if err != nil {
			return
		}
		go s.dispatchInternode(writer, env)
	}
}

func (s *Server) dispatchInternode(writer *connWriter, env *Envelope) {
	reply := func(kind string, body interface{}) {
		resp, err := NewEnvelope(env.ID, kind, body)
		if err != nil {
			writer.sendError(env.ID, err)
			return
		}
		writer.send(resp)
	}

	switch env.Kind {
	case KindWrite, KindDelete, KindHint:
		var mut model.Mutation
		if err := json.Unmarshal(env.Body, &mut); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeWriteFailed, "malformed mutation"))
			return
		}
		if err := s.coord.ApplyLocal(&mut); err != nil {
			writer.sendError(env.ID, err)
			return
		}
		reply(KindOK, nil)

	case KindRead:
		var req coordinator.ReadRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeWriteFailed, "malformed read request"))
			return
		}
		rows, err := s.coord.ReadLocal(&req)
		if err != nil {
			writer.sendError(env.ID, err)
			return
		}
		reply(KindRows, rows)

	case KindSchema:
		var mut schema.Mutation
		if err := json.Unmarshal(env.Body, &mut); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeSchema, "malformed schema mutation"))
			return
		}
		if err := s.coord.ApplySchemaLocal(&mut); err != nil {
			writer.sendError(env.ID, err)
			return
		}
		reply(KindOK, nil)

	case KindSchemaPull:
		reply(KindSchemaSnap, s.coord.SchemaSnapshot())

	case KindStream:
		var rng ring.Range
		if err := json.Unmarshal(env.Body, &rng); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeWriteFailed, "malformed stream request"))
			return
		}
		rows, err := s.coord.RowsInRange(rng)
		if err != nil {
			writer.sendError(env.ID, err)
			return
		}
		reply(KindStreamRows, rows)

	case KindGossipSyn:
		var syn gossip.Syn
		if err := json.Unmarshal(env.Body, &syn); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeWriteFailed, "malformed gossip syn"))
			return
		}
		reply(KindGossipAck, s.gossiper.HandleSyn(&syn))

	case KindGossipAck2:
		var ack2 gossip.Ack2
		if err := json.Unmarshal(env.Body, &ack2); err != nil {
			writer.sendError(env.ID, dberr.New(dberr.CodeWriteFailed, "malformed gossip ack2"))
			return
		}
		s.gossiper.HandleAck2(&ack2)
		reply(KindOK, nil)

	default:
		writer.sendError(env.ID, dberr.New(dberr.CodeWriteFailed, "unknown message kind %q", env.Kind))
	}
}
