package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame so a corrupt length prefix cannot make
// the reader allocate unbounded memory.
const maxFrameSize = 16 << 20

// Message kinds carried in envelopes. Requests and responses share the
// stream; the correlation id pairs them, so responses may arrive out of
// order relative to the requests that caused them.
const (
	// Client API
	KindQuery  = "query"
	KindResult = "result"
	KindError  = "error"

	// Inter-node replica operations
	KindWrite      = "write"
	KindDelete     = "delete"
	KindHint       = "hint"
	KindRead       = "read"
	KindRows       = "rows"
	KindOK         = "ok"
	KindSchema     = "schema"
	KindSchemaPull = "schema_pull"
	KindSchemaSnap = "schema_snapshot"
	KindStream     = "stream"
	KindStreamRows = "stream_rows"

	// Gossip
	KindGossipSyn  = "gossip_syn"
	KindGossipAck  = "gossip_ack"
	KindGossipAck2 = "gossip_ack2"
)

// Envelope is one protocol message: a correlation id, a kind tag, and a
// kind-specific JSON body. Frames on the wire are a 4-byte big-endian length
// followed by the JSON envelope.
type Envelope struct {
	ID   uint64          `json:"id"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// QueryRequest is the body of a client query.
type QueryRequest struct {
	CQL         string `json:"cql"`
	Consistency string `json:"consistency,omitempty"`
}

// ErrorBody is the body of an error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteEnvelope frames and writes one envelope. Callers serialize access to
// w themselves.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadEnvelope reads one framed envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

// NewEnvelope builds an envelope with a marshaled body.
func NewEnvelope(id uint64, kind string, body interface{}) (*Envelope, error) {
	env := &Envelope{ID: id, Kind: kind}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", kind, err)
		}
		env.Body = data
	}
	return env, nil
}
