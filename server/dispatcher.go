package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"realmsync/protocol"
)

// Request is what a handler learns about the frame it is serving.
type Request struct {
	Conn       *Conn
	Type       string
	RequestID  protocol.RequestID
	ReceivedAt time.Time
}

// HandleFunc serves one validated message. Returning a *protocol.ClientError
// reports it to the sender; any other error is treated as internal.
type HandleFunc func(ctx context.Context, req *Request, payload json.RawMessage) error

// Handler binds a message type to its payload schema and function.
type Handler struct {
	Type   string
	Schema string
	Handle HandleFunc
}

// Typed adapts fn to a HandleFunc that decodes the payload into T. When T
// has a Validate() error method it runs after decoding.
func Typed[T any](fn func(ctx context.Context, req *Request, payload T) error) HandleFunc {
	return func(ctx context.Context, req *Request, raw json.RawMessage) error {
		var p T
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &p); err != nil {
				return protocol.Errorf(protocol.CodeInvalidPayload, "payload for %s: %v", req.Type, err)
			}
		}
		if v, ok := any(p).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
		return fn(ctx, req, p)
	}
}

type route struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Dispatcher validates inbound frames, routes them to handlers and owns the
// set of live connections.
type Dispatcher struct {
	log     *zap.SugaredLogger
	metrics *RoomMetrics
	now     func() time.Time

	routes map[string]route

	mu      sync.RWMutex
	conns   map[string]*Conn
	onOpen  []func(*Conn)
	onClose []func(*Conn)
}

// NewDispatcher builds an empty dispatcher. metrics may be nil.
func NewDispatcher(log *zap.SugaredLogger, metrics *RoomMetrics) *Dispatcher {
	if metrics == nil {
		metrics = &RoomMetrics{}
	}
	return &Dispatcher{
		log:     log,
		metrics: metrics,
		now:     time.Now,
		routes:  make(map[string]route),
		conns:   make(map[string]*Conn),
	}
}

// Register adds a handler. Registration happens before any connection is
// attached and is not synchronized with dispatch.
func (d *Dispatcher) Register(h Handler) error {
	if strings.TrimSpace(h.Type) == "" {
		return fmt.Errorf("handler type must not be empty")
	}
	if h.Handle == nil {
		return fmt.Errorf("handler %s: nil handle func", h.Type)
	}
	if _, dup := d.routes[h.Type]; dup {
		return fmt.Errorf("handler %s already registered", h.Type)
	}
	r := route{handler: h}
	if h.Schema != "" {
		s, err := protocol.CompileSchema(h.Type, h.Schema)
		if err != nil {
			return err
		}
		r.schema = s
	}
	d.routes[h.Type] = r
	return nil
}

// MustRegister is Register for startup wiring.
func (d *Dispatcher) MustRegister(h Handler) {
	if err := d.Register(h); err != nil {
		panic(err)
	}
}

// OnOpen adds a callback fired after a connection is attached.
func (d *Dispatcher) OnOpen(fn func(*Conn)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = append(d.onOpen, fn)
}

// OnClose adds a callback fired after a connection is detached.
func (d *Dispatcher) OnClose(fn func(*Conn)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = append(d.onClose, fn)
}

// Attach adds c to the live set and fires OnOpen callbacks.
func (d *Dispatcher) Attach(c *Conn) {
	d.mu.Lock()
	if _, ok := d.conns[c.ID()]; ok {
		d.mu.Unlock()
		return
	}
	d.conns[c.ID()] = c
	callbacks := append([]func(*Conn){}, d.onOpen...)
	d.mu.Unlock()

	d.metrics.AddConnections(1)
	for _, fn := range callbacks {
		fn(c)
	}
}

// Detach removes c, closes it and fires OnClose callbacks. Only the first
// call for a connection has any effect.
func (d *Dispatcher) Detach(c *Conn) bool {
	d.mu.Lock()
	if _, ok := d.conns[c.ID()]; !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.conns, c.ID())
	callbacks := append([]func(*Conn){}, d.onClose...)
	d.mu.Unlock()

	c.Close()
	d.metrics.AddConnections(-1)
	for _, fn := range callbacks {
		fn(c)
	}
	return true
}

// Attached reports whether c is in the live set.
func (d *Dispatcher) Attached(c *Conn) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[c.ID()]
	return ok
}

// Connections returns a snapshot of the live set.
func (d *Dispatcher) Connections() []*Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount is the number of attached connections.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Send encodes one frame for c. A closed or saturated connection drops it.
func (d *Dispatcher) Send(c *Conn, typ string, payload any) error {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	d.deliver(c, frame)
	return nil
}

// Broadcast encodes once and enqueues to every connection accepted by
// filter (nil means all). It returns how many accepted the frame.
func (d *Dispatcher) Broadcast(typ string, payload any, filter func(*Conn) bool) (int, error) {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", typ, err)
	}
	n := 0
	for _, c := range d.Connections() {
		if filter != nil && !filter(c) {
			continue
		}
		if d.deliver(c, frame) {
			n++
		}
	}
	return n, nil
}

// BroadcastFrame sends a pre-encoded frame to every connection.
func (d *Dispatcher) BroadcastFrame(frame []byte) int {
	d.metrics.IncBroadcasts()
	n := 0
	for _, c := range d.Connections() {
		if d.deliver(c, frame) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) deliver(c *Conn, frame []byte) bool {
	if c.Enqueue(frame) {
		return true
	}
	d.metrics.IncDroppedSends()
	return false
}

// HandleMessage processes one inbound frame from c. Frames from detached
// connections are ignored.
func (d *Dispatcher) HandleMessage(ctx context.Context, c *Conn, messageType int, data []byte) {
	if !d.Attached(c) {
		return
	}
	d.metrics.IncMessages()

	if messageType != websocket.TextMessage {
		d.sendError(c, nil, protocol.NewClientError(protocol.CodeInvalidMessage, "only text frames are supported"))
		return
	}
	if !json.Valid(data) {
		d.sendError(c, nil, protocol.NewClientError(protocol.CodeInvalidJSON, "message is not valid JSON"))
		return
	}

	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		d.sendError(c, nil, protocol.Errorf(protocol.CodeInvalidMessage, "invalid message envelope: %v", err))
		return
	}
	if strings.TrimSpace(in.Type) == "" {
		d.sendError(c, in.RequestID, protocol.NewClientError(protocol.CodeInvalidMessage, "message type is required"))
		return
	}

	r, ok := d.routes[in.Type]
	if !ok {
		d.sendError(c, in.RequestID, protocol.Errorf(protocol.CodeUnknownMessage, "unknown message type: %s", in.Type))
		return
	}

	if r.schema != nil {
		if err := validatePayload(r.schema, in.Payload, in.HasPayload()); err != nil {
			fe := protocol.DescribeValidation(err)
			d.sendError(c, in.RequestID, protocol.Errorf(protocol.CodeInvalidPayload, "invalid payload for %s", in.Type).WithDetails(fe))
			return
		}
	}

	req := &Request{Conn: c, Type: in.Type, RequestID: in.RequestID, ReceivedAt: d.now()}
	if err := d.invoke(ctx, r.handler, req, in.Payload); err != nil {
		if ce, ok := protocol.AsClientError(err); ok {
			d.sendError(c, in.RequestID, ce)
			return
		}
		d.metrics.IncInternalErrors()
		d.log.Errorw("handler failed", "type", in.Type, "conn", c.ID(), "error", err)
		d.sendError(c, in.RequestID, protocol.NewClientError(protocol.CodeInternal, "internal server error"))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *Request, payload json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s handler: %v\n%s", h.Type, rec, debug.Stack())
		}
	}()
	return h.Handle(ctx, req, payload)
}

func (d *Dispatcher) sendError(c *Conn, reqID protocol.RequestID, ce *protocol.ClientError) {
	if ce.Code != protocol.CodeInternal {
		d.metrics.IncClientErrors()
	}
	err := d.Send(c, protocol.TypeError, protocol.ErrorPayload{
		Code:      ce.Code,
		Message:   ce.Message,
		RequestID: reqID,
		Details:   ce.Details,
	})
	if err != nil {
		d.log.Errorw("send error frame", "conn", c.ID(), "code", ce.Code, "error", err)
	}
}

// validatePayload checks raw against schema. An absent payload is
// validated as JSON null.
func validatePayload(schema *jsonschema.Schema, raw json.RawMessage, present bool) error {
	var v any
	if present {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return err
		}
	}
	return schema.Validate(v)
}
