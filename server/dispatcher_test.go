package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pixil98/go-testutil"
	"go.uber.org/zap"

	"realmsync/protocol"
	"realmsync/state"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type errorFrame struct {
	Code      string              `json:"code"`
	Message   string              `json:"message"`
	RequestID json.RawMessage     `json:"requestId"`
	Details   protocol.FieldError `json:"details"`
}

func nextFrame(t *testing.T, c *Conn) frame {
	t.Helper()
	select {
	case b, ok := <-c.Queue():
		if !ok {
			t.Fatalf("conn %s closed while waiting for a frame", c.ID())
		}
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame %s: %v", b, err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame on conn %s", c.ID())
	}
	return frame{}
}

func expectNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case b, ok := <-c.Queue():
		if ok {
			t.Fatalf("unexpected frame %s", b)
		}
	default:
	}
}

func decodePayload[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		t.Fatalf("decode %s payload %s: %v", f.Type, f.Payload, err)
	}
	return v
}

func counter(snap map[string]any, name string) int64 {
	v, _ := snap[name].(int64)
	return v
}

type echoPayload struct {
	N int `json:"n"`
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(zap.NewNop().Sugar(), nil)
	d.MustRegister(Handler{
		Type:   "echo",
		Schema: `{"type":"object","required":["n"],"properties":{"n":{"type":"integer","minimum":0}}}`,
		Handle: Typed(func(ctx context.Context, req *Request, p echoPayload) error {
			return d.Send(req.Conn, "echo", p)
		}),
	})
	d.MustRegister(Handler{
		Type: "deny",
		Handle: func(ctx context.Context, req *Request, _ json.RawMessage) error {
			return protocol.NewClientError(protocol.CodeUnauthorized, "no")
		},
	})
	d.MustRegister(Handler{
		Type: "fail",
		Handle: func(ctx context.Context, req *Request, _ json.RawMessage) error {
			return errors.New("disk on fire")
		},
	})
	d.MustRegister(Handler{
		Type: "panic",
		Handle: func(ctx context.Context, req *Request, _ json.RawMessage) error {
			panic("boom")
		},
	})
	return d
}

func TestDispatcher_Register(t *testing.T) {
	noop := func(context.Context, *Request, json.RawMessage) error { return nil }

	tests := map[string]struct {
		handler Handler
		expErr  string
	}{
		"empty type":   {handler: Handler{Type: " ", Handle: noop}, expErr: "must not be empty"},
		"nil handle":   {handler: Handler{Type: "x"}, expErr: "nil handle func"},
		"duplicate":    {handler: Handler{Type: "echo", Handle: noop}, expErr: "already registered"},
		"bad schema":   {handler: Handler{Type: "y", Schema: `{not json`, Handle: noop}, expErr: "compile schema y"},
		"no schema ok": {handler: Handler{Type: "z", Handle: noop}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d := newTestDispatcher(t)
			err := d.Register(tt.handler)
			if tt.expErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			testutil.AssertErrorContains(t, err, tt.expErr)
		})
	}
}

func TestDispatcher_MustRegisterPanics(t *testing.T) {
	d := newTestDispatcher(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	d.MustRegister(Handler{Type: "echo", Handle: func(context.Context, *Request, json.RawMessage) error { return nil }})
}

func TestDispatcher_HandleMessage_Errors(t *testing.T) {
	tests := map[string]struct {
		msgType  int
		data     string
		expCode  string
		expReqID string
		expField string
	}{
		"binary frame":       {msgType: websocket.BinaryMessage, data: `{"type":"echo"}`, expCode: protocol.CodeInvalidMessage},
		"bad json":           {data: `{"type":`, expCode: protocol.CodeInvalidJSON},
		"not an object":      {data: `[1,2]`, expCode: protocol.CodeInvalidMessage},
		"missing type":       {data: `{"payload":{}}`, expCode: protocol.CodeInvalidMessage},
		"blank type":         {data: `{"type":"  ","requestId":"r0"}`, expCode: protocol.CodeInvalidMessage, expReqID: `"r0"`},
		"numeric type":       {data: `{"type":5}`, expCode: protocol.CodeInvalidMessage},
		"bad request id":     {data: `{"type":"echo","requestId":true}`, expCode: protocol.CodeInvalidMessage},
		"unknown type":       {data: `{"type":"nope","requestId":"r1"}`, expCode: protocol.CodeUnknownMessage, expReqID: `"r1"`},
		"schema violation":   {data: `{"type":"echo","payload":{"n":"x"},"requestId":2}`, expCode: protocol.CodeInvalidPayload, expReqID: `2`, expField: "n"},
		"missing payload":    {data: `{"type":"echo"}`, expCode: protocol.CodeInvalidPayload},
		"client error":       {data: `{"type":"deny","requestId":"r3"}`, expCode: protocol.CodeUnauthorized, expReqID: `"r3"`},
		"operational error":  {data: `{"type":"fail"}`, expCode: protocol.CodeInternal},
		"panicking handler":  {data: `{"type":"panic"}`, expCode: protocol.CodeInternal},
		"negative violation": {data: `{"type":"echo","payload":{"n":-1}}`, expCode: protocol.CodeInvalidPayload, expField: "n"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d := newTestDispatcher(t)
			c := NewConn(nil, state.Identity{UserID: 1, Username: "a"}, true)
			d.Attach(c)

			mt := tt.msgType
			if mt == 0 {
				mt = websocket.TextMessage
			}
			d.HandleMessage(context.Background(), c, mt, []byte(tt.data))

			f := nextFrame(t, c)
			testutil.AssertEqual(t, "type", f.Type, protocol.TypeError)
			ef := decodePayload[errorFrame](t, f)
			testutil.AssertEqual(t, "code", ef.Code, tt.expCode)
			testutil.AssertEqual(t, "request id", string(ef.RequestID), tt.expReqID)
			testutil.AssertEqual(t, "field", ef.Details.Field, tt.expField)

			// errors never close the connection
			testutil.AssertEqual(t, "attached", d.Attached(c), true)
		})
	}
}

func TestDispatcher_HandleMessage_Success(t *testing.T) {
	d := newTestDispatcher(t)
	c := NewConn(nil, state.Identity{}, false)
	d.Attach(c)

	d.HandleMessage(context.Background(), c, websocket.TextMessage, []byte(`{"type":"echo","payload":{"n":3}}`))
	f := nextFrame(t, c)
	testutil.AssertEqual(t, "type", f.Type, "echo")
	testutil.AssertEqual(t, "payload", decodePayload[echoPayload](t, f), echoPayload{N: 3})

	snap := d.metrics.Snapshot()
	testutil.AssertEqual(t, "messages", counter(snap, "messages"), int64(1))
	testutil.AssertEqual(t, "client errors", counter(snap, "client_errors"), int64(0))
}

func TestDispatcher_Metrics(t *testing.T) {
	d := newTestDispatcher(t)
	c := NewConn(nil, state.Identity{}, false)
	d.Attach(c)

	for _, msg := range []string{`{"type":"deny"}`, `{"type":"fail"}`, `{bad`} {
		d.HandleMessage(context.Background(), c, websocket.TextMessage, []byte(msg))
	}

	snap := d.metrics.Snapshot()
	testutil.AssertEqual(t, "messages", counter(snap, "messages"), int64(3))
	testutil.AssertEqual(t, "client errors", counter(snap, "client_errors"), int64(2))
	testutil.AssertEqual(t, "internal errors", counter(snap, "internal_errors"), int64(1))
	testutil.AssertEqual(t, "connections", counter(snap, "connections"), int64(1))
}

func TestDispatcher_AttachDetach(t *testing.T) {
	d := newTestDispatcher(t)
	var opened, closed []string
	d.OnOpen(func(c *Conn) { opened = append(opened, c.ID()) })
	d.OnClose(func(c *Conn) { closed = append(closed, c.ID()) })

	c := NewConn(nil, state.Identity{}, false)
	d.Attach(c)
	d.Attach(c)
	testutil.AssertEqual(t, "opened", opened, []string{c.ID()})
	testutil.AssertEqual(t, "count", d.ConnectionCount(), 1)

	testutil.AssertEqual(t, "first detach", d.Detach(c), true)
	testutil.AssertEqual(t, "second detach", d.Detach(c), false)
	testutil.AssertEqual(t, "closed", closed, []string{c.ID()})
	testutil.AssertEqual(t, "count", d.ConnectionCount(), 0)
	testutil.AssertEqual(t, "conn closed", c.Closed(), true)

	// frames from a detached connection are ignored
	d.HandleMessage(context.Background(), c, websocket.TextMessage, []byte(`{"type":"echo","payload":{"n":1}}`))
	testutil.AssertEqual(t, "messages", counter(d.metrics.Snapshot(), "messages"), int64(0))
	expectNoFrame(t, c)
}

func TestDispatcher_Broadcast(t *testing.T) {
	d := newTestDispatcher(t)
	a := NewConn(nil, state.Identity{UserID: 1}, true)
	b := NewConn(nil, state.Identity{UserID: 2}, true)
	d.Attach(a)
	d.Attach(b)

	n, err := d.Broadcast("note", map[string]int{"v": 1}, func(c *Conn) bool { return c != a })
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	testutil.AssertEqual(t, "delivered", n, 1)
	testutil.AssertEqual(t, "b type", nextFrame(t, b).Type, "note")
	expectNoFrame(t, a)

	_, err = d.Broadcast("bad", func() {}, nil)
	testutil.AssertErrorContains(t, err, "encode bad")
}

func TestDispatcher_DropsWhenSaturated(t *testing.T) {
	d := newTestDispatcher(t)
	c := NewConn(nil, state.Identity{}, false)
	d.Attach(c)

	for i := 0; i < sendQueueSize+3; i++ {
		d.BroadcastFrame([]byte(`{"type":"world:update"}`))
	}
	snap := d.metrics.Snapshot()
	testutil.AssertEqual(t, "dropped", counter(snap, "dropped_sends"), int64(3))
	testutil.AssertEqual(t, "broadcasts", counter(snap, "broadcasts"), int64(sendQueueSize+3))

	// sending to a closed connection is silently dropped
	d.Detach(c)
	if err := d.Send(c, "x", nil); err != nil {
		t.Fatalf("send to closed conn: %v", err)
	}
	testutil.AssertEqual(t, "dropped", counter(d.metrics.Snapshot(), "dropped_sends"), int64(4))
}
