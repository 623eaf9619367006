package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realmsync/persist"
	"realmsync/protocol"
	"realmsync/state"
	"realmsync/world"
)

const (
	sendQueueSize  = 64
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// Conn is one client socket. Writes go through a buffered queue drained by
// writePump; reads are dispatched in order by readPump.
type Conn struct {
	id       string
	ws       *websocket.Conn
	identity state.Identity
	hasID    bool
	spawn    *world.Vec

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewConn wraps ws. Pass ok=false for an anonymous connection. ws may be nil
// for connections that are only ever read through Queue.
func NewConn(ws *websocket.Conn, id state.Identity, ok bool) *Conn {
	return &Conn{
		id:       uuid.New().String(),
		ws:       ws,
		identity: id,
		hasID:    ok,
		send:     make(chan []byte, sendQueueSize),
	}
}

// ID is the connection's UUID.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated user, if any.
func (c *Conn) Identity() (state.Identity, bool) { return c.identity, c.hasID }

// Queue exposes outbound frames; tests read from it in place of a socket.
func (c *Conn) Queue() <-chan []byte { return c.send }

// Enqueue pushes a frame without blocking. It reports false when the
// connection is closed or its queue is full; the frame is then dropped.
func (c *Conn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close ends the write pump and the socket. Safe to call twice.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.ws != nil {
		_ = c.ws.Close()
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context, room *Room) {
	defer room.Leave(c)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		room.Dispatcher().HandleMessage(ctx, c, mt, payload)
	}
}

// TokenAuthenticator resolves a session token into an identity.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (state.Identity, error)
}

// AuthOptions selects how upgrade requests are identified.
type AuthOptions struct {
	// Tokens checks ?token= or a Bearer header. nil disables token auth.
	Tokens TokenAuthenticator
	// AllowAnonymous attaches requests without credentials as anonymous.
	AllowAnonymous bool
	// DevQueryIdentity trusts ?userId=&username=.
	DevQueryIdentity bool
}

// WSHandler upgrades /ws requests and hands the connection to the room.
type WSHandler struct {
	room     *Room
	auth     AuthOptions
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

// NewWSHandler builds the upgrade handler.
func NewWSHandler(room *Room, auth AuthOptions, log *zap.SugaredLogger) *WSHandler {
	return &WSHandler{
		room: room,
		auth: auth,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients are served from the same binary; any origin is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// authError is written as the body of a rejected upgrade.
type authError struct {
	status int
	code   string
	msg    string
}

func (e *authError) Error() string { return e.code + ": " + e.msg }

func (h *WSHandler) identify(r *http.Request) (state.Identity, bool, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = v
		}
	}

	if token != "" {
		if h.auth.Tokens == nil {
			return state.Identity{}, false, &authError{http.StatusUnauthorized, protocol.CodeUnauthorized, "token authentication is not enabled"}
		}
		id, err := h.auth.Tokens.Authenticate(r.Context(), token)
		switch {
		case err == nil:
			return id, true, nil
		case errors.Is(err, persist.ErrInvalidToken), errors.Is(err, persist.ErrSessionExpired):
			return state.Identity{}, false, &authError{http.StatusUnauthorized, protocol.CodeInvalidToken, err.Error()}
		default:
			return state.Identity{}, false, err
		}
	}

	if h.auth.DevQueryIdentity {
		if raw := r.URL.Query().Get("userId"); raw != "" {
			uid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || uid <= 0 {
				return state.Identity{}, false, &authError{http.StatusUnauthorized, protocol.CodeInvalidToken, "userId must be a positive integer"}
			}
			name := r.URL.Query().Get("username")
			if name == "" {
				name = "player-" + raw
			}
			return state.Identity{UserID: uid, Username: name}, true, nil
		}
	}

	if h.auth.AllowAnonymous {
		return state.Identity{}, false, nil
	}
	return state.Identity{}, false, &authError{http.StatusUnauthorized, protocol.CodeUnauthorized, "authentication required"}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok, err := h.identify(r)
	if err != nil {
		var ae *authError
		if !errors.As(err, &ae) {
			h.log.Errorw("authenticate upgrade", "remote", r.RemoteAddr, "error", err)
			ae = &authError{http.StatusInternalServerError, protocol.CodeInternal, "authentication unavailable"}
		} else {
			h.log.Debugw("rejected upgrade", "remote", r.RemoteAddr, "code", ae.code)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ae.status)
		_ = json.NewEncoder(w).Encode(protocol.ErrorPayload{Code: ae.code, Message: ae.msg})
		return
	}

	// Profile lookups happen before the upgrade so a slow disk never holds
	// the simulation lock.
	initial := h.room.initialPosition(r.Context(), id, ok)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := NewConn(ws, id, ok)
	h.log.Infow("connection opened", "conn", c.ID(), "userId", id.UserID, "anonymous", !ok)

	go c.writePump()
	h.room.Join(c, initial)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		c.readPump(ctx, h.room)
	}()
}
