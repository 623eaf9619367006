// Package relay mirrors world events onto NATS subjects so out-of-process
// observers can follow the realm without touching the simulation.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Event kinds, appended to the subject prefix.
const (
	KindChat         = "chat"
	KindPlayerJoined = "player.joined"
	KindPlayerLeft   = "player.left"
)

// Relay owns an embedded NATS server and one in-process client.
type Relay struct {
	ns   *server.Server
	conn *nats.Conn

	startupTimeout time.Duration
	host           string
	port           int
	prefix         string

	mu     sync.Mutex
	closed bool
}

// Opt configures a Relay.
type Opt func(*Relay)

// WithHost sets the listen host.
func WithHost(host string) Opt {
	return func(r *Relay) { r.host = host }
}

// WithPort sets the listen port. -1 picks a random free port.
func WithPort(port int) Opt {
	return func(r *Relay) { r.port = port }
}

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Opt {
	return func(r *Relay) { r.prefix = prefix }
}

// WithStartTimeout bounds how long Start waits for the server.
func WithStartTimeout(d time.Duration) Opt {
	return func(r *Relay) { r.startupTimeout = d }
}

// New builds an unstarted relay.
func New(opts ...Opt) (*Relay, error) {
	r := &Relay{
		startupTimeout: 10 * time.Second,
		host:           "127.0.0.1",
		port:           4222,
		prefix:         "realmsync",
	}
	for _, opt := range opts {
		opt(r)
	}

	ns, err := server.NewServer(&server.Options{
		Host:   r.host,
		Port:   r.port,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	r.ns = ns
	return r, nil
}

// Start launches the server and connects the internal client. It returns
// once both are ready.
func (r *Relay) Start() error {
	r.ns.Start()

	if !r.ns.ReadyForConnections(r.startupTimeout) {
		r.ns.Shutdown()
		return fmt.Errorf("nats server not ready for connections")
	}

	conn, err := nats.Connect(r.ns.ClientURL())
	if err != nil {
		r.ns.Shutdown()
		return fmt.Errorf("creating nats client connection: %w", err)
	}
	r.conn = conn
	return nil
}

// Addr is the address clients should dial.
func (r *Relay) Addr() string {
	return r.ns.ClientURL()
}

// Subject returns the full subject for an event kind.
func (r *Relay) Subject(kind string) string {
	return r.prefix + "." + kind
}

// Publish encodes v as JSON and publishes it under kind.
func (r *Relay) Publish(kind string, v any) error {
	if r.conn == nil {
		return fmt.Errorf("relay not started")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return r.conn.Publish(r.Subject(kind), data)
}

// Subscribe calls handler with the raw payload of every event of kind.
// The returned func removes the subscription.
func (r *Relay) Subscribe(kind string, handler func(data []byte)) (func(), error) {
	if r.conn == nil {
		return nil, fmt.Errorf("relay not started")
	}
	sub, err := r.conn.Subscribe(r.Subject(kind), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close flushes the client and shuts the server down. Safe to call twice.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.conn != nil {
		err = r.conn.Flush()
		r.conn.Close()
	}
	r.ns.Shutdown()
	r.ns.WaitForShutdown()
	return err
}
