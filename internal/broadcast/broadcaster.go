// Package broadcast fans relay messages out to connected clients.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/metrics"
)

// ErrConnectionClosed is returned by Conn.Send when the connection is no
// longer open.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is one client connection as seen by the broadcaster.
type Conn interface {
	ID() string
	// Open reports whether the transport still considers the connection open.
	Open() bool
	// Wants reports whether the client asked for messages of channel.
	Wants(channel bus.Channel) bool
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Envelope is the message written to clients.
type Envelope struct {
	Type bus.Channel     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ConnectionSendError reports the connections dropped by one broadcast.
type ConnectionSendError struct {
	Channel bus.Channel
	Failed  map[string]error
}

func (e *ConnectionSendError) Error() string {
	return fmt.Sprintf("broadcast %s: %d connection(s) dropped", e.Channel, len(e.Failed))
}

// Unwrap exposes the individual send errors.
func (e *ConnectionSendError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

type Config struct {
	// Workers caps concurrent sends during one broadcast.
	Workers int
	Metrics *metrics.Metrics
}

const defaultWorkers = 16

// Broadcaster owns the ConnectionSet.
type Broadcaster struct {
	mu      sync.Mutex
	conns   map[string]Conn
	workers int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Broadcaster{
		conns:   make(map[string]Conn),
		workers: workers,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "broadcaster"),
	}
}

// Add registers c. A second Add with the same ID is an error.
func (b *Broadcaster) Add(c Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[c.ID()]; ok {
		return fmt.Errorf("broadcast: connection %s already registered", c.ID())
	}
	b.conns[c.ID()] = c
	b.metrics.SetConnections(len(b.conns))
	return nil
}

// Remove unregisters the connection and closes it. It reports whether the
// connection was registered; only the call that returns true closes it.
func (b *Broadcaster) Remove(id string) bool {
	b.mu.Lock()
	c, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
		b.metrics.SetConnections(len(b.conns))
	}
	b.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CloseAll removes and closes every connection.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]Conn)
	b.metrics.SetConnections(0)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Broadcaster) snapshot(channel bus.Channel) []Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conn, 0, len(b.conns))
	for _, c := range b.conns {
		if c.Wants(channel) {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast wraps data in an Envelope and sends it to every open connection
// subscribed to channel. Connections that are closed or fail to send are
// removed; the others are unaffected. The returned error is a
// *ConnectionSendError listing the dropped connections, or nil.
func (b *Broadcaster) Broadcast(ctx context.Context, channel bus.Channel, data json.RawMessage) error {
	payload, err := json.Marshal(Envelope{Type: channel, Data: data})
	if err != nil {
		return fmt.Errorf("broadcast %s: marshal envelope: %w", channel, err)
	}

	var (
		failedMu sync.Mutex
		failed   = make(map[string]error)
	)
	fail := func(id string, err error) {
		failedMu.Lock()
		failed[id] = err
		failedMu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(b.workers)
	for _, c := range b.snapshot(channel) {
		if !c.Open() {
			fail(c.ID(), ErrConnectionClosed)
			continue
		}
		g.Go(func() error {
			if err := c.Send(ctx, payload); err != nil {
				fail(c.ID(), err)
				return nil
			}
			b.metrics.BroadcastSent()
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	for id, err := range failed {
		if b.Remove(id) {
			b.metrics.BroadcastFailed()
			b.logger.Debug("dropped connection", "id", id, "channel", channel, "error", err)
		}
	}
	return &ConnectionSendError{Channel: channel, Failed: failed}
}
