package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/reugn/go-streams"
)

// NATSBus publishes and subscribes over core NATS subjects.
type NATSBus struct {
	nc      *nats.Conn
	prefix  string
	bufSize int

	mu       sync.Mutex
	nextID   uint64
	onClosed map[uint64]func()
}

func openNATS(cfg Config) (Bus, error) {
	url := cfg.URL
	if url == "" {
		if cfg.Host != "" {
			port := cfg.Port
			if port == 0 {
				port = nats.DefaultPort
			}
			url = fmt.Sprintf("nats://%s:%d", cfg.Host, port)
		} else {
			url = nats.DefaultURL
		}
	}

	nc, err := nats.Connect(url,
		nats.Name("ekko-relay"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, unavailable("nats", "connect "+url, "", err)
	}
	return NewNATSBus(nc, cfg.Prefix, cfg.BufferSize), nil
}

// NewNATSBus wraps an existing connection. It takes over the connection's
// closed handler.
func NewNATSBus(nc *nats.Conn, prefix string, bufSize int) *NATSBus {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	b := &NATSBus{nc: nc, prefix: prefix, bufSize: bufSize, onClosed: make(map[uint64]func())}
	nc.SetClosedHandler(func(*nats.Conn) { b.connClosed() })
	return b
}

func (b *NATSBus) connClosed() {
	b.mu.Lock()
	fns := b.onClosed
	b.onClosed = make(map[uint64]func())
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Publish implements Bus. While the connection is reconnecting, publishes
// are buffered by the client up to its reconnect buffer size.
func (b *NATSBus) Publish(ctx context.Context, channel Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("nats", "publish", channel, err)
	}
	if err := b.nc.Publish(subject(b.prefix, channel), payload); err != nil {
		return unavailable("nats", "publish", channel, err)
	}
	return nil
}

// Subscribe implements Bus. All channels share one delivery queue so their
// relative order on this connection is preserved.
func (b *NATSBus) Subscribe(ctx context.Context, channels ...Channel) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("nats", "subscribe", "", err)
	}
	if b.nc.IsClosed() {
		return nil, unavailable("nats", "subscribe", "", nats.ErrConnectionClosed)
	}

	in := make(chan *nats.Msg, b.bufSize)
	sub := &natsSubscription{
		out:  make(chan any, b.bufSize),
		done: make(chan struct{}),
	}
	for _, c := range channels {
		s, err := b.nc.ChanSubscribe(subject(b.prefix, c), in)
		if err != nil {
			_ = sub.unsubscribeAll()
			return nil, unavailable("nats", "subscribe", c, err)
		}
		sub.subs = append(sub.subs, s)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.nc.FlushWithContext(flushCtx); err != nil && !errors.Is(err, nats.ErrConnectionReconnecting) {
		_ = sub.unsubscribeAll()
		return nil, unavailable("nats", "subscribe", "", err)
	}

	// Closing the connection ends the subscription so the relay re-subscribes.
	closed := make(chan struct{})
	var closedOnce sync.Once
	markClosed := func() { closedOnce.Do(func() { close(closed) }) }
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.onClosed[id] = markClosed
	b.mu.Unlock()
	sub.forget = func() { b.forget(id) }
	if b.nc.IsClosed() {
		markClosed()
	}

	go sub.run(b.prefix, in, closed)
	return sub, nil
}

func (b *NATSBus) forget(id uint64) {
	b.mu.Lock()
	delete(b.onClosed, id)
	b.mu.Unlock()
}

// Close implements Bus.
func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

type natsSubscription struct {
	subs      []*nats.Subscription
	out       chan any
	done      chan struct{}
	forget    func()
	closeOnce sync.Once
}

func (s *natsSubscription) run(prefix string, in <-chan *nats.Msg, closed <-chan struct{}) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-closed:
			return
		case msg := <-in:
			m := Message{Channel: channelOf(prefix, msg.Subject), Payload: msg.Data}
			select {
			case s.out <- m:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscription) unsubscribeAll() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *natsSubscription) Out() <-chan any {
	return s.out
}

func (s *natsSubscription) Via(flow streams.Flow) streams.Flow {
	return pipe(s.out, flow)
}

func (s *natsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.forget != nil {
			s.forget()
		}
		err = s.unsubscribeAll()
	})
	return err
}
