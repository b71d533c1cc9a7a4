package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/reugn/go-streams"
)

// Memory is a process-local bus used when publisher and relay share a
// process, and in tests.
type Memory struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*memorySubscription
	bufSize int
	closed  bool
}

// NewMemory creates an in-process bus whose subscriptions buffer up to
// bufSize messages. When a subscriber's buffer is full new messages are
// dropped for that subscriber.
func NewMemory(bufSize int) *Memory {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Memory{subs: make(map[int]*memorySubscription), bufSize: bufSize}
}

var errMemoryClosed = errors.New("memory bus closed")

// Publish delivers payload to every subscription of channel.
func (m *Memory) Publish(ctx context.Context, channel Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("memory", "publish", channel, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return unavailable("memory", "publish", channel, errMemoryClosed)
	}
	for _, sub := range m.subs {
		if !sub.channels[channel] {
			continue
		}
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

// Subscribe opens a subscription to channels.
func (m *Memory) Subscribe(ctx context.Context, channels ...Channel) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("memory", "subscribe", "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable("memory", "subscribe", "", errMemoryClosed)
	}

	id := m.nextID
	m.nextID++
	sub := &memorySubscription{
		bus:      m,
		id:       id,
		channels: make(map[Channel]bool, len(channels)),
		out:      make(chan any, m.bufSize),
	}
	for _, c := range channels {
		sub.channels[c] = true
	}
	m.subs[id] = sub
	return sub, nil
}

// Drop ends every open subscription as if the connection had been lost.
// Later subscriptions work normally.
func (m *Memory) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.out)
	}
}

// Close ends all subscriptions and rejects further use.
func (m *Memory) Close() error {
	m.Drop()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type memorySubscription struct {
	bus      *Memory
	id       int
	channels map[Channel]bool
	out      chan any
}

func (s *memorySubscription) Out() <-chan any {
	return s.out
}

func (s *memorySubscription) Via(flow streams.Flow) streams.Flow {
	return pipe(s.out, flow)
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.out)
	}
	return nil
}
