package bus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/reugn/go-streams"
)

// RedisBus publishes and subscribes over Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client  *redis.Client
	prefix  string
	bufSize int
}

func openRedis(ctx context.Context, cfg Config) (Bus, error) {
	opt, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis", "connect "+opt.Addr, "", err)
	}
	return NewRedisBus(client, cfg.Prefix, cfg.BufferSize), nil
}

// RedisOptions builds client options from cfg. A URL without a scheme or
// path is taken as a bare host:port. Command deadlines follow the caller's
// context.
func RedisOptions(cfg Config) (*redis.Options, error) {
	var opt *redis.Options
	switch {
	case cfg.URL == "":
		host, port := cfg.Host, cfg.Port
		if host == "" {
			host = "localhost"
		}
		if port == 0 {
			port = 6379
		}
		opt = &redis.Options{Addr: net.JoinHostPort(host, strconv.Itoa(port))}
	case isHostPort(cfg.URL):
		opt = &redis.Options{Addr: cfg.URL}
	default:
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("bus: invalid redis url: %w", err)
		}
		opt = parsed
	}
	opt.ContextTimeoutEnabled = true
	return opt, nil
}

func isHostPort(s string) bool {
	if strings.Contains(s, "/") {
		return false
	}
	_, _, err := net.SplitHostPort(s)
	return err == nil
}

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client, prefix string, bufSize int) *RedisBus {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &RedisBus{client: client, prefix: prefix, bufSize: bufSize}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel Channel, payload []byte) error {
	if err := b.client.Publish(ctx, subject(b.prefix, channel), payload).Err(); err != nil {
		return unavailable("redis", "publish", channel, err)
	}
	return nil
}

// Subscribe implements Bus. The returned subscription survives transient
// connection loss; go-redis re-subscribes on reconnect.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...Channel) (Subscription, error) {
	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, subject(b.prefix, c))
	}

	ps := b.client.Subscribe(ctx, names...)
	// Wait for the subscription confirmation so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("redis", "subscribe", "", err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan any, b.bufSize),
		done: make(chan struct{}),
	}
	go sub.run(b.prefix, ps.Channel(redis.WithChannelSize(b.bufSize)))
	return sub, nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan any
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) run(prefix string, in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			m := Message{Channel: channelOf(prefix, msg.Channel), Payload: []byte(msg.Payload)}
			select {
			case s.out <- m:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Out() <-chan any {
	return s.out
}

func (s *redisSubscription) Via(flow streams.Flow) streams.Flow {
	return pipe(s.out, flow)
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
