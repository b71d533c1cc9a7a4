// Package bus is the publish/subscribe transport between the commit
// publisher and the relay.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/reugn/go-streams"
)

// Channel names a publish/subscribe stream.
type Channel string

const (
	// Blocks carries one message per persisted block.
	Blocks Channel = "blocks"
	// Events carries one message per contract notification.
	Events Channel = "events"
)

// Channels returns every channel the relay serves, in a fixed order.
func Channels() []Channel {
	return []Channel{Blocks, Events}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	return c == Blocks || c == Events
}

// ParseChannel converts a channel name, rejecting unknown names.
func ParseChannel(name string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(name)))
	if !c.Valid() {
		return "", fmt.Errorf("bus: unknown channel %q", name)
	}
	return c, nil
}

// Message is one payload received from a channel.
type Message struct {
	Channel Channel
	Payload []byte
}

// Bus publishes payloads to channels and opens subscriptions.
type Bus interface {
	Publish(ctx context.Context, channel Channel, payload []byte) error
	Subscribe(ctx context.Context, channels ...Channel) (Subscription, error)
	Close() error
}

// Subscription streams Messages from Out until it is closed or its
// connection is lost, at which point Out is closed. Messages of one channel
// are delivered in publish order.
type Subscription interface {
	streams.Source
	Close() error
}

// Config selects and configures a bus driver.
type Config struct {
	// Driver is one of redis (default), nats or memory.
	Driver string
	// URL overrides Host/Port, e.g. redis://host:6379/0 or nats://host:4222.
	URL  string
	Host string
	Port int
	// Prefix is prepended to channel names on the wire.
	Prefix string
	// BufferSize bounds each subscription's delivery queue.
	BufferSize int
}

const defaultBufferSize = 1024

// Open connects to the bus selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Bus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "redis":
		return openRedis(ctx, cfg)
	case "nats":
		return openNATS(cfg)
	case "memory":
		return NewMemory(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("bus: unsupported driver %q", cfg.Driver)
	}
}

// subject maps a channel to its wire name under prefix.
func subject(prefix string, c Channel) string {
	return prefix + string(c)
}

// channelOf maps a wire name back to its channel.
func channelOf(prefix, name string) Channel {
	return Channel(strings.TrimPrefix(name, prefix))
}

// pipe forwards everything from out into flow's inlet.
func pipe(out <-chan any, flow streams.Flow) streams.Flow {
	go func() {
		in := flow.In()
		for msg := range out {
			in <- msg
		}
		close(in)
	}()
	return flow
}
