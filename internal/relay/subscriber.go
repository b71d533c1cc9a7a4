// Package relay subscribes to the bus and hands every payload to the
// broadcaster.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/web3ekko/ekko-ce/relay/internal/broadcast"
	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/metrics"
)

// Broadcaster is the fan-out the relay feeds.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel bus.Channel, data json.RawMessage) error
}

// MalformedPayloadError is reported for a bus payload that is not valid JSON.
type MalformedPayloadError struct {
	Channel bus.Channel
	Size    int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload on %s (%d bytes)", e.Channel, e.Size)
}

type Config struct {
	// Channels defaults to every known channel.
	Channels     []bus.Channel
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Metrics      *metrics.Metrics
}

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

// Subscriber keeps one live bus subscription and relays its messages.
type Subscriber struct {
	bus         bus.Bus
	broadcaster Broadcaster
	channels    []bus.Channel
	minDelay    time.Duration
	maxDelay    time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func New(b bus.Bus, bc Broadcaster, cfg Config, logger *slog.Logger) (*Subscriber, error) {
	if b == nil {
		return nil, errors.New("relay: bus is nil")
	}
	if bc == nil {
		return nil, errors.New("relay: broadcaster is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = bus.Channels()
	}
	for _, c := range channels {
		if !c.Valid() {
			return nil, fmt.Errorf("relay: unknown channel %q", c)
		}
	}

	minDelay, maxDelay := cfg.ReconnectMin, cfg.ReconnectMax
	if minDelay <= 0 {
		minDelay = defaultReconnectMin
	}
	if maxDelay < minDelay {
		maxDelay = max(minDelay, defaultReconnectMax)
	}

	return &Subscriber{
		bus:         b,
		broadcaster: bc,
		channels:    channels,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "relay"),
	}, nil
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.minDelay
	bo.MaxInterval = s.maxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run subscribes and relays until ctx is cancelled. A failed or lost
// subscription is retried with exponential backoff. Run returns nil on
// cancellation.
func (s *Subscriber) Run(ctx context.Context) error {
	bo := s.newBackOff()
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		sub, err := s.bus.Subscribe(ctx, s.channels...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			s.logger.Warn("subscribe failed, retrying", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		if !first {
			s.metrics.Resubscribed()
		}
		first = false
		bo.Reset()
		s.logger.Info("subscribed", "channels", s.channels)

		if s.consume(ctx, sub) {
			_ = sub.Close()
			return nil
		}
		_ = sub.Close()

		delay := bo.NextBackOff()
		s.logger.Warn("subscription lost, resubscribing", "retry_in", delay)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// consume relays messages until the subscription ends. It reports whether
// it stopped because ctx was cancelled.
func (s *Subscriber) consume(ctx context.Context, sub bus.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case v, ok := <-sub.Out():
			if !ok {
				return false
			}
			msg, ok := v.(bus.Message)
			if !ok {
				s.logger.Warn("unexpected item from subscription", "type", fmt.Sprintf("%T", v))
				continue
			}
			if err := s.Handle(ctx, msg); err != nil {
				var malformed *MalformedPayloadError
				if errors.As(err, &malformed) {
					s.logger.Warn("dropping message", "error", err)
				} else {
					s.logger.Error("broadcast failed", "channel", msg.Channel, "error", err)
				}
			}
		}
	}
}

// Handle validates one bus message and broadcasts it. A malformed payload
// is dropped and reported as *MalformedPayloadError.
func (s *Subscriber) Handle(ctx context.Context, msg bus.Message) error {
	if !json.Valid(msg.Payload) {
		s.metrics.MalformedPayload(string(msg.Channel))
		return &MalformedPayloadError{Channel: msg.Channel, Size: len(msg.Payload)}
	}

	s.metrics.Relayed(string(msg.Channel))
	err := s.broadcaster.Broadcast(ctx, msg.Channel, json.RawMessage(msg.Payload))
	var sendErr *broadcast.ConnectionSendError
	if errors.As(err, &sendErr) {
		s.logger.Debug("broadcast dropped connections", "channel", msg.Channel, "dropped", len(sendErr.Failed))
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
