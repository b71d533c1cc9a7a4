// Package relayclient consumes the relay's websocket feed.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/reugn/go-streams"
)

// Envelope is one message pushed by the relay.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Source is a streams.Source emitting Envelope values from a relay
// connection. Out is closed when the connection ends.
type Source struct {
	url    string
	conn   *websocket.Conn
	outCh  chan any
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

// NewSource creates a source for the relay at url (see URL).
func NewSource(url string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		url:    url,
		outCh:  make(chan any),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "relayclient"),
	}
}

// URL builds the websocket endpoint for a relay base address such as
// http://host:8000. An empty channel subscribes to every channel.
func URL(base, channel string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	if channel != "" {
		q.Set("channel", channel)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Out returns a channel that emits Envelope values
func (s *Source) Out() <-chan any {
	return s.outCh
}

// Via implements streams.Source
func (s *Source) Via(flow streams.Flow) streams.Flow {
	go func() {
		in := flow.In()
		for env := range s.outCh {
			in <- env
		}
		close(in)
	}()
	return flow
}

// Start dials the relay and begins emitting envelopes.
func (s *Source) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	s.conn = conn
	s.logger.Info("connected", "url", s.url)

	go func() {
		defer close(s.outCh)
		defer conn.Close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("read failed", "error", err)
				}
				return
			}

			var env Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				s.logger.Warn("unmarshal failed", "error", err)
				continue
			}

			select {
			case s.outCh <- env:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Close stops the source.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}
