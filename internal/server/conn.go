package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/web3ekko/ekko-ce/relay/internal/broadcast"
	"github.com/web3ekko/ekko-ce/relay/internal/bus"
)

// wsConn adapts a gorilla connection to broadcast.Conn. gorilla allows one
// concurrent writer, so data frames and pings share writeMu.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	channel      bus.Channel // empty means every channel
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ broadcast.Conn = (*wsConn)(nil)

func newWSConn(id string, ws *websocket.Conn, channel bus.Channel, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           id,
		ws:           ws,
		channel:      channel,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Open() bool { return !c.closed.Load() }

func (c *wsConn) Wants(channel bus.Channel) bool {
	return c.channel == "" || c.channel == channel
}

func (c *wsConn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// Send writes data as one text frame.
func (c *wsConn) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return broadcast.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(c.deadline(ctx)); err != nil {
		c.closed.Store(true)
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) ping() error {
	if c.closed.Load() {
		return broadcast.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame on a best-effort basis and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
