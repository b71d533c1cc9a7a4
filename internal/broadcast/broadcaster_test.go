package broadcast_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3ekko/ekko-ce/relay/internal/broadcast"
	"github.com/web3ekko/ekko-ce/relay/internal/bus"
)

type fakeConn struct {
	id      string
	channel bus.Channel

	mu      sync.Mutex
	open    bool
	sendErr error
	sent    [][]byte
	closes  int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Wants(ch bus.Channel) bool {
	return c.channel == "" || c.channel == ch
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closes++
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func TestBroadcast_ClosedConnectionsAreRemoved(t *testing.T) {
	b := broadcast.New(broadcast.Config{Workers: 4}, nil)

	var conns []*fakeConn
	for k := 0; k < 10; k++ {
		c := newFakeConn(fmt.Sprintf("conn-%d", k))
		if k%2 == 0 {
			c.open = false
		}
		conns = append(conns, c)
		require.NoError(t, b.Add(c))
	}

	err := b.Broadcast(context.Background(), bus.Blocks, json.RawMessage(`{"hash":"0xAA"}`))

	var sendErr *broadcast.ConnectionSendError
	require.ErrorAs(t, err, &sendErr)
	assert.Len(t, sendErr.Failed, 5)
	assert.ErrorIs(t, err, broadcast.ErrConnectionClosed)
	assert.Equal(t, 5, b.Len())

	for k, c := range conns {
		if k%2 == 0 {
			assert.Empty(t, c.messages(), "conn %d", k)
			assert.Equal(t, 1, c.closeCount(), "conn %d", k)
			continue
		}
		require.Len(t, c.messages(), 1, "conn %d", k)
		assert.JSONEq(t, `{"type":"blocks","data":{"hash":"0xAA"}}`, string(c.messages()[0]))
		assert.Zero(t, c.closeCount())
	}
}

func TestBroadcast_SendFailureDoesNotAffectOthers(t *testing.T) {
	b := broadcast.New(broadcast.Config{}, nil)

	bad := newFakeConn("bad")
	bad.sendErr = errors.New("broken pipe")
	good := newFakeConn("good")
	require.NoError(t, b.Add(bad))
	require.NoError(t, b.Add(good))

	err := b.Broadcast(context.Background(), bus.Events, json.RawMessage(`{"contract":"0xCC"}`))
	require.Error(t, err)

	assert.Equal(t, 1, b.Len())
	assert.Len(t, good.messages(), 1)
	assert.Equal(t, 1, bad.closeCount())

	// Later broadcasts no longer see the dropped connection.
	require.NoError(t, b.Broadcast(context.Background(), bus.Events, json.RawMessage(`{}`)))
	assert.Len(t, good.messages(), 2)
}

func TestBroadcast_DuplicatePayloadsAreNotDeduplicated(t *testing.T) {
	b := broadcast.New(broadcast.Config{}, nil)
	c := newFakeConn("c")
	require.NoError(t, b.Add(c))

	payload := json.RawMessage(`{"hash":"0xAA","confirmations":1}`)
	require.NoError(t, b.Broadcast(context.Background(), bus.Blocks, payload))
	require.NoError(t, b.Broadcast(context.Background(), bus.Blocks, payload))

	assert.Len(t, c.messages(), 2)
}

func TestBroadcast_ChannelFilter(t *testing.T) {
	b := broadcast.New(broadcast.Config{}, nil)
	all := newFakeConn("all")
	blocksOnly := newFakeConn("blocks-only")
	blocksOnly.channel = bus.Blocks
	require.NoError(t, b.Add(all))
	require.NoError(t, b.Add(blocksOnly))

	require.NoError(t, b.Broadcast(context.Background(), bus.Events, json.RawMessage(`{}`)))
	require.NoError(t, b.Broadcast(context.Background(), bus.Blocks, json.RawMessage(`{}`)))

	assert.Len(t, all.messages(), 2)
	require.Len(t, blocksOnly.messages(), 1)
	assert.Contains(t, string(blocksOnly.messages()[0]), `"type":"blocks"`)
}

func TestBroadcaster_AddRemove(t *testing.T) {
	b := broadcast.New(broadcast.Config{}, nil)
	c := newFakeConn("c")

	require.NoError(t, b.Add(c))
	assert.Error(t, b.Add(c))
	assert.Equal(t, 1, b.Len())

	assert.True(t, b.Remove("c"))
	assert.False(t, b.Remove("c"))
	assert.Equal(t, 1, c.closeCount())
	assert.Zero(t, b.Len())
}

func TestBroadcaster_ConcurrentMembership(t *testing.T) {
	b := broadcast.New(broadcast.Config{Workers: 8}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			_ = b.Add(newFakeConn(id))
			b.Remove(id)
		}(i)
		go func() {
			defer wg.Done()
			_ = b.Broadcast(ctx, bus.Blocks, json.RawMessage(`{}`))
		}()
	}
	wg.Wait()
	assert.Zero(t, b.Len())
}

func TestBroadcaster_CloseAll(t *testing.T) {
	b := broadcast.New(broadcast.Config{}, nil)
	a, c := newFakeConn("a"), newFakeConn("c")
	require.NoError(t, b.Add(a))
	require.NoError(t, b.Add(c))

	b.CloseAll()

	assert.Zero(t, b.Len())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, c.closeCount())
}
