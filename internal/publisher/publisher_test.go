package publisher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/codec"
	"github.com/web3ekko/ekko-ce/relay/internal/metrics"
	"github.com/web3ekko/ekko-ce/relay/internal/publisher"
	"github.com/web3ekko/ekko-ce/relay/pkg/ledger"
)

type published struct {
	channel bus.Channel
	payload []byte
}

// recordingBus captures publishes in order. Publishes to a channel listed in
// fail return an error; stall makes every publish wait for ctx.
type recordingBus struct {
	mu    sync.Mutex
	msgs  []published
	fail  map[bus.Channel]bool
	stall bool
}

func (b *recordingBus) Publish(ctx context.Context, channel bus.Channel, payload []byte) error {
	if b.stall {
		<-ctx.Done()
		return &bus.BusUnavailableError{Driver: "fake", Op: "publish", Channel: channel, Err: ctx.Err()}
	}
	if b.fail[channel] {
		return &bus.BusUnavailableError{Driver: "fake", Op: "publish", Channel: channel, Err: errors.New("connection refused")}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel: channel, payload: append([]byte(nil), payload...)})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, ...bus.Channel) (bus.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) on(channel bus.Channel) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.msgs {
		if m.channel == channel {
			out = append(out, m.payload)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPublisher(t *testing.T, b bus.Bus, cfg publisher.Config) *publisher.Publisher {
	t.Helper()
	p, err := publisher.New(b, cfg, quietLogger())
	require.NoError(t, err)
	return p
}

func testBlock() ledger.Block {
	return ledger.Block{
		Hash:  "0xAA",
		Index: 42,
		Time:  1700000000,
		Transactions: []ledger.Transaction{
			{Hash: "0xbeef", Type: "InvocationTransaction"},
		},
	}
}

func notification(contract string, state ...ledger.Parameter) ledger.Notification {
	return ledger.Notification{Contract: contract, State: state}
}

func TestNew_RequiresBus(t *testing.T) {
	_, err := publisher.New(nil, publisher.Config{}, nil)
	assert.Error(t, err)
}

func TestOnCommit_SingleBlockMessage(t *testing.T) {
	b := &recordingBus{}
	p := newPublisher(t, b, publisher.Config{})

	p.OnCommit(testBlock(), nil)

	blocks := b.on(bus.Blocks)
	require.Len(t, blocks, 1)
	msg, err := codec.DecodeBlockMessage(blocks[0])
	require.NoError(t, err)
	assert.Equal(t, "0xAA", msg.Hash)
	assert.Equal(t, 1, msg.Confirmations)
	assert.Empty(t, b.on(bus.Events))
}

func TestOnCommit_BlockBeforeEventsInOrder(t *testing.T) {
	b := &recordingBus{}
	p := newPublisher(t, b, publisher.Config{})

	records := []ledger.ExecutionRecord{
		{
			TxID:  "0x01",
			State: ledger.VMStateHalt,
			Notifications: []ledger.Notification{
				notification("0xC1", ledger.NewString("first")),
				notification("0xC2", ledger.NewString("second")),
			},
		},
		{
			TxID:          "0x02",
			State:         ledger.VMStateHalt,
			Notifications: []ledger.Notification{notification("0xC3", ledger.NewInt64(3))},
		},
	}
	p.OnCommit(testBlock(), records)

	require.Len(t, b.msgs, 4)
	assert.Equal(t, bus.Blocks, b.msgs[0].channel)

	var got []string
	for _, m := range b.msgs[1:] {
		assert.Equal(t, bus.Events, m.channel)
		n, err := codec.DecodeNotificationMessage(m.payload)
		require.NoError(t, err)
		got = append(got, n.Contract+"@"+n.TxID)
	}
	assert.Equal(t, []string{"0xC1@0x01", "0xC2@0x01", "0xC3@0x02"}, got)
}

func TestOnCommit_FaultedRecordsContributeNoEvents(t *testing.T) {
	b := &recordingBus{}
	p := newPublisher(t, b, publisher.Config{})

	records := []ledger.ExecutionRecord{
		{
			TxID:          "0xdead",
			State:         ledger.VMStateFault,
			Notifications: []ledger.Notification{notification("0xCC", ledger.NewString("lost"))},
		},
		{
			TxID:          "0xd00d",
			State:         ledger.VMStateHalt | ledger.VMStateFault,
			Notifications: []ledger.Notification{notification("0xCC", ledger.NewString("lost"))},
		},
		{
			TxID:          "0xbeef",
			State:         ledger.VMStateHalt,
			Notifications: []ledger.Notification{notification("0xCC", ledger.NewString("kept"))},
		},
	}
	p.OnCommit(testBlock(), records)

	assert.Len(t, b.on(bus.Blocks), 1)
	events := b.on(bus.Events)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"contract":"0xCC","txid":"0xbeef","call":[{"type":"String","value":"kept"}]}`, string(events[0]))
}

func TestOnCommit_EncodingErrorSkipsOnlyThatNotification(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := &recordingBus{}
	p := newPublisher(t, b, publisher.Config{Metrics: m})

	records := []ledger.ExecutionRecord{{
		TxID:  "0xbeef",
		State: ledger.VMStateHalt,
		Notifications: []ledger.Notification{
			notification("0xC1", ledger.NewString("before")),
			notification("0xC2", ledger.NewInterop(struct{}{})),
			notification("", ledger.NewString("no contract")),
			notification("0xC3", ledger.NewString("after")),
		},
	}}
	p.OnCommit(testBlock(), records)

	events := b.on(bus.Events)
	require.Len(t, events, 2)
	first, err := codec.DecodeNotificationMessage(events[0])
	require.NoError(t, err)
	second, err := codec.DecodeNotificationMessage(events[1])
	require.NoError(t, err)
	assert.Equal(t, "0xC1", first.Contract)
	assert.Equal(t, "0xC3", second.Contract)

	count, err := counterValue(reg, "ekko_encoding_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2.0, count)
}

func TestOnCommit_PublishFailureIsSwallowed(t *testing.T) {
	b := &recordingBus{fail: map[bus.Channel]bool{bus.Blocks: true}}
	p := newPublisher(t, b, publisher.Config{})

	records := []ledger.ExecutionRecord{{
		TxID:          "0xbeef",
		State:         ledger.VMStateHalt,
		Notifications: []ledger.Notification{notification("0xCC", ledger.NewString("hello"))},
	}}

	assert.NotPanics(t, func() { p.OnCommit(testBlock(), records) })
	assert.Empty(t, b.on(bus.Blocks))
	assert.Len(t, b.on(bus.Events), 1)
}

func TestOnCommit_PublishIsBounded(t *testing.T) {
	b := &recordingBus{stall: true}
	p := newPublisher(t, b, publisher.Config{PublishTimeout: 20 * time.Millisecond})

	records := []ledger.ExecutionRecord{{
		TxID:          "0xbeef",
		State:         ledger.VMStateHalt,
		Notifications: []ledger.Notification{notification("0xCC", ledger.NewString("hello"))},
	}}

	done := make(chan struct{})
	go func() {
		p.OnCommit(testBlock(), records)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commit hook blocked past its publish timeout")
	}
}

func TestOnCommit_RedisPublishIsBoundedByTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case c := <-accepted:
				_ = c.Close()
			default:
				return
			}
		}
	})

	opt, err := bus.RedisOptions(bus.Config{URL: ln.Addr().String()})
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()
	p := newPublisher(t, bus.NewRedisBus(client, "", 0), publisher.Config{PublishTimeout: 200 * time.Millisecond})

	start := time.Now()
	p.OnCommit(testBlock(), nil)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOnCommit_ViaHooksOverMemoryBus(t *testing.T) {
	ctx := context.Background()
	mem := bus.NewMemory(16)
	defer mem.Close()

	sub, err := mem.Subscribe(ctx, bus.Blocks, bus.Events)
	require.NoError(t, err)

	hooks := ledger.NewHooks(quietLogger())
	require.NoError(t, hooks.Install("pubsub", newPublisher(t, mem, publisher.Config{})))

	hooks.Commit(testBlock(), []ledger.ExecutionRecord{{
		TxID:          "0xbeef",
		State:         ledger.VMStateHalt,
		Notifications: []ledger.Notification{notification("0xCC", ledger.NewString("hello"))},
	}})

	first := next(t, sub)
	second := next(t, sub)
	assert.Equal(t, bus.Blocks, first.Channel)
	assert.Contains(t, string(first.Payload), `"confirmations":1`)
	assert.Equal(t, bus.Events, second.Channel)
	assert.JSONEq(t, `{"contract":"0xCC","txid":"0xbeef","call":[{"type":"String","value":"hello"}]}`, string(second.Payload))
}

func next(t *testing.T, sub bus.Subscription) bus.Message {
	t.Helper()
	select {
	case v, ok := <-sub.Out():
		require.True(t, ok, "subscription closed")
		return v.(bus.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}

// counterValue reads the current value of an unlabelled counter.
func counterValue(g prometheus.Gatherer, name string) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, err
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total, nil
	}
	return 0, nil
}
