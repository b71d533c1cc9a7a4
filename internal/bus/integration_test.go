//go:build integration

package bus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/testenv"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testenv.Cleanup()
	os.Exit(code)
}

func roundTrip(t *testing.T, cfg bus.Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := bus.Open(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.Subscribe(ctx, bus.Channels()...)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, bus.Blocks, []byte(`{"hash":"0xAA","confirmations":1}`)))
	require.NoError(t, b.Publish(ctx, bus.Events, []byte(`{"contract":"0xCC"}`)))
	require.NoError(t, b.Publish(ctx, bus.Events, []byte(`{"contract":"0xCD"}`)))

	first := receive(t, sub)
	assert.Equal(t, bus.Blocks, first.Channel)
	assert.JSONEq(t, `{"hash":"0xAA","confirmations":1}`, string(first.Payload))

	// Per-channel order is preserved.
	assert.JSONEq(t, `{"contract":"0xCC"}`, string(receive(t, sub).Payload))
	assert.JSONEq(t, `{"contract":"0xCD"}`, string(receive(t, sub).Payload))
}

func TestRedisBus_RoundTrip(t *testing.T) {
	env, err := testenv.Get(context.Background())
	require.NoError(t, err)

	roundTrip(t, bus.Config{Driver: "redis", URL: env.RedisURL, Prefix: "it."})
}

func TestNATSBus_RoundTrip(t *testing.T) {
	env, err := testenv.Get(context.Background())
	require.NoError(t, err)

	roundTrip(t, bus.Config{Driver: "nats", URL: env.NATSURL, Prefix: "it."})
}
