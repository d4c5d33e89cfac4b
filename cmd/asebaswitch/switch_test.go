package main

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/baransel/aseba/client"
	"github.com/baransel/aseba/internal/admin"
	"github.com/baransel/aseba/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.WriteTimeout = time.Second
	return cfg
}

func TestStartRelaysAndServesAdmin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.Admin.Addr = "127.0.0.1:0"

	sw, err := start(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	target := "tcp:host=127.0.0.1;port=" + strconv.Itoa(sw.tcp.Port())
	a, err := client.New(ctx, client.Config{Target: target, SourceID: 5})
	require.NoError(t, err)
	defer a.Close()
	b, err := client.New(ctx, client.Config{Target: target})
	require.NoError(t, err)
	defer b.Close()

	ac, err := admin.Dial(sw.admin.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer ac.Close()
	require.Eventually(t, func() bool {
		st, err := ac.Stats(ctx)
		return err == nil && st.Peers == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SendMessage(0x8000, []byte{1, 2}))
	select {
	case f := <-b.Messages():
		assert.Equal(t, uint16(5), f.SourceID)
		assert.Equal(t, []byte{1, 2}, f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not relayed")
	}

	cancel()
	assert.NoError(t, sw.wait())
}

func TestStartStrictFailsOnUnreachableTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	cfg.Targets = []string{"tcp:host=127.0.0.1;port=1"}
	_, err := start(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestStartSkipsUnreachableTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.Targets = []string{"tcp:host=127.0.0.1;port=1", "bogus:"}
	sw, err := start(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, sw.relay.Stats().Peers)
	cancel()
	assert.NoError(t, sw.wait())
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first, err := start(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Port = first.tcp.Port()
	_, err = start(ctx, cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestPeersCommandRejectsArgs(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 1, execute([]string{"peers", "extra"}, &out, &out))
}

func TestHelpExitsZero(t *testing.T) {
	for _, arg := range []string{"-h", "--help"} {
		var out, errOut bytes.Buffer
		assert.Equal(t, 0, execute([]string{arg}, &out, &errOut), arg)
		assert.Contains(t, out.String(), "Aseba switch, connects aseba components together")
		assert.Contains(t, out.String(), "--rawtime")
		assert.Empty(t, errOut.String())
	}
}

func TestPortWithoutValueExitsOne(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, execute([]string{"-p"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "flag needs an argument")
}

func TestBadPortExitsOne(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, execute([]string{"-p", "70000"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "invalid port")
}

func TestQuietWithoutVerboseOrDump(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	sw, err := start(ctx, testConfig(), zap.New(core))
	require.NoError(t, err)

	target := "tcp:host=127.0.0.1;port=" + strconv.Itoa(sw.tcp.Port())
	a, err := client.New(ctx, client.Config{Target: target})
	require.NoError(t, err)
	b, err := client.New(ctx, client.Config{Target: target})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sw.relay.Stats().Peers == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.SendMessage(1, []byte{1}))
	select {
	case <-b.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("frame not relayed")
	}
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return sw.relay.Stats().Peers == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, sw.wait())
	assert.Zero(t, logs.Len(), "unexpected entries: %v", logs.All())
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123abcd", shortID("0123abcd-ffff"))
	assert.Equal(t, "ab", shortID("ab"))
}
