package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/baransel/aseba/internal/proto"
	"github.com/baransel/aseba/internal/transport"
)

const waitFor = 2 * time.Second

func startRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = time.Second
	}
	r := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

// testPeer is the far end of an in-memory stream attached to the relay.
type testPeer struct {
	t      *testing.T
	conn   transport.Stream
	peer   *Peer
	frames chan proto.Frame
}

func newTestPeer(t *testing.T, conn transport.Stream) *testPeer {
	tp := &testPeer{t: t, conn: conn, frames: make(chan proto.Frame, 256)}
	go func() {
		defer close(tp.frames)
		for {
			var f proto.Frame
			if err := f.Decode(conn); err != nil {
				return
			}
			tp.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return tp
}

func attach(t *testing.T, r *Relay) *testPeer {
	t.Helper()
	ours, theirs := transport.Pipe()
	tp := newTestPeer(t, ours)
	tp.peer = r.Attach(theirs, Accepted)
	return tp
}

func (tp *testPeer) send(f proto.Frame) {
	tp.t.Helper()
	require.NoError(tp.t, f.Encode(tp.conn))
}

func (tp *testPeer) expect() proto.Frame {
	tp.t.Helper()
	select {
	case f, ok := <-tp.frames:
		require.True(tp.t, ok, "stream closed while waiting for a frame")
		return f
	case <-time.After(waitFor):
		tp.t.Fatal("timed out waiting for a frame")
		return proto.Frame{}
	}
}

func (tp *testPeer) expectNone(d time.Duration) {
	tp.t.Helper()
	select {
	case f, ok := <-tp.frames:
		if ok {
			tp.t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(d):
	}
}

func waitPeers(t *testing.T, r *Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Stats().Peers == n }, waitFor, 5*time.Millisecond,
		"want %d peers", n)
}

var deadbeef = proto.Frame{SourceID: 10, Type: 1, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}

func TestBroadcastExcludesSender(t *testing.T) {
	r := startRelay(t, Options{})
	a, b, c := attach(t, r), attach(t, r), attach(t, r)
	waitPeers(t, r, 3)

	a.send(deadbeef)

	assert.Equal(t, deadbeef, b.expect())
	assert.Equal(t, deadbeef, c.expect())
	a.expectNone(100 * time.Millisecond)

	st := r.Stats()
	assert.Equal(t, uint64(1), st.FramesIn)
	assert.Equal(t, uint64(2), st.FramesOut)
}

func TestLoopModeIncludesSender(t *testing.T) {
	r := startRelay(t, Options{Loop: true})
	a, b, c := attach(t, r), attach(t, r), attach(t, r)
	waitPeers(t, r, 3)

	a.send(deadbeef)

	for _, p := range []*testPeer{a, b, c} {
		assert.Equal(t, deadbeef, p.expect())
	}
}

func TestEmptyPayloadForwarded(t *testing.T) {
	r := startRelay(t, Options{})
	a, b := attach(t, r), attach(t, r)
	waitPeers(t, r, 2)

	a.send(proto.Frame{SourceID: 1, Type: 0x8000})
	got := b.expect()
	assert.Equal(t, uint16(0x8000), got.Type)
	assert.Empty(t, got.Payload)
}

// dialPipes hands out the relay side of a fresh pipe for every dial and
// returns the local side on ch.
func dialPipes(t *testing.T, ch chan<- *testPeer) func(context.Context, transport.Target) (transport.Stream, error) {
	return func(_ context.Context, tg transport.Target) (transport.Stream, error) {
		ours, theirs := transport.Pipe()
		ch <- newTestPeer(t, ours)
		return &namedStream{Stream: theirs, target: tg.String()}, nil
	}
}

type namedStream struct {
	transport.Stream
	target string
}

func (s *namedStream) Target() string { return s.target }

func TestOutboundRemapRewritesSource(t *testing.T) {
	dialed := make(chan *testPeer, 4)
	r := startRelay(t, Options{Dial: dialPipes(t, dialed)})
	b, c := attach(t, r), attach(t, r)

	p, err := r.AddOutboundTarget(context.Background(), "tcp:host=x;port=y;remap=42")
	require.NoError(t, err)
	remote := <-dialed
	remote.peer = p
	waitPeers(t, r, 3)

	assert.Equal(t, Dialed, p.Direction)
	assert.Equal(t, "tcp:host=x;port=y;remap=42", p.Target)
	id, ok := r.Lookup(p)
	require.True(t, ok)
	assert.Equal(t, uint16(42), id)

	remote.send(proto.Frame{SourceID: 7, Type: 3, Payload: []byte{1, 2}})

	want := proto.Frame{SourceID: 42, Type: 3, Payload: []byte{1, 2}}
	assert.Equal(t, want, b.expect())
	assert.Equal(t, want, c.expect())
	remote.expectNone(100 * time.Millisecond)

	// Frames from unmapped peers keep their id.
	b.send(proto.Frame{SourceID: 7, Type: 3})
	assert.Equal(t, uint16(7), remote.expect().SourceID)
}

func TestRemapRemovedOnCloseAndNotInherited(t *testing.T) {
	dialed := make(chan *testPeer, 4)
	r := startRelay(t, Options{Dial: dialPipes(t, dialed)})
	b := attach(t, r)

	p1, err := r.AddOutboundTarget(context.Background(), "tcp:host=x;port=y;remap=42")
	require.NoError(t, err)
	first := <-dialed
	waitPeers(t, r, 2)
	_, ok := r.Lookup(p1)
	require.True(t, ok)

	require.NoError(t, first.conn.Close())
	waitPeers(t, r, 1)
	_, ok = r.Lookup(p1)
	assert.False(t, ok, "remap entry must go with its peer")
	assert.Zero(t, r.remaps.Len())

	p2, err := r.AddOutboundTarget(context.Background(), "tcp:host=x;port=y")
	require.NoError(t, err)
	second := <-dialed
	waitPeers(t, r, 2)
	_, ok = r.Lookup(p2)
	assert.False(t, ok)

	second.send(proto.Frame{SourceID: 7, Type: 1})
	assert.Equal(t, uint16(7), b.expect().SourceID)
}

func TestSetRemap(t *testing.T) {
	r := startRelay(t, Options{})
	a, b := attach(t, r), attach(t, r)
	waitPeers(t, r, 2)

	require.NoError(t, r.SetRemap(context.Background(), a.peer, 5))
	require.NoError(t, r.SetRemap(context.Background(), a.peer, 6))
	a.send(deadbeef)
	assert.Equal(t, uint16(6), b.expect().SourceID)

	infos := r.Peers()
	require.Len(t, infos, 2)
	for _, info := range infos {
		if info.ID == a.peer.ID.String() {
			assert.True(t, info.Remapped)
			assert.Equal(t, uint16(6), info.Remap)
		} else {
			assert.False(t, info.Remapped)
		}
	}
}

// brokenStream accepts no writes and blocks reads until closed.
type brokenStream struct {
	closed chan struct{}
	once   sync.Once
}

func newBrokenStream() *brokenStream { return &brokenStream{closed: make(chan struct{})} }

var errBroken = errors.New("broken pipe")

func (s *brokenStream) Read([]byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *brokenStream) Peek(int) ([]byte, error) {
	<-s.closed
	return nil, io.ErrClosedPipe
}

func (s *brokenStream) Write([]byte) (int, error)        { return 0, errBroken }
func (s *brokenStream) Flush() error                     { return errBroken }
func (s *brokenStream) SetReadDeadline(time.Time) error  { return nil }
func (s *brokenStream) SetWriteDeadline(time.Time) error { return nil }
func (s *brokenStream) Target() string                   { return "fake:broken" }
func (s *brokenStream) Remote() string                   { return "" }

func (s *brokenStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestFanOutSurvivesFailingDestination(t *testing.T) {
	r := startRelay(t, Options{})
	a := attach(t, r)
	waitPeers(t, r, 1)
	bad := newBrokenStream()
	r.Attach(bad, Accepted)
	waitPeers(t, r, 2)
	c := attach(t, r)
	waitPeers(t, r, 3)

	a.send(deadbeef)
	assert.Equal(t, deadbeef, c.expect())
	assert.Equal(t, uint64(1), r.Stats().WriteErrors)

	// The broken peer is closed in the background and leaves via its close
	// notification.
	waitPeers(t, r, 2)
	select {
	case <-bad.closed:
	case <-time.After(waitFor):
		t.Fatal("broken stream was not closed")
	}

	a.send(proto.Frame{SourceID: 10, Type: 2})
	assert.Equal(t, uint16(2), c.expect().Type)
	assert.Equal(t, uint64(1), r.Stats().WriteErrors)
}

func TestSlowDestinationTimesOut(t *testing.T) {
	r := startRelay(t, Options{WriteTimeout: 50 * time.Millisecond})
	a := attach(t, r)
	waitPeers(t, r, 1)

	// Nobody reads the far side of this pipe.
	stalled, theirs := transport.Pipe()
	defer stalled.Close()
	r.Attach(theirs, Accepted)
	waitPeers(t, r, 2)
	c := attach(t, r)
	waitPeers(t, r, 3)

	a.send(deadbeef)
	assert.Equal(t, deadbeef, c.expect())
	assert.Equal(t, uint64(1), r.Stats().WriteErrors)
}

func TestFramesFromOnePeerKeepOrder(t *testing.T) {
	r := startRelay(t, Options{})
	a, b := attach(t, r), attach(t, r)
	waitPeers(t, r, 2)

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			_ = (&proto.Frame{SourceID: 1, Type: uint16(i)}).Encode(a.conn)
		}
	}()
	for i := 0; i < n; i++ {
		require.Equal(t, uint16(i), b.expect().Type)
	}
}

func TestReadTimeoutDropsStalledPeerOnly(t *testing.T) {
	r := startRelay(t, Options{ReadTimeout: 50 * time.Millisecond, Verbose: true})
	idle := attach(t, r)
	stalled := attach(t, r)
	waitPeers(t, r, 2)

	// One header byte, then nothing.
	_, err := stalled.conn.Write([]byte{0x00})
	require.NoError(t, err)
	require.NoError(t, stalled.conn.Flush())

	waitPeers(t, r, 1)
	time.Sleep(100 * time.Millisecond)
	infos := r.Peers()
	require.Len(t, infos, 1)
	assert.Equal(t, idle.peer.ID.String(), infos[0].ID)
}

func TestDumpAndVerboseLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	dialed := make(chan *testPeer, 1)
	r := startRelay(t, Options{
		Verbose: true,
		Dump:    true,
		Logger:  zap.New(core),
		Dial:    dialPipes(t, dialed),
	})
	b := attach(t, r)
	_, err := r.AddOutboundTarget(context.Background(), "tcp:host=robot;port=33333;remap=42")
	require.NoError(t, err)
	remote := <-dialed
	waitPeers(t, r, 2)

	remote.send(proto.Frame{SourceID: 7, Type: 0xA001, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}})
	b.expect()

	frames := logs.FilterMessage("frame").All()
	require.Len(t, frames, 1)
	fields := frames[0].ContextMap()
	assert.Equal(t, uint16(42), fields["source"])
	assert.Equal(t, uint16(7), fields["remapped_from"])
	assert.Equal(t, "a001", fields["type"])
	assert.Equal(t, int64(4), fields["len"])
	assert.Equal(t, "de ad be ef", fields["payload"])
	assert.Contains(t, fields["stream"], "tcp:host=robot")

	assert.Equal(t, 1, logs.FilterMessage("incoming connection").Len())
	assert.Equal(t, 1, logs.FilterMessage("outgoing connection").Len())

	require.NoError(t, b.conn.Close())
	waitPeers(t, r, 1)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("normal connection closed").Len() == 1
	}, waitFor, 5*time.Millisecond)

	// A frame cut off mid-payload is an abnormal close.
	_, err = remote.conn.Write([]byte{0x00, 0x08, 0x00, 0x01, 0x00, 0x01, 0xAA})
	require.NoError(t, err)
	require.NoError(t, remote.conn.Flush())
	require.NoError(t, remote.conn.Close())
	waitPeers(t, r, 0)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("abnormal connection closed").Len() == 1
	}, waitFor, 5*time.Millisecond)
	abnormal := logs.FilterMessage("abnormal connection closed").All()[0].ContextMap()
	assert.NotEmpty(t, abnormal["reason"])
}

func TestQuietWithoutFlags(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := startRelay(t, Options{Logger: zap.New(core)})
	a, b := attach(t, r), attach(t, r)
	waitPeers(t, r, 2)
	a.send(deadbeef)
	b.expect()
	assert.Zero(t, logs.Len())
}

func TestAddOutboundTargetErrors(t *testing.T) {
	dialErr := errors.New("connection refused")
	r := startRelay(t, Options{Dial: func(context.Context, transport.Target) (transport.Stream, error) {
		return nil, dialErr
	}})

	_, err := r.AddOutboundTarget(context.Background(), "tcp:host=nowhere;port=1")
	assert.ErrorIs(t, err, dialErr)

	_, err = r.AddOutboundTarget(context.Background(), "tcp:host=x;remap=70000")
	assert.ErrorIs(t, err, transport.ErrBadTarget)

	_, err = r.AddOutboundTarget(context.Background(), "no-kind")
	assert.ErrorIs(t, err, transport.ErrBadTarget)

	// The relay keeps working with the peers it has.
	a, b := attach(t, r), attach(t, r)
	waitPeers(t, r, 2)
	a.send(deadbeef)
	assert.Equal(t, deadbeef, b.expect())
}

func TestRemapFromTarget(t *testing.T) {
	cases := []struct {
		spec     string
		id       uint16
		remapped bool
		wantErr  bool
	}{
		{spec: "tcp:host=x;port=y;remap=42", id: 42, remapped: true},
		{spec: "tcp:host=x;port=1;remap=0", id: 0, remapped: true},
		{spec: "tcp:host=x;port=1;remap=65535", id: 65535, remapped: true},
		{spec: "tcp:host=x;port=1"},
		{spec: "tcp:host=x;port=1;remap=-1"},
		{spec: "tcp:host=x;port=1;remap=65536", wantErr: true},
		{spec: "tcp:host=x;port=1;remap=abc", wantErr: true},
	}
	for _, tc := range cases {
		id, ok, err := RemapFromTarget(transport.MustParseTarget(tc.spec))
		if tc.wantErr {
			assert.Error(t, err, tc.spec)
			continue
		}
		require.NoError(t, err, tc.spec)
		assert.Equal(t, tc.remapped, ok, tc.spec)
		assert.Equal(t, tc.id, id, tc.spec)
	}
}

func TestShutdownClosesPeers(t *testing.T) {
	r := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	a := attach(t, r)
	waitPeers(t, r, 1)

	cancel()
	require.NoError(t, <-done)

	select {
	case _, ok := <-a.frames:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("peer stream still open after shutdown")
	}

	_, err := r.AddOutboundTarget(context.Background(), "tcp:host=x;port=1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.SetRemap(context.Background(), a.peer, 1), ErrClosed)
	assert.Error(t, r.Run(context.Background()), "Run may only be called once")
}
