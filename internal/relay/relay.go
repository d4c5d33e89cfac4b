// Package relay implements the aseba switch: every frame received from one
// peer is written to all other peers, with the source id of frames from
// remapped peers rewritten on the way.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baransel/aseba/internal/proto"
	"github.com/baransel/aseba/internal/transport"
)

// ErrClosed is returned by operations on a relay whose Run has returned.
var ErrClosed = errors.New("relay: closed")

// Options configures a Relay.
type Options struct {
	// Verbose logs connection open and close events.
	Verbose bool
	// Dump logs every relayed frame.
	Dump bool
	// Loop also sends each frame back to the peer it came from.
	Loop bool
	// WriteTimeout bounds each destination write; zero waits forever.
	WriteTimeout time.Duration
	// ReadTimeout bounds how long a peer may stall inside a frame; zero
	// disables it. Idle peers are never timed out.
	ReadTimeout time.Duration

	Logger *zap.Logger
	// Dial opens outbound targets. Defaults to transport.Dial.
	Dial func(ctx context.Context, t transport.Target) (transport.Stream, error)
}

// PeerInfo is a point-in-time view of a peer.
type PeerInfo struct {
	ID        string
	Target    string
	Direction Direction
	Opened    time.Time
	Remap     uint16
	Remapped  bool
}

// Stats are the relay counters.
type Stats struct {
	Peers       int
	FramesIn    uint64
	FramesOut   uint64
	WriteErrors uint64
}

type eventKind int

const (
	evOpen eventKind = iota
	evFrame
	evClose
	evRemap
)

type event struct {
	kind     eventKind
	peer     *Peer
	frame    *proto.Frame
	remap    uint16
	remapped bool
	err      error
	ack      chan struct{}
}

// Relay owns the peer registry and remap table. All mutations happen on the
// goroutine running Run.
type Relay struct {
	opts Options
	log  *zap.Logger

	peers  Registry
	remaps RemapTable

	events   chan event
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu       sync.Mutex
	servers  []*transport.Server
	attached map[*Peer]struct{}

	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	writeErrors atomic.Uint64
}

// New returns a relay; call Run to start dispatching.
func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	return &Relay{
		opts:     opts,
		log:      opts.Logger.Named("switch"),
		events:   make(chan event, 128),
		done:     make(chan struct{}),
		attached: make(map[*Peer]struct{}),
	}
}

// Run dispatches peer events until ctx is done, then closes every listener
// and peer.
func (r *Relay) Run(ctx context.Context) error {
	if r.running.Swap(true) {
		return errors.New("relay: already running")
	}
	defer r.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *Relay) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		for _, s := range r.servers {
			_ = s.Close()
		}
		r.servers = nil
		peers := make([]*Peer, 0, len(r.attached))
		for p := range r.attached {
			peers = append(peers, p)
		}
		r.mu.Unlock()
		for _, p := range peers {
			p.close()
		}
	})
}

// track records p until its reader exits, so stop can close it. It reports
// false, closing p, when the relay is already stopped.
func (r *Relay) track(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		p.close()
		return false
	}
	r.attached[p] = struct{}{}
	return true
}

func (r *Relay) untrack(p *Peer) {
	r.mu.Lock()
	delete(r.attached, p)
	r.mu.Unlock()
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Relay) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// AddListener binds a listening target (tcpin:port=33333, quicin:..., ...)
// and attaches every accepted stream as a peer.
func (r *Relay) AddListener(ctx context.Context, spec string) (*transport.Server, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	t, err := transport.ParseTarget(spec)
	if err != nil {
		return nil, err
	}
	srv, err := transport.Listen(ctx, t, func(s transport.Stream) {
		r.Attach(s, Accepted)
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.servers = append(r.servers, srv)
	r.mu.Unlock()
	r.log.Debug("listening", zap.String("target", spec), zap.String("addr", srv.LocalAddr()))
	return srv, nil
}

// AddOutboundTarget connects to spec. A remap=<id> parameter with a
// non-negative id rewrites the source id of every frame from that peer.
func (r *Relay) AddOutboundTarget(ctx context.Context, spec string) (*Peer, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	t, err := transport.ParseTarget(spec)
	if err != nil {
		return nil, err
	}
	id, remapped, err := RemapFromTarget(t)
	if err != nil {
		return nil, err
	}
	s, err := r.opts.Dial(ctx, t)
	if err != nil {
		return nil, err
	}
	p := newPeer(s, Dialed)
	go r.serve(p, id, remapped)
	return p, nil
}

// Attach adds an already connected stream as a peer.
func (r *Relay) Attach(s transport.Stream, dir Direction) *Peer {
	p := newPeer(s, dir)
	go r.serve(p, 0, false)
	return p
}

// SetRemap rewrites the source id of frames from p to id. It has no effect
// once p has closed.
func (r *Relay) SetRemap(ctx context.Context, p *Peer, id uint16) error {
	ack := make(chan struct{})
	if !r.post(event{kind: evRemap, peer: p, remap: id, remapped: true, ack: ack}) {
		return ErrClosed
	}
	select {
	case <-ack:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the remapped source id of p, if it has one.
func (r *Relay) Lookup(p *Peer) (uint16, bool) {
	return r.remaps.Lookup(p)
}

// Peers returns the live peers in registration order.
func (r *Relay) Peers() []PeerInfo {
	snap := r.peers.Snapshot()
	out := make([]PeerInfo, 0, len(snap))
	for _, p := range snap {
		id, ok := r.remaps.Lookup(p)
		out = append(out, PeerInfo{
			ID:        p.ID.String(),
			Target:    p.Target,
			Direction: p.Direction,
			Opened:    p.Opened,
			Remap:     id,
			Remapped:  ok,
		})
	}
	return out
}

// Stats returns the current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Peers:       r.peers.Len(),
		FramesIn:    r.framesIn.Load(),
		FramesOut:   r.framesOut.Load(),
		WriteErrors: r.writeErrors.Load(),
	}
}

// serve is the per-peer reader: open, then frames in arrival order, then close.
func (r *Relay) serve(p *Peer, remap uint16, remapped bool) {
	if !r.track(p) {
		return
	}
	defer r.untrack(p)
	if !r.post(event{kind: evOpen, peer: p, remap: remap, remapped: remapped}) {
		p.close()
		return
	}
	var err error
	for {
		var f *proto.Frame
		if f, err = p.readFrame(r.opts.ReadTimeout); err != nil {
			break
		}
		if !r.post(event{kind: evFrame, peer: p, frame: f}) {
			break
		}
	}
	p.close()
	r.post(event{kind: evClose, peer: p, err: err})
}

func (r *Relay) handle(ev event) {
	switch ev.kind {
	case evOpen:
		r.onOpened(ev.peer, ev.remap, ev.remapped)
	case evFrame:
		if r.peers.Contains(ev.peer) {
			r.broadcast(ev.peer, ev.frame)
		}
	case evClose:
		r.onClosed(ev.peer, ev.err)
	case evRemap:
		if r.peers.Contains(ev.peer) {
			r.remaps.Set(ev.peer, ev.remap)
		}
		close(ev.ack)
	}
}

func (r *Relay) onOpened(p *Peer, remap uint16, remapped bool) {
	if !r.peers.Add(p) {
		return
	}
	if remapped {
		r.remaps.Set(p, remap)
	}
	if r.opts.Verbose {
		msg := "incoming connection"
		if p.Direction == Dialed {
			msg = "outgoing connection"
		}
		fields := []zap.Field{zap.String("target", p.Target), zap.String("peer", p.ID.String())}
		if remapped {
			fields = append(fields, zap.Uint16("remap", remap))
		}
		r.log.Info(msg, fields...)
	}
}

func (r *Relay) onClosed(p *Peer, err error) {
	removed := r.peers.Remove(p)
	r.remaps.Delete(p)
	if !removed || !r.opts.Verbose {
		return
	}
	if err == nil || errors.Is(err, io.EOF) {
		r.log.Info("normal connection closed", zap.String("target", p.Target), zap.String("peer", p.ID.String()))
		return
	}
	r.log.Info("abnormal connection closed",
		zap.String("target", p.Target),
		zap.String("peer", p.ID.String()),
		zap.String("reason", err.Error()))
}

// broadcast writes f to every live peer but src (src too in loop mode).
// A failing destination is logged and skipped; the rest still get the frame.
func (r *Relay) broadcast(src *Peer, f *proto.Frame) {
	r.framesIn.Add(1)
	orig := f.SourceID
	if id, ok := r.remaps.Lookup(src); ok {
		f = f.WithSource(id)
	}
	if r.opts.Dump {
		r.dump(src, orig, f)
	}
	for _, dst := range r.peers.Snapshot() {
		if dst == src && !r.opts.Loop {
			continue
		}
		if dst.broken.Load() {
			continue
		}
		if err := dst.writeFrame(f, r.opts.WriteTimeout); err != nil {
			r.writeErrors.Add(1)
			r.log.Warn("error while writing", zap.Stringer("peer", dst), zap.Error(err))
			dst.markBroken()
			continue
		}
		r.framesOut.Add(1)
	}
}

func (r *Relay) dump(src *Peer, orig uint16, f *proto.Frame) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields, zap.Uint16("source", f.SourceID))
	if orig != f.SourceID {
		fields = append(fields, zap.Uint16("remapped_from", orig))
	}
	fields = append(fields,
		zap.String("type", strconv.FormatUint(uint64(f.Type), 16)),
		zap.Int("len", f.Len()),
		zap.Stringer("stream", src),
		zap.String("payload", proto.FormatPayload(f.Payload)),
	)
	r.log.Info("frame", fields...)
}

// RemapFromTarget extracts the remap=<id> parameter. Negative ids, the
// default, mean no remap.
func RemapFromTarget(t transport.Target) (uint16, bool, error) {
	n, err := t.Int("remap", -1)
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, nil
	}
	if n > 0xFFFF {
		return 0, false, fmt.Errorf("%w: remap=%d does not fit a 16-bit id", transport.ErrBadTarget, n)
	}
	return uint16(n), true, nil
}
