package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/baransel/aseba/internal/proto"
	"github.com/baransel/aseba/internal/transport"
)

// Direction records how a peer connection was established.
type Direction int

const (
	Accepted Direction = iota
	Dialed
)

func (d Direction) String() string {
	if d == Dialed {
		return "dialed"
	}
	return "accepted"
}

// Peer is one open stream taking part in the switch.
type Peer struct {
	ID        uuid.UUID
	Target    string
	Direction Direction
	Opened    time.Time

	stream    transport.Stream
	broken    atomic.Bool
	closeOnce sync.Once
}

func newPeer(s transport.Stream, dir Direction) *Peer {
	return &Peer{
		ID:        uuid.New(),
		Target:    s.Target(),
		Direction: dir,
		Opened:    time.Now(),
		stream:    s,
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s [%s]", p.Target, p.ID.String()[:8])
}

// readFrame decodes the next frame. With a timeout, the wait for the first
// header byte is unbounded and the rest of the frame must arrive in time.
func (p *Peer) readFrame(timeout time.Duration) (*proto.Frame, error) {
	if timeout > 0 {
		if err := p.stream.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}
		if _, err := p.stream.Peek(1); err != nil {
			return nil, err
		}
		if err := p.stream.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	f := new(proto.Frame)
	if err := f.Decode(p.stream); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *Peer) writeFrame(f *proto.Frame, timeout time.Duration) error {
	if timeout > 0 {
		if err := p.stream.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return f.Encode(p.stream)
}

// markBroken takes the peer out of later fan-outs and closes its stream in
// the background; the reader then reports the close.
func (p *Peer) markBroken() {
	if p.broken.Swap(true) {
		return
	}
	go p.close()
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { _ = p.stream.Close() })
}
