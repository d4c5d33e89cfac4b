package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Accept retry delays after a failed Accept on a live listener.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type acceptor interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// Server accepts inbound streams and hands each one to Handler.
type Server struct {
	Listener acceptor
	Handler  func(Stream)
	Kind     string
	closed   atomic.Bool
}

// Listen binds the listening target t and starts accepting. Handler is set
// before the accept loop starts. The server closes when ctx is done.
func Listen(ctx context.Context, t Target, handler func(Stream)) (*Server, error) {
	var (
		l   acceptor
		err error
	)
	switch t.Kind {
	case KindTCPIn:
		l, err = listenTCP(t)
	case KindQUICIn:
		l, err = listenQUIC(t)
	case KindPipeIn:
		l, err = listenPipe(t)
	default:
		return nil, fmt.Errorf("%w: cannot listen on %q", ErrUnsupported, t.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", t, err)
	}
	s := &Server{Listener: l, Handler: handler, Kind: t.Kind}
	go s.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	var delay time.Duration
	for {
		st, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0
		if s.Handler != nil {
			s.Handler(st)
		} else {
			_ = st.Close()
		}
	}
}

// LocalAddr returns the address the server is bound to.
func (s *Server) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Port returns the bound port, or 0 for non-network listeners.
func (s *Server) Port() int {
	switch a := s.Listener.Addr().(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

// Close stops accepting. Streams already handed out stay open.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.Listener.Close()
}

// Dial opens an outbound stream to t.
func Dial(ctx context.Context, t Target) (Stream, error) {
	var (
		st  Stream
		err error
	)
	switch t.Kind {
	case KindTCP:
		st, err = dialTCP(ctx, t)
	case KindQUIC:
		st, err = dialQUIC(ctx, t)
	case KindPipe:
		st, err = dialPipe(ctx, t)
	default:
		return nil, fmt.Errorf("%w: cannot dial %q", ErrUnsupported, t.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t, err)
	}
	return st, nil
}
