package transport

import (
	"context"
	"net"
	"time"
)

func dialTCP(ctx context.Context, t Target) (Stream, error) {
	addr, err := t.Addr()
	if err != nil {
		return nil, err
	}
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	setNoDelay(c)
	return newConn(c, t.String(), c.RemoteAddr().String(), nil), nil
}

func listenTCP(t Target) (acceptor, error) {
	addr, err := t.Addr()
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &netAcceptor{l: l, kind: KindTCP}, nil
}

func setNoDelay(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// netAcceptor adapts a net.Listener (tcp or named pipe).
type netAcceptor struct {
	l    net.Listener
	kind string
}

func (a *netAcceptor) Accept(_ context.Context) (Stream, error) {
	c, err := a.l.Accept()
	if err != nil {
		return nil, err
	}
	setNoDelay(c)
	return newConn(c, describe(a.kind, c.RemoteAddr()), c.RemoteAddr().String(), nil), nil
}

func (a *netAcceptor) Addr() net.Addr { return a.l.Addr() }
func (a *netAcceptor) Close() error   { return a.l.Close() }
