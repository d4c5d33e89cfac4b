//go:build windows

package transport

import (
	"context"
	"fmt"

	"github.com/Microsoft/go-winio"
)

func pipeName(t Target) (string, error) {
	name := t.Get("name", "")
	if name == "" {
		return "", fmt.Errorf("%w: %s needs name=", ErrBadTarget, t.Kind)
	}
	return name, nil
}

func dialPipe(ctx context.Context, t Target) (Stream, error) {
	name, err := pipeName(t)
	if err != nil {
		return nil, err
	}
	c, err := winio.DialPipeContext(ctx, name)
	if err != nil {
		return nil, err
	}
	return newConn(c, t.String(), name, nil), nil
}

func listenPipe(t Target) (acceptor, error) {
	name, err := pipeName(t)
	if err != nil {
		return nil, err
	}
	l, err := winio.ListenPipe(name, nil)
	if err != nil {
		return nil, err
	}
	return &netAcceptor{l: l, kind: KindPipe}, nil
}
