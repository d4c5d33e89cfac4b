//go:build !windows

package transport

import (
	"context"
	"fmt"
)

func dialPipe(context.Context, Target) (Stream, error) {
	return nil, fmt.Errorf("%w: named pipes are only available on windows", ErrUnsupported)
}

func listenPipe(Target) (acceptor, error) {
	return nil, fmt.Errorf("%w: named pipes are only available on windows", ErrUnsupported)
}
