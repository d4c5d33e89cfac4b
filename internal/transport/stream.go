// Package transport connects the switch to its peers: target parsing, dialing
// and listening for tcp, quic and named-pipe targets, and in-memory pairs for
// tests. Every connection is exposed as a buffered Stream.
package transport

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Stream is one bidirectional byte stream to a peer. Reads may run
// concurrently with writes, but only one goroutine may write at a time.
type Stream interface {
	io.Reader
	io.Writer
	// Flush pushes buffered writes to the connection.
	Flush() error
	// Peek blocks until n bytes are readable without consuming them.
	Peek(n int) ([]byte, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	// Target describes the stream in target syntax, for diagnostics.
	Target() string
	// Remote is the remote network address, when there is one.
	Remote() string
}

type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type conn struct {
	c      deadlineConn
	br     *bufio.Reader
	bw     *bufio.Writer
	target string
	remote string

	closeFn   func() error
	closeOnce sync.Once
	closeErr  error
}

func newConn(c deadlineConn, target, remote string, closeFn func() error) *conn {
	if closeFn == nil {
		closeFn = c.Close
	}
	return &conn{
		c:       c,
		br:      bufio.NewReader(c),
		bw:      bufio.NewWriter(c),
		target:  target,
		remote:  remote,
		closeFn: closeFn,
	}
}

func (s *conn) Read(p []byte) (int, error)         { return s.br.Read(p) }
func (s *conn) Write(p []byte) (int, error)        { return s.bw.Write(p) }
func (s *conn) Flush() error                       { return s.bw.Flush() }
func (s *conn) Peek(n int) ([]byte, error)         { return s.br.Peek(n) }
func (s *conn) SetReadDeadline(t time.Time) error  { return s.c.SetReadDeadline(t) }
func (s *conn) SetWriteDeadline(t time.Time) error { return s.c.SetWriteDeadline(t) }
func (s *conn) Target() string                     { return s.target }
func (s *conn) Remote() string                     { return s.remote }

func (s *conn) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.closeFn() })
	return s.closeErr
}
