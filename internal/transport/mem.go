package transport

import "net"

// Pipe returns two connected in-memory streams. Writes on one side block
// until the other side reads them.
func Pipe() (Stream, Stream) {
	a, b := net.Pipe()
	return newConn(a, "mem:side=a", "pipe", nil), newConn(b, "mem:side=b", "pipe", nil)
}
