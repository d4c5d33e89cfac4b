// Package client connects to an aseba switch: send frames with Send, read
// every frame the switch relays from Messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baransel/aseba/internal/proto"
	"github.com/baransel/aseba/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
	// DefaultTarget is a switch on this machine.
	DefaultTarget = "tcp:host=localhost;port=33333"
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// Frame is a message exchanged through the switch.
type Frame = proto.Frame

// Config configures the client.
type Config struct {
	// Target is the switch address, e.g. "tcp:host=localhost;port=33333".
	Target string
	// SourceID is stamped on frames sent with SendMessage.
	SourceID uint16
	// MessageBuffer sets the capacity of Messages(); 0 uses DefaultMessageBuffer.
	MessageBuffer int
	// WriteTimeout bounds each Send; zero waits forever.
	WriteTimeout time.Duration
	// Dial overrides transport.Dial, for tests.
	Dial func(ctx context.Context, t transport.Target) (transport.Stream, error)
}

// Client is one peer of a switch.
type Client struct {
	cfg     Config
	stream  transport.Stream
	msgs    chan *Frame
	closing chan struct{}
	done    chan struct{}

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	closed  bool
	readErr error
}

// New dials the switch and starts receiving.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	dial := cfg.Dial
	if dial == nil {
		dial = transport.Dial
	}
	t, err := transport.ParseTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	s, err := dial(ctx, t)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		stream:  s,
		msgs:    make(chan *Frame, buf),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) recvLoop() {
	defer close(c.done)
	defer close(c.msgs)
	for {
		f := new(Frame)
		if err := f.Decode(c.stream); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.msgs <- f:
		case <-c.closing:
			return
		}
	}
}

// Send writes f to the switch.
func (c *Client) Send(f *Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		if err := c.stream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := f.Encode(c.stream); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SendMessage sends a frame of the given type carrying the configured source id.
func (c *Client) SendMessage(msgType uint16, payload []byte) error {
	return c.Send(&Frame{SourceID: c.cfg.SourceID, Type: msgType, Payload: payload})
}

// Messages returns the relayed frames. It is closed when the connection ends.
func (c *Client) Messages() <-chan *Frame {
	return c.msgs
}

// Err returns the error that ended reception, once Messages is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Target returns the switch address.
func (c *Client) Target() string {
	return c.stream.Target()
}

// Close disconnects and waits for the receive loop to exit. Frames still
// buffered in Messages() stay readable; undelivered ones are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closing)
	err := c.stream.Close()
	<-c.done
	return err
}
