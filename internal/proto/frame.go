package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// HeaderSize is the fixed frame header: length, source id, type.
	HeaderSize = 6

	// MaxPayload is the largest payload the u16 length field may declare.
	// Source id and type are not counted in length.
	MaxPayload = 65533
)

// ErrFrameTooLarge reports a payload length above MaxPayload.
var ErrFrameTooLarge = errors.New("proto: frame payload exceeds 65533 bytes")

// Flusher is implemented by buffered writers (bufio.Writer, transport streams).
type Flusher interface {
	Flush() error
}

// Frame is one relayed message. Length on the wire is len(Payload).
type Frame struct {
	SourceID uint16
	Type     uint16
	Payload  []byte
}

// Len returns the payload byte count carried in the length field.
func (f *Frame) Len() int { return len(f.Payload) }

// Encode writes the frame in big-endian wire order to w and flushes w
// if it is buffered.
func (f *Frame) Encode(w io.Writer) error {
	if len(f.Payload) > MaxPayload {
		return ErrFrameTooLarge
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(f.Payload)))
	binary.BigEndian.PutUint16(hdr[2:4], f.SourceID)
	binary.BigEndian.PutUint16(hdr[4:6], f.Type)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	if fl, ok := w.(Flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// Decode reads one frame from r, blocking until the whole frame is read.
func (f *Frame) Decode(r io.Reader) error {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint16(hdr[0:2])
	if length > MaxPayload {
		return ErrFrameTooLarge
	}
	f.SourceID = binary.BigEndian.Uint16(hdr[2:4])
	f.Type = binary.BigEndian.Uint16(hdr[4:6])
	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read payload: %w", err)
	}
	return nil
}

// Marshal returns the wire bytes of f.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(f.Payload)))
	binary.BigEndian.PutUint16(b[2:4], f.SourceID)
	binary.BigEndian.PutUint16(b[4:6], f.Type)
	copy(b[HeaderSize:], f.Payload)
	return b, nil
}

// WithSource returns a shallow copy of f carrying id as its source.
// The payload slice is shared.
func (f *Frame) WithSource(id uint16) *Frame {
	c := *f
	c.SourceID = id
	return &c
}

// FormatPayload renders b as unpadded lower-case hex bytes separated by spaces.
func FormatPayload(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatUint(uint64(c), 16))
	}
	return sb.String()
}
