package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the well-known aseba switch port.
const DefaultPort = 33333

// Target kinds.
const (
	KindTCP      = "tcp"
	KindTCPIn    = "tcpin"
	KindQUIC     = "quic"
	KindQUICIn   = "quicin"
	KindPipe     = "pipe"
	KindPipeIn   = "pipein"
	KindInMemory = "mem"
)

var (
	// ErrBadTarget is returned for target strings that cannot be parsed.
	ErrBadTarget = errors.New("transport: bad target")
	// ErrUnsupported is returned when a target kind cannot be dialed or
	// listened on by this build.
	ErrUnsupported = errors.New("transport: unsupported target kind")
)

// positional parameter names per kind, in order.
var positional = map[string][]string{
	KindTCP:    {"host", "port"},
	KindTCPIn:  {"port", "address"},
	KindQUIC:   {"host", "port"},
	KindQUICIn: {"port", "address"},
	KindPipe:   {"name"},
	KindPipeIn: {"name"},
}

// Target is a parsed address of the form kind:param;param;... where each
// param is key=value or a positional value. Keys the transport does not know
// about (remap, for instance) are kept for the caller.
type Target struct {
	Kind   string
	Params map[string]string
	raw    string
}

// ParseTarget parses s. tcp:localhost;33333 and tcp:host=localhost;port=33333
// are equivalent.
func ParseTarget(s string) (Target, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	kind = strings.ToLower(kind)
	if !ok || kind == "" {
		return Target{}, fmt.Errorf("%w: %q: missing kind", ErrBadTarget, s)
	}
	t := Target{Kind: kind, Params: make(map[string]string), raw: s}
	names := positional[kind]
	if rest == "" {
		return t, nil
	}
	for i, part := range strings.Split(rest, ";") {
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			t.Params[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
			continue
		}
		if i >= len(names) {
			return Target{}, fmt.Errorf("%w: %q: unexpected positional value %q", ErrBadTarget, s, part)
		}
		t.Params[names[i]] = strings.TrimSpace(part)
	}
	return t, nil
}

// MustParseTarget is ParseTarget that panics; for literals only.
func MustParseTarget(s string) Target {
	t, err := ParseTarget(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Get returns the parameter value, or def when it is absent.
func (t Target) Get(key, def string) string {
	if v, ok := t.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the parameter as an int, or def when it is absent.
func (t Target) Int(key string, def int) (int, error) {
	v, ok := t.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrBadTarget, key, v)
	}
	return n, nil
}

// Addr returns the network address a tcp or quic target refers to. Listen
// kinds default to all interfaces.
func (t Target) Addr() (string, error) {
	port, err := t.Int("port", DefaultPort)
	if err != nil {
		return "", err
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrBadTarget, port)
	}
	switch t.Kind {
	case KindTCP, KindQUIC:
		return net.JoinHostPort(t.Get("host", "localhost"), strconv.Itoa(port)), nil
	case KindTCPIn, KindQUICIn:
		return net.JoinHostPort(t.Get("address", ""), strconv.Itoa(port)), nil
	default:
		return "", fmt.Errorf("%w: %s has no network address", ErrBadTarget, t.Kind)
	}
}

// String returns the target as it was written.
func (t Target) String() string {
	if t.raw != "" {
		return t.raw
	}
	var sb strings.Builder
	sb.WriteString(t.Kind)
	sb.WriteByte(':')
	first := true
	for _, k := range positional[t.Kind] {
		if v, ok := t.Params[k]; ok {
			if !first {
				sb.WriteByte(';')
			}
			sb.WriteString(k + "=" + v)
			first = false
		}
	}
	return sb.String()
}

// describe renders the peer side of an accepted connection in target syntax.
func describe(kind string, addr net.Addr) string {
	if addr == nil {
		return kind + ":"
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return kind + ":name=" + addr.String()
	}
	return kind + ":host=" + host + ";port=" + port
}
