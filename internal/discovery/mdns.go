// Package discovery advertises a switch over mDNS and reports the other
// switches found on the local network.
package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_aseba._tcp"
	Domain      = "local."
)

// Switch is a switch seen on the network.
type Switch struct {
	Name string
	Addr string // host:port
	Port int
}

// Target returns the tcp target that reaches s.
func (s Switch) Target() string {
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		host = s.Addr
	}
	return "tcp:host=" + host + ";port=" + strconv.Itoa(s.Port)
}

// Discovery publishes this switch and browses for others.
type Discovery struct {
	client *zeroconf.Client
	name   string
	port   int
}

// New publishes name on port and calls onSwitch for every other switch seen.
func New(name string, port int, onSwitch func(Switch)) (*Discovery, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("zeroconf: invalid port %d", port)
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, name, uint16(port))

	client, err := zeroconf.New().
		Publish(self).
		Browse(func(e zeroconf.Event) {
			if e.Name == name {
				return
			}
			if s, ok := toSwitch(e.Name, e.Addrs, int(e.Port)); ok && onSwitch != nil {
				onSwitch(s)
			}
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client, name: name, port: port}, nil
}

// toSwitch picks an address for a browse result, preferring IPv4.
func toSwitch(name string, addrs []netip.Addr, port int) (Switch, bool) {
	var pick netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if !pick.IsValid() || (a.Is4() && !pick.Is4()) {
			pick = a
		}
	}
	if !pick.IsValid() {
		return Switch{}, false
	}
	return Switch{
		Name: name,
		Addr: net.JoinHostPort(pick.String(), strconv.Itoa(port)),
		Port: port,
	}, true
}

func (d *Discovery) Name() string { return d.name }

// Close withdraws the advertisement and stops browsing.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
