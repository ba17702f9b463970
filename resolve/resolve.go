// Package resolve turns a host name or literal address into a ping target.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrResolution = errors.New("cannot resolve host")

// Resolver looks up the address of a host name.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Lookup returns host itself when it is a literal address and asks r
// otherwise. network is "ip", "ip4" or "ip6" and restricts the result.
func Lookup(ctx context.Context, r Resolver, network, host string) (netip.Addr, error) {
	host = strings.TrimSpace(host)
	if len(host) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: host cannot be empty", ErrResolution)
	}

	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		if addr, err = r.Resolve(ctx, host); err != nil {
			return netip.Addr{}, err
		}
		logrus.Debugf("%v -> %v", host, addr)
	}
	addr = addr.Unmap()

	if !matches(network, addr) {
		return netip.Addr{}, fmt.Errorf("%w: %v is not an %v address", ErrResolution, addr, network)
	}
	return addr, nil
}

func matches(network string, addr netip.Addr) bool {
	switch network {
	case "ip4":
		return addr.Is4()
	case "ip6":
		return addr.Is6()
	default:
		return true
	}
}

// pick prefers IPv4 for the "ip" network, like net.ResolveIPAddr.
func pick(network string, addrs []netip.Addr) (netip.Addr, bool) {
	if network == "ip" || network == "" {
		for _, a := range addrs {
			if a.Unmap().Is4() {
				return a.Unmap(), true
			}
		}
	}
	for _, a := range addrs {
		if matches(network, a.Unmap()) {
			return a.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

// System resolves through the operating system resolver.
type System struct {
	// Network is one of "ip", "ip4" or "ip6".
	Network string

	lookup func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NewSystem returns a resolver backed by net.DefaultResolver.
func NewSystem(network string) *System {
	return &System{Network: network, lookup: net.DefaultResolver.LookupNetIP}
}

func (s *System) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	network := s.Network
	if network == "" {
		network = "ip"
	}

	addrs, err := s.lookup(ctx, network, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: %w", ErrResolution, host, err)
	}

	addr, ok := pick(network, addrs)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w %q: no %v address", ErrResolution, host, network)
	}
	return addr, nil
}
