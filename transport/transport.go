// Package transport owns the ICMP socket used by a ping session.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/thetooth/rawping/message"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("receive timed out")
	ErrInvalidConn      = errors.New("invalid connection")
)

var (
	ipv4Proto = map[bool]string{true: "ip4:icmp", false: "udp4"}
	ipv6Proto = map[bool]string{true: "ip6:ipv6-icmp", false: "udp6"}
)

// Conn is the socket contract the exchange controller relies on.
type Conn interface {
	// Send writes one datagram to dst.
	Send(b []byte, dst netip.Addr) (int, error)
	// Receive reads one datagram. ttl is -1 when the platform does not
	// report it. A read that runs past the receive timeout returns ErrTimeout.
	Receive(b []byte) (n, ttl int, src netip.Addr, err error)
	// SetTTL sets the outbound TTL (hop limit on IPv6).
	SetTTL(ttl int) error
	// SetReceiveTimeout bounds every following Receive. Zero blocks forever.
	SetReceiveTimeout(d time.Duration) error
	Close() error
}

// Options control how the socket is opened.
type Options struct {
	// Privileged opens a raw socket. Otherwise an unprivileged datagram
	// ICMP socket is used, which on Linux needs net.ipv4.ping_group_range.
	Privileged bool

	// Source is the local address to bind, empty for any.
	Source string
}

// Opener opens a Conn for a family. Open is the production implementation.
type Opener func(f message.Family, opts Options) (Conn, error)

type icmpConn struct {
	c          *icmp.PacketConn
	family     message.Family
	privileged bool
	timeout    time.Duration
}

// Open creates an ICMP socket for family f.
func Open(f message.Family, opts Options) (Conn, error) {
	network := ipv4Proto[opts.Privileged]
	addr := "0.0.0.0"
	if f == message.V6 {
		network = ipv6Proto[opts.Privileged]
		addr = "::"
	}
	if opts.Source != "" {
		addr = opts.Source
	}

	c, err := icmp.ListenPacket(network, addr)
	if err != nil {
		return nil, classify(network, err)
	}

	conn := &icmpConn{c: c, family: f, privileged: opts.Privileged}
	if err := conn.setFlagTTL(); err != nil {
		logrus.Debug("TTL control messages unavailable: ", err)
	}
	return conn, nil
}

func classify(network string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("open %s socket: %w: %w", network, ErrPermissionDenied, err)
	}
	return fmt.Errorf("open %s socket: %w", network, err)
}

func (c *icmpConn) setFlagTTL() error {
	if c.family == message.V4 {
		return c.c.IPv4PacketConn().SetControlMessage(ipv4.FlagTTL, true)
	}
	return c.c.IPv6PacketConn().SetControlMessage(ipv6.FlagHopLimit, true)
}

func (c *icmpConn) Send(b []byte, dst netip.Addr) (n int, err error) {
	if c.c == nil {
		return 0, ErrInvalidConn
	}
	to := c.destination(dst)

	// Some retries in case of ENOBUFS, never infinitely
	for tries := 6; tries > 0; tries-- {
		n, err = c.c.WriteTo(b, to)
		if err != nil && errors.Is(err, syscall.ENOBUFS) {
			continue
		}
		break
	}
	return
}

func (c *icmpConn) destination(dst netip.Addr) net.Addr {
	ip := net.IP(dst.Unmap().AsSlice())
	if c.family == message.V6 {
		ip = dst.AsSlice()
	}
	if !c.privileged {
		return &net.UDPAddr{IP: ip, Zone: dst.Zone()}
	}
	return &net.IPAddr{IP: ip, Zone: dst.Zone()}
}

func (c *icmpConn) Receive(b []byte) (n, ttl int, src netip.Addr, err error) {
	ttl = -1
	if c.c == nil {
		err = ErrInvalidConn
		return
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err = c.c.SetReadDeadline(deadline); err != nil {
		return
	}

	var peer net.Addr
	if c.family == message.V4 {
		var cm *ipv4.ControlMessage
		n, cm, peer, err = c.c.IPv4PacketConn().ReadFrom(b)
		if cm != nil {
			ttl = cm.TTL
		}
	} else {
		var cm *ipv6.ControlMessage
		n, cm, peer, err = c.c.IPv6PacketConn().ReadFrom(b)
		if cm != nil {
			ttl = cm.HopLimit
		}
	}

	if err != nil {
		var neterr net.Error
		if errors.As(err, &neterr) && neterr.Timeout() {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return
	}

	src = addrFrom(peer)
	return
}

// addrFrom converts the peer reported by the socket into a netip.Addr.
func addrFrom(peer net.Addr) netip.Addr {
	var (
		ip   net.IP
		zone string
	)
	switch a := peer.(type) {
	case *net.IPAddr:
		ip, zone = a.IP, a.Zone
	case *net.UDPAddr:
		ip, zone = a.IP, a.Zone
	default:
		return netip.Addr{}
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap().WithZone(zone)
}

func (c *icmpConn) SetTTL(ttl int) error {
	if c.family == message.V4 {
		return c.c.IPv4PacketConn().SetTTL(ttl)
	}
	return c.c.IPv6PacketConn().SetHopLimit(ttl)
}

func (c *icmpConn) SetReceiveTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative receive timeout %v", d)
	}
	c.timeout = d
	return nil
}

func (c *icmpConn) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}
