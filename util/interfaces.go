package util

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/thetooth/rawping/message"
)

var (
	ErrInterfaceDown = errors.New("interface is down")
	ErrNoAddress     = errors.New("interface has no usable address")
)

// BindIface returns the address of the named interface to send from.
// Global addresses are preferred over link-local ones.
func BindIface(ifaceName string, family message.Family) (addr netip.Addr, err error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return
	}
	if !IsUp(iface) {
		err = fmt.Errorf("%w: %s", ErrInterfaceDown, ifaceName)
		return
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return
	}

	addr, ok := pickAddr(addrs, family)
	if !ok {
		err = fmt.Errorf("%w: %s has no %v address", ErrNoAddress, ifaceName, family)
	}
	return
}

func pickAddr(addrs []net.Addr, family message.Family) (addr netip.Addr, ok bool) {
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr().Unmap()
		if message.FamilyOf(ip) != family {
			continue
		}
		addr, ok = ip, true
		if ip.IsLinkLocalUnicast() { // Prefer global addresses
			continue
		}
		break
	}
	return
}

func IsIPv6(address string) bool {
	addr, err := netip.ParseAddr(address)
	return err == nil && addr.Is6() && !addr.Is4In6()
}

func IsUp(nif *net.Interface) bool { return nif.Flags&net.FlagUp != 0 }
