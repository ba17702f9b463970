package message

import (
	"fmt"
	"net/netip"
)

// IANA protocol numbers used when opening sockets and parsing messages.
const (
	ProtocolICMP     = 1
	ProtocolIPv6ICMP = 58
)

// Family selects the ICMP flavour and its transport framing.
type Family int

const (
	V4 = Family(4)
	V6 = Family(6)
)

// FamilyOf returns the family matching addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return V4
	}
	return V6
}

// Protocol returns the IANA protocol number carried in the IP header.
func (f Family) Protocol() int {
	if f == V6 {
		return ProtocolIPv6ICMP
	}
	return ProtocolICMP
}

func (f Family) String() string {
	switch f {
	case V4:
		return "ip4"
	case V6:
		return "ip6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Role tells an Echo Request from an Echo Reply.
type Role int

const (
	Request Role = iota
	Reply
)

func (r Role) String() string {
	if r == Reply {
		return "echo-reply"
	}
	return "echo-request"
}

// Type is the numeric ICMP type carried in the first header byte.
type Type uint8

// Echo type codes for both families.
const (
	TypeEchoReplyV4   Type = 0
	TypeEchoRequestV4 Type = 8
	TypeEchoRequestV6 Type = 128
	TypeEchoReplyV6   Type = 129
)

// TypeOf maps a (family, role) pair onto its wire type code.
func TypeOf(f Family, r Role) Type {
	switch {
	case f == V6 && r == Reply:
		return TypeEchoReplyV6
	case f == V6:
		return TypeEchoRequestV6
	case r == Reply:
		return TypeEchoReplyV4
	default:
		return TypeEchoRequestV4
	}
}

// ParseType maps a wire type code back onto a role. Codes that are not Echo
// messages of the family yield ErrUnknownType.
func ParseType(f Family, t Type) (Role, error) {
	switch {
	case f == V4 && t == TypeEchoRequestV4, f == V6 && t == TypeEchoRequestV6:
		return Request, nil
	case f == V4 && t == TypeEchoReplyV4, f == V6 && t == TypeEchoReplyV6:
		return Reply, nil
	}
	return 0, fmt.Errorf("%w: %d (%s) for %v", ErrUnknownType, t, TypeName(f, t), f)
}

// https://www.iana.org/assignments/icmp-parameters
var typeNamesV4 = map[Type]string{
	0:  "Echo Reply",
	3:  "Destination Unreachable",
	4:  "Source Quench",
	5:  "Redirect",
	8:  "Echo",
	9:  "Router Advertisement",
	10: "Router Solicitation",
	11: "Time Exceeded",
	12: "Parameter Problem",
	13: "Timestamp",
	14: "Timestamp Reply",
	40: "Photuris",
	42: "Extended Echo Request",
	43: "Extended Echo Reply",
}

// https://www.iana.org/assignments/icmpv6-parameters
var typeNamesV6 = map[Type]string{
	1:   "Destination Unreachable",
	2:   "Packet Too Big",
	3:   "Time Exceeded",
	4:   "Parameter Problem",
	128: "Echo Request",
	129: "Echo Reply",
	130: "Multicast Listener Query",
	131: "Multicast Listener Report",
	132: "Multicast Listener Done",
	133: "Router Solicitation",
	134: "Router Advertisement",
	135: "Neighbor Solicitation",
	136: "Neighbor Advertisement",
	137: "Redirect Message",
	143: "Version 2 Multicast Listener Report",
	160: "Extended Echo Request",
	161: "Extended Echo Reply",
}

// TypeName returns the IANA name of t, or "unknown".
func TypeName(f Family, t Type) string {
	names := typeNamesV4
	if f == V6 {
		names = typeNamesV6
	}
	if name, ok := names[t]; ok {
		return name
	}
	return "unknown"
}
