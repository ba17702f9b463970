package message

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv4"
)

// HeaderLen is the size of the fixed Echo header.
const HeaderLen = 8

// Header holds the fixed fields of a received Echo message.
type Header struct {
	Type       Type
	Code       uint8
	Checksum   uint16
	Identifier uint16
	Sequence   uint16
}

// Encode serializes m. The checksum bytes are zero until the checksum has
// been computed.
func Encode(m *Message) []byte {
	return AppendEncode(make([]byte, 0, m.Len()), m)
}

// AppendEncode appends the wire form of m to dst.
func AppendEncode(dst []byte, m *Message) []byte {
	var cs uint16
	if m.hasChecksum {
		cs = m.checksum
	}

	dst = append(dst, byte(m.Type()), m.Code())
	dst = binary.BigEndian.AppendUint16(dst, cs)
	dst = binary.BigEndian.AppendUint16(dst, m.Identifier)
	dst = binary.BigEndian.AppendUint16(dst, m.sequence)
	return append(dst, m.Payload...)
}

// Decode extracts identifier, sequence and payload from an Echo message. The
// payload aliases b.
func Decode(b []byte) (id, seq uint16, payload []byte, err error) {
	if len(b) < HeaderLen {
		err = fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), HeaderLen)
		return
	}

	id = binary.BigEndian.Uint16(b[4:6])
	seq = binary.BigEndian.Uint16(b[6:8])
	payload = b[HeaderLen:]
	return
}

// PeekHeader reads the fixed header without touching the payload.
func PeekHeader(b []byte) (h Header, err error) {
	if len(b) < HeaderLen {
		err = fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), HeaderLen)
		return
	}

	h = Header{
		Type:       Type(b[0]),
		Code:       b[1],
		Checksum:   binary.BigEndian.Uint16(b[2:4]),
		Identifier: binary.BigEndian.Uint16(b[4:6]),
		Sequence:   binary.BigEndian.Uint16(b[6:8]),
	}
	return
}

// StripIPv4Header removes a leading IPv4 header, as delivered by raw IPv4
// sockets on some platforms. When no header is present b is returned as is
// and ttl is -1.
func StripIPv4Header(b []byte) (icmp []byte, ttl int, err error) {
	if len(b) == 0 || b[0]>>4 != ipv4.Version {
		return b, -1, nil
	}

	hlen := int(b[0]&0x0f) << 2
	if hlen < ipv4.HeaderLen || len(b) < hlen {
		return nil, -1, fmt.Errorf("%w: truncated ipv4 header", ErrMalformedPacket)
	}

	h, err := ipv4.ParseHeader(b[:hlen])
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	return b[hlen:], h.TTL, nil
}
