// Package message models ICMP Echo Request and Echo Reply messages for IPv4
// and IPv6 and converts them to and from their wire format.
package message

import (
	"errors"

	"github.com/thetooth/rawping/checksum"
)

// DefaultIdentifier is used when the caller does not pick an identifier.
const DefaultIdentifier = 1

var (
	ErrChecksumAlreadySet = errors.New("checksum already set")
	ErrMalformedPacket    = errors.New("malformed packet")
	ErrUnknownType        = errors.New("unknown icmp type")
)

// Message is one ICMP Echo message. The code field is always zero.
//
// The sequence number is fixed at construction. The payload is referenced,
// not copied.
type Message struct {
	Family     Family
	Role       Role
	Identifier uint16
	Payload    []byte

	sequence    uint16
	checksum    uint16
	hasChecksum bool
}

// New builds a message and draws its sequence number from seq.
func New(f Family, r Role, id uint16, payload []byte, seq *SequenceGenerator) *Message {
	return &Message{
		Family:     f,
		Role:       r,
		Identifier: id,
		Payload:    payload,
		sequence:   seq.Next(),
	}
}

// NewEchoRequest builds an Echo Request for family f.
func NewEchoRequest(f Family, id uint16, payload []byte, seq *SequenceGenerator) *Message {
	return New(f, Request, id, payload, seq)
}

// FromPayload builds an Echo Request with the default identifier and the
// process-wide sequence generator.
func FromPayload(f Family, payload []byte) *Message {
	return NewEchoRequest(f, DefaultIdentifier, payload, Default)
}

// Type returns the wire type code of the message.
func (m *Message) Type() Type {
	return TypeOf(m.Family, m.Role)
}

// Code is always zero for Echo messages.
func (m *Message) Code() uint8 {
	return 0
}

// Sequence returns the sequence number assigned at construction.
func (m *Message) Sequence() uint16 {
	return m.sequence
}

// Checksum returns the checksum and whether it has been computed.
func (m *Message) Checksum() (uint16, bool) {
	return m.checksum, m.hasChecksum
}

// Len is the encoded length in bytes.
func (m *Message) Len() int {
	return HeaderLen + len(m.Payload)
}

// GenChecksum computes the checksum of the message. It fails with
// ErrChecksumAlreadySet if a checksum is present, leaving it unchanged.
func (m *Message) GenChecksum() error {
	if m.hasChecksum {
		return ErrChecksumAlreadySet
	}
	m.checksum = checksum.Sum(Encode(m))
	m.hasChecksum = true
	return nil
}

// OverrideChecksum clears any checksum and computes it again.
func (m *Message) OverrideChecksum() {
	m.ClearChecksum()
	_ = m.GenChecksum()
}

// ClearChecksum drops the computed checksum.
func (m *Message) ClearChecksum() {
	m.checksum = 0
	m.hasChecksum = false
}
