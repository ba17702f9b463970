package message

import "sync/atomic"

// SequenceGenerator hands out 16-bit sequence numbers starting at 1. The
// counter wraps at 2^16, so numbers repeat after 65536 messages.
type SequenceGenerator struct {
	next atomic.Uint32
}

// Default is the process-wide generator used by FromPayload.
var Default = NewSequenceGenerator(1)

// NewSequenceGenerator returns a generator whose first number is start.
func NewSequenceGenerator(start uint16) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.next.Store(uint32(start))
	return g
}

// Next returns the current number and advances the counter.
func (g *SequenceGenerator) Next() uint16 {
	return uint16(g.next.Add(1) - 1)
}
