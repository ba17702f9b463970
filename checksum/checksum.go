// Package checksum implements the Internet checksum described in RFC 1071.
package checksum

// Sum computes the one's complement checksum of b.
//
// The buffer is read as big-endian 16-bit words. An odd trailing byte is the
// high byte of a final word whose low byte is zero.
func Sum(b []byte) uint16 {
	var sum uint16

	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum = add(sum, uint16(b[i])<<8|uint16(b[i+1]))
	}
	if len(b)%2 == 1 {
		sum = add(sum, uint16(b[len(b)-1])<<8)
	}

	return ^sum
}

// Verify reports whether b, which already carries its checksum, sums to zero.
func Verify(b []byte) bool {
	return Sum(b) == 0
}

// add is 16-bit addition with end-around carry.
func add(sum, word uint16) uint16 {
	r := uint32(sum) + uint32(word)
	for r > 0xffff {
		r = r>>16 + r&0xffff
	}
	return uint16(r)
}
