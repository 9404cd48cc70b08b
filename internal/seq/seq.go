// Package seq implements 31-bit SRT sequence numbers and 26-bit message
// numbers with wraparound-aware arithmetic. Raw integer comparison of
// sequence numbers is never correct across a wrap; every ordering decision
// in the engine goes through the helpers here.
package seq

import "fmt"

const (
	// Max is the largest representable sequence number (2^31 - 1).
	Max = 0x7FFFFFFF
	// threshold is half the sequence space; distances larger than this
	// are interpreted as having wrapped.
	threshold = 0x3FFFFFFF
)

// Number is a 31-bit packet sequence number.
type Number uint32

// New truncates v to 31 bits.
func New(v uint32) Number {
	return Number(v & Max)
}

// Add returns n advanced by d, modulo 2^31.
func (n Number) Add(d uint32) Number {
	return Number((uint32(n) + d) & Max)
}

// Inc returns the successor of n.
func (n Number) Inc() Number {
	return n.Add(1)
}

// Dec returns the predecessor of n.
func (n Number) Dec() Number {
	return Number((uint32(n) + Max) & Max)
}

// Cmp returns the signed distance from b to a: positive when a is after b,
// negative when a is before b, zero when equal.
func Cmp(a, b Number) int32 {
	d := int64(a) - int64(b)
	switch {
	case d > threshold:
		d -= Max + 1
	case d < -threshold:
		d += Max + 1
	}
	return int32(d)
}

// Less reports whether a precedes b.
func Less(a, b Number) bool {
	return Cmp(a, b) < 0
}

// LessEq reports whether a precedes or equals b.
func LessEq(a, b Number) bool {
	return Cmp(a, b) <= 0
}

// Greater reports whether a follows b.
func Greater(a, b Number) bool {
	return Cmp(a, b) > 0
}

// Distance returns the number of steps from a forward to b. The result is
// only meaningful when a does not follow b.
func Distance(a, b Number) uint32 {
	return (uint32(b) - uint32(a)) & Max
}

// MaxOf returns the later of a and b.
func MaxOf(a, b Number) Number {
	if Greater(a, b) {
		return a
	}
	return b
}

func (n Number) String() string {
	return fmt.Sprintf("%d", uint32(n))
}

// MsgMax is the largest 26-bit message number.
const MsgMax = 0x03FFFFFF

// Msg is a 26-bit message number. Zero is reserved, so the counter wraps
// from MsgMax back to 1.
type Msg uint32

// Next returns the following message number.
func (m Msg) Next() Msg {
	if m >= MsgMax {
		return 1
	}
	return m + 1
}
