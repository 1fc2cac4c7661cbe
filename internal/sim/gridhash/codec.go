// Package gridhash packs 2D tile coordinates into a single integer key.
//
// A Codec allocates Bits() bits to each axis: the column (gx) occupies the
// high half of the key and the row (gy) the low half. Packing masks each
// axis to its bit width, so coordinates outside [0, Span()) silently wrap.
// Callers validate bounds (InRange) before inserting.
package gridhash

import (
	"errors"
	"fmt"
)

// MaxBits keeps a packed key inside 32 bits, the hash field of the wire value.
const MaxBits = 16

// LegacyBits is the fixed two-axis scheme (one byte per axis).
const LegacyBits = 8

var ErrPrecision = errors.New("gridhash: precision out of range")

// Hash is a packed tile coordinate.
type Hash uint32

type Codec struct {
	bits uint
	mask uint32
}

func NewCodec(bits int) (Codec, error) {
	if bits <= 0 || bits > MaxBits {
		return Codec{}, fmt.Errorf("%w: %d bits per axis (want 1..%d)", ErrPrecision, bits, MaxBits)
	}
	return Codec{bits: uint(bits), mask: uint32(1)<<uint(bits) - 1}, nil
}

// MustCodec is NewCodec for constant precisions.
func MustCodec(bits int) Codec {
	c, err := NewCodec(bits)
	if err != nil {
		panic(err)
	}
	return c
}

func Legacy() Codec { return MustCodec(LegacyBits) }

func (c Codec) Bits() int { return int(c.bits) }

// Span is the number of addressable cells per axis.
func (c Codec) Span() int { return int(c.mask) + 1 }

func (c Codec) Pack(gx, gy int) Hash {
	return Hash((uint32(gx)&c.mask)<<c.bits | uint32(gy)&c.mask)
}

func (c Codec) Unpack(h Hash) (gx, gy int) {
	v := uint32(h)
	return int(v >> c.bits & c.mask), int(v & c.mask)
}

func (c Codec) InRange(gx, gy int) bool {
	return gx >= 0 && gy >= 0 && gx <= int(c.mask) && gy <= int(c.mask)
}

// Fits reports whether a width x height area is addressable.
func (c Codec) Fits(width, height int) bool {
	return width >= 0 && height >= 0 && width <= c.Span() && height <= c.Span()
}

func (c Codec) IsZero() bool { return c.bits == 0 }
