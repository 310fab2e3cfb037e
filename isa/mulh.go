package isa

import "github.com/holiman/uint256"

// upper 192 bits set, used to sign-extend a 64-bit operand to 256 bits
var signFill = new(uint256.Int).Not(uint256.NewInt(^uint64(0)))

func widen(v uint64, signed bool) *uint256.Int {
	z := uint256.NewInt(v)
	if signed && int64(v) < 0 {
		z.Or(z, signFill)
	}
	return z
}

// mulHigh64 returns bits 64..127 of the product of a and b, each interpreted
// as signed or unsigned.
func mulHigh64(a uint64, aSigned bool, b uint64, bSigned bool) uint64 {
	var z uint256.Int
	z.Mul(widen(a, aSigned), widen(b, bSigned))
	z.Rsh(&z, 64)
	return z.Uint64()
}

func mulHigh32(a uint64, aSigned bool, b uint64, bSigned bool) uint64 {
	if !aSigned && !bSigned {
		return uint64(uint32(a)) * uint64(uint32(b)) >> 32
	}
	x, y := int64(uint32(a)), int64(uint32(b))
	if aSigned {
		x = int64(int32(a))
	}
	if bSigned {
		y = int64(int32(b))
	}
	return uint64((x * y) >> 32)
}
