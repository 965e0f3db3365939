// Package alu holds guest arithmetic shared by the interpreter and both
// code generation strategies, so every execution path computes flags the
// same way.
package alu

import "math/bits"

// XER bits.
const (
	XER_SO = 0x80000000
	XER_OV = 0x40000000
	XER_CA = 0x20000000
)

// CR field values.
const (
	CR_LT = 8
	CR_GT = 4
	CR_EQ = 2
	CR_SO = 1
)

// AddCarry returns a+b+cin with the guest carry-out and signed overflow.
func AddCarry(a, b, cin uint32) (res uint32, ca, ov bool) {
	sum := uint64(a) + uint64(b) + uint64(cin)
	res = uint32(sum)
	ca = sum>>32 != 0
	ov = ((a^res)&(b^res))>>31 != 0
	return
}

// Subf computes b - a the way subf does (~a + b + 1).
func Subf(a, b uint32) (res uint32, ca, ov bool) {
	return AddCarry(^a, b, 1)
}

func Neg(a uint32) (res uint32, ov bool) {
	res, _, ov = AddCarry(^a, 0, 1)
	return
}

func Mullw(a, b uint32) (res uint32, ov bool) {
	p := int64(int32(a)) * int64(int32(b))
	return uint32(p), p != int64(int32(p))
}

func Mulhw(a, b uint32) uint32 {
	return uint32(uint64(int64(int32(a))*int64(int32(b))) >> 32)
}

func Mulhwu(a, b uint32) uint32 {
	hi, _ := bits.Mul32(a, b)
	return hi
}

// Divw follows the hardware for undefined cases: division by zero and
// 0x80000000 / -1 yield all ones for a negative dividend, zero otherwise.
func Divw(a, b uint32) (res uint32, ov bool) {
	if b == 0 || (a == 0x80000000 && b == 0xffffffff) {
		if int32(a) < 0 {
			return 0xffffffff, true
		}
		return 0, true
	}
	return uint32(int32(a) / int32(b)), false
}

func Divwu(a, b uint32) (res uint32, ov bool) {
	if b == 0 {
		return 0, true
	}
	return a / b, false
}

// Shifts take a 6-bit amount; 32..63 shift everything out.
func Slw(a, n uint32) uint32 {
	n &= 63
	if n >= 32 {
		return 0
	}
	return a << n
}

func Srw(a, n uint32) uint32 {
	n &= 63
	if n >= 32 {
		return 0
	}
	return a >> n
}

// Sraw returns the arithmetic shift and CA, set when a negative value
// shifts out any one bits.
func Sraw(a, n uint32) (res uint32, ca bool) {
	n &= 63
	neg := int32(a) < 0
	if n >= 32 {
		if neg {
			return 0xffffffff, true
		}
		return 0, false
	}
	res = uint32(int32(a) >> n)
	ca = neg && n > 0 && a&(1<<n-1) != 0
	return
}

// Mask builds the rlwinm mask for big-endian bit numbers mb..me, wrapping
// when mb > me.
func Mask(mb, me uint8) uint32 {
	begin := uint32(0xffffffff) >> (mb & 31)
	end := uint32(0x7fffffff) >> (me & 31)
	m := begin ^ end
	if mb > me {
		return ^m
	}
	return m
}

func Rlwinm(a uint32, sh, mb, me uint8) uint32 {
	return bits.RotateLeft32(a, int(sh&31)) & Mask(mb, me)
}

func Cntlzw(a uint32) uint32 { return uint32(bits.LeadingZeros32(a)) }

func Extsb(a uint32) uint32 { return uint32(int32(int8(a))) }
func Extsh(a uint32) uint32 { return uint32(int32(int16(a))) }

// Compare returns the 4-bit CR field for a comparison, SO copied from XER.
func Compare(a, b uint32, signed bool, xer uint32) uint32 {
	var f uint32
	switch {
	case signed && int32(a) < int32(b), !signed && a < b:
		f = CR_LT
	case signed && int32(a) > int32(b), !signed && a > b:
		f = CR_GT
	default:
		f = CR_EQ
	}
	if xer&XER_SO != 0 {
		f |= CR_SO
	}
	return f
}

// SetCRField replaces field n (0 is the most significant) of cr.
func SetCRField(cr uint32, n uint8, v uint32) uint32 {
	shift := 28 - 4*uint32(n&7)
	return cr&^(0xf<<shift) | (v&0xf)<<shift
}

func CRField(cr uint32, n uint8) uint32 {
	return (cr >> (28 - 4*uint32(n&7))) & 0xf
}

// CRBit reports bit bi, numbered from the most significant end.
func CRBit(cr uint32, bi uint8) bool {
	return cr>>(31-uint32(bi&31))&1 != 0
}

// Record returns CR with field 0 set from a result, as the "." forms do.
func Record(cr, res, xer uint32) uint32 {
	return SetCRField(cr, 0, Compare(res, 0, true, xer))
}

// SetOverflow applies OV/SO for an OE instruction.
func SetOverflow(xer uint32, ov bool) uint32 {
	if ov {
		return xer | XER_OV | XER_SO
	}
	return xer &^ XER_OV
}

func SetCarry(xer uint32, ca bool) uint32 {
	if ca {
		return xer | XER_CA
	}
	return xer &^ XER_CA
}

func Carry(xer uint32) uint32 {
	if xer&XER_CA != 0 {
		return 1
	}
	return 0
}

// BranchTaken evaluates a BO/BI condition. It returns the updated CTR,
// decremented when BO asks for it.
func BranchTaken(bo, bi uint8, cr, ctr uint32) (bool, uint32) {
	ctrOK := true
	if bo&0x04 == 0 {
		ctr--
		ctrOK = (ctr != 0) != (bo&0x02 != 0)
	}
	condOK := bo&0x10 != 0 || CRBit(cr, bi) == (bo&0x08 != 0)
	return ctrOK && condOK, ctr
}

// TrapTaken evaluates the TO field of tw/twi.
func TrapTaken(to uint8, a, b uint32) bool {
	sa, sb := int32(a), int32(b)
	return (to&0x10 != 0 && sa < sb) ||
		(to&0x08 != 0 && sa > sb) ||
		(to&0x04 != 0 && a == b) ||
		(to&0x02 != 0 && a < b) ||
		(to&0x01 != 0 && a > b)
}
