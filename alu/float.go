package alu

import (
	"math"
	"math/big"
)

// FPSCR bits.
const (
	FPSCR_FX     = 1 << 31
	FPSCR_FEX    = 1 << 30
	FPSCR_VX     = 1 << 29
	FPSCR_OX     = 1 << 28
	FPSCR_UX     = 1 << 27
	FPSCR_ZX     = 1 << 26
	FPSCR_XX     = 1 << 25
	FPSCR_VXSNAN = 1 << 24
	FPSCR_VXISI  = 1 << 23
	FPSCR_VXIDI  = 1 << 22
	FPSCR_VXZDZ  = 1 << 21
	FPSCR_VXIMZ  = 1 << 20
	FPSCR_VXVC   = 1 << 19
	FPSCR_VXSOFT = 1 << 10
	FPSCR_VXSQRT = 1 << 9
	FPSCR_VXCVI  = 1 << 8
	FPSCR_RN     = 3

	fpscrVXAny = FPSCR_VXSNAN | FPSCR_VXISI | FPSCR_VXIDI | FPSCR_VXZDZ | FPSCR_VXIMZ |
		FPSCR_VXVC | FPSCR_VXSOFT | FPSCR_VXSQRT | FPSCR_VXCVI
	fpscrExceptions = fpscrVXAny | FPSCR_OX | FPSCR_UX | FPSCR_ZX | FPSCR_XX
)

// Rounding modes held in FPSCR[RN].
const (
	RoundNearest = 0
	RoundZero    = 1
	RoundUp      = 2
	RoundDown    = 3
)

// DefaultNaN is produced by invalid operations.
const DefaultNaN uint64 = 0x7FF8000000000000

const (
	quietBit   = uint64(1) << 51
	expMask    = uint64(0x7FF) << 52
	fracMask   = uint64(1)<<52 - 1
	signBit    = uint64(1) << 63
	exactPrec  = 4096
	fctiwzHigh = uint64(0xFFF80000) << 32
)

// MergeFPSCR folds newly raised exception bits into fpscr, maintaining the
// FX and VX summaries.
func MergeFPSCR(fpscr, exc uint32) uint32 {
	fresh := exc &^ fpscr
	fpscr |= exc
	if fresh&fpscrExceptions != 0 {
		fpscr |= FPSCR_FX
	}
	if fpscr&fpscrVXAny != 0 {
		fpscr |= FPSCR_VX
	}
	return fpscr
}

func roundingMode(fpscr uint32) big.RoundingMode {
	switch fpscr & FPSCR_RN {
	case RoundZero:
		return big.ToZero
	case RoundUp:
		return big.ToPositiveInf
	case RoundDown:
		return big.ToNegativeInf
	}
	return big.ToNearestEven
}

func IsNaN(b uint64) bool  { return b&expMask == expMask && b&fracMask != 0 }
func IsSNaN(b uint64) bool { return IsNaN(b) && b&quietBit == 0 }
func isInf(b uint64) bool  { return b&expMask == expMask && b&fracMask == 0 }
func isZero(b uint64) bool { return b&^signBit == 0 }
func quiet(b uint64) uint64 {
	return b | quietBit
}

// propagate returns the first NaN among ops, quietened, and the VXSNAN flag
// when any operand is signalling.
func propagate(ops ...uint64) (uint64, uint32, bool) {
	var exc uint32
	for _, b := range ops {
		if IsSNaN(b) {
			exc |= FPSCR_VXSNAN
		}
	}
	for _, b := range ops {
		if IsNaN(b) {
			return quiet(b), exc, true
		}
	}
	return 0, 0, false
}

type format struct {
	prec       int
	emin, emax int
	max        float64
}

var (
	double = format{53, -1022, 1023, math.MaxFloat64}
	single = format{24, -126, 127, math.MaxFloat32}
)

// roundTo rounds x to format f under mode, with the guest's subnormal and
// overflow behaviour. x must be finite.
func roundTo(x *big.Float, f format, mode big.RoundingMode) float64 {
	if x.Sign() == 0 {
		if x.Signbit() {
			return math.Copysign(0, -1)
		}
		return 0
	}
	e := x.MantExp(nil) - 1
	prec := f.prec
	if e < f.emin {
		prec -= f.emin - e
	}
	if prec < 1 {
		return underflow(x, f, prec, mode)
	}
	r := new(big.Float).SetPrec(uint(prec)).SetMode(mode).Set(x)
	if r.MantExp(nil)-1 > f.emax {
		return overflow(x.Signbit(), f, mode)
	}
	v, _ := r.Float64()
	return v
}

func underflow(x *big.Float, f format, prec int, mode big.RoundingMode) float64 {
	tiny := math.Ldexp(1, f.emin-f.prec+1)
	neg := x.Signbit()
	up := false
	switch mode {
	case big.ToPositiveInf:
		up = !neg
	case big.ToNegativeInf:
		up = neg
	case big.ToNearestEven:
		if prec == 0 {
			m := new(big.Float)
			x.MantExp(m)
			up = m.Abs(m).Cmp(big.NewFloat(0.5)) > 0
		}
	}
	v := 0.0
	if up {
		v = tiny
	}
	if neg {
		return -v
	}
	return v
}

func overflow(neg bool, f format, mode big.RoundingMode) float64 {
	inf := math.Inf(1)
	switch mode {
	case big.ToZero:
		inf = f.max
	case big.ToPositiveInf:
		if neg {
			inf = f.max
		}
	case big.ToNegativeInf:
		if !neg {
			inf = f.max
		}
	}
	if neg {
		return -inf
	}
	return inf
}

func toBig(b uint64) *big.Float {
	return new(big.Float).SetPrec(exactPrec).SetFloat64(math.Float64frombits(b))
}

type binop int

const (
	opAdd binop = iota
	opSub
	opMul
	opDiv
)

func hardware(op binop, a, b float64) float64 {
	switch op {
	case opAdd:
		return a + b
	case opSub:
		return a - b
	case opMul:
		return a * b
	}
	return a / b
}

func arith(op binop, a, b uint64, fpscr uint32, f format) (uint64, uint32) {
	if r, exc, ok := propagate(a, b); ok {
		if f.prec == single.prec {
			r &= 0xFFFFFFFFE0000000
		}
		return r, exc
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	var exc uint32
	switch op {
	case opAdd, opSub:
		bneg := math.Signbit(fb)
		if op == opSub {
			bneg = !bneg
		}
		if isInf(a) && isInf(b) && math.Signbit(fa) != bneg {
			return DefaultNaN, FPSCR_VXISI
		}
	case opMul:
		if (isInf(a) && isZero(b)) || (isZero(a) && isInf(b)) {
			return DefaultNaN, FPSCR_VXIMZ
		}
	case opDiv:
		switch {
		case isZero(a) && isZero(b):
			return DefaultNaN, FPSCR_VXZDZ
		case isInf(a) && isInf(b):
			return DefaultNaN, FPSCR_VXIDI
		case isZero(b) && !isInf(a):
			exc |= FPSCR_ZX
		}
	}
	mode := roundingMode(fpscr)
	// Infinite operands and division by zero never round.
	if isInf(a) || isInf(b) || (op == opDiv && isZero(b)) ||
		(mode == big.ToNearestEven && f.prec == double.prec) {
		r := hardware(op, fa, fb)
		if f.prec == single.prec && !math.IsInf(r, 0) && !math.IsNaN(r) {
			return math.Float64bits(roundTo(new(big.Float).SetFloat64(r), f, mode)), exc
		}
		return math.Float64bits(r), exc
	}
	if isZero(a) && isZero(b) && (op == opAdd || op == opSub) {
		na, nb := math.Signbit(fa), math.Signbit(fb)
		if op == opSub {
			nb = !nb
		}
		neg := (na && nb) || (na != nb && mode == big.ToNegativeInf)
		return math.Float64bits(math.Copysign(0, boolSign(neg))), exc
	}
	x, y := toBig(a), toBig(b)
	z := new(big.Float).SetPrec(exactPrec).SetMode(mode)
	switch op {
	case opAdd:
		z.Add(x, y)
	case opSub:
		z.Sub(x, y)
	case opMul:
		z.Mul(x, y)
	case opDiv:
		z.Quo(x, y)
	}
	return math.Float64bits(roundTo(z, f, mode)), exc
}

func boolSign(neg bool) float64 {
	if neg {
		return -1
	}
	return 1
}

// Double precision arithmetic. Each returns the result bits and the FPSCR
// exception bits raised.

func FAdd(a, b uint64, fpscr uint32) (uint64, uint32) { return arith(opAdd, a, b, fpscr, double) }
func FSub(a, b uint64, fpscr uint32) (uint64, uint32) { return arith(opSub, a, b, fpscr, double) }
func FMul(a, c uint64, fpscr uint32) (uint64, uint32) { return arith(opMul, a, c, fpscr, double) }
func FDiv(a, b uint64, fpscr uint32) (uint64, uint32) { return arith(opDiv, a, b, fpscr, double) }

// Single precision variants compute exactly and round once to single.

func FAdds(a, b uint64, fpscr uint32) (uint64, uint32) { return arith(opAdd, a, b, fpscr, single) }
func FSubs(a, b uint64, fpscr uint32) (uint64, uint32) { return arith(opSub, a, b, fpscr, single) }
func FMuls(a, c uint64, fpscr uint32) (uint64, uint32) { return arith(opMul, a, c, fpscr, single) }
func FDivs(a, b uint64, fpscr uint32) (uint64, uint32) { return arith(opDiv, a, b, fpscr, single) }

// FMadd computes a*c+b with a single rounding.
func FMadd(a, c, b uint64, fpscr uint32) (uint64, uint32) {
	if r, exc, ok := propagate(a, b, c); ok {
		return r, exc
	}
	fa, fb, fc := math.Float64frombits(a), math.Float64frombits(b), math.Float64frombits(c)
	if (isInf(a) && isZero(c)) || (isZero(a) && isInf(c)) {
		return DefaultNaN, FPSCR_VXIMZ
	}
	if isInf(a) || isInf(c) {
		prodNeg := math.Signbit(fa) != math.Signbit(fc)
		if isInf(b) && math.Signbit(fb) != prodNeg {
			return DefaultNaN, FPSCR_VXISI
		}
		return math.Float64bits(math.Copysign(math.Inf(1), boolSign(prodNeg))), 0
	}
	if isInf(b) {
		return b, 0
	}
	mode := roundingMode(fpscr)
	if mode == big.ToNearestEven {
		return math.Float64bits(math.FMA(fa, fc, fb)), 0
	}
	p := new(big.Float).SetPrec(exactPrec).Mul(toBig(a), toBig(c))
	if p.Sign() == 0 && isZero(b) {
		neg := (p.Signbit() && math.Signbit(fb)) || (p.Signbit() != math.Signbit(fb) && mode == big.ToNegativeInf)
		return math.Float64bits(math.Copysign(0, boolSign(neg))), 0
	}
	z := new(big.Float).SetPrec(exactPrec).SetMode(mode).Add(p, toBig(b))
	return math.Float64bits(roundTo(z, double, mode)), 0
}

// FRsp rounds to single precision. NaNs keep the high payload bits.
func FRsp(b uint64, fpscr uint32) (uint64, uint32) {
	if IsNaN(b) {
		var exc uint32
		if IsSNaN(b) {
			exc = FPSCR_VXSNAN
		}
		return quiet(b) & 0xFFFFFFFFE0000000, exc
	}
	if isInf(b) || isZero(b) {
		return b, 0
	}
	x := new(big.Float).SetFloat64(math.Float64frombits(b))
	return math.Float64bits(roundTo(x, single, roundingMode(fpscr))), 0
}

// FCtiwz converts toward zero with saturation; the result word sits in the
// low half under the 0xFFF80000 marker.
func FCtiwz(b uint64) (uint64, uint32) {
	if IsNaN(b) {
		exc := uint32(FPSCR_VXCVI)
		if IsSNaN(b) {
			exc |= FPSCR_VXSNAN
		}
		return fctiwzHigh | 0x80000000, exc
	}
	f := math.Trunc(math.Float64frombits(b))
	switch {
	case f > math.MaxInt32:
		return fctiwzHigh | 0x7FFFFFFF, FPSCR_VXCVI
	case f < math.MinInt32:
		return fctiwzHigh | 0x80000000, FPSCR_VXCVI
	}
	return fctiwzHigh | uint64(uint32(int32(f))), 0
}

// FCmpu returns the CR field for an unordered compare.
func FCmpu(a, b uint64) (uint32, uint32) {
	if IsNaN(a) || IsNaN(b) {
		var exc uint32
		if IsSNaN(a) || IsSNaN(b) {
			exc = FPSCR_VXSNAN
		}
		return 1, exc
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	switch {
	case fa < fb:
		return CR_LT, 0
	case fa > fb:
		return CR_GT, 0
	}
	return CR_EQ, 0
}

func FNeg(b uint64) uint64 { return b ^ signBit }
func FAbs(b uint64) uint64 { return b &^ signBit }

// LoadSingle widens a single-precision word. NaN payloads are moved
// bitwise so signalling NaNs stay signalling.
func LoadSingle(w uint32) uint64 {
	if (w>>23)&0xff == 0xff {
		return uint64(w>>31)<<63 | expMask | uint64(w&0x7fffff)<<29
	}
	return math.Float64bits(float64(math.Float32frombits(w)))
}

// StoreSingle narrows a double for stfs.
func StoreSingle(d uint64) uint32 {
	if d&expMask == expMask {
		return uint32(d>>63)<<31 | 0xff<<23 | uint32((d>>29)&0x7fffff)
	}
	return math.Float32bits(float32(math.Float64frombits(d)))
}
