package isa

import "encoding/binary"

// Assembler builds guest programs word by word. Branch helpers take absolute
// targets and encode them relative to the current location.
type Assembler struct {
	Origin uint32
	words  []uint32
}

func NewAssembler(origin uint32) *Assembler {
	return &Assembler{Origin: origin}
}

// PC is the address the next emitted word will occupy.
func (a *Assembler) PC() uint32 { return a.Origin + uint32(4*len(a.words)) }

func (a *Assembler) Words() []uint32 { return append([]uint32(nil), a.words...) }

// Bytes returns the program in guest (big-endian) byte order.
func (a *Assembler) Bytes() []byte {
	out := make([]byte, 4*len(a.words))
	for i, w := range a.words {
		binary.BigEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func (a *Assembler) Word(w uint32) *Assembler {
	a.words = append(a.words, w)
	return a
}

func dform(opcd uint32, d, ra uint8, imm uint16) uint32 {
	return opcd<<26 | uint32(d&31)<<21 | uint32(ra&31)<<16 | uint32(imm)
}

func xform(opcd uint32, d, ra, rb uint8, xo uint32, rc bool) uint32 {
	w := opcd<<26 | uint32(d&31)<<21 | uint32(ra&31)<<16 | uint32(rb&31)<<11 | xo<<1
	if rc {
		w |= 1
	}
	return w
}

func xoform(d, ra, rb uint8, xo uint32, oe, rc bool) uint32 {
	w := xform(31, d, ra, rb, xo, rc)
	if oe {
		w |= 1 << 10
	}
	return w
}

func aform(opcd uint32, d, ra, rb, rc uint8, xo uint32) uint32 {
	return opcd<<26 | uint32(d&31)<<21 | uint32(ra&31)<<16 | uint32(rb&31)<<11 | uint32(rc&31)<<6 | xo<<1
}

// Encoders for single instructions.

func EncodeADDI(rd, ra uint8, simm int16) uint32  { return dform(14, rd, ra, uint16(simm)) }
func EncodeADDIS(rd, ra uint8, simm int16) uint32 { return dform(15, rd, ra, uint16(simm)) }
func EncodeORI(ra, rs uint8, uimm uint16) uint32  { return dform(24, rs, ra, uimm) }
func EncodeB(from, to uint32, link bool) uint32 {
	w := uint32(18)<<26 | (to-from)&0x03fffffc
	if link {
		w |= 1
	}
	return w
}

func (a *Assembler) Addi(rd, ra uint8, simm int16) *Assembler {
	return a.Word(EncodeADDI(rd, ra, simm))
}
func (a *Assembler) Addis(rd, ra uint8, simm int16) *Assembler {
	return a.Word(EncodeADDIS(rd, ra, simm))
}
func (a *Assembler) Addic(rd, ra uint8, simm int16) *Assembler {
	return a.Word(dform(12, rd, ra, uint16(simm)))
}
func (a *Assembler) AddicRc(rd, ra uint8, simm int16) *Assembler {
	return a.Word(dform(13, rd, ra, uint16(simm)))
}
func (a *Assembler) Subfic(rd, ra uint8, simm int16) *Assembler {
	return a.Word(dform(8, rd, ra, uint16(simm)))
}
func (a *Assembler) Mulli(rd, ra uint8, simm int16) *Assembler {
	return a.Word(dform(7, rd, ra, uint16(simm)))
}
func (a *Assembler) Li(rd uint8, simm int16) *Assembler  { return a.Addi(rd, 0, simm) }
func (a *Assembler) Lis(rd uint8, simm int16) *Assembler { return a.Addis(rd, 0, simm) }

// Li32 loads a full 32-bit constant with lis/ori.
func (a *Assembler) Li32(rd uint8, v uint32) *Assembler {
	return a.Lis(rd, int16(v>>16)).Ori(rd, rd, uint16(v))
}

func (a *Assembler) Ori(ra, rs uint8, uimm uint16) *Assembler { return a.Word(EncodeORI(ra, rs, uimm)) }
func (a *Assembler) Oris(ra, rs uint8, uimm uint16) *Assembler {
	return a.Word(dform(25, rs, ra, uimm))
}
func (a *Assembler) Xori(ra, rs uint8, uimm uint16) *Assembler {
	return a.Word(dform(26, rs, ra, uimm))
}
func (a *Assembler) Xoris(ra, rs uint8, uimm uint16) *Assembler {
	return a.Word(dform(27, rs, ra, uimm))
}
func (a *Assembler) AndiRc(ra, rs uint8, uimm uint16) *Assembler {
	return a.Word(dform(28, rs, ra, uimm))
}
func (a *Assembler) AndisRc(ra, rs uint8, uimm uint16) *Assembler {
	return a.Word(dform(29, rs, ra, uimm))
}
func (a *Assembler) Nop() *Assembler { return a.Ori(0, 0, 0) }

func (a *Assembler) Cmpwi(crf, ra uint8, simm int16) *Assembler {
	return a.Word(dform(11, crf<<2, ra, uint16(simm)))
}
func (a *Assembler) Cmplwi(crf, ra uint8, uimm uint16) *Assembler {
	return a.Word(dform(10, crf<<2, ra, uimm))
}
func (a *Assembler) Cmpw(crf, ra, rb uint8) *Assembler {
	return a.Word(xform(31, crf<<2, ra, rb, 0, false))
}
func (a *Assembler) Cmplw(crf, ra, rb uint8) *Assembler {
	return a.Word(xform(31, crf<<2, ra, rb, 32, false))
}

// XO-form arithmetic. The *O variants set OE.
func (a *Assembler) Add(rd, ra, rb uint8) *Assembler { return a.Word(xoform(rd, ra, rb, 266, false, false)) }
func (a *Assembler) AddRc(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 266, false, true))
}
func (a *Assembler) AddO(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 266, true, false))
}
func (a *Assembler) Addc(rd, ra, rb uint8) *Assembler { return a.Word(xoform(rd, ra, rb, 10, false, false)) }
func (a *Assembler) Adde(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 138, false, false))
}
func (a *Assembler) Subf(rd, ra, rb uint8) *Assembler { return a.Word(xoform(rd, ra, rb, 40, false, false)) }
func (a *Assembler) SubfO(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 40, true, false))
}
func (a *Assembler) Subfc(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 8, false, false))
}
func (a *Assembler) Subfe(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 136, false, false))
}
func (a *Assembler) Neg(rd, ra uint8) *Assembler { return a.Word(xoform(rd, ra, 0, 104, false, false)) }
func (a *Assembler) Mullw(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 235, false, false))
}
func (a *Assembler) MullwO(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 235, true, false))
}
func (a *Assembler) Mulhw(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 75, false, false))
}
func (a *Assembler) Mulhwu(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 11, false, false))
}
func (a *Assembler) Divw(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 491, false, false))
}
func (a *Assembler) DivwO(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 491, true, false))
}
func (a *Assembler) Divwu(rd, ra, rb uint8) *Assembler {
	return a.Word(xoform(rd, ra, rb, 459, false, false))
}

// X-form logical, shift and extend. Destination first, like the mnemonics.
func (a *Assembler) And(ra, rs, rb uint8) *Assembler  { return a.Word(xform(31, rs, ra, rb, 28, false)) }
func (a *Assembler) Andc(ra, rs, rb uint8) *Assembler { return a.Word(xform(31, rs, ra, rb, 60, false)) }
func (a *Assembler) Or(ra, rs, rb uint8) *Assembler   { return a.Word(xform(31, rs, ra, rb, 444, false)) }
func (a *Assembler) OrRc(ra, rs, rb uint8) *Assembler { return a.Word(xform(31, rs, ra, rb, 444, true)) }
func (a *Assembler) Mr(ra, rs uint8) *Assembler       { return a.Or(ra, rs, rs) }
func (a *Assembler) Nor(ra, rs, rb uint8) *Assembler  { return a.Word(xform(31, rs, ra, rb, 124, false)) }
func (a *Assembler) Xor(ra, rs, rb uint8) *Assembler  { return a.Word(xform(31, rs, ra, rb, 316, false)) }
func (a *Assembler) Slw(ra, rs, rb uint8) *Assembler  { return a.Word(xform(31, rs, ra, rb, 24, false)) }
func (a *Assembler) Srw(ra, rs, rb uint8) *Assembler  { return a.Word(xform(31, rs, ra, rb, 536, false)) }
func (a *Assembler) Sraw(ra, rs, rb uint8) *Assembler { return a.Word(xform(31, rs, ra, rb, 792, false)) }
func (a *Assembler) Srawi(ra, rs, sh uint8) *Assembler {
	return a.Word(xform(31, rs, ra, sh, 824, false))
}
func (a *Assembler) Cntlzw(ra, rs uint8) *Assembler { return a.Word(xform(31, rs, ra, 0, 26, false)) }
func (a *Assembler) Extsb(ra, rs uint8) *Assembler  { return a.Word(xform(31, rs, ra, 0, 954, false)) }
func (a *Assembler) Extsh(ra, rs uint8) *Assembler  { return a.Word(xform(31, rs, ra, 0, 922, false)) }
func (a *Assembler) Rlwinm(ra, rs, sh, mb, me uint8) *Assembler {
	return a.Word(uint32(21)<<26 | uint32(rs&31)<<21 | uint32(ra&31)<<16 | uint32(sh&31)<<11 | uint32(mb&31)<<6 | uint32(me&31)<<1)
}
func (a *Assembler) Slwi(ra, rs, n uint8) *Assembler { return a.Rlwinm(ra, rs, n, 0, 31-n) }

// Loads and stores.
func (a *Assembler) Lwz(rd, ra uint8, d int16) *Assembler  { return a.Word(dform(32, rd, ra, uint16(d))) }
func (a *Assembler) Lbz(rd, ra uint8, d int16) *Assembler  { return a.Word(dform(34, rd, ra, uint16(d))) }
func (a *Assembler) Stw(rs, ra uint8, d int16) *Assembler  { return a.Word(dform(36, rs, ra, uint16(d))) }
func (a *Assembler) Stb(rs, ra uint8, d int16) *Assembler  { return a.Word(dform(38, rs, ra, uint16(d))) }
func (a *Assembler) Lhz(rd, ra uint8, d int16) *Assembler  { return a.Word(dform(40, rd, ra, uint16(d))) }
func (a *Assembler) Lha(rd, ra uint8, d int16) *Assembler  { return a.Word(dform(42, rd, ra, uint16(d))) }
func (a *Assembler) Sth(rs, ra uint8, d int16) *Assembler  { return a.Word(dform(44, rs, ra, uint16(d))) }
func (a *Assembler) Lfs(fd, ra uint8, d int16) *Assembler  { return a.Word(dform(48, fd, ra, uint16(d))) }
func (a *Assembler) Lfd(fd, ra uint8, d int16) *Assembler  { return a.Word(dform(50, fd, ra, uint16(d))) }
func (a *Assembler) Stfs(fs, ra uint8, d int16) *Assembler { return a.Word(dform(52, fs, ra, uint16(d))) }
func (a *Assembler) Stfd(fs, ra uint8, d int16) *Assembler { return a.Word(dform(54, fs, ra, uint16(d))) }
func (a *Assembler) Lwzx(rd, ra, rb uint8) *Assembler      { return a.Word(xform(31, rd, ra, rb, 23, false)) }
func (a *Assembler) Stwx(rs, ra, rb uint8) *Assembler      { return a.Word(xform(31, rs, ra, rb, 151, false)) }
func (a *Assembler) Lbzx(rd, ra, rb uint8) *Assembler      { return a.Word(xform(31, rd, ra, rb, 87, false)) }
func (a *Assembler) Stbx(rs, ra, rb uint8) *Assembler      { return a.Word(xform(31, rs, ra, rb, 215, false)) }

// Branches.
func (a *Assembler) B(target uint32) *Assembler  { return a.Word(EncodeB(a.PC(), target, false)) }
func (a *Assembler) Bl(target uint32) *Assembler { return a.Word(EncodeB(a.PC(), target, true)) }
func (a *Assembler) Bc(bo, bi uint8, target uint32) *Assembler {
	return a.Word(uint32(16)<<26 | uint32(bo&31)<<21 | uint32(bi&31)<<16 | (target-a.PC())&0xfffc)
}
func (a *Assembler) Beq(crf uint8, target uint32) *Assembler {
	return a.Bc(BO_TRUE, crf*4+CR_EQ, target)
}
func (a *Assembler) Bne(crf uint8, target uint32) *Assembler {
	return a.Bc(BO_FALSE, crf*4+CR_EQ, target)
}
func (a *Assembler) Blt(crf uint8, target uint32) *Assembler {
	return a.Bc(BO_TRUE, crf*4+CR_LT, target)
}
func (a *Assembler) Bdnz(target uint32) *Assembler { return a.Bc(BO_DNZ, 0, target) }
func (a *Assembler) Blr() *Assembler               { return a.Word(xform(19, BO_ALWAYS, 0, 0, 16, false)) }
func (a *Assembler) Bctr() *Assembler              { return a.Word(xform(19, BO_ALWAYS, 0, 0, 528, false)) }
func (a *Assembler) Bctrl() *Assembler             { return a.Word(xform(19, BO_ALWAYS, 0, 0, 528, true)) }

// Floating point.
func (a *Assembler) Fadd(fd, fa, fb uint8) *Assembler  { return a.Word(aform(63, fd, fa, fb, 0, 21)) }
func (a *Assembler) Fsub(fd, fa, fb uint8) *Assembler  { return a.Word(aform(63, fd, fa, fb, 0, 20)) }
func (a *Assembler) Fmul(fd, fa, fc uint8) *Assembler  { return a.Word(aform(63, fd, fa, 0, fc, 25)) }
func (a *Assembler) Fdiv(fd, fa, fb uint8) *Assembler  { return a.Word(aform(63, fd, fa, fb, 0, 18)) }
func (a *Assembler) Fmadd(fd, fa, fc, fb uint8) *Assembler {
	return a.Word(aform(63, fd, fa, fb, fc, 29))
}
func (a *Assembler) Fadds(fd, fa, fb uint8) *Assembler { return a.Word(aform(59, fd, fa, fb, 0, 21)) }
func (a *Assembler) Fsubs(fd, fa, fb uint8) *Assembler { return a.Word(aform(59, fd, fa, fb, 0, 20)) }
func (a *Assembler) Fmuls(fd, fa, fc uint8) *Assembler { return a.Word(aform(59, fd, fa, 0, fc, 25)) }
func (a *Assembler) Fdivs(fd, fa, fb uint8) *Assembler { return a.Word(aform(59, fd, fa, fb, 0, 18)) }
func (a *Assembler) Fmr(fd, fb uint8) *Assembler       { return a.Word(xform(63, fd, 0, fb, 72, false)) }
func (a *Assembler) Fneg(fd, fb uint8) *Assembler      { return a.Word(xform(63, fd, 0, fb, 40, false)) }
func (a *Assembler) Fabs(fd, fb uint8) *Assembler      { return a.Word(xform(63, fd, 0, fb, 264, false)) }
func (a *Assembler) Frsp(fd, fb uint8) *Assembler      { return a.Word(xform(63, fd, 0, fb, 12, false)) }
func (a *Assembler) Fctiwz(fd, fb uint8) *Assembler    { return a.Word(xform(63, fd, 0, fb, 15, false)) }
func (a *Assembler) Fcmpu(crf, fa, fb uint8) *Assembler {
	return a.Word(xform(63, crf<<2, fa, fb, 0, false))
}

// Mtfsfi sets one FPSCR nibble; field 7 holds the rounding mode.
func (a *Assembler) Mtfsfi(crf, imm uint8) *Assembler {
	return a.Word(uint32(63)<<26 | uint32(crf&7)<<23 | uint32(imm&15)<<12 | 134<<1)
}

// System.
func (a *Assembler) Sc() *Assembler { return a.Word(uint32(17)<<26 | 2) }
func (a *Assembler) Tw(to, ra, rb uint8) *Assembler {
	return a.Word(xform(31, to, ra, rb, 4, false))
}
func (a *Assembler) Twi(to, ra uint8, simm int16) *Assembler {
	return a.Word(dform(3, to, ra, uint16(simm)))
}
func (a *Assembler) Trap() *Assembler { return a.Tw(31, 0, 0) }
func (a *Assembler) Mfspr(rd uint8, spr uint16) *Assembler {
	return a.Word(xform(31, rd, uint8(spr&31), uint8(spr>>5), 339, false))
}
func (a *Assembler) Mtspr(spr uint16, rs uint8) *Assembler {
	return a.Word(xform(31, rs, uint8(spr&31), uint8(spr>>5), 467, false))
}
func (a *Assembler) Mflr(rd uint8) *Assembler  { return a.Mfspr(rd, SPR_LR) }
func (a *Assembler) Mtlr(rs uint8) *Assembler  { return a.Mtspr(SPR_LR, rs) }
func (a *Assembler) Mtctr(rs uint8) *Assembler { return a.Mtspr(SPR_CTR, rs) }
func (a *Assembler) Rfi() *Assembler           { return a.Word(xform(19, 0, 0, 0, 50, false)) }
func (a *Assembler) Icbi(ra, rb uint8) *Assembler {
	return a.Word(xform(31, 0, ra, rb, 982, false))
}
func (a *Assembler) Isync() *Assembler { return a.Word(xform(19, 0, 0, 0, 150, false)) }
func (a *Assembler) Sync() *Assembler  { return a.Word(xform(31, 0, 0, 0, 598, false)) }
