package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeForms(t *testing.T) {
	a := NewAssembler(0x80003000)
	a.Addi(3, 1, -16).
		Ori(4, 5, 0xbeef).
		AddO(6, 7, 8).
		OrRc(9, 10, 11).
		Rlwinm(12, 13, 4, 0, 27).
		Lwz(14, 1, 8).
		Stwx(15, 16, 17).
		Mfspr(18, SPR_CTR).
		Cmpwi(2, 19, -1).
		Fmadd(1, 2, 3, 4).
		Mtfsfi(7, 1).
		Srawi(20, 21, 3)
	w := a.Words()

	i := Decode(w[0])
	assert.Equal(t, ADDI, i.Op)
	assert.Equal(t, uint8(3), i.RD)
	assert.Equal(t, uint8(1), i.RA)
	assert.Equal(t, int32(-16), i.Imm)

	i = Decode(w[1])
	assert.Equal(t, ORI, i.Op)
	assert.Equal(t, uint8(4), i.RA)
	assert.Equal(t, uint8(5), i.RD)
	assert.Equal(t, int32(0xbeef), i.Imm)

	i = Decode(w[2])
	assert.Equal(t, ADD, i.Op)
	assert.True(t, i.OE)
	assert.False(t, i.Rc)

	i = Decode(w[3])
	assert.Equal(t, OR, i.Op)
	assert.True(t, i.Rc)
	assert.False(t, i.OE)

	i = Decode(w[4])
	assert.Equal(t, RLWINM, i.Op)
	assert.Equal(t, []uint8{4, 0, 27}, []uint8{i.SH, i.MB, i.ME})

	i = Decode(w[5])
	assert.Equal(t, LWZ, i.Op)
	assert.Equal(t, "lwz r14, 8(r1)", i.String())

	assert.Equal(t, STWX, Decode(w[6]).Op)

	i = Decode(w[7])
	assert.Equal(t, MFSPR, i.Op)
	assert.Equal(t, uint16(SPR_CTR), i.SPR)

	i = Decode(w[8])
	assert.Equal(t, CMPI, i.Op)
	assert.Equal(t, uint8(2), i.CRF)
	assert.Equal(t, int32(-1), i.Imm)

	i = Decode(w[9])
	assert.Equal(t, FMADD, i.Op)
	assert.Equal(t, []uint8{1, 2, 3, 4}, []uint8{i.RD, i.RA, i.RC, i.RB})

	i = Decode(w[10])
	assert.Equal(t, MTFSFI, i.Op)
	assert.Equal(t, uint8(7), i.CRF)
	assert.Equal(t, int32(1), i.Imm)

	i = Decode(w[11])
	assert.Equal(t, SRAWI, i.Op)
	assert.Equal(t, uint8(3), i.SH)
}

func TestBranchTargets(t *testing.T) {
	a := NewAssembler(0x1000)
	a.B(0x0ff0).Bl(0x2000).Beq(0, 0x1000).Bdnz(0x1100).Blr()
	w := a.Words()

	b := Decode(w[0])
	require.Equal(t, B, b.Op)
	assert.Equal(t, uint32(0x0ff0), b.BranchTarget(0x1000))
	assert.True(t, b.Unconditional())

	bl := Decode(w[1])
	assert.True(t, bl.LK)
	assert.Equal(t, uint32(0x2000), bl.BranchTarget(0x1004))

	beq := Decode(w[2])
	assert.Equal(t, BC, beq.Op)
	assert.False(t, beq.Unconditional())
	assert.False(t, beq.DecrementsCTR())
	assert.Equal(t, uint8(CR_EQ), beq.BI)
	assert.Equal(t, uint32(0x1000), beq.BranchTarget(0x1008))

	bdnz := Decode(w[3])
	assert.True(t, bdnz.DecrementsCTR())
	assert.Equal(t, uint32(0x1100), bdnz.BranchTarget(0x100c))

	blr := Decode(w[4])
	assert.Equal(t, BCLR, blr.Op)
	assert.True(t, blr.Unconditional())
	assert.Equal(t, "blr", blr.String())
}

func TestIllegalAndCategories(t *testing.T) {
	i := Decode(0x00000000)
	assert.Equal(t, ILLEGAL, i.Op)
	assert.False(t, i.Op.Valid())
	assert.True(t, IsBasicBlockTerminator(i.Op))

	assert.Equal(t, CategoryLoad, GetInstructionCategory(LHA))
	assert.Equal(t, 2, AccessWidth(STH))
	assert.Equal(t, 8, AccessWidth(LFD))
	assert.True(t, IsStore(STFS))
	assert.False(t, IsMemoryInstruction(ADD))
	assert.Equal(t, 19, Cycles(DIVW))
}

func TestAssemblerBytesAreBigEndian(t *testing.T) {
	b := NewAssembler(0).Li(3, 1).Bytes()
	assert.Equal(t, []byte{0x38, 0x60, 0x00, 0x01}, b)
}
