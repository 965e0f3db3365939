package interpreter

import (
	"math"
	"testing"

	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	*memory.Memory
	invalidated []uint32
}

func (e *testEnv) InvalidateCode(addr uint32) { e.invalidated = append(e.invalidated, addr) }

func setup(t *testing.T, a *isa.Assembler) (*cpu.Context, *testEnv) {
	t.Helper()
	mem, err := memory.New(memory.Config{RAMSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	require.NoError(t, mem.WriteBytes(a.Origin, a.Bytes()))
	return cpu.New(a.Origin), &testEnv{Memory: mem}
}

func run(t *testing.T, ctx *cpu.Context, env *testEnv, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		r, inst := Single(ctx, env, env, isa.DefaultDecoder)
		require.NotEqual(t, Raised, r, "%s raised at %08x", inst, ctx.PC)
	}
}

func TestIntegerProgram(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 5).
		Addi(4, 3, 7).
		Add(5, 3, 4).
		Li32(6, 0x80000000).
		AddO(7, 6, 6).
		Subfc(8, 3, 4).
		Slwi(9, 3, 4).
		Srawi(10, 6, 4).
		Cntlzw(11, 3).
		AddRc(12, 3, 4)
	ctx, env := setup(t, a)
	run(t, ctx, env, 11)

	assert.Equal(t, uint32(5), ctx.GPR[3])
	assert.Equal(t, uint32(12), ctx.GPR[4])
	assert.Equal(t, uint32(17), ctx.GPR[5])
	assert.Equal(t, uint32(0), ctx.GPR[7])
	assert.Equal(t, uint32(7), ctx.GPR[8])
	assert.Equal(t, uint32(80), ctx.GPR[9])
	assert.Equal(t, uint32(0xf8000000), ctx.GPR[10])
	assert.Equal(t, uint32(29), ctx.GPR[11])
	assert.Equal(t, uint32(17), ctx.GPR[12])
	assert.NotZero(t, ctx.XER&alu.XER_OV)
	assert.NotZero(t, ctx.XER&alu.XER_SO)
	assert.Equal(t, uint32(alu.CR_GT|alu.CR_SO), alu.CRField(ctx.CR, 0))
	assert.Equal(t, uint32(0x1000+4*11), ctx.PC)
	assert.Equal(t, uint64(11), ctx.Retired)
}

func TestLoadsAndStores(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li32(13, 0x80004000).
		Li32(3, 0xdeadbeef).
		Stw(3, 13, 0).
		Lhz(4, 13, 0).
		Lha(5, 13, 2).
		Lbz(6, 13, 3).
		Li(7, 8).
		Stwx(3, 13, 7).
		Lwzx(8, 13, 7)
	ctx, env := setup(t, a)
	run(t, ctx, env, 11)

	assert.Equal(t, uint32(0xdead), ctx.GPR[4])
	assert.Equal(t, uint32(0xffffbeef), ctx.GPR[5])
	assert.Equal(t, uint32(0xef), ctx.GPR[6])
	assert.Equal(t, uint32(0xdeadbeef), ctx.GPR[8])
	b, err := env.ReadBytes(0x4000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)
}

func TestDataFaultRaisesDSI(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Lis(13, 0x0020).Stw(3, 13, 4)
	ctx, env := setup(t, a)
	run(t, ctx, env, 1)

	r, _ := Single(ctx, env, env, isa.DefaultDecoder)
	assert.Equal(t, Raised, r)
	assert.Equal(t, uint32(0x1004), ctx.PC, "faulting instruction does not advance")
	assert.Equal(t, uint64(1), ctx.Retired)
	assert.Equal(t, uint32(0x00200004), ctx.DAR)
	assert.Equal(t, uint32(cpu.DSISR_NOT_MAPPED|cpu.DSISR_STORE), ctx.DSISR)

	require.True(t, ctx.CheckExceptions())
	assert.Equal(t, uint32(cpu.VECTOR_DSI), ctx.PC)
	assert.Equal(t, uint32(0x1004), ctx.SRR0)
}

func TestBranches(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 3).
		Mtctr(3).
		Addi(4, 4, 1). // 0x1008
		Bdnz(0x1008).
		Bl(0x1020).
		Trap() // 0x1014, skipped by the return below
	for a.PC() < 0x1020 {
		a.Nop()
	}
	a.Mflr(5).Addi(5, 5, 4).Mtlr(5).Blr()
	ctx, env := setup(t, a)

	run(t, ctx, env, 2+3*2+1+4)
	assert.Equal(t, uint32(3), ctx.GPR[4])
	assert.Equal(t, uint32(0), ctx.CTR)
	assert.Equal(t, uint32(0x1018), ctx.PC)
	assert.Equal(t, uint32(0x1018), ctx.LR)
}

func TestConditionalLinkUpdatesLRWhenNotTaken(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Cmpwi(0, 3, 1).
		Word(uint32(16)<<26 | isa.BO_TRUE<<21 | isa.CR_EQ<<16 | 0x40 | 1) // beql +0x40
	ctx, env := setup(t, a)
	run(t, ctx, env, 2)
	assert.Equal(t, uint32(0x1008), ctx.PC)
	assert.Equal(t, uint32(0x1008), ctx.LR)
}

func TestSystemInstructions(t *testing.T) {
	t.Run("sc", func(t *testing.T) {
		a := isa.NewAssembler(0x1000)
		a.Sc()
		ctx, env := setup(t, a)
		r, _ := Single(ctx, env, env, isa.DefaultDecoder)
		assert.Equal(t, Raised, r)
		require.True(t, ctx.CheckExceptions())
		assert.Equal(t, uint32(cpu.VECTOR_SYSCALL), ctx.PC)
		assert.Equal(t, uint32(0x1004), ctx.SRR0)
	})

	t.Run("trap", func(t *testing.T) {
		a := isa.NewAssembler(0x1000)
		a.Twi(4, 3, 1).Twi(4, 3, 0)
		ctx, env := setup(t, a)
		run(t, ctx, env, 1)
		r, _ := Single(ctx, env, env, isa.DefaultDecoder)
		assert.Equal(t, Raised, r)
		require.True(t, ctx.CheckExceptions())
		assert.Equal(t, uint32(cpu.VECTOR_PROGRAM), ctx.PC)
		assert.NotZero(t, ctx.SRR1&cpu.SRR1_TRAP)
	})

	t.Run("illegal", func(t *testing.T) {
		a := isa.NewAssembler(0x1000)
		a.Word(0)
		ctx, env := setup(t, a)
		r, inst := Single(ctx, env, env, isa.DefaultDecoder)
		assert.Equal(t, Raised, r)
		assert.Equal(t, isa.ILLEGAL, inst.Op)
		require.True(t, ctx.CheckExceptions())
		assert.NotZero(t, ctx.SRR1&cpu.SRR1_ILLEGAL)
	})

	t.Run("unknown spr", func(t *testing.T) {
		a := isa.NewAssembler(0x1000)
		a.Mfspr(3, 1008)
		ctx, env := setup(t, a)
		r, _ := Single(ctx, env, env, isa.DefaultDecoder)
		assert.Equal(t, Raised, r)
	})

	t.Run("icbi", func(t *testing.T) {
		a := isa.NewAssembler(0x1000)
		a.Li(3, 0x2000).Li(4, 0x24).Icbi(3, 4).Isync()
		ctx, env := setup(t, a)
		run(t, ctx, env, 4)
		assert.Equal(t, []uint32{0x2024}, env.invalidated)
	})

	t.Run("rfi", func(t *testing.T) {
		a := isa.NewAssembler(0x1000)
		a.Rfi()
		ctx, env := setup(t, a)
		ctx.SRR0 = 0x3000
		ctx.SRR1 = cpu.MSR_EE
		run(t, ctx, env, 1)
		assert.Equal(t, uint32(0x3000), ctx.PC)
		assert.Equal(t, uint32(cpu.MSR_EE), ctx.MSR)
	})
}

func TestFetchFaultRaisesISI(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	ctx, env := setup(t, a)
	ctx.PC = 0x00300000
	r, _ := Single(ctx, env, env, isa.DefaultDecoder)
	assert.Equal(t, Raised, r)
	assert.Equal(t, int64(-isa.FetchFaultCycles), ctx.Downcount)
	require.True(t, ctx.CheckExceptions())
	assert.Equal(t, uint32(cpu.VECTOR_ISI), ctx.PC)
}

func TestFloatProgram(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li32(13, 0x4000).
		Lfd(1, 13, 0).
		Lfd(2, 13, 8).
		Fadd(3, 1, 2).
		Fmul(4, 1, 2).
		Fmadd(5, 1, 2, 3).
		Fdiv(6, 1, 0). // 1.5 / 0
		Fctiwz(7, 4).
		Stfs(3, 13, 16).
		Lfs(8, 13, 16).
		Fcmpu(1, 1, 2)
	ctx, env := setup(t, a)
	put := func(addr uint32, f float64) {
		require.NoError(t, env.Write(addr, 8, math.Float64bits(f)))
	}
	put(0x4000, 1.5)
	put(0x4008, 2.25)
	run(t, ctx, env, 12)

	f := func(r int) float64 { return math.Float64frombits(ctx.FPR[r]) }
	assert.Equal(t, 3.75, f(3))
	assert.Equal(t, 3.375, f(4))
	assert.Equal(t, 1.5*2.25+3.75, f(5))
	assert.True(t, math.IsInf(f(6), 1))
	assert.NotZero(t, ctx.FPSCR&alu.FPSCR_ZX)
	assert.Equal(t, uint64(0xFFF8000000000003), ctx.FPR[7])
	assert.Equal(t, 3.75, f(8))
	assert.Equal(t, uint32(alu.CR_LT), alu.CRField(ctx.CR, 1))
}

// refusingEnv turns every store into ErrStop.
type refusingEnv struct{ *testEnv }

func (e refusingEnv) Write(addr uint32, width int, v uint64) error { return ErrStop }

func TestRefusedAccessStopsWithoutTrace(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 9).Stw(3, 0, 0x100)
	ctx, env := setup(t, a)
	run(t, ctx, env, 1)
	before := ctx.Snapshot()

	r, _ := Single(ctx, refusingEnv{env}, env, isa.DefaultDecoder)
	assert.Equal(t, Stopped, r)
	assert.Equal(t, before, ctx.Snapshot())
	assert.Zero(t, ctx.Pending())

	r, _ = Single(ctx, env, env, isa.DefaultDecoder)
	require.Equal(t, Continue, r)
	v, err := env.Read(0x100, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
}
