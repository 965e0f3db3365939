package recompiler

import (
	"log/slog"
	"math"
	"testing"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ramSize = 1 << 20

type testEnv struct {
	*memory.Memory
	invalidated []uint32
}

func (e *testEnv) InvalidateCode(addr uint32) { e.invalidated = append(e.invalidated, addr) }

type rig struct {
	mem     *memory.Memory
	env     *testEnv
	an      *analyzer.Analyzer
	handler *fastmem.Handler
}

// newRig loads a into a fresh 1MiB guest with a locked page right after
// RAM. With fast set it installs the process fault handler, so only one
// such rig may exist at a time.
func newRig(t *testing.T, a *isa.Assembler, fast bool) *rig {
	t.Helper()
	mem, err := memory.New(memory.Config{RAMSize: ramSize, Fastmem: true})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	require.NoError(t, mem.MapLocked("past-ram", ramSize, memory.PageSize))
	require.NoError(t, mem.WriteBytes(a.Origin, a.Bytes()))
	r := &rig{mem: mem, env: &testEnv{Memory: mem}, an: analyzer.New(mem, nil, 0)}
	if fast {
		view, ok := mem.Fastmem()
		if !ok {
			t.Skip("fastmem arena not available on this host")
		}
		h, err := fastmem.Install(view, mem)
		require.NoError(t, err)
		t.Cleanup(h.Close)
		r.handler = h
	}
	return r
}

func (r *rig) backend(t *testing.T, name string) Backend {
	t.Helper()
	be, err := New(name, r.handler)
	require.NoError(t, err)
	return be
}

func (r *rig) translate(t *testing.T, be Backend, pc uint32, opts Options) Code {
	t.Helper()
	code, err := be.Translate(r.an.Analyze(pc), opts)
	require.NoError(t, err)
	return code
}

// runBlocks executes translated blocks until stop is reached or a block
// leaves with an exception.
func (r *rig) runBlocks(t *testing.T, be Backend, ctx *cpu.Context, stop uint32) Exit {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if ctx.PC == stop {
			return Exit{Kind: ExitLink}
		}
		code := r.translate(t, be, ctx.PC, Options{})
		exit := code.Execute(ctx, r.env)
		code.Release()
		if exit.Kind == ExitException || exit.Kind == ExitFatal {
			return exit
		}
	}
	t.Fatalf("did not reach %08x", stop)
	return Exit{}
}

// interpret is the reference: one instruction at a time.
func (r *rig) interpret(t *testing.T, ctx *cpu.Context, stop uint32) interpreter.Result {
	t.Helper()
	for i := 0; i < 100000; i++ {
		if ctx.PC == stop {
			return interpreter.Continue
		}
		if res, _ := interpreter.Single(ctx, r.env, r.mem, isa.DefaultDecoder); res == interpreter.Raised {
			return res
		}
	}
	t.Fatalf("did not reach %08x", stop)
	return interpreter.Continue
}

func (r *rig) dump(t *testing.T, addr uint32, n int) []byte {
	t.Helper()
	b, err := r.mem.ReadBytes(addr, n)
	require.NoError(t, err)
	return b
}

const (
	progEnd  = 0x1300
	dataBase = 0x4000
)

// program sums a table in a counted loop, calls a leaf function and mixes
// in sub-word, indexed, r0-based and floating point accesses.
func program() *isa.Assembler {
	a := isa.NewAssembler(0x1000)
	a.Li32(13, 0x80000000|dataBase).
		Li(3, 10).
		Mtctr(3).
		Li(4, 0).
		Li(5, 0)
	loop := a.PC()
	a.Lwzx(6, 13, 5).
		Add(4, 4, 6).
		Addi(5, 5, 4).
		Stw(4, 13, 64).
		Bdnz(loop).
		Bl(0x1200).
		Lha(7, 13, 2).
		Lbz(8, 13, 3).
		Sth(7, 13, 80).
		Stb(8, 13, 84).
		Lwz(14, 0, dataBase+4).
		Li(15, dataBase+0x70).
		Stwx(4, 0, 15).
		Lfd(1, 13, 48).
		Fadd(2, 1, 1).
		Stfd(2, 13, 88).
		AddRc(16, 4, 7).
		Srawi(17, 7, 3).
		Cmpwi(0, 4, 100)
	a.Blt(0, a.PC()+8).
		Li(9, 1).
		Xori(18, 14, 0x5a5a).
		B(progEnd)
	for a.PC() < 0x1200 {
		a.Nop()
	}
	a.Mflr(10).
		Mulli(11, 4, 3).
		Divwu(12, 11, 3).
		Mtlr(10).
		Blr()
	for a.PC() < progEnd {
		a.Nop()
	}
	return a
}

func tableWord(i int) uint32 { return 0x0001fff0 + uint32(i)*0x1111 }

func seed(t *testing.T, r *rig) {
	t.Helper()
	for i := 0; i < 10; i++ {
		require.NoError(t, r.mem.Write(dataBase+uint32(4*i), 4, uint64(tableWord(i))))
	}
	require.NoError(t, r.mem.Write(dataBase+48, 8, math.Float64bits(1.5)))
}

type outcome struct {
	Snap cpu.Snapshot
	Data []byte
}

func TestStrategiesAgreeWithInterpreter(t *testing.T) {
	ref := newRig(t, program(), false)
	seed(t, ref)
	refCtx := cpu.New(0x1000)
	require.Equal(t, interpreter.Continue, ref.interpret(t, refCtx, progEnd))
	want := outcome{refCtx.Snapshot(), ref.dump(t, dataBase, 0x80)}

	var sum uint32
	for i := 0; i < 10; i++ {
		sum += tableWord(i)
	}
	require.Equal(t, sum, refCtx.GPR[4])
	require.Equal(t, uint32(0xfffffff0), refCtx.GPR[7])

	for _, tc := range []struct {
		name     string
		strategy string
		fast     bool
	}{
		{"threaded", StrategyThreaded, false},
		{"native checked", StrategyNative, false},
		{"native fastmem", StrategyNative, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, program(), tc.fast)
			seed(t, r)
			ctx := cpu.New(0x1000)
			exit := r.runBlocks(t, r.backend(t, tc.strategy), ctx, progEnd)
			require.Equal(t, ExitLink, exit.Kind)
			got := outcome{ctx.Snapshot(), r.dump(t, dataBase, 0x80)}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("state mismatch (-interpreter +%s):\n%s", tc.name, diff)
			}
		})
	}
}

func TestExceptionStateMatchesInterpreter(t *testing.T) {
	programs := map[string]func(a *isa.Assembler){
		"store": func(a *isa.Assembler) {
			a.Li(3, 7).Lis(13, 0x0020).Addi(4, 3, 1).Stw(4, 13, 8).Li(5, 1).B(0x1000)
		},
		"load": func(a *isa.Assembler) {
			a.Li(3, 7).Lis(13, 0x0020).Addi(4, 3, 1).Lwz(4, 13, 8).Li(5, 1).B(0x1000)
		},
	}
	for name, build := range programs {
		t.Run(name, func(t *testing.T) {
			a := isa.NewAssembler(0x1000)
			build(a)
			ref := newRig(t, a, false)
			refCtx := cpu.New(0x1000)
			require.Equal(t, interpreter.Raised, ref.interpret(t, refCtx, 0xffffffff))
			require.Equal(t, uint32(0x100c), refCtx.PC)
			require.Equal(t, uint32(8), refCtx.GPR[4])

			for _, strategy := range []string{StrategyThreaded, StrategyNative} {
				for _, fast := range []bool{false, true} {
					if strategy == StrategyThreaded && fast {
						continue
					}
					r := newRig(t, a, fast)
					ctx := cpu.New(0x1000)
					exit := r.runBlocks(t, r.backend(t, strategy), ctx, 0xffffffff)
					assert.Equal(t, ExitException, exit.Kind, strategy)
					assert.Equal(t, 3, exit.Index, strategy)
					assert.Empty(t, cmp.Diff(refCtx.Snapshot(), ctx.Snapshot()), "%s fast=%v", strategy, fast)
					if r.handler != nil {
						r.handler.Close()
					}
				}
			}
		})
	}
}

func TestArithmeticBlockMatchesInterpreter(t *testing.T) {
	const target = 0x1800
	a := isa.NewAssembler(0x1000)
	a.Li(3, 5).Addi(4, 3, 7).B(target)

	ref := newRig(t, a, false)
	refCtx := cpu.New(0x1000)
	require.Equal(t, interpreter.Continue, ref.interpret(t, refCtx, target))

	for _, strategy := range []string{StrategyThreaded, StrategyNative} {
		r := newRig(t, a, false)
		code := r.translate(t, r.backend(t, strategy), 0x1000, Options{})
		ctx := cpu.New(0x1000)
		exit := code.Execute(ctx, r.env)
		assert.Equal(t, Exit{Kind: ExitLink, Index: 0}, exit, strategy)
		assert.Equal(t, uint32(target), ctx.PC, strategy)
		assert.Equal(t, uint32(12), ctx.GPR[4], strategy)
		assert.Equal(t, uint64(3), ctx.Retired, strategy)
		assert.Equal(t, refCtx.Snapshot(), ctx.Snapshot(), strategy)
	}
}

func TestStepPrefixesMatchInterpreter(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 5).
		Addi(4, 3, 2).
		Stw(4, 0, dataBase).
		Mullw(5, 4, 4).
		B(0x1100)

	for _, tc := range []struct {
		strategy string
		fast     bool
	}{
		{StrategyThreaded, false},
		{StrategyNative, false},
		{StrategyNative, true},
	} {
		r := newRig(t, a, tc.fast)
		be := r.backend(t, tc.strategy)
		code := r.translate(t, be, 0x1000, Options{})

		whole := cpu.New(0x1000)
		code.Execute(whole, r.env)

		ref := cpu.New(0x1000)
		stepped := cpu.New(0x1000)
		for i := 0; i < 5; i++ {
			_, _ = interpreter.Single(ref, r.env, r.mem, isa.DefaultDecoder)
			exit := code.ExecuteStep(stepped, r.env, i)
			if i < 4 {
				assert.Equal(t, ExitStep, exit.Kind, "%s step %d", tc.strategy, i)
			} else {
				assert.Equal(t, ExitLink, exit.Kind, "%s step %d", tc.strategy, i)
			}
			assert.Equal(t, ref.Snapshot(), stepped.Snapshot(), "%s fast=%v step %d", tc.strategy, tc.fast, i)
		}
		assert.Equal(t, whole.Snapshot(), stepped.Snapshot(), tc.strategy)
		code.Release()
		if r.handler != nil {
			r.handler.Close()
		}
	}
}

// pastRAM touches the first bytes after the RAM window, which live in a
// locked page reachable only through the slow path.
func pastRAM() *isa.Assembler {
	a := isa.NewAssembler(0x1000)
	a.Li32(13, 0x80000000|(ramSize-1)).
		Lbz(3, 13, 1).
		Lhz(4, 13, 3).
		Li(5, 0x77).
		Stb(5, 13, 2).
		Lbz(6, 13, 2).
		Lwz(7, 13, -3).
		B(0x1100)
	return a
}

func TestFastmemRecoversPastRAM(t *testing.T) {
	run := func(fast bool) (cpu.Snapshot, []byte, fastmem.Stats) {
		r := newRig(t, pastRAM(), fast)
		require.NoError(t, r.mem.Write(ramSize, 4, 0xa1b2c3d4))
		require.NoError(t, r.mem.Write(ramSize-4, 4, 0x01020304))
		ctx := cpu.New(0x1000)
		exit := r.runBlocks(t, r.backend(t, StrategyNative), ctx, 0x1100)
		require.Equal(t, ExitLink, exit.Kind)
		var stats fastmem.Stats
		if r.handler != nil {
			stats = r.handler.Stats()
			r.handler.Close()
		}
		return ctx.Snapshot(), r.dump(t, ramSize, 8), stats
	}

	slowSnap, slowMem, _ := run(false)
	fastSnap, fastMem, stats := run(true)

	assert.Equal(t, slowSnap, fastSnap)
	assert.Equal(t, slowMem, fastMem)
	assert.Equal(t, uint32(0xa1), fastSnap.GPR[3])
	assert.Equal(t, uint32(0xc3d4), fastSnap.GPR[4])
	assert.Equal(t, uint32(0x77), fastSnap.GPR[6])
	assert.Equal(t, uint32(0x01020304), fastSnap.GPR[7])
	assert.Equal(t, uint64(3), stats.Skipped)
	assert.Equal(t, uint64(1), stats.Redirected)
	assert.Zero(t, stats.Unrecognized)
}

func TestHotSitesRecompileChecked(t *testing.T) {
	r := newRig(t, pastRAM(), true)
	r.handler.SetHotThreshold(2)
	be := r.backend(t, StrategyNative)

	code := r.translate(t, be, 0x1000, Options{})
	require.Len(t, code.Sites(), 5)
	for i := 0; i < 2; i++ {
		code.Execute(cpu.New(0x1000), r.env)
	}
	hot := r.handler.DrainHot()
	assert.ElementsMatch(t, []uint32{0x1008, 0x100c, 0x1014, 0x1018}, hot)
	code.Release()

	isHot := make(map[uint32]bool)
	for _, pc := range hot {
		isHot[pc] = true
	}
	code = r.translate(t, be, 0x1000, Options{SlowAccess: func(pc uint32) bool { return isHot[pc] }})
	defer code.Release()
	require.Len(t, code.Sites(), 1)
	before := r.handler.Stats().Handled
	ctx := cpu.New(0x1000)
	assert.Equal(t, ExitLink, code.Execute(ctx, r.env).Kind)
	assert.Equal(t, before, r.handler.Stats().Handled)
	assert.Equal(t, uint32(0x77), ctx.GPR[6])
}

func TestUnrecognizedFaultIsFatal(t *testing.T) {
	r := newRig(t, pastRAM(), true)
	code := r.translate(t, r.backend(t, StrategyNative), 0x1000, Options{})
	nc := code.(*nativeCode)
	require.NotZero(t, nc.buffer)
	// Drop the side table entries while keeping the code runnable.
	r.handler.Release(nc.buffer)

	ctx := cpu.New(0x1000)
	exit := code.Execute(ctx, r.env)
	require.Equal(t, ExitFatal, exit.Kind)
	var fe *FaultError
	require.ErrorAs(t, exit.Err, &fe)
	assert.Equal(t, uint32(0x1008), fe.GuestPC)
	assert.Equal(t, nc.sites[0].Loc, fe.HostLoc)
	assert.Equal(t, uint64(1), r.handler.Stats().Unrecognized)
}

func TestIdleLoopExit(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Lwz(3, 0, dataBase).
		Cmpwi(0, 3, 0).
		Bne(0, 0x1100).
		B(0x1000)

	for _, strategy := range []string{StrategyThreaded, StrategyNative} {
		r := newRig(t, a, false)
		code := r.translate(t, r.backend(t, strategy), 0x1000, Options{})
		ctx := cpu.New(0x1000)
		assert.Equal(t, Exit{Kind: ExitIdle, Index: 1}, code.Execute(ctx, r.env), strategy)
		assert.Equal(t, uint32(0x1000), ctx.PC)

		require.NoError(t, r.mem.Write(dataBase, 4, 1))
		ctx = cpu.New(0x1000)
		assert.Equal(t, Exit{Kind: ExitLink, Index: 0}, code.Execute(ctx, r.env), strategy)
		assert.Equal(t, uint32(0x1100), ctx.PC)
		assert.Equal(t, uint64(3), ctx.Retired)
	}
}

func TestFetchFaultBlock(t *testing.T) {
	r := newRig(t, isa.NewAssembler(0x1000), false)
	for _, strategy := range []string{StrategyThreaded, StrategyNative} {
		code := r.translate(t, r.backend(t, strategy), 0x00300000, Options{})
		ctx := cpu.New(0x00300000)
		assert.Equal(t, ExitException, code.Execute(ctx, r.env).Kind)
		assert.Equal(t, cpu.EXCEPTION_ISI, ctx.Pending())
		assert.Equal(t, int64(-isa.FetchFaultCycles), ctx.Downcount)
	}
}

func TestFallbackLoggedOnce(t *testing.T) {
	rec := log.NewRecordingHandler(slog.LevelInfo)
	prev := log.Root()
	log.SetDefault(log.NewLogger(rec))
	t.Cleanup(func() { log.SetDefault(prev) })

	a := isa.NewAssembler(0x1000)
	a.Fsub(1, 2, 3).Fsub(4, 5, 6).B(0x1000)
	r := newRig(t, a, false)
	be := r.backend(t, StrategyNative)
	for i := 0; i < 2; i++ {
		r.translate(t, be, 0x1000, Options{}).Release()
	}
	assert.Equal(t, 1, rec.Count("unimplemented instruction, falling back to interpreter"))
	assert.Contains(t, Fallbacks(), isa.FSUB)
}

func TestReleasedCodeDoesNotRun(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 1).B(0x1000)
	r := newRig(t, a, false)
	code := r.translate(t, r.backend(t, StrategyNative), 0x1000, Options{})
	code.Release()
	code.Release()
	exit := code.Execute(cpu.New(0x1000), r.env)
	assert.Equal(t, ExitFatal, exit.Kind)
	assert.ErrorIs(t, exit.Err, ErrReleased)
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("jit", nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestDisassemble(t *testing.T) {
	r := newRig(t, program(), false)
	for _, strategy := range []string{StrategyThreaded, StrategyNative} {
		code := r.translate(t, r.backend(t, strategy), 0x1000, Options{})
		out := code.Disassemble()
		assert.Contains(t, out, "00001000")
		assert.NotEmpty(t, code.HostMap())
		assert.Positive(t, code.Size())
	}
}

// fencedEnv refuses stores that touch [lo, hi).
type fencedEnv struct {
	*testEnv
	lo, hi uint32
}

func (e fencedEnv) Write(addr uint32, width int, v uint64) error {
	if addr < e.hi && addr+uint32(width) > e.lo {
		return interpreter.ErrStop
	}
	return e.testEnv.Write(addr, width, v)
}

func TestRefusedStoreStopsInFrontOfInstruction(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 7).
		Stw(3, 0, 0x100).
		Li(3, 8).
		Stfd(1, 0, 0x108).
		B(0x1100)

	for _, strategy := range []string{StrategyThreaded, StrategyNative} {
		r := newRig(t, a, false)
		code := r.translate(t, r.backend(t, strategy), 0x1000, Options{})

		ctx := cpu.New(0x1000)
		exit := code.Execute(ctx, fencedEnv{testEnv: r.env, lo: 0x100, hi: 0x104})
		assert.Equal(t, Exit{Kind: ExitStop, Index: 1}, exit, strategy)
		assert.Equal(t, uint32(0x1004), ctx.PC, strategy)
		assert.Equal(t, uint32(7), ctx.GPR[3], strategy)
		assert.Equal(t, uint64(1), ctx.Retired, strategy)
		assert.Zero(t, ctx.Pending(), strategy)
		assert.Equal(t, []byte{0, 0, 0, 0}, r.dump(t, 0x100, 4), strategy)

		// The float store goes through the interpreter fallback.
		ctx = cpu.New(0x1000)
		exit = code.Execute(ctx, fencedEnv{testEnv: r.env, lo: 0x108, hi: 0x110})
		assert.Equal(t, Exit{Kind: ExitStop, Index: 3}, exit, strategy)
		assert.Equal(t, uint32(0x100c), ctx.PC, strategy)
		assert.Equal(t, uint32(8), ctx.GPR[3], strategy)
		assert.Equal(t, uint64(3), ctx.Retired, strategy)
		assert.Equal(t, []byte{0, 0, 0, 7}, r.dump(t, 0x100, 4), strategy)

		exit = code.ExecuteStep(ctx, fencedEnv{testEnv: r.env, lo: 0x108, hi: 0x110}, 3)
		assert.Equal(t, ExitStop, exit.Kind, strategy)
		assert.Equal(t, uint64(3), ctx.Retired, strategy)
		code.Release()
	}
}
