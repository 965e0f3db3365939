package dispatcher

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/colorfulnotion/dynarec/blockcache"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/recompiler"
	"github.com/colorfulnotion/dynarec/trace"
)

const ramSize = 1 << 20

var modes = []Mode{ModeInterpreter, ModeThreaded, ModeNative}

type rig struct {
	d   *Dispatcher
	mem *memory.Memory
	ctx *cpu.Context
}

func newRig(t *testing.T, mode Mode, hw Hardware, cacheCfg blockcache.Config, images ...*isa.Assembler) *rig {
	t.Helper()
	mem, err := memory.New(memory.Config{RAMSize: ramSize})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	for _, a := range images {
		require.NoError(t, mem.WriteBytes(a.Origin, a.Bytes()))
	}
	be := recompiler.NewThreaded()
	if mode == ModeNative {
		be = recompiler.NewNative(nil)
	}
	cache := blockcache.New(cacheCfg, mem, be, nil, nil)
	ctx := cpu.New(images[0].Origin)
	d, err := New(Config{Mode: mode}, ctx, mem, cache, hw, nil, nil)
	require.NoError(t, err)
	return &rig{d: d, mem: mem, ctx: ctx}
}

func (r *rig) snapshot(t *testing.T) cpu.Snapshot {
	t.Helper()
	s, err := r.d.Snapshot()
	require.NoError(t, err)
	return s
}

// counter increments r3 until it reaches 5, recomputing r4 from it on the
// way round.
func counter() (*isa.Assembler, uint32) {
	a := isa.NewAssembler(0x1000)
	a.Li(3, 0)
	loop := a.PC()
	a.Addi(3, 3, 1)
	bp := a.PC()
	a.Addi(4, 3, 2).
		Cmpwi(0, 3, 5).
		Blt(0, loop).
		B(a.PC() + 4)
	a.B(a.PC())
	return a, bp
}

func TestBreakpointPrecision(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			a, bp := counter()
			r := newRig(t, mode, nil, blockcache.DefaultConfig(), a)
			bg := context.Background()

			// A block already translated through the breakpoint must not
			// run past it.
			stale, err := r.d.Cache().Compile(bg, 0x1000)
			require.NoError(t, err)
			require.True(t, stale.Analysis.Contains(bp))
			r.d.SetBreakpoint(bp)
			assert.True(t, stale.Retired())

			state, err := r.d.Run(bg)
			require.NoError(t, err)
			assert.Equal(t, StateStoppedAtBreakpoint, state)
			s := r.snapshot(t)
			assert.Equal(t, bp, s.PC)
			assert.Equal(t, uint32(1), s.GPR[3])
			assert.Equal(t, uint32(0), s.GPR[4])
			assert.Equal(t, uint64(2), s.Retired)

			state, err = r.d.Run(bg)
			require.NoError(t, err)
			assert.Equal(t, StateStoppedAtBreakpoint, state)
			s = r.snapshot(t)
			assert.Equal(t, bp, s.PC)
			assert.Equal(t, uint32(2), s.GPR[3])
			assert.Equal(t, uint32(3), s.GPR[4])
			assert.Equal(t, uint64(6), s.Retired)

			require.Len(t, r.d.Breakpoints(), 1)
			assert.Equal(t, uint64(2), r.d.Breakpoints()[0].Hits)
		})
	}
}

func TestTemporaryAndDisabledBreakpoints(t *testing.T) {
	a, bp := counter()
	r := newRig(t, ModeNative, nil, blockcache.DefaultConfig(), a)
	bg := context.Background()

	r.d.SetTemporaryBreakpoint(bp)
	state, err := r.d.Run(bg)
	require.NoError(t, err)
	assert.Equal(t, StateStoppedAtBreakpoint, state)
	assert.Empty(t, r.d.Breakpoints())

	r.d.SetBreakpoint(bp)
	require.NoError(t, r.d.EnableBreakpoint(bp, false))
	state, err = r.d.RunFor(bg, 5000)
	require.NoError(t, err)
	assert.Equal(t, StateStepping, state)
	assert.Equal(t, uint32(5), r.snapshot(t).GPR[3])

	assert.True(t, r.d.ClearBreakpoint(bp))
	assert.False(t, r.d.ClearBreakpoint(bp))
	assert.ErrorIs(t, r.d.EnableBreakpoint(bp, true), ErrNoBreakpoint)
}

func TestStepMatchesRun(t *testing.T) {
	image := func() *isa.Assembler {
		return isa.NewAssembler(0x1000).
			Li(3, 5).
			Addi(4, 3, 7).
			Mullw(5, 4, 3).
			Subf(6, 3, 5).
			B(0x1100)
	}
	tail := isa.NewAssembler(0x1100).B(0x1100)
	bg := context.Background()

	ref := newRig(t, ModeInterpreter, nil, blockcache.DefaultConfig(), image(), tail)
	var prefixes []cpu.Snapshot
	for i := 0; i < 5; i++ {
		_, err := ref.d.Step(bg)
		require.NoError(t, err)
		prefixes = append(prefixes, ref.snapshot(t))
	}
	require.Equal(t, uint32(0x1100), prefixes[4].PC)
	require.Equal(t, uint32(55), prefixes[4].GPR[6])

	for _, mode := range []Mode{ModeThreaded, ModeNative} {
		t.Run(string(mode), func(t *testing.T) {
			r := newRig(t, mode, nil, blockcache.DefaultConfig(), image(), tail)
			for i := 0; i < 5; i++ {
				state, err := r.d.Step(bg)
				require.NoError(t, err)
				require.Equal(t, StateStepping, state)
				assert.Equal(t, prefixes[i], r.snapshot(t), "after step %d", i+1)
			}
			assert.Equal(t, uint64(1), r.d.Cache().Stats().Compiles)

			whole := newRig(t, mode, nil, blockcache.DefaultConfig(), image(), tail)
			whole.d.SetBreakpoint(0x1100)
			state, err := whole.d.Run(bg)
			require.NoError(t, err)
			require.Equal(t, StateStoppedAtBreakpoint, state)
			assert.Equal(t, prefixes[4], whole.snapshot(t))
		})
	}
}

func TestOverwrittenCodeRunsNewBytes(t *testing.T) {
	for _, mode := range []Mode{ModeThreaded, ModeNative} {
		t.Run(string(mode), func(t *testing.T) {
			r := newRig(t, mode, nil, blockcache.DefaultConfig(),
				isa.NewAssembler(0x1000).Li(3, 1).Addi(3, 3, 1).B(0x1100),
				isa.NewAssembler(0x1100).B(0x1100))
			r.d.SetBreakpoint(0x1100)
			bg := context.Background()

			_, err := r.d.Run(bg)
			require.NoError(t, err)
			assert.Equal(t, uint32(2), r.snapshot(t).GPR[3])

			require.NoError(t, r.mem.WriteBytes(0x1000, isa.NewAssembler(0x1000).Li(3, 40).Bytes()))
			r.d.InvalidateMemoryRange(0x1000, 0x1004)
			r.ctx.PC = 0x1000
			_, err = r.d.Run(bg)
			require.NoError(t, err)
			assert.Equal(t, uint32(41), r.snapshot(t).GPR[3])
			assert.Equal(t, uint64(2), r.d.Cache().Stats().Compiles)
		})
	}
}

func TestUninvalidatedWriteHaltsInDebug(t *testing.T) {
	cfg := blockcache.DefaultConfig()
	cfg.Debug = true
	r := newRig(t, ModeNative, nil, cfg,
		isa.NewAssembler(0x1000).Li(3, 1).B(0x1100),
		isa.NewAssembler(0x1100).B(0x1100))
	r.d.SetBreakpoint(0x1100)
	bg := context.Background()
	_, err := r.d.Run(bg)
	require.NoError(t, err)

	require.NoError(t, r.mem.WriteBytes(0x1000, isa.NewAssembler(0x1000).Li(3, 7).Bytes()))
	r.ctx.PC = 0x1000
	state, err := r.d.Run(bg)
	assert.Equal(t, StateHalted, state)
	require.ErrorIs(t, err, blockcache.ErrCorruption)
	assert.Equal(t, uint32(1), r.snapshot(t).GPR[3])

	_, err = r.d.Run(bg)
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, blockcache.ErrCorruption)
}

func TestExceptionDelivery(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			r := newRig(t, mode, nil, blockcache.DefaultConfig(),
				isa.NewAssembler(0x1000).Lis(13, 0x20).Li(3, 1).Lwz(4, 13, 8).Li(3, 2))
			r.d.SetBreakpoint(cpu.VECTOR_DSI)
			state, err := r.d.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, StateStoppedAtBreakpoint, state)
			s := r.snapshot(t)
			assert.Equal(t, uint32(cpu.VECTOR_DSI), s.PC)
			assert.Equal(t, uint32(0x1008), s.SRR0)
			assert.Equal(t, uint32(0x00200008), s.DAR)
			assert.Equal(t, uint32(1), s.GPR[3])
			assert.Equal(t, uint64(2), s.Retired)
		})
	}
}

func TestDecrementerInterrupt(t *testing.T) {
	a := isa.NewAssembler(0x1000)
	a.Addi(3, 3, 1).B(0x1000)
	r := newRig(t, ModeNative, &Decrementer{Period: 50}, blockcache.DefaultConfig(), a)
	r.ctx.MSR = cpu.MSR_EE
	r.d.SetBreakpoint(cpu.VECTOR_DECREMENTER)

	state, err := r.d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateStoppedAtBreakpoint, state)
	s := r.snapshot(t)
	assert.Equal(t, uint32(cpu.VECTOR_DECREMENTER), s.PC)
	assert.Equal(t, uint32(0x1000), s.SRR0)
	assert.Zero(t, s.MSR&cpu.MSR_EE)
	assert.NotZero(t, s.GPR[3])
}

func TestIdleLoopSkipsToHardware(t *testing.T) {
	var calls int
	var elapsed int64
	hw := HardwareFunc(func(_ *cpu.Context, e int64) int64 {
		calls++
		elapsed += e
		return 1000
	})
	r := newRig(t, ModeThreaded, hw, blockcache.DefaultConfig(), isa.NewAssembler(0x1000).B(0x1000))
	_, err := r.d.RunFor(context.Background(), 10000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 10)
	// Every slice is skipped after a single pass through the loop.
	assert.LessOrEqual(t, r.snapshot(t).Retired, uint64(calls))
}

func TestPauseAndSnapshotWhileRunning(t *testing.T) {
	r := newRig(t, ModeNative, nil, blockcache.DefaultConfig(), isa.NewAssembler(0x1000).Addi(3, 3, 1).B(0x1000))

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := r.d.Run(context.Background())
		done <- result{s, err}
	}()
	require.Eventually(t, func() bool {
		_, err := r.d.Snapshot()
		return err == ErrRunning
	}, time.Second, time.Millisecond)
	_, err := r.d.Step(context.Background())
	assert.ErrorIs(t, err, ErrRunning)

	r.d.InvalidateMemoryRange(0x1000, 0x1008)
	r.d.Pause()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateStepping, res.state)
	assert.NotZero(t, r.snapshot(t).GPR[3])
	assert.GreaterOrEqual(t, r.d.Cache().Stats().Invalidated, uint64(1))
}

func TestCancelledContextStopsAtBoundary(t *testing.T) {
	r := newRig(t, ModeNative, nil, blockcache.DefaultConfig(), isa.NewAssembler(0x1000).Li(3, 1).B(0x1000))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := r.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStepping, state)
	assert.Zero(t, r.snapshot(t).Retired)
}

func TestRequestQueueOrder(t *testing.T) {
	var q requestQueue
	for i := uint32(0); i < 3; i++ {
		q.push(&request{kind: reqInvalidate, start: i})
	}
	got := q.take()
	require.Len(t, got, 3)
	for i, r := range got {
		assert.Equal(t, uint32(i), r.start)
	}
	assert.Empty(t, q.take())
}

func TestTraceRecordsBlocks(t *testing.T) {
	r := newRig(t, ModeThreaded, nil, blockcache.DefaultConfig(),
		isa.NewAssembler(0x1000).Li(3, 1).B(0x1100),
		isa.NewAssembler(0x1100).B(0x1100))
	var out bytes.Buffer
	w := trace.NewWriter(&out)
	r.d.SetTrace(w)
	r.d.SetBreakpoint(0x1100)
	_, err := r.d.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Contains(t, out.String(), `"kind":"block","pc":"00001000","end":"00001008","ops":2,"exit":"link#0"`)
	assert.Contains(t, out.String(), `"kind":"breakpoint","pc":"00001100"`)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("threaded")
	require.NoError(t, err)
	assert.Equal(t, ModeThreaded, m)
	_, err = ParseMode("turbo")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

// watched stores an incrementing r3 to 0x2000 and loads 0x2004 in a loop.
func watched() *isa.Assembler {
	return isa.NewAssembler(0x1000).
		Li(3, 0).
		Li(13, 0x2000).
		Addi(3, 3, 1). // 0x1008
		Stw(3, 13, 0). // 0x100c
		Lwz(4, 13, 4). // 0x1010
		B(0x1008)
}

func TestMemoryBreakpoints(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			r := newRig(t, mode, nil, blockcache.DefaultConfig(), watched())
			bg := context.Background()
			word := func(addr uint32) uint64 {
				v, err := r.mem.Read(addr, 4)
				require.NoError(t, err)
				return v
			}

			// Translated before the breakpoint exists.
			stale, err := r.d.Cache().Compile(bg, 0x1000)
			require.NoError(t, err)
			require.NoError(t, r.d.SetMemoryBreakpoint(0x2000, 0x2004, false, true))
			assert.True(t, stale.Retired())

			state, err := r.d.Run(bg)
			require.NoError(t, err)
			require.Equal(t, StateStoppedAtBreakpoint, state)
			s := r.snapshot(t)
			assert.Equal(t, uint32(0x100c), s.PC)
			assert.Equal(t, uint32(1), s.GPR[3])
			assert.Equal(t, uint64(3), s.Retired)
			assert.Zero(t, word(0x2000), "store ran before the stop")
			assert.Zero(t, r.ctx.Pending())
			hit, ok := r.d.LastMemoryHit()
			require.True(t, ok)
			assert.Equal(t, MemoryHit{PC: 0x100c, Addr: 0x2000, Width: 4, Write: true}, hit)

			// Resuming lets the store through once.
			state, err = r.d.Run(bg)
			require.NoError(t, err)
			require.Equal(t, StateStoppedAtBreakpoint, state)
			s = r.snapshot(t)
			assert.Equal(t, uint32(0x100c), s.PC)
			assert.Equal(t, uint32(2), s.GPR[3])
			assert.Equal(t, uint64(7), s.Retired)
			assert.Equal(t, uint64(1), word(0x2000))
			require.Len(t, r.d.MemoryBreakpoints(), 1)
			assert.Equal(t, uint64(2), r.d.MemoryBreakpoints()[0].Hits)

			require.NoError(t, r.d.SetMemoryBreakpoint(0x2004, 0x2008, true, false))
			state, err = r.d.Run(bg)
			require.NoError(t, err)
			require.Equal(t, StateStoppedAtBreakpoint, state)
			assert.Equal(t, uint32(0x1010), r.snapshot(t).PC)
			assert.Equal(t, uint64(2), word(0x2000))
			hit, ok = r.d.LastMemoryHit()
			require.True(t, ok)
			assert.Equal(t, MemoryHit{PC: 0x1010, Addr: 0x2004, Width: 4}, hit)

			state, err = r.d.Step(bg)
			require.NoError(t, err)
			assert.Equal(t, StateStepping, state)
			assert.Equal(t, uint32(0x1014), r.snapshot(t).PC)
			_, ok = r.d.LastMemoryHit()
			assert.False(t, ok)

			assert.True(t, r.d.ClearMemoryBreakpoint(0x2000, 0x2004))
			assert.True(t, r.d.ClearMemoryBreakpoint(0x2004, 0x2008))
			assert.False(t, r.d.ClearMemoryBreakpoint(0x2004, 0x2008))
			state, err = r.d.RunFor(bg, 2000)
			require.NoError(t, err)
			assert.Equal(t, StateStepping, state)
			assert.Greater(t, r.snapshot(t).GPR[3], uint32(2))

			// A mirror of the watched range matches the access.
			require.NoError(t, r.d.SetMemoryBreakpoint(0x80002000, 0x80002004, false, true))
			state, err = r.d.Run(bg)
			require.NoError(t, err)
			require.Equal(t, StateStoppedAtBreakpoint, state)
			assert.Equal(t, uint32(0x100c), r.snapshot(t).PC)
		})
	}
}

func TestMemoryBreakpointArguments(t *testing.T) {
	r := newRig(t, ModeThreaded, nil, blockcache.DefaultConfig(), watched())
	assert.ErrorIs(t, r.d.SetMemoryBreakpoint(0x2000, 0x2000, true, true), ErrBadMemoryBreakpoint)
	assert.ErrorIs(t, r.d.SetMemoryBreakpoint(0x2000, 0x2004, false, false), ErrBadMemoryBreakpoint)
	require.NoError(t, r.d.SetMemoryBreakpoint(0x2000, 0x2004, true, false))
	require.NoError(t, r.d.SetMemoryBreakpoint(0x2000, 0x2004, true, true))
	got := r.d.MemoryBreakpoints()
	require.Len(t, got, 1)
	assert.Equal(t, "00002000-00002004 rw", got[0].String())
}

func TestSubmitWhileStarting(t *testing.T) {
	r := newRig(t, ModeThreaded, nil, blockcache.DefaultConfig(), isa.NewAssembler(0x1000).Addi(3, 3, 1).B(0x1000))
	bg := context.Background()

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				r.d.InvalidateMemoryRange(0x1000, 0x1008)
			}
			return nil
		})
	}
	for i := 0; i < 200; i++ {
		_, err := r.d.Step(bg)
		require.NoError(t, err)
	}
	require.NoError(t, g.Wait())
	assert.Nil(t, r.d.requests.head.Load(), "request left queued")
	assert.NotZero(t, r.snapshot(t).GPR[3])
}

func TestErrReadableWhileHalting(t *testing.T) {
	cfg := blockcache.DefaultConfig()
	cfg.Debug = true
	r := newRig(t, ModeThreaded, nil, cfg,
		isa.NewAssembler(0x1000).Li(3, 1).B(0x1100),
		isa.NewAssembler(0x1100).B(0x1100))
	r.d.SetBreakpoint(0x1100)
	bg := context.Background()
	_, err := r.d.Run(bg)
	require.NoError(t, err)
	require.NoError(t, r.mem.WriteBytes(0x1000, isa.NewAssembler(0x1000).Li(3, 7).Bytes()))
	r.ctx.PC = 0x1000

	done := make(chan error, 1)
	go func() {
		_, err := r.d.Run(bg)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.d.Err() != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, r.d.Err(), blockcache.ErrCorruption)
	assert.ErrorIs(t, <-done, blockcache.ErrCorruption)
}
