// Package dispatcher drives guest execution: it picks the next block or
// instruction to run, services hardware on cycle budget expiry, delivers
// exceptions and stops at breakpoints.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dynarec/blockcache"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/recompiler"
	"github.com/colorfulnotion/dynarec/telemetry"
	"github.com/colorfulnotion/dynarec/trace"
)

var (
	ErrRunning      = errors.New("dispatcher is running")
	ErrHalted       = errors.New("dispatcher halted")
	ErrNoBreakpoint = errors.New("no breakpoint")
	ErrUnknownMode  = errors.New("unknown execution mode")

	ErrBadMemoryBreakpoint = errors.New("bad memory breakpoint")
)

type State uint32

const (
	// StateStepping is the suspended state: registers may be inspected and
	// single steps taken.
	StateStepping State = iota
	StateInterpretSingle
	StateRunCachedBlock
	StateStoppedAtBreakpoint
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateStepping:
		return "stepping"
	case StateInterpretSingle:
		return "interpret-single"
	case StateRunCachedBlock:
		return "run-cached-block"
	case StateStoppedAtBreakpoint:
		return "stopped-at-breakpoint"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

type Mode string

const (
	ModeInterpreter Mode = "interpreter"
	ModeThreaded    Mode = recompiler.StrategyThreaded
	ModeNative      Mode = recompiler.StrategyNative
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeInterpreter, ModeThreaded, ModeNative:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type Config struct {
	Mode Mode `json:"mode"`
	// TraceRegisters adds the register file to step and interpreter
	// records.
	TraceRegisters bool `json:"trace_registers"`
}

func DefaultConfig() Config { return Config{Mode: ModeNative} }

// Memory is the guest memory as the dispatcher needs it.
type Memory interface {
	interpreter.Memory
	blockcache.Memory
}

// Dispatcher owns the execution context while running. Only the methods
// documented as such may be called while another goroutine is in Run.
type Dispatcher struct {
	cfg     Config
	ctx     *cpu.Context
	mem     Memory
	cache   *blockcache.Cache
	hw      Hardware
	handler *fastmem.Handler
	tel     *telemetry.TelemetryClient
	tracer  *trace.Writer
	env     env

	state    atomic.Uint32
	running  atomic.Bool
	stop     atomic.Bool
	requests requestQueue
	fatal    atomic.Pointer[error]
	// runMu orders begin against drains of submitters seeing the core
	// suspended.
	runMu sync.Mutex

	bpMu    sync.RWMutex
	bps     map[uint32]*Breakpoint
	bpCount atomic.Int32

	wpMu    sync.RWMutex
	wps     []*MemoryBreakpoint
	wpCount atomic.Int32
	// hitAccess is the refused access of the unit being run; lastHit is the
	// one the core last stopped on. passing lets one instruction through.
	hitAccess *MemoryHit
	lastHit   atomic.Pointer[MemoryHit]
	passing   bool

	// cursor is the block being single stepped.
	cursor *blockcache.Block

	slice  int64
	faults fastmem.Stats
}

// env is the interpreter environment of generated code. icbi invalidates
// the cache line it names.
type env struct {
	Memory
	d *Dispatcher
}

func (e env) InvalidateCode(addr uint32) {
	line := addr &^ 31
	e.d.cache.InvalidateRange(context.Background(), line, line+32)
}

// New creates a suspended dispatcher. handler and tel may be nil.
func New(cfg Config, ctx *cpu.Context, mem Memory, cache *blockcache.Cache, hw Hardware, handler *fastmem.Handler, tel *telemetry.TelemetryClient) (*Dispatcher, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeNative
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if hw == nil {
		hw = FixedSlice(DefaultSlice)
	}
	if tel == nil {
		tel = telemetry.NewNoOpTelemetryClient()
	}
	d := &Dispatcher{
		cfg:     cfg,
		ctx:     ctx,
		mem:     mem,
		cache:   cache,
		hw:      hw,
		handler: handler,
		tel:     tel,
		bps:     make(map[uint32]*Breakpoint),
	}
	d.env = env{Memory: mem, d: d}
	cache.SetStopFunc(d.stopsAt)
	return d, nil
}

// SetTrace records every dispatched unit to w. Pass nil to stop tracing.
func (d *Dispatcher) SetTrace(w *trace.Writer) { d.tracer = w }

func (d *Dispatcher) State() State             { return State(d.state.Load()) }
func (d *Dispatcher) Mode() Mode               { return d.cfg.Mode }
func (d *Dispatcher) Cache() *blockcache.Cache { return d.cache }

// Err is the fatal error that halted the dispatcher, if any. Safe from any
// goroutine.
func (d *Dispatcher) Err() error {
	if p := d.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *Dispatcher) setState(s State) { d.state.Store(uint32(s)) }

// Pause asks a running dispatcher to stop at the next block boundary. Safe
// from any goroutine.
func (d *Dispatcher) Pause() { d.stop.Store(true) }

// Halt moves the dispatcher to its terminal state, e.g. at power-off.
func (d *Dispatcher) Halt() { d.setState(StateHalted) }

// Snapshot copies the execution context. It fails while Run is active.
func (d *Dispatcher) Snapshot() (cpu.Snapshot, error) {
	if d.running.Load() {
		return cpu.Snapshot{}, ErrRunning
	}
	return d.ctx.Snapshot(), nil
}

// Context gives a suspended dispatcher's register file to a debugger.
func (d *Dispatcher) Context() (*cpu.Context, error) {
	if d.running.Load() {
		return nil, ErrRunning
	}
	return d.ctx, nil
}

// Run executes until Pause, a breakpoint, ctx cancellation or a fatal
// error. It returns the state it suspended in.
func (d *Dispatcher) Run(ctx context.Context) (State, error) { return d.run(ctx, -1) }

// RunFor is Run with a cycle limit checked at block boundaries.
func (d *Dispatcher) RunFor(ctx context.Context, cycles int64) (State, error) {
	return d.run(ctx, cycles)
}

func (d *Dispatcher) begin() error {
	if d.State() == StateHalted {
		if err := d.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrHalted, err)
		}
		return ErrHalted
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	return nil
}

func (d *Dispatcher) end(ctx context.Context) {
	d.runMu.Lock()
	d.running.Store(false)
	d.drain(ctx)
	d.runMu.Unlock()
	d.reportFaults()
	if d.tracer != nil {
		if err := d.tracer.Flush(); err != nil {
			log.Warn(log.DispatchMonitoring, "trace flush failed", "err", err)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, limit int64) (State, error) {
	if err := d.begin(); err != nil {
		return d.State(), err
	}
	defer d.end(ctx)
	d.stop.Store(false)

	// Resuming on a breakpoint runs that instruction before checking again.
	resume := d.resumeAccess()
	if !d.deliverExceptions() && (resume || d.stopsAt(d.ctx.PC)) {
		if resume {
			d.pass()
		} else {
			d.interpret()
		}
		if d.hitAccess != nil {
			return d.memoryStop()
		}
	}
	d.cursor = nil

	var consumed int64
	var next *blockcache.Block
	for {
		// Block boundary.
		d.drain(ctx)
		d.cache.Reclaim()
		if d.cache.RecompileHot(ctx) > 0 {
			next = nil
		}
		if err := d.cache.Err(); err != nil {
			return d.halt(err)
		}
		if ctx.Err() != nil || d.stop.Load() || (limit >= 0 && consumed >= limit) {
			d.setState(StateStepping)
			return StateStepping, nil
		}
		if d.deliverExceptions() {
			next = nil
			continue
		}
		if d.ctx.Downcount <= 0 {
			d.advance()
			continue
		}
		pc := d.ctx.PC
		if d.hit(pc) {
			d.setState(StateStoppedAtBreakpoint)
			d.record(trace.NewRecord(trace.KindBreakpoint, pc))
			log.Debug(log.DispatchMonitoring, "breakpoint hit", log.PC(pc))
			return StateStoppedAtBreakpoint, nil
		}

		before := d.ctx.Downcount
		if d.cfg.Mode == ModeInterpreter {
			d.interpret()
		} else {
			var err error
			if next, err = d.runBlock(ctx, next); err != nil {
				return d.halt(err)
			}
		}
		consumed += before - d.ctx.Downcount
		if d.hitAccess != nil {
			return d.memoryStop()
		}
	}
}

// runBlock runs the block at PC, reusing the linked block from the
// previous exit when it is still live, and returns the block the exit links
// to.
func (d *Dispatcher) runBlock(ctx context.Context, b *blockcache.Block) (*blockcache.Block, error) {
	d.setState(StateRunCachedBlock)
	d.tel.DispatchCycle(StateRunCachedBlock.String())
	pc := d.ctx.PC
	if b == nil || b.Start != pc || b.Retired() {
		var err error
		if b, err = d.cache.Compile(ctx, pc); err != nil {
			return nil, err
		}
		if err := d.cache.Err(); err != nil {
			return nil, err
		}
	}
	exit := d.cache.Run(b, d.ctx, d.env)
	if d.tracer != nil {
		r := trace.NewRecord(trace.KindBlock, b.Start).SetBlock(b.End, b.Len())
		r.Exit = exit.String()
		d.record(r)
	}
	switch exit.Kind {
	case recompiler.ExitFatal:
		return nil, exit.Err
	case recompiler.ExitIdle:
		// Nothing happens until the next hardware event.
		d.ctx.Downcount = 0
	}
	return d.cache.Next(b, exit), nil
}

// interpret executes the single instruction at PC.
func (d *Dispatcher) interpret() interpreter.Result {
	d.setState(StateInterpretSingle)
	d.tel.DispatchCycle(StateInterpretSingle.String())
	pc := d.ctx.PC
	res, inst := interpreter.Single(d.ctx, d.env, d.mem, isa.DefaultDecoder)
	if d.tracer != nil {
		r := trace.NewRecord(trace.KindInterp, pc).SetDisasm(inst.Disassemble(pc, true))
		if d.cfg.TraceRegisters {
			r.SetRegisters(&d.ctx.GPR)
		}
		d.record(r)
	}
	return res
}

func (d *Dispatcher) deliverExceptions() bool {
	pending := d.ctx.Pending()
	if !d.ctx.CheckExceptions() {
		return false
	}
	vector := d.ctx.PC
	d.tel.ExceptionDelivered(vector)
	log.Trace(log.DispatchMonitoring, "exception delivered", "pending", pending, "vector", fmt.Sprintf("%#x", vector),
		"srr0", fmt.Sprintf("%08x", d.ctx.SRR0))
	if d.tracer != nil {
		d.record(trace.NewRecord(trace.KindException, d.ctx.SRR0).SetVector(vector))
	}
	return true
}

// advance services hardware once the downcount has run out.
func (d *Dispatcher) advance() {
	elapsed := d.slice - d.ctx.Downcount
	n := d.hw.Advance(d.ctx, elapsed)
	if n <= 0 {
		n = DefaultSlice
	}
	d.slice = n
	d.ctx.Downcount = n
	d.reportFaults()
}

func (d *Dispatcher) reportFaults() {
	if d.handler == nil {
		return
	}
	s := d.handler.Stats()
	d.tel.FastmemFaults("skip", s.Skipped-d.faults.Skipped)
	d.tel.FastmemFaults("redirect", s.Redirected-d.faults.Redirected)
	d.tel.FastmemFaults("unrecognized", s.Unrecognized-d.faults.Unrecognized)
	d.faults = s
}

func (d *Dispatcher) halt(err error) (State, error) {
	d.fatal.Store(&err)
	d.setState(StateHalted)
	log.Error(log.DispatchMonitoring, "emulation core crashed", log.PC(d.ctx.PC),
		"generation", d.cache.Generation(), "err", err)
	return StateHalted, err
}

func (d *Dispatcher) record(r *trace.Record) {
	if d.tracer == nil {
		return
	}
	r.State = d.State().String()
	r.Downcount = d.ctx.Downcount
	r.Retired = d.ctx.Retired
	r.Generation = d.cache.Generation()
	if err := d.tracer.Write(r); err != nil {
		log.Warn(log.DispatchMonitoring, "trace write failed", "err", err)
		d.tracer = nil
	}
}
