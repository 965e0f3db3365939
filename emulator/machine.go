// Package emulator assembles the core: guest memory, the fastmem handler,
// a code generation strategy, the block cache and the dispatcher. A
// Machine is the surface frontends and debuggers talk to.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/blockcache"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/dispatcher"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/recompiler"
	"github.com/colorfulnotion/dynarec/telemetry"
	"github.com/colorfulnotion/dynarec/trace"
)

type Machine struct {
	cfg     Config
	mem     *memory.Memory
	handler *fastmem.Handler
	ctx     *cpu.Context
	cache   *blockcache.Cache
	disp    *dispatcher.Dispatcher
	tel     *telemetry.TelemetryClient
	tracer  *trace.Writer
	off     bool
}

// PowerOn builds the region table, installs the fault handler when the
// host supports fastmem and readies a suspended core at PC 0. hw and tel
// may be nil.
func PowerOn(cfg Config, hw dispatcher.Hardware, tel *telemetry.TelemetryClient) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.NewNoOpTelemetryClient()
	}
	if hw == nil {
		hw = cfg.hardware()
	}
	mem, err := memory.New(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("power on memory: %w", err)
	}
	m := &Machine{cfg: cfg, mem: mem, tel: tel, ctx: cpu.New(0)}

	// The interpreter never runs generated code, so it needs no handler.
	if view, ok := mem.Fastmem(); ok && cfg.Dispatcher.Mode == dispatcher.ModeNative {
		h, err := fastmem.Install(view, mem)
		switch {
		case err == nil:
			h.SetHotThreshold(cfg.HotThreshold)
			m.handler = h
		case errors.Is(err, fastmem.ErrAlreadyInstalled):
			log.Warn(log.FastmemMonitoring, "fastmem handler owned by another machine, using checked accesses")
		default:
			_ = mem.Close()
			return nil, fmt.Errorf("install fastmem handler: %w", err)
		}
	}

	strategy := string(cfg.Dispatcher.Mode)
	if cfg.Dispatcher.Mode == dispatcher.ModeInterpreter {
		// Blocks are still analyzed for listings and breakpoints.
		strategy = recompiler.StrategyThreaded
	}
	backend, err := recompiler.New(strategy, m.handler)
	if err != nil {
		_ = m.release()
		return nil, err
	}
	m.cache = blockcache.New(cfg.Cache, mem, backend, m.handler, tel)
	if m.disp, err = dispatcher.New(cfg.Dispatcher, m.ctx, mem, m.cache, hw, m.handler, tel); err != nil {
		_ = m.release()
		return nil, err
	}
	if cfg.TraceFile != "" {
		if m.tracer, err = trace.Create(cfg.TraceFile); err != nil {
			_ = m.release()
			return nil, err
		}
		m.disp.SetTrace(m.tracer)
	}
	log.Info(log.CmdMonitoring, "machine powered on", "mode", cfg.Dispatcher.Mode, "ram", cfg.Memory.RAMSize,
		"fastmem", m.handler != nil, "debug", cfg.Cache.Debug)
	return m, nil
}

// PowerOff tears down the core in reverse order: the dispatcher halts,
// every translation is released, the handler is uninstalled and memory is
// unmapped last.
func (m *Machine) PowerOff() error {
	if m.off {
		return nil
	}
	if _, err := m.disp.Context(); err != nil {
		return err
	}
	m.disp.Halt()
	m.cache.Clear(context.Background())
	m.cache.Reclaim()
	var errs []error
	if m.tracer != nil {
		errs = append(errs, m.tracer.Close())
	}
	errs = append(errs, m.release())
	log.Info(log.CmdMonitoring, "machine powered off", "retired", m.ctx.Retired, "generation", m.cache.Generation())
	return errors.Join(errs...)
}

func (m *Machine) release() error {
	m.off = true
	if m.handler != nil {
		m.handler.Close()
	}
	return m.mem.Close()
}

func (m *Machine) Config() Config                     { return m.cfg }
func (m *Machine) Memory() *memory.Memory             { return m.mem }
func (m *Machine) Cache() *blockcache.Cache           { return m.cache }
func (m *Machine) Dispatcher() *dispatcher.Dispatcher { return m.disp }
func (m *Machine) Fastmem() bool                      { return m.handler != nil }

// FastmemStats reports fault recoveries, zero without a handler.
func (m *Machine) FastmemStats() fastmem.Stats {
	if m.handler == nil {
		return fastmem.Stats{}
	}
	return m.handler.Stats()
}

// Load copies an image into guest memory and drops translations of the
// bytes it replaced.
func (m *Machine) Load(addr uint32, image []byte) error {
	if err := m.WriteMemory(addr, image); err != nil {
		return fmt.Errorf("load image at %08x: %w", addr, err)
	}
	log.Debug(log.CmdMonitoring, "image loaded", log.Addr("addr", addr), "size", len(image))
	return nil
}

func (m *Machine) LoadFile(path string, addr uint32) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	return m.Load(addr, image)
}

func (m *Machine) ReadMemory(addr uint32, n int) ([]byte, error) {
	if m.off {
		return nil, ErrPoweredOff
	}
	return m.mem.ReadBytes(addr, n)
}

// WriteMemory writes guest memory from outside the core, e.g. a DMA or a
// debugger poke. Overlapping translations are invalidated.
func (m *Machine) WriteMemory(addr uint32, b []byte) error {
	if m.off {
		return ErrPoweredOff
	}
	if len(b) == 0 {
		return nil
	}
	if err := m.mem.WriteBytes(addr, b); err != nil {
		return err
	}
	m.disp.InvalidateMemoryRange(addr, addr+uint32(len(b)))
	return nil
}

// SetPC moves a suspended core, e.g. to an image entry point.
func (m *Machine) SetPC(pc uint32) error {
	ctx, err := m.disp.Context()
	if err != nil {
		return err
	}
	ctx.PC = pc
	return nil
}

// Registers gives a suspended core's register file to a debugger.
func (m *Machine) Registers() (*cpu.Registers, error) {
	ctx, err := m.disp.Context()
	if err != nil {
		return nil, err
	}
	return &ctx.Registers, nil
}

// Interrupt posts an asynchronous exception. Safe from any goroutine.
func (m *Machine) Interrupt(e cpu.Exception) { m.ctx.Interrupt(e) }

func (m *Machine) Step(ctx context.Context) (dispatcher.State, error) {
	if m.off {
		return dispatcher.StateHalted, ErrPoweredOff
	}
	s, err := m.disp.Step(ctx)
	return s, m.crashed(err)
}

// Run executes until Pause, a breakpoint, ctx cancellation or a crash.
func (m *Machine) Run(ctx context.Context) (dispatcher.State, error) {
	if m.off {
		return dispatcher.StateHalted, ErrPoweredOff
	}
	s, err := m.disp.Run(ctx)
	return s, m.crashed(err)
}

// RunFor runs for at least cycles guest cycles, stopping at the first block
// boundary past the limit.
func (m *Machine) RunFor(ctx context.Context, cycles int64) (dispatcher.State, error) {
	if m.off {
		return dispatcher.StateHalted, ErrPoweredOff
	}
	s, err := m.disp.RunFor(ctx, cycles)
	return s, m.crashed(err)
}

// Pause is safe from any goroutine.
func (m *Machine) Pause() { m.disp.Pause() }

func (m *Machine) SetBreakpoint(addr uint32)          { m.disp.SetBreakpoint(addr) }
func (m *Machine) SetTemporaryBreakpoint(addr uint32) { m.disp.SetTemporaryBreakpoint(addr) }
func (m *Machine) ClearBreakpoint(addr uint32) bool   { return m.disp.ClearBreakpoint(addr) }
func (m *Machine) Breakpoints() []dispatcher.Breakpoint {
	return m.disp.Breakpoints()
}

func (m *Machine) EnableBreakpoint(addr uint32, enabled bool) error {
	return m.disp.EnableBreakpoint(addr, enabled)
}

// SetMemoryBreakpoint stops the core in front of guest loads (onRead) or
// stores (onWrite) touching [start, end).
func (m *Machine) SetMemoryBreakpoint(start, end uint32, onRead, onWrite bool) error {
	return m.disp.SetMemoryBreakpoint(start, end, onRead, onWrite)
}

func (m *Machine) ClearMemoryBreakpoint(start, end uint32) bool {
	return m.disp.ClearMemoryBreakpoint(start, end)
}

func (m *Machine) MemoryBreakpoints() []dispatcher.MemoryBreakpoint {
	return m.disp.MemoryBreakpoints()
}

// LastMemoryHit describes the access behind the last memory breakpoint stop.
func (m *Machine) LastMemoryHit() (dispatcher.MemoryHit, bool) { return m.disp.LastMemoryHit() }

// InvalidateMemoryRange is safe from any goroutine; while the core runs it
// takes effect at the next block boundary.
func (m *Machine) InvalidateMemoryRange(start, end uint32) { m.disp.InvalidateMemoryRange(start, end) }

func (m *Machine) GetExecutionContextSnapshot() (cpu.Snapshot, error) {
	return m.disp.Snapshot()
}

// RestoreSnapshot loads a saved context into a suspended core.
func (m *Machine) RestoreSnapshot(s cpu.Snapshot) error {
	ctx, err := m.disp.Context()
	if err != nil {
		return err
	}
	ctx.Restore(s)
	return nil
}

// crashed turns a dispatcher failure into the core's crash report.
func (m *Machine) crashed(err error) error {
	if err == nil {
		return nil
	}
	err = classify(err, m.ctx.PC, m.cache.Generation())
	var fatal *FatalError
	if errors.As(err, &fatal) {
		log.Error(log.CmdMonitoring, "emulation core crashed", "kind", fatal.Kind.String(),
			log.PC(fatal.GuestPC), "host", fatal.HostLocation, "generation", fatal.Generation,
			"registers", m.ctx.String())
	}
	return err
}
