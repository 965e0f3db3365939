package dispatcher

import (
	"context"

	"github.com/colorfulnotion/dynarec/recompiler"
	"github.com/colorfulnotion/dynarec/trace"
)

// Step executes one guest instruction, or delivers one pending exception,
// and suspends. Translated blocks are stepped through their host range
// map so the register file is coherent after every instruction.
func (d *Dispatcher) Step(ctx context.Context) (State, error) {
	if err := d.begin(); err != nil {
		return d.State(), err
	}
	defer d.end(ctx)

	d.drain(ctx)
	d.cache.Reclaim()
	if err := d.cache.Err(); err != nil {
		return d.halt(err)
	}
	if d.ctx.Downcount <= 0 {
		d.advance()
	}
	resume := d.resumeAccess()
	switch {
	case d.deliverExceptions():
		d.cursor = nil
	case resume:
		d.cursor = nil
		d.pass()
	case d.cfg.Mode == ModeInterpreter:
		d.interpret()
	default:
		if err := d.stepBlock(ctx); err != nil {
			return d.halt(err)
		}
	}
	if d.hitAccess != nil {
		return d.memoryStop()
	}
	d.setState(StateStepping)
	return StateStepping, nil
}

func (d *Dispatcher) stepBlock(ctx context.Context) error {
	d.setState(StateStepping)
	d.tel.DispatchCycle(StateStepping.String())
	pc := d.ctx.PC
	b := d.cursor
	i, ok := 0, false
	if b != nil && !b.Retired() {
		i, ok = b.Analysis.Index(pc)
	}
	if !ok {
		var err error
		if b, err = d.cache.Compile(ctx, pc); err != nil {
			return err
		}
		i = 0
	}
	exit := b.Code.ExecuteStep(d.ctx, d.env, i)
	if d.tracer != nil {
		r := trace.NewRecord(trace.KindStep, pc)
		r.Exit = exit.String()
		if i < b.Len() {
			r.SetDisasm(b.Analysis.Ops[i].Inst.Disassemble(pc, true))
		}
		if d.cfg.TraceRegisters {
			r.SetRegisters(&d.ctx.GPR)
		}
		d.record(r)
	}
	d.cursor = nil
	switch exit.Kind {
	case recompiler.ExitFatal:
		return exit.Err
	case recompiler.ExitStep:
		d.cursor = b
	}
	return nil
}
