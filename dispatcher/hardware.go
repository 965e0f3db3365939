package dispatcher

import "github.com/colorfulnotion/dynarec/cpu"

// DefaultSlice is the cycle budget granted when the hardware does not ask
// for a specific one.
const DefaultSlice = 20000

// Hardware is serviced whenever the downcount runs out. It may post
// interrupts on ctx and returns the cycles until it wants to run again.
type Hardware interface {
	Advance(ctx *cpu.Context, elapsed int64) int64
}

type HardwareFunc func(ctx *cpu.Context, elapsed int64) int64

func (f HardwareFunc) Advance(ctx *cpu.Context, elapsed int64) int64 { return f(ctx, elapsed) }

// FixedSlice is hardware with nothing to do.
type FixedSlice int64

func (s FixedSlice) Advance(*cpu.Context, int64) int64 { return int64(s) }

// Decrementer raises the decrementer exception every Period cycles.
type Decrementer struct {
	Period int64
	left   int64
}

func (d *Decrementer) Advance(ctx *cpu.Context, elapsed int64) int64 {
	if d.left == 0 {
		d.left = d.Period
	}
	d.left -= elapsed
	if d.left <= 0 {
		ctx.Interrupt(cpu.EXCEPTION_DECREMENTER)
		d.left = d.Period
	}
	return d.left
}
