package trace

import "fmt"

// Kinds of trace records.
const (
	KindBlock      = "block"
	KindStep       = "step"
	KindInterp     = "interp"
	KindException  = "exception"
	KindBreakpoint = "breakpoint"
	KindWatchpoint = "watchpoint"
)

// Record is one dispatched unit of guest execution.
type Record struct {
	Kind  string `json:"kind"`
	PC    string `json:"pc"`
	End   string `json:"end,omitempty"`
	Ops   int    `json:"ops,omitempty"`
	Exit  string `json:"exit,omitempty"`
	State string `json:"state,omitempty"`

	Downcount  int64  `json:"downcount"`
	Retired    uint64 `json:"retired"`
	Generation uint64 `json:"generation,omitempty"`

	Disasm    *string     `json:"disasm,omitempty"`
	Vector    *string     `json:"vector,omitempty"`
	Access    *string     `json:"access,omitempty"`
	Registers *[32]uint32 `json:"gpr,omitempty"`
}

func hex32(v uint32) string { return fmt.Sprintf("%08x", v) }

func NewRecord(kind string, pc uint32) *Record {
	return &Record{Kind: kind, PC: hex32(pc)}
}

func (r *Record) SetBlock(end uint32, ops int) *Record {
	r.End = hex32(end)
	r.Ops = ops
	return r
}

func (r *Record) SetRegisters(gpr *[32]uint32) *Record {
	copied := *gpr
	r.Registers = &copied
	return r
}

func (r *Record) SetDisasm(text string) *Record {
	r.Disasm = &text
	return r
}

func (r *Record) SetVector(v uint32) *Record {
	s := fmt.Sprintf("%#x", v)
	r.Vector = &s
	return r
}

// SetAccess describes a data access as "load 4@00002000".
func (r *Record) SetAccess(addr uint32, width int, write bool) *Record {
	op := "load"
	if write {
		op = "store"
	}
	s := fmt.Sprintf("%s %d@%s", op, width, hex32(addr))
	r.Access = &s
	return r
}
