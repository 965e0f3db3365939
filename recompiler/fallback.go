package recompiler

import (
	"sort"
	"sync"

	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/log"
)

// fallbacks records opcodes the native strategy hands to the interpreter,
// so each is reported once per process.
var fallbacks sync.Map

func noteFallback(op isa.Opcode, pc uint32) {
	if _, seen := fallbacks.LoadOrStore(op, pc); seen {
		return
	}
	log.Info(log.JitMonitoring, "unimplemented instruction, falling back to interpreter",
		"op", op.String(), log.PC(pc))
}

// Fallbacks lists the opcodes that have fallen back to the interpreter so
// far.
func Fallbacks() []isa.Opcode {
	var ops []isa.Opcode
	fallbacks.Range(func(k, _ any) bool {
		ops = append(ops, k.(isa.Opcode))
		return true
	})
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
