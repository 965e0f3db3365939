package emulator

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/dynarec/blockcache"
	"github.com/colorfulnotion/dynarec/recompiler"
)

var (
	ErrPoweredOff = errors.New("machine is powered off")
	ErrCrashed    = errors.New("emulation core crashed")
)

type FatalKind uint8

const (
	FastmemFaultUnrecognized FatalKind = iota + 1
	CacheCorruption
)

func (k FatalKind) String() string {
	switch k {
	case FastmemFaultUnrecognized:
		return "fastmem fault unrecognized"
	case CacheCorruption:
		return "cache corruption"
	}
	return fmt.Sprintf("fatal(%d)", uint8(k))
}

// FatalError is the crash report of a halted core.
type FatalError struct {
	Kind FatalKind
	// HostLocation is the generated code location of an unrecognized
	// fault. Empty for cache corruption.
	HostLocation string
	GuestPC      uint32
	Generation   uint64
	Cause        error
}

func (e *FatalError) Error() string {
	if e.HostLocation != "" {
		return fmt.Sprintf("%v: %s at guest pc %08x, host %s, generation %d: %v",
			ErrCrashed, e.Kind, e.GuestPC, e.HostLocation, e.Generation, e.Cause)
	}
	return fmt.Sprintf("%v: %s at guest pc %08x, generation %d: %v", ErrCrashed, e.Kind, e.GuestPC, e.Generation, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

func (e *FatalError) Is(target error) bool { return target == ErrCrashed }

// classify turns the error that halted the dispatcher into a FatalError
// when it belongs to one of the fatal classes.
func classify(err error, pc uint32, generation uint64) error {
	var fe *recompiler.FaultError
	if errors.As(err, &fe) {
		return &FatalError{
			Kind:         FastmemFaultUnrecognized,
			HostLocation: fe.HostLoc.String(),
			GuestPC:      fe.GuestPC,
			Generation:   generation,
			Cause:        err,
		}
	}
	var ce *blockcache.CorruptionError
	if errors.As(err, &ce) {
		return &FatalError{Kind: CacheCorruption, GuestPC: pc, Generation: ce.Generation, Cause: err}
	}
	return err
}
