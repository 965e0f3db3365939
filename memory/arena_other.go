//go:build !unix

package memory

type Arena struct{}

func NewArena(ramSize uint32) (*Arena, error) { return nil, ErrNoFastmem }

func (a *Arena) Base() uintptr { return 0 }

func (a *Arena) RAM() []byte { return nil }

func (a *Arena) Close() error { return nil }
