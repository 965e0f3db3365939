package memory

import "unsafe"

// Load performs an unguarded arena read. Outside the committed RAM window
// it raises a host fault that only the fastmem handler can recover from.
func (v View) Load(addr uint32, width int) uint64 {
	return getBE(v.bytes(addr, width), width)
}

// Store is the unguarded counterpart of Load.
func (v View) Store(addr uint32, width int, val uint64) {
	putBE(v.bytes(addr, width), width, val)
}

func (v View) bytes(addr uint32, width int) []byte {
	p := unsafe.Pointer(v.Base + uintptr(addr&v.Mask))
	return unsafe.Slice((*byte)(p), width)
}

// Contains reports whether a host address falls inside the reservation.
func (v View) Contains(host uintptr) bool {
	return v.Base != 0 && host >= v.Base && host < v.Base+v.Span
}

// Offset converts a host address in the arena back to a physical address.
func (v View) Offset(host uintptr) uint32 {
	return uint32(host - v.Base)
}

