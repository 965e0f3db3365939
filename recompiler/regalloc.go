package recompiler

// allocator binds guest GPRs to host registers for the duration of one
// block. Eviction is least recently used among registers not pinned by the
// instruction being translated. Loads and stores of guest state are emitted
// through the owning compiler.
type allocator struct {
	c *compiler

	guest   [numAlloc]int8 // host -> guest, -1 when free
	dirty   [numAlloc]bool
	pinned  [numAlloc]bool
	lastUse [numAlloc]int
	host    [32]int8 // guest -> host, -1 when unbound
	tick    int
}

func newAllocator(c *compiler) *allocator {
	a := &allocator{c: c}
	a.reset()
	return a
}

// reset forgets every binding without writing anything back.
func (a *allocator) reset() {
	for h := range a.guest {
		a.guest[h] = -1
		a.dirty[h] = false
		a.pinned[h] = false
	}
	for g := range a.host {
		a.host[g] = -1
	}
}

// begin starts a new guest instruction; pins from the previous one expire.
func (a *allocator) begin() {
	a.tick++
	for h := range a.pinned {
		a.pinned[h] = false
	}
}

func (a *allocator) touch(h int8) uint8 {
	a.lastUse[h] = a.tick
	a.pinned[h] = true
	return uint8(h)
}

func (a *allocator) take() int8 {
	victim := int8(-1)
	for h := int8(0); h < numAlloc; h++ {
		if a.guest[h] < 0 {
			return h
		}
		if a.pinned[h] {
			continue
		}
		if victim < 0 || a.lastUse[h] < a.lastUse[victim] {
			victim = h
		}
	}
	if victim < 0 {
		panic("recompiler: every host register pinned")
	}
	g := a.guest[victim]
	if a.dirty[victim] {
		a.c.emit(hostInst{code: hStoreGuest, guest: uint8(g), a: uint8(victim)})
	}
	a.host[g] = -1
	a.guest[victim] = -1
	a.dirty[victim] = false
	return victim
}

// use returns a host register holding the current value of guest g.
func (a *allocator) use(g int) uint8 {
	if h := a.host[g]; h >= 0 {
		return a.touch(h)
	}
	h := a.take()
	a.guest[h], a.host[g] = int8(g), h
	a.c.emit(hostInst{code: hLoadGuest, dst: uint8(h), guest: uint8(g)})
	return a.touch(h)
}

// def returns a host register that will receive a new value of guest g.
// wasDirty reports whether the binding already held an unsaved value.
func (a *allocator) def(g int) (h uint8, wasDirty bool) {
	if r := a.host[g]; r >= 0 {
		wasDirty = a.dirty[r]
		a.dirty[r] = true
		return a.touch(r), wasDirty
	}
	r := a.take()
	a.guest[r], a.host[g] = int8(g), r
	a.dirty[r] = true
	return a.touch(r), false
}

// dirtySet lists the bindings that differ from the guest context.
func (a *allocator) dirtySet() []Binding {
	var out []Binding
	for h := 0; h < numAlloc; h++ {
		if a.guest[h] >= 0 && a.dirty[h] {
			out = append(out, Binding{Host: uint8(h), GPR: uint8(a.guest[h])})
		}
	}
	return out
}

// bound lists every live binding.
func (a *allocator) bound() []Binding {
	var out []Binding
	for h := 0; h < numAlloc; h++ {
		if a.guest[h] >= 0 {
			out = append(out, Binding{Host: uint8(h), GPR: uint8(a.guest[h])})
		}
	}
	return out
}

// flushAll writes every dirty binding back; bindings stay valid.
func (a *allocator) flushAll() {
	for _, b := range a.dirtySet() {
		a.c.emit(hostInst{code: hStoreGuest, guest: b.GPR, a: b.Host})
		a.dirty[b.Host] = false
	}
}

// without drops the binding of host register h from a set.
func without(set []Binding, h uint8) []Binding {
	out := set[:0:0]
	for _, b := range set {
		if b.Host != h {
			out = append(out, b)
		}
	}
	return out
}
