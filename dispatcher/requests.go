package dispatcher

import (
	"context"
	"sync/atomic"
)

type requestKind uint8

const (
	reqInvalidate requestKind = iota
	reqClear
)

type request struct {
	kind       requestKind
	start, end uint32
	next       *request
}

// requestQueue is a lock-free stack of pending cache requests. Producers
// push from any goroutine; drain takes the whole stack at once.
type requestQueue struct {
	head atomic.Pointer[request]
}

func (q *requestQueue) push(r *request) {
	for {
		r.next = q.head.Load()
		if q.head.CompareAndSwap(r.next, r) {
			return
		}
	}
}

// take returns the pending requests in submission order.
func (q *requestQueue) take() []*request {
	var out []*request
	for r := q.head.Swap(nil); r != nil; r = r.next {
		out = append(out, r)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// InvalidateMemoryRange drops translations of [start, end). While Run is
// active the request is applied at the next block boundary.
func (d *Dispatcher) InvalidateMemoryRange(start, end uint32) {
	d.submit(&request{kind: reqInvalidate, start: start, end: end})
}

// ClearCache drops every translation, e.g. after loading a new image.
func (d *Dispatcher) ClearCache() {
	d.submit(&request{kind: reqClear})
}

func (d *Dispatcher) submit(r *request) {
	d.requests.push(r)
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if !d.running.Load() {
		d.drain(context.Background())
	}
}

// drain applies queued requests. Retiring blocks is safe from any
// goroutine; their code is only released by reclaim.
func (d *Dispatcher) drain(ctx context.Context) {
	for _, r := range d.requests.take() {
		switch r.kind {
		case reqInvalidate:
			d.cache.InvalidateRange(ctx, r.start, r.end)
		case reqClear:
			d.cache.Clear(ctx)
		}
	}
}
