package filepool

import "sync"

// reservationHandle pins a reservation for one I/O call. release wakes
// everybody waiting on the pool, the reservation may now be stealable.
type reservationHandle struct {
	pool *Pool
	res  *reservation
}

func (h *reservationHandle) fd() int {
	return h.res.fd
}

func (h *reservationHandle) release() {
	h.res.refs.Add(-1)

	h.pool.mu.Lock()
	h.pool.notifyWaitersLocked()
	h.pool.mu.Unlock()
}

// refHandle is a strong claim on a reference held by a Reader or Writer.
// The last release tears the reference down.
type refHandle struct {
	ref  *reference
	once sync.Once
}

// newRefHandle wraps a reference that was just created and registered;
// the reference starts with a count of one owned by this handle.
func newRefHandle(ref *reference) *refHandle {
	ref.refs = 1
	return &refHandle{ref: ref}
}

// shareRefHandle returns another handle on a reference already registered.
// Pool lock must be held.
func shareRefHandle(ref *reference) *refHandle {
	ref.refs++
	return &refHandle{ref: ref}
}

// release drops the claim. Safe to call more than once.
func (h *refHandle) release() {
	h.once.Do(func() {
		p := h.ref.pool
		p.mu.Lock()
		defer p.mu.Unlock()
		h.ref.refs--
		invariant(h.ref.refs >= 0, "reference %s refcount underflow", h.ref.name)
		if h.ref.refs == 0 {
			h.ref.destroyLocked()
		}
		p.notifyWaitersLocked()
	})
}
