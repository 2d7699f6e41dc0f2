package filepool

import (
	"github.com/rarydzu/fdpool/osfile"
	"github.com/ztrue/tracerr"
)

// reference is the per-filename state shared by every Reader or Writer
// handle on that file. All fields are guarded by the pool lock.
type reference struct {
	pool        *Pool
	name        string
	reservation *reservation
	pending     bool
	closeErr    error
	flags       int
	perm        uint32
	size        int64
	refs        int
}

// newReference builds and registers a reference. size is the file size
// seen by the reader that created it. Pool lock must be held.
func newReference(p *Pool, name string, flags int, perm uint32, size int64) *reference {
	ref := &reference{
		pool:  p,
		name:  name,
		flags: flags,
		perm:  perm,
		size:  size,
	}
	p.registerLocked(ref)
	return ref
}

func (r *reference) isWriter() bool {
	return osfile.IsWriteFlags(r.flags)
}

// careAboutCloseErrors is true for writers only: a failed close on a reader
// loses nothing.
func (r *reference) careAboutCloseErrors() bool {
	return r.isWriter()
}

// changing marks the reference as mid open/close. The returned func clears
// the mark and wakes all waiters; it must run even on error paths.
func (r *reference) changing() func() {
	r.pending = true
	return func() {
		r.pending = false
		r.pool.notifyWaitersLocked()
	}
}

// takeCloseErrLocked delivers a deferred close error once
func (r *reference) takeCloseErrLocked() error {
	if r.closeErr == nil {
		return nil
	}
	invariant(r.reservation == nil, "%s has a close error and a reservation", r.name)
	err := r.closeErr
	r.closeErr = nil
	return ioError("closing", r.name, 0, 0, err)
}

// acquire returns a pinned reservation, opening the file (and stealing an
// idle descriptor from another file) when needed.
func (r *reference) acquire() (*reservationHandle, error) {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if r.pending {
			// another goroutine is opening or closing this file
			p.waitForChangesLocked()
			continue
		}
		if r.refs == 0 {
			// I/O racing the last Close on its handle
			return nil, tracerr.Errorf("%s: %w", r.name, ErrClosed)
		}
		// a steal may have left an error behind while we waited
		if err := r.takeCloseErrLocked(); err != nil {
			return nil, err
		}
		if r.reservation != nil {
			return r.reservation.share(p), nil
		}
		return r.openLocked()
	}
}

func (r *reference) openLocked() (*reservationHandle, error) {
	p := r.pool
	done := r.changing()
	defer done()

	for p.allReservationsInUseLocked() {
		if p.evictOneLocked() == nil {
			// everything is busy and nothing is stealable
			p.waitForChangesLocked()
		}
	}
	invariant(p.numFdsUsed < p.maxFds, "too many files open: numFdsUsed: %d maxFds: %d",
		p.numFdsUsed, p.maxFds)

	res := newReservation(r.isWriter())
	r.reservation = res
	if err := res.unlockAndOpen(p, r.name, r.flags, r.perm); err != nil {
		r.reservation = nil
		res.drop()
		return nil, ioError("opening", r.name, 0, 0, err)
	}
	// a later reopen after eviction must not truncate again
	r.flags &^= osfile.Truncate
	return res.share(p), nil
}

// releaseReservationLocked closes an idle reservation on behalf of another
// file's acquire. A close failure is kept for the owner's next call.
func (r *reference) releaseReservationLocked() {
	invariant(r.reservation != nil, "%s: stealing a missing reservation", r.name)
	invariant(r.reservation.refs.Load() == 1, "%s: stealing a reservation in use", r.name)

	done := r.changing()
	defer done()

	res := r.reservation
	r.reservation = nil
	err := res.unlockAndClose(r.pool)
	res.drop()
	if err != nil {
		if r.careAboutCloseErrors() {
			r.closeErr = err
		} else {
			r.pool.log.Debugf("discarding close error on %s: %v", r.name, err)
		}
	}
}

func (r *reference) pread(buf []byte, offset int64) error {
	h, err := r.acquire()
	if err != nil {
		return err
	}
	defer h.release()

	if err := osfile.PreadAll(h.fd(), buf, offset); err != nil {
		return ioError("read", r.name, len(buf), offset, err)
	}
	return nil
}

func (r *reference) pwrite(buf []byte, offset int64) error {
	h, err := r.acquire()
	if err != nil {
		return err
	}
	defer h.release()

	if err := osfile.PwriteAll(h.fd(), buf, offset); err != nil {
		return ioError("write", r.name, len(buf), offset, err)
	}
	return nil
}

// close synchronously closes the descriptor, if one is attached. It waits
// for in-flight I/O on the reservation to finish first.
func (r *reference) close() error {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := r.takeCloseErrLocked(); err != nil {
		return err
	}
	for r.pending || (r.reservation != nil && r.reservation.refs.Load() > 1) {
		p.waitForChangesLocked()
	}
	if r.reservation == nil {
		// a thief may have closed it while we waited
		return r.takeCloseErrLocked()
	}

	done := r.changing()
	defer done()

	res := r.reservation
	r.reservation = nil
	err := res.unlockAndClose(p)
	res.drop()
	if err != nil {
		return ioError("closing", r.name, 0, 0, err)
	}
	return nil
}

// destroyLocked runs when the last handle is released. It waits for any
// open, close or I/O call still running on the file, then closes a leftover
// descriptor, ignoring the error.
func (r *reference) destroyLocked() {
	p := r.pool
	for r.pending || (r.reservation != nil && r.reservation.refs.Load() > 1) {
		p.waitForChangesLocked()
	}
	if r.reservation != nil {
		if r.careAboutCloseErrors() {
			p.log.Warnf("writer for %s released without SyncAndClose", r.name)
		}
		done := r.changing()
		res := r.reservation
		r.reservation = nil
		if err := res.unlockAndClose(p); err != nil {
			p.log.Debugf("ignoring close error on %s: %v", r.name, err)
		}
		res.drop()
		done()
	}
	p.deregisterLocked(r)
}
