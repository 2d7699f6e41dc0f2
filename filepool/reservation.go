package filepool

import (
	"sync/atomic"

	"github.com/rarydzu/fdpool/osfile"
)

// reservation owns at most one open descriptor. refs counts the strong
// holders: the attached reference plus any in-flight I/O call.
// Increments only happen under the pool lock, so a count of one seen under
// the lock means the reservation is idle.
type reservation struct {
	fd     int
	writer bool
	refs   atomic.Int32
}

// newReservation returns a fresh reservation held once by its reference
func newReservation(writer bool) *reservation {
	res := &reservation{fd: -1, writer: writer}
	res.refs.Store(1)
	return res
}

// share hands out another strong handle. Pool lock must be held.
func (res *reservation) share(p *Pool) *reservationHandle {
	res.refs.Add(1)
	return &reservationHandle{pool: p, res: res}
}

// drop gives up the reference's own claim after it was detached
func (res *reservation) drop() {
	n := res.refs.Add(-1)
	invariant(n >= 0, "reservation refcount underflow")
	invariant(n > 0 || res.fd == -1, "reservation released with fd %d attached", res.fd)
}

// unlockAndOpen opens the descriptor. Called with the pool lock held; the
// fd count is committed before the lock is dropped for the syscall so no
// concurrent opener can push the pool over budget.
func (res *reservation) unlockAndOpen(p *Pool, name string, flags int, perm uint32) error {
	p.increaseFdCountLocked()
	var (
		fd  int
		err error
	)
	p.unlocked(func() {
		fd, err = osfile.Open(name, flags, perm)
	})
	if err != nil {
		p.log.Debugf("open %s failed: maxFdsUsed: %d flags: %#o mode: %#o: %v",
			name, p.maxFdsUsed, flags, perm, err)
		p.reduceFdCountLocked()
		return err
	}
	res.fd = fd
	return nil
}

// unlockAndClose closes the descriptor, if any. Writers are fsynced first.
// Called with the pool lock held.
func (res *reservation) unlockAndClose(p *Pool) error {
	if res.fd == -1 {
		return nil
	}
	fd := res.fd
	var err error
	p.unlocked(func() {
		if res.writer {
			err = osfile.FsyncAndClose(fd)
		} else {
			err = osfile.Close(fd)
		}
	})
	res.fd = -1
	p.reduceFdCountLocked()
	return err
}
