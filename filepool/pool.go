// Package filepool manages a bounded pool of native file descriptors shared
// by any number of Readers and Writers.
//
// Callers never see descriptors. Each Reader or Writer names a file; the
// pool opens it on demand and, when the process-wide budget is exhausted,
// closes an idle descriptor belonging to some other file to make room.
// A file whose descriptor was taken is transparently reopened on its next
// read or write. There are no background goroutines: every operation runs
// on the caller's goroutine and blocks until its I/O is done.
//
// Readers are safe for concurrent use and many Readers may share one file.
// A Writer excludes every other handle on its file. Concurrent Pwrite calls
// on one Writer are fine as long as the byte ranges don't overlap, but only
// one goroutine may call SyncAndClose.
//
// Typically one Pool is created per process and passed around.
package filepool

import (
	"container/list"
	"fmt"
	"io"
	"sync"

	"github.com/rarydzu/fdpool/osfile"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

// DefaultMaxFds leaves 50 descriptors of the system limit for everything else
const DefaultMaxFds = -50

// Pool is the shared registry of file references and the fd budget.
type Pool struct {
	maxFds     int
	numFdsUsed int
	maxFdsUsed int
	mu         sync.Mutex
	cond       *sync.Cond
	// refs keeps insertion order; eviction scans it front to back
	refs   *list.List
	byName map[string]*list.Element
	log    *zap.SugaredLogger
}

// New creates a pool. A positive maxFds is capped by the system limit; a
// negative one means "system limit minus |maxFds|", floored at 1. Zero is
// rejected.
func New(maxFds int, log *zap.SugaredLogger) (*Pool, error) {
	budget, err := calcMaxFds(maxFds, osfile.MaxOpenFiles())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Pool{
		maxFds: budget,
		refs:   list.New(),
		byName: make(map[string]*list.Element),
		log:    log,
	}
	p.cond = sync.NewCond(&p.mu)
	p.log.Debugf("creating file pool: maxFds: %d", budget)
	return p, nil
}

func calcMaxFds(requested, systemMax int) (int, error) {
	if requested == 0 {
		return 0, tracerr.Wrap(ErrInvalidBudget)
	}
	if requested > 0 {
		if requested > systemMax {
			return systemMax, nil
		}
		return requested, nil
	}
	if budget := systemMax + requested; budget > 1 {
		return budget, nil
	}
	return 1, nil
}

// MaxFds returns the budget
func (p *Pool) MaxFds() int {
	return p.maxFds
}

// NumFdsUsed returns the number of descriptors currently open
func (p *Pool) NumFdsUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numFdsUsed
}

// MaxFdsUsed returns the high-water mark of open descriptors
func (p *Pool) MaxFdsUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxFdsUsed
}

// Len returns the number of live file references
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs.Len()
}

// Close checks that no Reader or Writer is still alive.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.refs.Len(); n != 0 {
		return tracerr.Errorf("%d references left: %w", n, ErrPoolInUse)
	}
	return nil
}

// resolve returns a handle on the reference for name, creating it if
// needed and enforcing reader/writer exclusivity.
func (p *Pool) resolve(name string, flags int, perm uint32) (*refHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	writer := osfile.IsWriteFlags(flags)
	var (
		size    int64
		statted bool
	)
	for {
		elem, ok := p.byName[name]
		if !ok {
			if !writer && !statted {
				// readers fail early on a missing file; stat without the lock
				// and look again, someone may have registered it meanwhile
				var err error
				p.unlocked(func() {
					size, err = statSize(name)
				})
				if err != nil {
					return nil, err
				}
				statted = true
				continue
			}
			return newRefHandle(newReference(p, name, flags, perm, size)), nil
		}
		found := elem.Value.(*reference)
		if found.pending || found.refs == 0 {
			// another goroutine is opening or closing this file, or the
			// last handle is being released and the reference torn down
			p.waitForChangesLocked()
			continue
		}
		switch {
		case writer && found.isWriter():
			return nil, tracerr.Errorf("unable to create writer for %s, another writer already exists: %w", name, ErrExclusive)
		case writer:
			return nil, tracerr.Errorf("unable to create writer for %s, a reader already exists: %w", name, ErrExclusive)
		case found.isWriter():
			return nil, tracerr.Errorf("unable to create reader for %s, a writer already exists: %w", name, ErrExclusive)
		}
		return shareRefHandle(found), nil
	}
}

func (p *Pool) registerLocked(ref *reference) {
	invariant(p.byName[ref.name] == nil, "%s registered twice", ref.name)
	p.byName[ref.name] = p.refs.PushBack(ref)
}

func (p *Pool) deregisterLocked(ref *reference) {
	elem, ok := p.byName[ref.name]
	invariant(ok && elem.Value.(*reference) == ref, "%s is not registered", ref.name)
	p.refs.Remove(elem)
	delete(p.byName, ref.name)
}

// evictOneLocked closes the first idle reservation in registry order and
// returns its reference, or nil when nothing is idle. Idle means only the
// owning reference holds it and nothing is pending on that file. References
// being torn down are left to destroyLocked.
func (p *Pool) evictOneLocked() *reference {
	for e := p.refs.Front(); e != nil; e = e.Next() {
		ref := e.Value.(*reference)
		if ref.refs == 0 || ref.reservation == nil || ref.pending || ref.reservation.refs.Load() != 1 {
			continue
		}
		// keep the reference alive while the lock is dropped for close
		ref.refs++
		ref.releaseReservationLocked()
		ref.refs--
		if ref.refs == 0 {
			ref.destroyLocked()
		}
		return ref
	}
	return nil
}

func (p *Pool) allReservationsInUseLocked() bool {
	return p.numFdsUsed >= p.maxFds
}

func (p *Pool) increaseFdCountLocked() {
	invariant(p.numFdsUsed < p.maxFds, "fd count %d would exceed budget %d", p.numFdsUsed, p.maxFds)
	p.numFdsUsed++
	if p.numFdsUsed > p.maxFdsUsed {
		p.maxFdsUsed = p.numFdsUsed
	}
}

func (p *Pool) reduceFdCountLocked() {
	invariant(p.numFdsUsed > 0, "fd count underflow")
	p.numFdsUsed--
}

func (p *Pool) notifyWaitersLocked() {
	p.cond.Broadcast()
}

func (p *Pool) waitForChangesLocked() {
	p.cond.Wait()
}

// unlocked drops the pool lock around fn and takes it back afterwards.
func (p *Pool) unlocked(fn func()) {
	p.mu.Unlock()
	defer p.mu.Lock()
	fn()
}

// DumpState writes the pool counters and, with printAll, every live
// reference. It takes no lock so it can be called from a
// wedged process; the output is best effort.
func (p *Pool) DumpState(w io.Writer, printAll bool) {
	fmt.Fprintf(w, "----- file pool -----\n")
	fmt.Fprintf(w, "maxFds = %d maxFdsUsed = %d numFdsUsed = %d\n", p.maxFds, p.maxFdsUsed, p.numFdsUsed)
	if !printAll {
		return
	}
	fmt.Fprintf(w, "file references:\n")
	for e := p.refs.Front(); e != nil; e = e.Next() {
		e.Value.(*reference).dump(w)
	}
}

func (r *reference) dump(w io.Writer) {
	fmt.Fprintf(w, "%s: refcount=%d ", r.name, r.refs)
	if res := r.reservation; res != nil {
		fmt.Fprintf(w, "fd=%d ", res.fd)
	}
	if r.pending {
		fmt.Fprintf(w, "pending ")
	}
	if r.closeErr != nil {
		fmt.Fprintf(w, "errno=%v ", r.closeErr)
	}
	fmt.Fprintln(w)
}
