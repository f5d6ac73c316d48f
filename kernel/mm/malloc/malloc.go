// Package malloc implements the byte-granularity memory allocator.
//
// Each process owns an allocator record made of three address-sorted lists:
// the backing regions obtained from the virtual memory manager, the busy
// spans handed out to callers and the free spans (holes) left inside the
// backing regions. The kernel runs without paging so its regions are
// physical chunks addressed by their physical location.
//
// The record list lock is always acquired before a record lock and released
// as soon as the record lock is held. When two records are needed they are
// locked source first, with the kernel record always last.
package malloc

import (
	"io"
	"runtime"
	"sync/atomic"

	"golang.org/x/exp/slog"

	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/sync"
)

var (
	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = &kernel.Error{Module: "malloc", Message: "invalid allocation size"}

	// ErrInvalidFlags is returned for flags that cannot back an allocation.
	ErrInvalidFlags = &kernel.Error{Module: "malloc", Message: "invalid allocation flags"}

	// ErrUnknownPID is returned for processes without an allocator record.
	ErrUnknownPID = &kernel.Error{Module: "malloc", Message: "unknown process"}

	// ErrUnknownAddress is returned when an address does not start an
	// allocation.
	ErrUnknownAddress = &kernel.Error{Module: "malloc", Message: "address does not start an allocation"}

	// ErrNotShareable is returned when sharing an allocation that was not
	// obtained through MallocShareable.
	ErrNotShareable = &kernel.Error{Module: "malloc", Message: "allocation is not shareable"}

	// ErrSelfShare is returned when the source and target of a share
	// request are the same process.
	ErrSelfShare = &kernel.Error{Module: "malloc", Message: "cannot share an allocation with its owner"}

	// ErrNotContiguous is returned when sharing a scattered allocation with
	// the kernel, which cannot map it.
	ErrNotContiguous = &kernel.Error{Module: "malloc", Message: "allocation is not physically contiguous"}

	// ErrKernelPID is returned by operations that may not target the
	// kernel.
	ErrKernelPID = &kernel.Error{Module: "malloc", Message: "operation not permitted on the kernel"}

	// ErrNoPool is returned by pool operations when no pool is active.
	ErrNoPool = &kernel.Error{Module: "malloc", Message: "no active memory pool"}

	// ErrPoolExhausted is returned when the active pool cannot satisfy a
	// request.
	ErrPoolExhausted = &kernel.Error{Module: "malloc", Message: "memory pool exhausted"}

	// ErrOutsidePool is returned by SetPool for locations outside the
	// active pool.
	ErrOutsidePool = &kernel.Error{Module: "malloc", Message: "location outside the active memory pool"}

	// ErrPoolActive is returned when freeing the allocation that backs the
	// active pool.
	ErrPoolActive = &kernel.Error{Module: "malloc", Message: "allocation backs the active memory pool"}

	// errForcedAllocation is the panic cause for forced requests that
	// cannot be satisfied.
	errForcedAllocation = &kernel.Error{Module: "malloc", Message: "out of memory while serving a forced allocation"}
)

// allocAlign is the alignment of every allocation.
const allocAlign = uintptr(1) << mm.PointerShift

// PhysicalMemory is the part of the physical memory manager used by the
// allocator.
type PhysicalMemory interface {
	AllocChunk(owner mm.PID, size uintptr, contiguous bool) (chunk.Handle, error)
	AllocFrame() (mm.Frame, error)
	FreeFrame(mm.Frame) error
	Fragments(h chunk.Handle) []pmm.Fragment
	OwnerAdd(h chunk.Handle, pid mm.PID) error
	OwnerDel(h chunk.Handle, pid mm.PID) error
	Kill(pid mm.PID) error
}

// VirtualMemory is the part of the virtual memory manager used by the
// allocator.
type VirtualMemory interface {
	Map(pid mm.PID, phys chunk.Handle, flags paging.Flags) (uintptr, error)
	FreeChunk(pid mm.PID, virt uintptr) error
	RemoveProcess(pid mm.PID) error
}

// span is the payload of busy and free map entries.
type span struct {
	// region is the backing region the span was carved from.
	region chunk.Handle

	// shares counts the references to a busy span.
	shares uint32

	shareable bool
}

// backing is the payload of a backing region descriptor. The descriptor
// location is the address of the region as seen by the process.
type backing struct {
	// phys is the physical chain that backs the region.
	phys  chunk.Handle
	flags paging.Flags

	// shareable regions hold a single busy span; their holes are never
	// reused.
	shareable bool

	// busy counts the busy spans carved from the region.
	busy int
}

// pool tracks bump allocation inside a busy span.
type pool struct {
	base, end, cursor uintptr
	depth             int
}

// process is the allocator record of a process.
type process struct {
	lock sync.Spinlock

	pid     mm.PID
	free    chunk.Handle
	busy    chunk.Handle
	regions chunk.Handle
	pool    pool

	// dead is set once the record has been emptied and is waiting to be
	// unlinked. It is read with only the list lock held.
	dead uint32
	next *process
}

func (p *process) isDead() bool {
	return atomic.LoadUint32(&p.dead) != 0
}

func (p *process) markDead() {
	atomic.StoreUint32(&p.dead, 1)
}

func (p *process) empty() bool {
	return p.busy == chunk.Nil && p.free == chunk.Nil && p.regions == chunk.Nil && p.pool.depth == 0
}

// Options configures an Allocator.
type Options struct {
	// MaxDescriptors caps the number of descriptors of each descriptor
	// arena. Zero selects the arena maximum.
	MaxDescriptors int

	// Logger receives debug events. A nil Logger discards them.
	Logger *slog.Logger
}

// Allocator is the byte-granularity memory allocator.
type Allocator struct {
	phys PhysicalMemory
	virt VirtualMemory

	spans   *chunk.Arena[span]
	regions *chunk.Arena[backing]

	// listLock protects the process record list and the spare records.
	listLock sync.Spinlock
	kernel   *process
	procs    *process
	spare    *process

	log *slog.Logger
}

// New returns an Allocator that obtains memory from phys and maps it through
// virt.
func New(phys PhysicalMemory, virt VirtualMemory, opts Options) *Allocator {
	a := &Allocator{
		phys:    phys,
		virt:    virt,
		spans:   chunk.NewArena[span](chunk.NodesPerBlock, opts.MaxDescriptors),
		regions: chunk.NewArena[backing](chunk.NodesPerBlock, opts.MaxDescriptors),
		log:     opts.Logger,
	}
	if a.log == nil {
		a.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a.spans.Refill = refillFrom(a, a.spans)
	a.regions.Refill = refillFrom(a, a.regions)
	a.kernel = &process{pid: mm.KernelPID, free: chunk.Nil, busy: chunk.Nil, regions: chunk.Nil}
	return a
}

// refillFrom returns an arena refill function that backs each new block with
// a kernel page.
func refillFrom[T any](a *Allocator, arena *chunk.Arena[T]) func() bool {
	return func() bool {
		frame, err := a.phys.AllocFrame()
		if err != nil {
			a.log.Debug("descriptor refill failed", "err", err)
			return false
		}

		if !arena.Grow() {
			_ = a.phys.FreeFrame(frame)
			return false
		}

		a.log.Debug("descriptor pool refilled", "page", frame.Address(), "capacity", arena.Cap())
		return true
	}
}

// find returns the live record of pid. It is called with listLock held.
func (a *Allocator) find(pid mm.PID) *process {
	if pid == mm.KernelPID {
		return a.kernel
	}

	for p := a.procs; p != nil; p = p.next {
		if p.pid == pid && !p.isDead() {
			return p
		}
	}
	return nil
}

// create links a new record for pid, reusing a spare record if possible. It
// is called with listLock held.
func (a *Allocator) create(pid mm.PID) *process {
	p := a.spare
	if p != nil {
		a.spare = p.next
	} else {
		p = new(process)
	}

	*p = process{pid: pid, free: chunk.Nil, busy: chunk.Nil, regions: chunk.Nil, next: a.procs}
	a.procs = p
	a.log.Debug("created allocator record", "pid", pid)
	return p
}

// lockProcess returns the locked record of pid, creating it if create is set.
func (a *Allocator) lockProcess(pid mm.PID, create bool) *process {
	a.listLock.Acquire()
	defer a.listLock.Release()

	for {
		p := a.find(pid)
		if p == nil && create {
			p = a.create(pid)
		}
		if p == nil {
			return nil
		}

		p.lock.Acquire()
		if !p.isDead() {
			return p
		}
		p.lock.Release()
	}
}

// lockPair returns the locked records of src and dst, creating the latter if
// needed. The source is locked first and the kernel last. The second lock is
// only tried so that requests in opposite directions cannot deadlock. A
// missing target record is only created once the source is locked and alive.
func (a *Allocator) lockPair(src, dst mm.PID) (*process, *process, error) {
	for {
		a.listLock.Acquire()
		ps := a.find(src)
		if ps == nil {
			a.listLock.Release()
			return nil, nil, ErrUnknownPID
		}

		pt := a.find(dst)
		if pt == nil {
			ps.lock.Acquire()
			if ps.isDead() {
				ps.lock.Release()
				a.listLock.Release()
				continue
			}

			// The new record is unreachable until listLock is released
			pt = a.create(dst)
			pt.lock.Acquire()
			a.listLock.Release()
			return ps, pt, nil
		}

		first, second := ps, pt
		if src == mm.KernelPID {
			first, second = pt, ps
		}

		first.lock.Acquire()
		if second.lock.TryToAcquire() {
			if !ps.isDead() && !pt.isDead() {
				a.listLock.Release()
				return ps, pt, nil
			}
			second.lock.Release()
		}
		first.lock.Release()
		a.listLock.Release()
		runtime.Gosched()
	}
}

// unlock releases the records in procs. Records left without allocations are
// unlinked and returned to the spare pool once every record lock has been
// released.
func (a *Allocator) unlock(procs ...*process) {
	var empty []*process
	for _, p := range procs {
		if p != a.kernel && p.empty() {
			p.markDead()
			empty = append(empty, p)
		}
		p.lock.Release()
	}

	if len(empty) == 0 {
		return
	}

	a.listLock.Acquire()
	for _, p := range empty {
		for prev := &a.procs; *prev != nil; prev = &(*prev).next {
			if *prev == p {
				*prev = p.next
				break
			}
		}
		p.next, a.spare = a.spare, p
		a.log.Debug("removed allocator record", "pid", p.pid)
	}
	a.listLock.Release()
}
