// Package vmm implements the virtual memory manager.
//
// Each process owns an address space: an address-sorted list of virtual
// regions and a top-level page table. The kernel address space is created
// with the manager and heads the address space list. Regions flagged as
// global may only be created by the kernel and are replicated at the same
// virtual address into every other address space.
//
// Locks are always acquired in the following order: globalLock, the kernel
// address space lock, listLock and finally the lock of a process address
// space. The physical memory manager and the pager are leaves and never call
// back into this package.
package vmm

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/sync"
)

var (
	// ErrUnknownPID is returned for processes without an address space.
	ErrUnknownPID = &kernel.Error{Module: "vmm", Message: "unknown process"}

	// ErrPIDExists is returned when setting up an address space twice.
	ErrPIDExists = &kernel.Error{Module: "vmm", Message: "process already has an address space"}

	// ErrUnknownRegion is returned when an address does not start a mapped
	// region.
	ErrUnknownRegion = &kernel.Error{Module: "vmm", Message: "address does not start a mapped region"}

	// ErrNoVirtualSpace is returned when no hole in the address space is
	// large enough for a mapping.
	ErrNoVirtualSpace = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}

	// ErrAddressInUse is returned when a fixed mapping collides with an
	// existing region.
	ErrAddressInUse = &kernel.Error{Module: "vmm", Message: "virtual address range already in use"}

	// ErrReservedPage is returned for mappings that touch the first page
	// of an address space.
	ErrReservedPage = &kernel.Error{Module: "vmm", Message: "the first page of the address space is reserved"}

	// ErrGlobalPrivilege is returned when a process other than the kernel
	// creates or modifies a global region.
	ErrGlobalPrivilege = &kernel.Error{Module: "vmm", Message: "only the kernel may manage global regions"}

	// ErrKernelPID is returned by operations that may not target the
	// kernel.
	ErrKernelPID = &kernel.Error{Module: "vmm", Message: "operation not permitted on the kernel"}

	// ErrInvalidFlags is returned for flag sets that cannot be installed.
	ErrInvalidFlags = &kernel.Error{Module: "vmm", Message: "invalid mapping flags"}

	// ErrMisaligned is returned for fixed locations that are not page
	// aligned.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "location is not page-aligned"}
)

// PhysicalMemory is the part of the physical memory manager used by the
// virtual memory manager.
type PhysicalMemory interface {
	AllocFrame() (mm.Frame, error)
	FreeFrame(mm.Frame) error
	Fragments(h chunk.Handle) []pmm.Fragment
	Info(h chunk.Handle) pmm.ChunkInfo
	OwnedBy(pid mm.PID) []chunk.Handle
}

// Pager installs translations into page tables.
type Pager interface {
	CreateTopLevel(frame mm.Frame) (paging.Table, error)
	ReleaseTable(table paging.Table) error
	Activate(table paging.Table)
	Setup(table paging.Table, virt, size uintptr) error
	Fill(table paging.Table, phys, virt, size uintptr, flags paging.Flags) error
	SetFlags(table paging.Table, virt, size uintptr, flags paging.Flags) error
	Remove(table paging.Table, virt, size uintptr) error
	Translate(table paging.Table, virt uintptr) (uintptr, error)
}

// region is the payload of a virtual region descriptor.
type region struct {
	flags paging.Flags

	// phys is the physical chain that backs the region. It is a weak
	// reference; the chain is owned by the physical memory manager.
	phys chunk.Handle

	// fixed regions map the single physical range starting at physAddr.
	// Other regions map the whole phys chain back to back.
	fixed    bool
	physAddr uintptr

	// head is set for the first region of a buddy chain.
	head bool
}

type spaceState uint8

const (
	spaceAbsent spaceState = iota
	spaceCreated
	spacePopulated
	spaceTornDown
)

var spaceStateNames = [...]string{"absent", "created", "populated", "torn down"}

func (s spaceState) String() string {
	return spaceStateNames[s]
}

// addressSpace is the per-process address space record.
type addressSpace struct {
	lock sync.Spinlock

	pid     mm.PID
	regions chunk.Handle
	table   paging.Table

	// mayFreeGlobal allows global replicas to be removed while the
	// address space is being torn down.
	mayFreeGlobal bool

	// private counts the regions that are not global.
	private int

	state spaceState
	next  *addressSpace
}

// Options configures a Manager.
type Options struct {
	// MaxDescriptors caps the number of region descriptors. Zero selects
	// the arena maximum.
	MaxDescriptors int

	// Logger receives debug events. A nil Logger discards them.
	Logger *slog.Logger
}

// Manager is the virtual memory manager.
type Manager struct {
	phys  PhysicalMemory
	pager Pager
	arena *chunk.Arena[region]

	// globalLock serializes global region updates, address space
	// creation and debug dumps.
	globalLock sync.Spinlock

	// listLock protects the address space list and the spare records.
	listLock sync.Spinlock
	kernel   *addressSpace
	spare    *addressSpace

	log *slog.Logger
}

// New creates a Manager together with the kernel address space and activates
// the kernel page table.
func New(phys PhysicalMemory, pager Pager, opts Options) (*Manager, error) {
	m := &Manager{
		phys:  phys,
		pager: pager,
		log:   opts.Logger,
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m.arena = chunk.NewArena[region](chunk.NodesPerBlock, opts.MaxDescriptors)
	m.arena.Refill = m.refill

	table, err := m.newTable()
	if err != nil {
		return nil, errors.Wrap(err, "vmm: creating kernel address space")
	}

	m.kernel = &addressSpace{pid: mm.KernelPID, regions: chunk.Nil, table: table, state: spaceCreated}
	pager.Activate(table)
	return m, nil
}

// refill grows the descriptor arena by one block backed by a kernel page.
func (m *Manager) refill() bool {
	frame, err := m.phys.AllocFrame()
	if err != nil {
		m.log.Debug("descriptor refill failed", "err", err)
		return false
	}

	if !m.arena.Grow() {
		_ = m.phys.FreeFrame(frame)
		return false
	}

	m.log.Debug("descriptor pool refilled", "page", frame.Address(), "capacity", m.arena.Cap())
	return true
}

func (m *Manager) newTable() (paging.Table, error) {
	frame, err := m.phys.AllocFrame()
	if err != nil {
		return 0, err
	}

	table, err := m.pager.CreateTopLevel(frame)
	if err != nil {
		_ = m.phys.FreeFrame(frame)
		return 0, err
	}
	return table, nil
}

// lockSpace returns the live address space of pid with its lock held or nil.
// The kernel address space is locked without touching listLock.
func (m *Manager) lockSpace(pid mm.PID) *addressSpace {
	if pid == mm.KernelPID {
		m.kernel.lock.Acquire()
		return m.kernel
	}

	m.listLock.Acquire()
	for s := m.kernel.next; s != nil; s = s.next {
		if s.pid != pid {
			continue
		}

		s.lock.Acquire()
		if s.state == spaceTornDown {
			s.lock.Release()
			continue
		}

		m.listLock.Release()
		return s
	}
	m.listLock.Release()
	return nil
}

// getSpace returns the locked address space of pid, creating it if needed.
// It must not be called with globalLock held.
func (m *Manager) getSpace(pid mm.PID) (s *addressSpace, created bool, err error) {
	if s = m.lockSpace(pid); s != nil {
		return s, false, nil
	}

	m.globalLock.Acquire()
	defer m.globalLock.Release()

	// The address space may have been created while we were waiting
	if s = m.lockSpace(pid); s != nil {
		return s, false, nil
	}

	s, err = m.setupPID(pid)
	return s, err == nil, err
}

// SetupPID creates the address space of pid and replicates every global
// region of the kernel into it.
func (m *Manager) SetupPID(pid mm.PID) error {
	if pid == mm.KernelPID {
		return ErrKernelPID
	}

	m.globalLock.Acquire()
	defer m.globalLock.Release()

	if s := m.lockSpace(pid); s != nil {
		s.lock.Release()
		return ErrPIDExists
	}

	s, err := m.setupPID(pid)
	if err != nil {
		return err
	}
	s.lock.Release()
	return nil
}

// setupPID builds a new address space for pid and returns it locked. It is
// called with globalLock held.
func (m *Manager) setupPID(pid mm.PID) (*addressSpace, error) {
	m.listLock.Acquire()
	s := m.spare
	if s != nil {
		m.spare = s.next
	}
	m.listLock.Release()

	if s == nil {
		s = new(addressSpace)
	}
	*s = addressSpace{pid: pid, regions: chunk.Nil, state: spaceAbsent}

	table, err := m.newTable()
	if err != nil {
		m.putSpare(s)
		return nil, errors.Wrapf(err, "vmm: creating address space of pid %d", pid)
	}
	s.table, s.state = table, spaceCreated

	m.kernel.lock.Acquire()
	s.lock.Acquire()
	err = m.replayGlobals(s)
	m.kernel.lock.Release()

	if err != nil {
		s.mayFreeGlobal = true
		m.destroy(s)
		s.lock.Release()
		m.putSpare(s)
		return nil, errors.Wrapf(err, "vmm: replicating global regions into pid %d", pid)
	}

	m.listLock.Acquire()
	s.next, m.kernel.next = m.kernel.next, s
	m.listLock.Release()

	m.log.Debug("created address space", "pid", pid, "table", uintptr(table))
	return s, nil
}

// replayGlobals installs a replica of every global kernel region into s.
func (m *Manager) replayGlobals(s *addressSpace) error {
	var err error
	m.arena.Each(m.kernel.regions, func(h chunk.Handle, n *chunk.Node[region]) bool {
		if !n.Data.head || n.Data.flags&paging.Global == 0 {
			return true
		}

		_, err = m.install(s, m.chainLayout(h))
		return err == nil
	})
	return err
}

// unlock releases s. A process address space that has lost its last
// private region is torn down first.
func (m *Manager) unlock(s *addressSpace) {
	if s == m.kernel || s.private != 0 || s.state != spacePopulated {
		s.lock.Release()
		return
	}
	m.teardown(s)
}

// teardown destroys s, releases its lock and returns the record to the spare
// pool.
func (m *Manager) teardown(s *addressSpace) {
	m.destroy(s)
	pid := s.pid
	s.lock.Release()

	m.listLock.Acquire()
	for prev := m.kernel; prev.next != nil; prev = prev.next {
		if prev.next == s {
			prev.next = s.next
			break
		}
	}
	s.next, m.spare = m.spare, s
	m.listLock.Release()

	m.log.Debug("tore down address space", "pid", pid)
}

// destroy removes every region of s and releases its page tables. It is
// called with s.lock held.
func (m *Manager) destroy(s *addressSpace) {
	for s.regions != chunk.Nil {
		m.uninstall(s, s.regions)
	}

	if err := m.pager.ReleaseTable(s.table); err != nil {
		m.log.Error("releasing page tables", "pid", s.pid, "err", err)
	}
	if err := m.phys.FreeFrame(mm.FrameFromAddress(uintptr(s.table))); err != nil {
		m.log.Error("releasing top-level table", "pid", s.pid, "err", err)
	}

	s.table, s.state = 0, spaceTornDown
}

func (m *Manager) putSpare(s *addressSpace) {
	m.listLock.Acquire()
	s.next, m.spare = m.spare, s
	m.listLock.Release()
}

// others returns the address spaces other than the kernel's. Callers hold
// globalLock so that none of the returned records can be reused.
func (m *Manager) others() []*addressSpace {
	m.listLock.Acquire()
	defer m.listLock.Release()

	var list []*addressSpace
	for s := m.kernel.next; s != nil; s = s.next {
		list = append(list, s)
	}
	return list
}

// Activate switches the pager to the page table of pid.
func (m *Manager) Activate(pid mm.PID) error {
	s := m.lockSpace(pid)
	if s == nil {
		return ErrUnknownPID
	}
	defer s.lock.Release()

	m.pager.Activate(s.table)
	return nil
}

// Translate returns the physical address mapped at virt in the address space
// of pid.
func (m *Manager) Translate(pid mm.PID, virt uintptr) (uintptr, error) {
	s := m.lockSpace(pid)
	if s == nil {
		return 0, ErrUnknownPID
	}
	defer s.lock.Release()

	return m.pager.Translate(s.table, virt)
}
