// Package paging implements the amd64 4-level page table backend used by the
// virtual memory manager. Page tables live in simulated physical memory and
// are addressed by the physical address of their top-level (P4) table.
package paging

import (
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"kmem/kernel"
	"kmem/kernel/hal/ram"
	"kmem/kernel/mm"
	"kmem/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "paging", Message: "virtual address does not point to a mapped physical page"}

	// ErrMisaligned is returned for ranges that do not start and end at a
	// page boundary.
	ErrMisaligned = &kernel.Error{Module: "paging", Message: "range is not page-aligned"}

	// ErrInvalidAddress is returned for ranges that are empty or extend
	// past MaxAddress.
	ErrInvalidAddress = &kernel.Error{Module: "paging", Message: "invalid virtual address range"}

	errNoHugePageSupport = &kernel.Error{Module: "paging", Message: "huge pages are not supported"}
	errNoFrameAllocator  = &kernel.Error{Module: "paging", Message: "no frame allocator registered"}

	// flushTLBEntryFn is invoked for each leaf entry that is modified in
	// the active table. A hosted kernel has no TLB; tests replace it to
	// observe flushes.
	flushTLBEntryFn = func(uintptr) {}
)

// Table is the physical address of a top-level page table.
type Table uintptr

// Options configures a Backend.
type Options struct {
	// AllocFrame returns a physical frame for a new page table.
	AllocFrame func() (mm.Frame, error)

	// FreeFrame releases a frame previously returned by AllocFrame.
	FreeFrame func(mm.Frame) error

	// Logger receives debug events. A nil Logger discards them.
	Logger *slog.Logger
}

// Backend manipulates page tables stored in simulated physical memory.
// Operations on different tables may run concurrently; callers serialize
// operations on the same table.
type Backend struct {
	mem        *ram.RAM
	allocFrame func() (mm.Frame, error)
	freeFrame  func(mm.Frame) error

	lock   sync.Spinlock
	active Table

	// tables counts the intermediate tables currently allocated.
	tables atomic.Int64

	log *slog.Logger
}

// New returns a Backend that stores page tables in mem.
func New(mem *ram.RAM, opts Options) (*Backend, error) {
	if opts.AllocFrame == nil || opts.FreeFrame == nil {
		return nil, errNoFrameAllocator
	}

	b := &Backend{
		mem:        mem,
		allocFrame: opts.AllocFrame,
		freeFrame:  opts.FreeFrame,
		log:        opts.Logger,
	}
	if b.log == nil {
		b.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b, nil
}

// CreateTopLevel clears the page at frame and returns it as an empty
// top-level table.
func (b *Backend) CreateTopLevel(frame mm.Frame) (Table, error) {
	if err := b.mem.Memset(frame.Address(), 0, mm.PageSize); err != nil {
		return 0, errors.Wrapf(err, "paging: clearing top-level table at %#x", frame.Address())
	}
	return Table(frame.Address()), nil
}

// ReleaseTable frees every intermediate table reachable from table and clears
// its entries. The top-level page itself is left to the caller.
func (b *Backend) ReleaseTable(table Table) error {
	if err := b.releaseLevel(uintptr(table), 0); err != nil {
		return err
	}

	b.lock.Acquire()
	if b.active == table {
		b.active = 0
	}
	b.lock.Release()
	return nil
}

func (b *Backend) releaseLevel(tableAddr uintptr, level int) error {
	for index := uintptr(0); index < entriesPerTable; index++ {
		entryAddr := tableAddr + (index << mm.PointerShift)
		pte, err := b.load(entryAddr)
		if err != nil {
			return err
		}

		if level == pageLevels-1 || !pte.HasFlags(ptePresent) {
			continue
		}

		if err = b.releaseLevel(pte.Frame().Address(), level+1); err != nil {
			return err
		}
		if err = b.freeTable(entryAddr, pte.Frame()); err != nil {
			return err
		}
	}

	return b.mem.Memset(tableAddr, 0, mm.PageSize)
}

// Activate makes table the active top-level table.
func (b *Backend) Activate(table Table) {
	b.lock.Acquire()
	b.active = table
	b.lock.Release()
}

// ActiveTable returns the active top-level table.
func (b *Backend) ActiveTable() Table {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.active
}

// Tables returns the number of intermediate page tables currently allocated.
func (b *Backend) Tables() int {
	return int(b.tables.Load())
}

// Setup allocates the intermediate tables needed to map [virt, virt+size).
func (b *Backend) Setup(table Table, virt, size uintptr) error {
	return b.walkRange(table, opSetupLevel, virt, size, 0, 0)
}

// Fill installs leaf entries that map [virt, virt+size) to the physical range
// starting at phys. The intermediate tables must already exist.
func (b *Backend) Fill(table Table, phys, virt, size uintptr, flags Flags) error {
	if !mm.IsPageAligned(phys) {
		return ErrMisaligned
	}
	return b.walkRange(table, opFill, virt, size, phys, flags)
}

// SetFlags replaces the flags of every leaf entry in [virt, virt+size).
func (b *Backend) SetFlags(table Table, virt, size uintptr, flags Flags) error {
	return b.walkRange(table, opSetFlags, virt, size, 0, flags)
}

// Remove clears the leaf entries in [virt, virt+size) and releases the
// intermediate tables that become empty.
func (b *Backend) Remove(table Table, virt, size uintptr) error {
	return b.walkRange(table, opRemove, virt, size, 0, 0)
}

// Lookup returns the physical address and the flags of the mapping that
// contains virt. Absent mappings are reported with the Absent flag set.
func (b *Backend) Lookup(table Table, virt uintptr) (uintptr, Flags, error) {
	if virt >= MaxAddress {
		return 0, 0, ErrInvalidAddress
	}

	tableAddr := uintptr(table)
	for level := 0; level < pageLevels; level++ {
		pte, err := b.load(entryAddress(tableAddr, virt, level))
		if err != nil {
			return 0, 0, err
		}

		if level == pageLevels-1 {
			if !pte.HasFlags(pteMapped) {
				return 0, 0, ErrInvalidMapping
			}
			return pte.Frame().Address() + PageOffset(virt), pte.flags(), nil
		}

		if !pte.HasFlags(ptePresent) {
			return 0, 0, ErrInvalidMapping
		}
		tableAddr = pte.Frame().Address()
	}

	return 0, 0, ErrInvalidMapping
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a present physical page.
func (b *Backend) Translate(table Table, virt uintptr) (uintptr, error) {
	phys, flags, err := b.Lookup(table, virt)
	if err != nil {
		return 0, err
	}

	if flags&Absent != 0 {
		return 0, ErrInvalidMapping
	}
	return phys, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

func (b *Backend) load(entryAddr uintptr) (pageTableEntry, error) {
	v, err := b.mem.Uint64(entryAddr)
	return pageTableEntry(v), err
}

func (b *Backend) store(entryAddr uintptr, pte pageTableEntry) error {
	return b.mem.PutUint64(entryAddr, uint64(pte))
}

// newTable allocates and clears a page table and points the entry at
// entryAddr to it.
func (b *Backend) newTable(entryAddr uintptr) (pageTableEntry, error) {
	frame, err := b.allocFrame()
	if err != nil {
		return 0, errors.Wrap(err, "paging: allocating page table")
	}

	if err = b.mem.Memset(frame.Address(), 0, mm.PageSize); err != nil {
		_ = b.freeFrame(frame)
		return 0, err
	}

	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(ptePresent | pteRW | pteUserAccessible)
	if err = b.store(entryAddr, pte); err != nil {
		_ = b.freeFrame(frame)
		return 0, err
	}

	b.tables.Add(1)
	b.log.Debug("allocated page table", "frame", frame.Address())
	return pte, nil
}

// freeTable clears the entry at entryAddr and releases the table it points to.
func (b *Backend) freeTable(entryAddr uintptr, frame mm.Frame) error {
	if err := b.store(entryAddr, 0); err != nil {
		return err
	}

	if err := b.freeFrame(frame); err != nil {
		return errors.Wrapf(err, "paging: releasing page table at %#x", frame.Address())
	}

	b.tables.Add(-1)
	b.log.Debug("released page table", "frame", frame.Address())
	return nil
}

func (b *Backend) flush(table Table, virt uintptr) {
	if b.ActiveTable() == table {
		flushTLBEntryFn(virt)
	}
}
