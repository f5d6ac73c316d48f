// Package pmm implements the physical memory manager.
//
// Physical memory is described by a single address-sorted chunk list that
// covers every region reported by the boot loader. Chunks never straddle the
// 1MiB boundary, which splits the list into a low and a high memory zone.
// Free chunks of each zone are additionally chained (in address order)
// through their buddy links to form the zone free lists. Allocated chunks use
// the buddy link to group the fragments returned by a single allocation.
package pmm

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"kmem/kernel"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free memory of the requested kind
	// is available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrDescriptorLimit is returned when the descriptor pool is empty and
	// cannot grow past its capacity limit.
	ErrDescriptorLimit = &kernel.Error{Module: "pmm", Message: "chunk descriptor limit reached"}

	// ErrInvalidSize is returned for zero-sized allocation requests.
	ErrInvalidSize = &kernel.Error{Module: "pmm", Message: "invalid allocation size"}

	// ErrUnknownAddress is returned when an address does not belong to any
	// chunk.
	ErrUnknownAddress = &kernel.Error{Module: "pmm", Message: "address does not belong to a known chunk"}

	// ErrNotAllocated is returned when releasing or sharing a chunk that
	// has no owner.
	ErrNotAllocated = &kernel.Error{Module: "pmm", Message: "chunk is not allocated"}

	// ErrNotOwner is returned when removing an owner that does not own
	// the chunk.
	ErrNotOwner = &kernel.Error{Module: "pmm", Message: "process does not own the chunk"}

	// ErrTooManyOwners is returned when a chunk owner set is full.
	ErrTooManyOwners = &kernel.Error{Module: "pmm", Message: "chunk owner set is full"}

	// ErrNotReserved is returned when claiming a chunk that is not an
	// unclaimed reserved chunk.
	ErrNotReserved = &kernel.Error{Module: "pmm", Message: "chunk is not an unclaimed reserved chunk"}

	// ErrKernelPID is returned by operations that may not target the
	// kernel.
	ErrKernelPID = &kernel.Error{Module: "pmm", Message: "operation not permitted on the kernel"}
)

// chunkInfo is the per-chunk payload stored in the descriptor arena.
type chunkInfo struct {
	owners      mm.Owners
	nature      multiboot.Nature
	allocatable bool
}

// ChunkInfo is a value copy of a physical chunk descriptor.
type ChunkInfo struct {
	Location    uintptr
	Size        uintptr
	Owners      mm.Owners
	Nature      multiboot.Nature
	Allocatable bool
}

// Free returns true if the chunk is available for allocation.
func (c ChunkInfo) Free() bool {
	return c.Allocatable && c.Owners.Empty()
}

// Fragment describes a member of a buddy chain.
type Fragment struct {
	Location uintptr
	Size     uintptr
}

// Options configures a Manager.
type Options struct {
	// MaxDescriptors caps the number of chunk descriptors. Zero selects
	// the arena maximum.
	MaxDescriptors int

	// Logger receives debug events. A nil Logger discards them.
	Logger *slog.Logger
}

// Manager tracks the ownership of physical memory.
type Manager struct {
	lock sync.Spinlock

	arena *chunk.Arena[chunkInfo]

	// mmap is the head of the address-sorted list covering all of
	// physical memory and highmem points to its first high memory chunk.
	mmap    chunk.Handle
	highmem chunk.Handle

	// Zone free lists, chained through buddy links.
	freeLow  chunk.Handle
	freeHigh chunk.Handle

	// refillErr records why the last descriptor refill failed.
	refillErr error

	log *slog.Logger
}

// New seeds a Manager with the memory map in info. The memory map must be
// sorted and must not contain overlapping entries.
func New(info *multiboot.Info, opts Options) (*Manager, error) {
	m := &Manager{
		mmap:     chunk.Nil,
		highmem:  chunk.Nil,
		freeLow:  chunk.Nil,
		freeHigh: chunk.Nil,
		log:      opts.Logger,
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// Every entry needs at most two descriptors (one per zone) plus one
	// for the null page.
	m.arena = chunk.NewArena[chunkInfo](2*len(info.MemoryMap)+1+chunk.NodesPerBlock, opts.MaxDescriptors)
	m.arena.Refill = m.refill

	var (
		err     error
		lastEnd uintptr
	)
	info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		start, end := uintptr(entry.PhysAddress), uintptr(entry.End())
		if entry.Nature == multiboot.Free {
			// Only whole pages may be handed out
			start, end = mm.PageAlignUp(start), mm.PageAlignDown(end)
		} else {
			start, end = mm.PageAlignDown(start), mm.PageAlignUp(end)
		}

		if start < lastEnd {
			start = lastEnd
		}
		if end <= start {
			return true
		}
		lastEnd = end

		// Address 0 is never handed out
		if start == 0 && entry.Nature != multiboot.Reserved {
			if err = m.seed(0, mm.PageSize, multiboot.Reserved); err != nil {
				return false
			}
			if start = mm.PageSize; end <= start {
				return true
			}
		}

		if start < mm.LowMemLimit && end > mm.LowMemLimit {
			if err = m.seed(start, mm.LowMemLimit, entry.Nature); err != nil {
				return false
			}
			start = mm.LowMemLimit
		}

		err = m.seed(start, end, entry.Nature)
		return err == nil
	})

	if err != nil {
		return nil, errors.Wrap(err, "pmm: seeding physical memory map")
	}

	m.highmem = m.firstHighmem()
	return m, nil
}

// seed appends a chunk describing [start, end) to the memory map.
func (m *Manager) seed(start, end uintptr, nature multiboot.Nature) error {
	h, err := m.arena.Get()
	if err != nil {
		return err
	}

	n := m.arena.Node(h)
	n.Location, n.Size, n.Data.nature = start, end-start, nature

	switch nature {
	case multiboot.Free:
		n.Data.allocatable = true
	case multiboot.Reserved:
		n.Data.allocatable = false
	case multiboot.Bootstrap, multiboot.KernelData, multiboot.Module:
		n.Data.allocatable = true
		n.Data.owners = mm.OwnedBy(mm.KernelPID)
	default:
		m.arena.Put(h)
		return errors.Newf("pmm: unknown region nature %d at %#x", nature, start)
	}

	if err = m.arena.Insert(&m.mmap, h); err != nil {
		m.arena.Put(h)
		return err
	}

	if n.Data.allocatable && n.Data.owners.Empty() {
		m.arena.InsertBuddySorted(m.freeList(start), h)
	}

	m.log.Debug("seeded physical chunk", "location", start, "size", end-start, "nature", nature.String())
	return nil
}

func (m *Manager) firstHighmem() chunk.Handle {
	for cur := m.mmap; cur != chunk.Nil; cur = m.arena.Next(cur) {
		if !mm.IsLowMem(m.arena.Node(cur).Location) {
			return cur
		}
	}
	return chunk.Nil
}

// freeList returns the free list for the zone that contains addr.
func (m *Manager) freeList(addr uintptr) *chunk.Handle {
	if mm.IsLowMem(addr) {
		return &m.freeLow
	}
	return &m.freeHigh
}

// info returns a value copy of the chunk addressed by h.
func (m *Manager) info(h chunk.Handle) ChunkInfo {
	n := m.arena.Node(h)
	return ChunkInfo{
		Location:    n.Location,
		Size:        n.Size,
		Owners:      n.Data.owners,
		Nature:      n.Data.nature,
		Allocatable: n.Data.allocatable,
	}
}

func (m *Manager) isFree(h chunk.Handle) bool {
	d := &m.arena.Node(h).Data
	return d.allocatable && d.owners.Empty()
}

// Info returns a copy of the descriptor for chunk h.
func (m *Manager) Info(h chunk.Handle) ChunkInfo {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.info(h)
}

// Fragments returns the location and size of each member of the buddy chain
// that starts at h.
func (m *Manager) Fragments(h chunk.Handle) []Fragment {
	m.lock.Acquire()
	defer m.lock.Release()

	var frags []Fragment
	for _, member := range m.arena.Chain(h) {
		n := m.arena.Node(member)
		frags = append(frags, Fragment{Location: n.Location, Size: n.Size})
	}
	return frags
}

// Find returns the chunk that contains addr.
func (m *Manager) Find(addr uintptr) (chunk.Handle, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	h := m.arena.Find(m.mmap, addr)
	return h, h != chunk.Nil
}

// FreeMemory returns the number of free bytes in the low and high memory
// zones.
func (m *Manager) FreeMemory() (low, high uintptr) {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.arena.ChainSize(m.freeLow), m.arena.ChainSize(m.freeHigh)
}

// Top returns the end address of the highest allocatable chunk.
func (m *Manager) Top() uintptr {
	m.lock.Acquire()
	defer m.lock.Release()

	var top uintptr
	m.arena.Each(m.mmap, func(_ chunk.Handle, n *chunk.Node[chunkInfo]) bool {
		if n.Data.allocatable {
			top = n.End()
		}
		return true
	})
	return top
}

// OwnedBy returns the chunks owned by pid in address order.
func (m *Manager) OwnedBy(pid mm.PID) []chunk.Handle {
	m.lock.Acquire()
	defer m.lock.Release()

	var owned []chunk.Handle
	m.arena.Each(m.mmap, func(h chunk.Handle, n *chunk.Node[chunkInfo]) bool {
		if n.Data.owners.Has(pid) {
			owned = append(owned, h)
		}
		return true
	})
	return owned
}
