package pmm

import (
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
)

// refill replenishes the descriptor pool by carving one page off the head of
// the high memory free list. The page is handed to the kernel. It is invoked
// with m.lock held, either directly or by the arena when it runs dry.
func (m *Manager) refill() bool {
	// Without this check a refill triggered while the high memory free
	// list is empty would recurse through Split.
	if m.freeHigh == chunk.Nil {
		m.refillErr = ErrOutOfMemory
		return false
	}

	if !m.arena.Grow() {
		m.refillErr = ErrDescriptorLimit
		return false
	}

	h := m.freeHigh
	m.arena.RemoveBuddy(&m.freeHigh, h)
	if m.arena.Node(h).Size > mm.PageSize {
		rem, err := m.arena.Split(h, mm.PageSize)
		if err != nil {
			m.arena.InsertBuddySorted(&m.freeHigh, h)
			m.refillErr = err
			return false
		}
		m.arena.InsertBuddySorted(&m.freeHigh, rem)
	}

	n := m.arena.Node(h)
	n.Data.owners = mm.OwnedBy(mm.KernelPID)
	m.log.Debug("descriptor pool refilled", "page", n.Location, "capacity", m.arena.Cap())
	return true
}

// reserveDescriptors ensures that at least one spare descriptor is available
// so that an allocation can split its last chunk.
func (m *Manager) reserveDescriptors() error {
	if m.arena.Spare() != 0 {
		return nil
	}

	if !m.refill() {
		return m.refillErr
	}
	return nil
}

// AllocChunk allocates size bytes (rounded up to a page multiple) on behalf of
// owner. If contiguous is true, the returned chain holds a single chunk.
// Otherwise free chunks are pulled from the head of the free list until the
// request is satisfied. High memory is preferred; low memory is only used
// when high memory cannot satisfy the request.
func (m *Manager) AllocChunk(owner mm.PID, size uintptr, contiguous bool) (chunk.Handle, error) {
	m.lock.Acquire()
	defer m.lock.Release()

	h, err := m.alloc(&m.freeHigh, owner, size, contiguous)
	if err == ErrOutOfMemory {
		h, err = m.alloc(&m.freeLow, owner, size, contiguous)
	}
	return h, err
}

// AllocLowChunk behaves like AllocChunk but only allocates memory below 1MiB.
func (m *Manager) AllocLowChunk(owner mm.PID, size uintptr, contiguous bool) (chunk.Handle, error) {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.alloc(&m.freeLow, owner, size, contiguous)
}

// AllocPage allocates a single page on behalf of owner.
func (m *Manager) AllocPage(owner mm.PID) (chunk.Handle, error) {
	return m.AllocChunk(owner, mm.PageSize, true)
}

// AllocFrame allocates a single kernel-owned page and returns its frame. It is
// used to back page tables and descriptor pools.
func (m *Manager) AllocFrame() (mm.Frame, error) {
	m.lock.Acquire()
	defer m.lock.Release()

	h, err := m.alloc(&m.freeHigh, mm.KernelPID, mm.PageSize, true)
	if err == ErrOutOfMemory {
		h, err = m.alloc(&m.freeLow, mm.KernelPID, mm.PageSize, true)
	}
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(m.arena.Node(h).Location), nil
}

// FreeFrame releases a page returned by AllocFrame.
func (m *Manager) FreeFrame(frame mm.Frame) error {
	m.lock.Acquire()
	defer m.lock.Release()

	h := m.arena.FindAt(m.mmap, frame.Address())
	if h == chunk.Nil || m.arena.Node(h).Size != mm.PageSize || m.arena.Buddy(h) != chunk.Nil {
		return ErrUnknownAddress
	}
	return m.free(h)
}

func (m *Manager) alloc(list *chunk.Handle, owner mm.PID, size uintptr, contiguous bool) (chunk.Handle, error) {
	if size == 0 {
		return chunk.Nil, ErrInvalidSize
	}
	size = mm.PageAlignUp(size)

	if err := m.reserveDescriptors(); err != nil {
		return chunk.Nil, err
	}

	var (
		picked []chunk.Handle
		total  uintptr
	)
	for cur := *list; cur != chunk.Nil && total < size; cur = m.arena.Buddy(cur) {
		curSize := m.arena.Node(cur).Size
		if contiguous && curSize < size {
			continue
		}
		picked = append(picked, cur)
		total += curSize
	}

	if total < size {
		return chunk.Nil, ErrOutOfMemory
	}

	for _, h := range picked {
		m.arena.RemoveBuddy(list, h)
	}

	last := picked[len(picked)-1]
	if excess := total - size; excess != 0 {
		rem, err := m.arena.Split(last, m.arena.Node(last).Size-excess)
		if err != nil {
			for _, h := range picked {
				m.arena.InsertBuddySorted(list, h)
			}
			return chunk.Nil, err
		}
		m.arena.InsertBuddySorted(list, rem)
		m.log.Debug("split free chunk", "location", m.arena.Node(rem).Location, "remainder", excess)
	}

	for i, h := range picked {
		m.arena.Node(h).Data.owners = mm.OwnedBy(owner)
		next := chunk.Nil
		if i+1 < len(picked) {
			next = picked[i+1]
		}
		m.arena.SetBuddy(h, next)
	}
	m.mergeChain(picked[0])

	m.log.Debug("allocated physical memory", "owner", owner, "location", m.arena.Node(picked[0]).Location, "size", size, "fragments", len(m.arena.Chain(picked[0])))
	return picked[0], nil
}

// mergeChain coalesces address-adjacent members of the chain that starts at
// head into a single descriptor.
func (m *Manager) mergeChain(head chunk.Handle) {
	for h := head; h != chunk.Nil; {
		next := m.arena.Buddy(h)
		if next != chunk.Nil && m.arena.Next(h) == next && m.arena.Node(h).End() == m.arena.Node(next).Location {
			m.arena.SetBuddy(h, m.arena.Buddy(next))
			if err := m.arena.Absorb(h); err == nil {
				continue
			}
		}
		h = next
	}
}

// AllocReserved claims the unowned reserved chunk that contains addr on
// behalf of owner.
func (m *Manager) AllocReserved(owner mm.PID, addr uintptr) (chunk.Handle, error) {
	m.lock.Acquire()
	defer m.lock.Release()

	h := m.arena.Find(m.mmap, addr)
	if h == chunk.Nil {
		return chunk.Nil, ErrUnknownAddress
	}

	d := &m.arena.Node(h).Data
	if d.allocatable || !d.owners.Empty() {
		return chunk.Nil, ErrNotReserved
	}

	d.owners = mm.OwnedBy(owner)
	return h, nil
}

// Free releases every chunk of the buddy chain that starts at h.
func (m *Manager) Free(h chunk.Handle) error {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.free(h)
}

// FreeAddress releases the buddy chain headed by the chunk that contains addr.
func (m *Manager) FreeAddress(addr uintptr) error {
	m.lock.Acquire()
	defer m.lock.Release()

	h := m.arena.Find(m.mmap, addr)
	if h == chunk.Nil {
		return ErrUnknownAddress
	}
	return m.free(h)
}

func (m *Manager) free(h chunk.Handle) error {
	members := m.arena.Chain(h)
	for _, member := range members {
		if m.arena.Node(member).Data.owners.Empty() {
			return ErrNotAllocated
		}
	}

	loc := m.arena.Node(h).Location
	for _, member := range members {
		m.release(member)
	}

	m.log.Debug("released physical memory", "location", loc, "fragments", len(members))
	return nil
}

// release clears the owners of h. Allocatable chunks are returned to the free
// list of their zone and merged with adjacent free chunks of the same zone.
// release returns the chunk that now covers h.
func (m *Manager) release(h chunk.Handle) chunk.Handle {
	n := m.arena.Node(h)
	n.Data.owners = mm.Owners{}
	m.arena.SetBuddy(h, chunk.Nil)
	if !n.Data.allocatable {
		return h
	}

	n.Data.nature = multiboot.Free
	list := m.freeList(n.Location)
	m.arena.InsertBuddySorted(list, h)

	if next := m.arena.Next(h); next != chunk.Nil && m.mergeable(h, next) {
		m.arena.RemoveBuddy(list, next)
		_ = m.arena.Absorb(h)
	}

	if prev := m.arena.Prev(m.mmap, h); prev != chunk.Nil && m.mergeable(prev, h) {
		m.arena.RemoveBuddy(list, h)
		_ = m.arena.Absorb(prev)
		h = prev
	}

	return h
}

// mergeable returns true if a and b are adjacent free chunks of the same zone.
func (m *Manager) mergeable(a, b chunk.Handle) bool {
	na, nb := m.arena.Node(a), m.arena.Node(b)
	return m.isFree(a) && m.isFree(b) &&
		na.End() == nb.Location &&
		mm.IsLowMem(na.Location) == mm.IsLowMem(nb.Location)
}

// OwnerAdd adds pid to the owner set of every chunk in the buddy chain that
// starts at h. If any owner set is full, the chain is left untouched.
func (m *Manager) OwnerAdd(h chunk.Handle, pid mm.PID) error {
	m.lock.Acquire()
	defer m.lock.Release()

	members := m.arena.Chain(h)
	for _, member := range members {
		if m.arena.Node(member).Data.owners.Empty() {
			return ErrNotAllocated
		}
	}

	var added []chunk.Handle
	for _, member := range members {
		owners := &m.arena.Node(member).Data.owners
		if owners.Has(pid) {
			continue
		}

		if !owners.Add(pid) {
			for _, h := range added {
				m.arena.Node(h).Data.owners.Remove(pid)
			}
			return ErrTooManyOwners
		}
		added = append(added, member)
	}

	return nil
}

// OwnerDel removes pid from the owner set of every chunk in the buddy chain
// that starts at h. The chain is released once it has no owners left.
func (m *Manager) OwnerDel(h chunk.Handle, pid mm.PID) error {
	m.lock.Acquire()
	defer m.lock.Release()

	members := m.arena.Chain(h)
	for _, member := range members {
		if !m.arena.Node(member).Data.owners.Has(pid) {
			return ErrNotOwner
		}
	}

	for _, member := range members {
		m.arena.Node(member).Data.owners.Remove(pid)
	}

	if m.arena.Node(h).Data.owners.Empty() {
		for _, member := range members {
			m.release(member)
		}
	}

	return nil
}

// Kill removes pid from the owner set of every chunk it owns, releasing the
// chunks that are left without owners.
func (m *Manager) Kill(pid mm.PID) error {
	if pid == mm.KernelPID {
		return ErrKernelPID
	}

	m.lock.Acquire()
	defer m.lock.Release()

	var released int
	for cur := m.mmap; cur != chunk.Nil; cur = m.arena.Next(cur) {
		owners := &m.arena.Node(cur).Data.owners
		if !owners.Remove(pid) {
			continue
		}

		if owners.Empty() {
			cur = m.release(cur)
			released++
		}
	}

	m.log.Debug("killed process", "pid", pid, "released", released)
	return nil
}
