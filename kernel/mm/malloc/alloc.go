package malloc

import (
	"github.com/cockroachdb/errors"

	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
)

// panicFn is invoked when a forced request cannot be satisfied. It is mocked
// by tests.
var panicFn = kfmt.Panic

// Malloc allocates size bytes on behalf of pid and returns the address of the
// allocation. The allocation is carved from a hole of a backing region with
// matching flags or from a freshly mapped region. While pid has an active
// memory pool, requests are bump-allocated from the pool instead. If force
// is set, running out of memory is fatal.
func (a *Allocator) Malloc(pid mm.PID, size uintptr, flags paging.Flags, force bool) (uintptr, error) {
	return a.malloc(pid, size, flags, false, force)
}

// MallocShareable behaves like Malloc but always backs the allocation with a
// dedicated region so that it can later be passed to Share. Memory pools are
// bypassed.
func (a *Allocator) MallocShareable(pid mm.PID, size uintptr, flags paging.Flags, force bool) (uintptr, error) {
	return a.malloc(pid, size, flags, true, force)
}

func (a *Allocator) malloc(pid mm.PID, size uintptr, flags paging.Flags, shareable, force bool) (uintptr, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	if flags&(paging.Same|paging.Global) != 0 {
		return 0, ErrInvalidFlags
	}
	size = (size + allocAlign - 1) &^ (allocAlign - 1)

	for attempt := 0; ; attempt++ {
		p := a.lockProcess(pid, true)
		addr, err := a.allocate(p, size, flags, shareable)
		a.unlock(p)

		if err == nil || !force || attempt > 0 {
			return addr, err
		}
		a.liberate(pid, size, err)
	}
}

// liberate is invoked when a forced request fails. Reclaiming memory from
// other processes is not supported so the failure is fatal.
func (a *Allocator) liberate(pid mm.PID, size uintptr, cause error) {
	a.log.Error("forced allocation failed", "pid", pid, "size", size, "err", cause)
	panicFn(errForcedAllocation)
}

// allocate serves a request of size bytes (already aligned) with p locked.
func (a *Allocator) allocate(p *process, size uintptr, flags paging.Flags, shareable bool) (uintptr, error) {
	if p.pool.depth > 0 && !shareable {
		if p.pool.end-p.pool.cursor < size {
			return 0, ErrPoolExhausted
		}

		addr := p.pool.cursor
		p.pool.cursor += size
		return addr, nil
	}

	hole := chunk.Nil
	if !shareable {
		a.spans.Each(p.free, func(h chunk.Handle, n *chunk.Node[span]) bool {
			b := &a.regions.Node(n.Data.region).Data
			if n.Size >= size && b.flags == flags && !b.shareable {
				hole = h
				return false
			}
			return true
		})
	}

	var err error
	if hole == chunk.Nil {
		if hole, err = a.newRegion(p, size, flags, shareable); err != nil {
			return 0, err
		}
	}

	return a.carve(p, hole, size)
}

// carve moves the first size bytes of hole to the busy map.
func (a *Allocator) carve(p *process, hole chunk.Handle, size uintptr) (uintptr, error) {
	n := a.spans.Node(hole)
	if n.Size > size {
		if _, err := a.spans.Split(hole, size); err != nil {
			a.discardIdle(p, n.Data.region)
			return 0, errors.Wrap(err, "malloc: splitting hole")
		}
	}

	a.spans.Remove(&p.free, hole)
	b := &a.regions.Node(n.Data.region).Data
	n.Data.shares, n.Data.shareable = 1, b.shareable
	_ = a.spans.Insert(&p.busy, hole)
	b.busy++

	a.log.Debug("allocated memory", "pid", p.pid, "location", n.Location, "size", size)
	return n.Location, nil
}

// newRegion obtains a region of at least size bytes for p and returns the
// hole that covers it.
func (a *Allocator) newRegion(p *process, size uintptr, flags paging.Flags, shareable bool) (chunk.Handle, error) {
	r, err := a.regions.Get()
	if err != nil {
		return chunk.Nil, errors.Wrap(err, "malloc: allocating region descriptor")
	}

	hole, err := a.spans.Get()
	if err != nil {
		a.regions.Put(r)
		return chunk.Nil, errors.Wrap(err, "malloc: allocating span descriptor")
	}

	size = mm.PageAlignUp(size)
	contiguous := p.pid == mm.KernelPID
	phys, err := a.phys.AllocChunk(p.pid, size, contiguous)
	if err != nil {
		a.spans.Put(hole)
		a.regions.Put(r)
		return chunk.Nil, err
	}

	var virt uintptr
	if contiguous {
		virt = a.phys.Fragments(phys)[0].Location
	} else if virt, err = a.virt.Map(p.pid, phys, flags); err != nil {
		_ = a.phys.OwnerDel(phys, p.pid)
		a.spans.Put(hole)
		a.regions.Put(r)
		return chunk.Nil, errors.Wrapf(err, "malloc: mapping region for pid %d", p.pid)
	}

	rn := a.regions.Node(r)
	rn.Location, rn.Size, rn.Data = virt, size, backing{phys: phys, flags: flags, shareable: shareable}
	_ = a.regions.Insert(&p.regions, r)

	hn := a.spans.Node(hole)
	hn.Location, hn.Size, hn.Data = virt, size, span{region: r}
	_ = a.spans.Insert(&p.free, hole)

	a.log.Debug("created backing region", "pid", p.pid, "location", virt, "size", size, "flags", flags.String())
	return hole, nil
}

// Free releases the allocation that starts at addr. Shared allocations are
// only released once every reference is dropped.
func (a *Allocator) Free(pid mm.PID, addr uintptr) error {
	p := a.lockProcess(pid, false)
	if p == nil {
		return ErrUnknownPID
	}
	defer a.unlock(p)

	h := a.spans.FindAt(p.busy, addr)
	switch {
	case h == chunk.Nil:
		return ErrUnknownAddress
	case p.pool.depth > 0 && addr == p.pool.base:
		return ErrPoolActive
	}

	if n := a.spans.Node(h); n.Data.shares > 1 {
		n.Data.shares--
		return nil
	}

	a.release(p, h)
	return nil
}

// release moves the busy span h back to the free map. Regions left without
// busy spans are handed back to the memory managers.
func (a *Allocator) release(p *process, h chunk.Handle) {
	n := a.spans.Node(h)
	r := n.Data.region
	a.spans.Remove(&p.busy, h)
	n.Data = span{region: r}

	a.log.Debug("released memory", "pid", p.pid, "location", n.Location, "size", n.Size)

	b := &a.regions.Node(r).Data
	if b.busy--; b.busy == 0 {
		a.spans.Put(h)
		a.discardIdle(p, r)
		return
	}

	_ = a.spans.Insert(&p.free, h)
	if next := a.spans.Next(h); next != chunk.Nil && a.coalescable(h, next) {
		_ = a.spans.Absorb(h)
	}
	if prev := a.spans.Prev(p.free, h); prev != chunk.Nil && a.coalescable(prev, h) {
		_ = a.spans.Absorb(prev)
	}
}

// coalescable returns true if holes x and y are adjacent and belong to the
// same region.
func (a *Allocator) coalescable(x, y chunk.Handle) bool {
	nx, ny := a.spans.Node(x), a.spans.Node(y)
	return nx.End() == ny.Location && nx.Data.region == ny.Data.region
}

// discardIdle releases region r if no busy span was carved from it.
func (a *Allocator) discardIdle(p *process, r chunk.Handle) {
	rn := a.regions.Node(r)
	if rn.Data.busy != 0 {
		return
	}

	for cur := p.free; cur != chunk.Nil; {
		next := a.spans.Next(cur)
		if a.spans.Node(cur).Data.region == r {
			a.spans.Remove(&p.free, cur)
			a.spans.Put(cur)
		}
		cur = next
	}

	if p.pid != mm.KernelPID {
		if err := a.virt.FreeChunk(p.pid, rn.Location); err != nil {
			a.log.Error("unmapping backing region", "pid", p.pid, "location", rn.Location, "err", err)
		}
	}
	if err := a.phys.OwnerDel(rn.Data.phys, p.pid); err != nil {
		a.log.Error("releasing backing region", "pid", p.pid, "location", rn.Location, "err", err)
	}

	a.log.Debug("released backing region", "pid", p.pid, "location", rn.Location, "size", rn.Size)
	a.regions.Remove(&p.regions, r)
	a.regions.Put(r)
}
