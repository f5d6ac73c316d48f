package malloc

import (
	"github.com/cockroachdb/errors"

	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
	"kmem/kernel/mm/vmm"
)

// Share makes the shareable allocation that src owns at addr available to
// dst and returns its address in dst. Sharing the same allocation again only
// takes another reference. Passing paging.Same as flags reuses the flags of
// the source region. If force is set, running out of memory is fatal.
func (a *Allocator) Share(src mm.PID, addr uintptr, dst mm.PID, flags paging.Flags, force bool) (uintptr, error) {
	if src == dst {
		return 0, ErrSelfShare
	}
	if flags&paging.Global != 0 {
		return 0, ErrInvalidFlags
	}

	for attempt := 0; ; attempt++ {
		ps, pt, err := a.lockPair(src, dst)
		if err != nil {
			return 0, err
		}

		virt, err := a.share(ps, addr, pt, flags)
		a.unlockPair(ps, pt)

		if err == nil || !force || attempt > 0 || !isExhaustion(err) {
			return virt, err
		}
		a.liberate(dst, 0, err)
	}
}

// unlockPair releases a pair locked by lockPair, kernel first.
func (a *Allocator) unlockPair(ps, pt *process) {
	if ps == a.kernel {
		a.unlock(ps, pt)
		return
	}
	a.unlock(pt, ps)
}

// isExhaustion returns true for failures that more memory could fix.
func isExhaustion(err error) bool {
	return !errors.Is(err, ErrUnknownAddress) && !errors.Is(err, ErrNotShareable) &&
		!errors.Is(err, ErrNotContiguous) && !errors.Is(err, ErrUnknownPID)
}

func (a *Allocator) share(ps *process, addr uintptr, pt *process, flags paging.Flags) (uintptr, error) {
	h := a.spans.FindAt(ps.busy, addr)
	if h == chunk.Nil {
		return 0, ErrUnknownAddress
	}

	sn := a.spans.Node(h)
	if !sn.Data.shareable {
		return 0, ErrNotShareable
	}

	src := a.regions.Node(sn.Data.region)
	if flags == paging.Same {
		flags = src.Data.flags
	}

	// The target already holds the allocation
	existing := chunk.Nil
	a.regions.Each(pt.regions, func(r chunk.Handle, n *chunk.Node[backing]) bool {
		if n.Data.phys == src.Data.phys {
			existing = r
			return false
		}
		return true
	})
	if existing != chunk.Nil {
		var virt uintptr
		a.spans.Each(pt.busy, func(_ chunk.Handle, n *chunk.Node[span]) bool {
			if n.Data.region == existing {
				n.Data.shares++
				virt = n.Location
				return false
			}
			return true
		})
		return virt, nil
	}

	frags := a.phys.Fragments(src.Data.phys)
	if pt.pid == mm.KernelPID && len(frags) != 1 {
		return 0, ErrNotContiguous
	}

	var descs [4]chunk.Handle
	for i := range descs {
		var err error
		if i == 0 {
			descs[i], err = a.regions.Get()
		} else {
			descs[i], err = a.spans.Get()
		}
		if err != nil {
			a.putDescriptors(descs[:i])
			return 0, errors.Wrap(err, "malloc: allocating share descriptors")
		}
	}

	if err := a.phys.OwnerAdd(src.Data.phys, pt.pid); err != nil {
		a.putDescriptors(descs[:])
		return 0, errors.Wrapf(err, "malloc: sharing allocation at %#x with pid %d", addr, pt.pid)
	}

	var virt uintptr
	if pt.pid == mm.KernelPID {
		virt = frags[0].Location
	} else {
		var err error
		if virt, err = a.virt.Map(pt.pid, src.Data.phys, flags); err != nil {
			_ = a.phys.OwnerDel(src.Data.phys, pt.pid)
			a.putDescriptors(descs[:])
			return 0, errors.Wrapf(err, "malloc: mapping shared allocation at %#x into pid %d", addr, pt.pid)
		}
	}

	r := descs[0]
	rn := a.regions.Node(r)
	rn.Location, rn.Size = virt, src.Size
	rn.Data = backing{phys: src.Data.phys, flags: flags, shareable: true, busy: 1}
	_ = a.regions.Insert(&pt.regions, r)

	offset := sn.Location - src.Location
	busy := a.spans.Node(descs[1])
	busy.Location, busy.Size = virt+offset, sn.Size
	busy.Data = span{region: r, shares: 1, shareable: true}
	_ = a.spans.Insert(&pt.busy, descs[1])

	// Holes cover the rest of the region
	used := []bool{true, true, false, false}
	for i, hole := range []struct{ loc, size uintptr }{
		{virt, offset},
		{busy.End(), rn.End() - busy.End()},
	} {
		if hole.size == 0 {
			continue
		}
		hn := a.spans.Node(descs[2+i])
		hn.Location, hn.Size, hn.Data = hole.loc, hole.size, span{region: r}
		_ = a.spans.Insert(&pt.free, descs[2+i])
		used[2+i] = true
	}
	for i, h := range descs {
		if !used[i] {
			a.spans.Put(h)
		}
	}

	a.log.Debug("shared allocation", "src", ps.pid, "dst", pt.pid, "location", sn.Location, "target", busy.Location, "size", sn.Size)
	return busy.Location, nil
}

// putDescriptors returns descriptors reserved by share. The first one is a
// region descriptor.
func (a *Allocator) putDescriptors(descs []chunk.Handle) {
	for i, h := range descs {
		if i == 0 {
			a.regions.Put(h)
		} else {
			a.spans.Put(h)
		}
	}
}

// EnterPool activates a memory pool over the allocation that starts at addr.
// Until the pool is left, Malloc requests from pid are bump-allocated from the
// pool. Nested calls only increase the pool depth.
func (a *Allocator) EnterPool(pid mm.PID, addr uintptr) error {
	p := a.lockProcess(pid, false)
	if p == nil {
		return ErrUnknownPID
	}
	defer a.unlock(p)

	h := a.spans.FindAt(p.busy, addr)
	if h == chunk.Nil {
		return ErrUnknownAddress
	}

	if p.pool.depth > 0 {
		p.pool.depth++
		return nil
	}

	n := a.spans.Node(h)
	p.pool = pool{base: n.Location, end: n.End(), cursor: n.Location, depth: 1}
	return nil
}

// LeavePool leaves the innermost pool level and returns the address at which
// pool allocation would resume.
func (a *Allocator) LeavePool(pid mm.PID) (uintptr, error) {
	p := a.lockProcess(pid, false)
	if p == nil {
		return 0, ErrUnknownPID
	}
	defer a.unlock(p)

	if p.pool.depth == 0 {
		return 0, ErrNoPool
	}

	resume := p.pool.cursor
	if p.pool.depth--; p.pool.depth == 0 {
		p.pool = pool{}
	}
	return resume, nil
}

// SetPool moves the allocation cursor of the active pool to location.
func (a *Allocator) SetPool(pid mm.PID, location uintptr) error {
	p := a.lockProcess(pid, false)
	if p == nil {
		return ErrUnknownPID
	}
	defer a.unlock(p)

	switch {
	case p.pool.depth == 0:
		return ErrNoPool
	case location < p.pool.base || location > p.pool.end:
		return ErrOutsidePool
	}

	p.pool.cursor = location
	return nil
}

// Kill releases every allocation of pid and removes its address space and
// its remaining physical memory.
func (a *Allocator) Kill(pid mm.PID) error {
	if pid == mm.KernelPID {
		return ErrKernelPID
	}

	if p := a.lockProcess(pid, false); p != nil {
		p.pool = pool{}
		for p.busy != chunk.Nil {
			a.release(p, p.busy)
		}
		for p.regions != chunk.Nil {
			a.regions.Node(p.regions).Data.busy = 0
			a.discardIdle(p, p.regions)
		}
		a.unlock(p)
	}

	if err := a.virt.RemoveProcess(pid); err != nil && !errors.Is(err, vmm.ErrUnknownPID) {
		return errors.Wrapf(err, "malloc: removing address space of pid %d", pid)
	}
	if err := a.phys.Kill(pid); err != nil {
		return errors.Wrapf(err, "malloc: releasing physical memory of pid %d", pid)
	}

	a.log.Debug("killed process", "pid", pid)
	return nil
}
