package vmm

import (
	"github.com/cockroachdb/errors"

	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
	"kmem/kernel/mm/pmm"
)

// placement describes a region that install should create.
type placement struct {
	virt, size uintptr
	data       region
}

// Map maps the physical chain phys at the lowest free virtual range of the
// address space of pid and returns the virtual address of the mapping. The
// address space is created on first use.
func (m *Manager) Map(pid mm.PID, phys chunk.Handle, flags paging.Flags) (uintptr, error) {
	return m.mapChain(pid, phys, flags, 0, false)
}

// MapAt maps each fragment of the physical chain phys at location plus the
// fragment offset within the chain. Every fragment becomes a separate region
// so that the virtual layout mirrors the physical one.
func (m *Manager) MapAt(pid mm.PID, phys chunk.Handle, flags paging.Flags, location uintptr) (uintptr, error) {
	if !mm.IsPageAligned(location) {
		return 0, ErrMisaligned
	}
	return m.mapChain(pid, phys, flags, location, true)
}

func (m *Manager) mapChain(pid mm.PID, phys chunk.Handle, flags paging.Flags, location uintptr, fixed bool) (uintptr, error) {
	if flags&paging.Same != 0 {
		return 0, ErrInvalidFlags
	}

	global := flags&paging.Global != 0
	if global && pid != mm.KernelPID {
		return 0, ErrGlobalPrivilege
	}

	var (
		s       *addressSpace
		created bool
		err     error
	)
	if pid == mm.KernelPID {
		m.globalLock.Acquire()
		defer m.globalLock.Release()
		s = m.lockSpace(pid)
	} else if s, created, err = m.getSpace(pid); err != nil {
		return 0, err
	}

	// An address space created for a failed request is torn down again
	fail := func(err error) (uintptr, error) {
		if created && s.private == 0 {
			m.teardown(s)
		} else {
			m.unlock(s)
		}
		return 0, err
	}

	layout, err := m.layout(s, phys, flags, location, fixed)
	if err != nil {
		return fail(err)
	}

	head, err := m.install(s, layout)
	if err != nil {
		return fail(err)
	}

	if global {
		if err = m.propagate(head); err != nil {
			m.uninstallChain(s, head)
			return fail(err)
		}
	}

	virt := m.arena.Node(head).Location
	m.log.Debug("mapped region", "pid", pid, "location", virt, "size", m.arena.ChainSize(head), "flags", flags.String(), "fixed", fixed)
	m.unlock(s)
	return virt, nil
}

// layout computes the regions needed to map phys into s.
func (m *Manager) layout(s *addressSpace, phys chunk.Handle, flags paging.Flags, location uintptr, fixed bool) ([]placement, error) {
	frags := m.phys.Fragments(phys)

	if !fixed {
		var size uintptr
		for _, frag := range frags {
			size += frag.Size
		}

		var (
			virt uintptr
			ok   bool
		)
		if flags&paging.Global != 0 {
			virt, ok = m.globalHole(size)
		} else {
			virt, ok = m.arena.FindHole(s.regions, mm.PageSize, paging.MaxAddress, size)
		}
		if !ok {
			return nil, ErrNoVirtualSpace
		}
		return []placement{{virt: virt, size: size, data: region{flags: flags, phys: phys, head: true}}}, nil
	}

	// Fragments keep their physical distance from the head of the chain
	layout := make([]placement, 0, len(frags))
	for i, frag := range frags {
		layout = append(layout, placement{
			virt: location + (frag.Location - frags[0].Location),
			size: frag.Size,
			data: region{flags: flags, phys: phys, fixed: true, physAddr: frag.Location, head: i == 0},
		})
	}
	return layout, nil
}

// globalHole returns the lowest range of size bytes that is free in every
// address space. It is called with globalLock and the kernel lock held.
func (m *Manager) globalHole(size uintptr) (uintptr, bool) {
	others := m.others()
	for from := mm.PageSize; ; {
		virt, ok := m.arena.FindHole(m.kernel.regions, from, paging.MaxAddress, size)
		if !ok {
			return 0, false
		}

		from = virt
		for _, s := range others {
			s.lock.Acquire()
			next, ok := m.arena.FindHole(s.regions, virt, paging.MaxAddress, size)
			s.lock.Release()

			if !ok {
				return 0, false
			}
			if next != virt {
				from = next
				break
			}
		}

		if from == virt {
			return virt, true
		}
	}
}

// chainLayout returns the placements that replicate the region chain at head.
func (m *Manager) chainLayout(head chunk.Handle) []placement {
	var layout []placement
	for _, h := range m.arena.Chain(head) {
		n := m.arena.Node(h)
		layout = append(layout, placement{virt: n.Location, size: n.Size, data: n.Data})
	}
	return layout
}

// install creates the regions described by layout in s, links them into a
// buddy chain and fills their page tables. On failure s is left untouched.
func (m *Manager) install(s *addressSpace, layout []placement) (chunk.Handle, error) {
	var installed []chunk.Handle
	rollback := func() {
		for i := len(installed) - 1; i >= 0; i-- {
			m.uninstall(s, installed[i])
		}
	}

	for _, p := range layout {
		if p.virt < mm.PageSize {
			rollback()
			return chunk.Nil, ErrReservedPage
		}

		h, err := m.arena.Get()
		if err != nil {
			rollback()
			return chunk.Nil, errors.Wrap(err, "vmm: allocating region descriptor")
		}

		n := m.arena.Node(h)
		n.Location, n.Size, n.Data = p.virt, p.size, p.data
		if err = m.arena.Insert(&s.regions, h); err != nil {
			m.arena.Put(h)
			rollback()
			return chunk.Nil, ErrAddressInUse
		}
		m.account(s, h, 1)
		installed = append(installed, h)

		if err = m.materialize(s, h); err != nil {
			rollback()
			return chunk.Nil, errors.Wrapf(err, "vmm: mapping [%#x, %#x) for pid %d", p.virt, p.virt+p.size, s.pid)
		}
	}

	for i := 0; i+1 < len(installed); i++ {
		m.arena.SetBuddy(installed[i], installed[i+1])
	}
	return installed[0], nil
}

// materialize installs the page table entries for region h.
func (m *Manager) materialize(s *addressSpace, h chunk.Handle) error {
	n := m.arena.Node(h)
	if err := m.pager.Setup(s.table, n.Location, n.Size); err != nil {
		_ = m.pager.Remove(s.table, n.Location, n.Size)
		return err
	}

	virt := n.Location
	for _, frag := range m.backing(n) {
		if err := m.pager.Fill(s.table, frag.Location, virt, frag.Size, n.Data.flags); err != nil {
			_ = m.pager.Remove(s.table, n.Location, n.Size)
			return err
		}
		virt += frag.Size
	}
	return nil
}

// uninstall removes region h from s together with its translations.
func (m *Manager) uninstall(s *addressSpace, h chunk.Handle) {
	n := m.arena.Node(h)
	if err := m.pager.Remove(s.table, n.Location, n.Size); err != nil {
		m.log.Error("removing translations", "pid", s.pid, "location", n.Location, "err", err)
	}

	m.arena.Remove(&s.regions, h)
	m.account(s, h, -1)
	m.arena.Put(h)
}

func (m *Manager) uninstallChain(s *addressSpace, head chunk.Handle) {
	for _, h := range m.arena.Chain(head) {
		m.uninstall(s, h)
	}
}

// account updates the private region count of s when a region is added
// (delta 1) or removed (delta -1).
func (m *Manager) account(s *addressSpace, h chunk.Handle, delta int) {
	if m.arena.Node(h).Data.flags&paging.Global != 0 {
		return
	}

	s.private += delta
	if s.state == spaceCreated && s.private > 0 {
		s.state = spacePopulated
	}
}

// propagate replicates the global chain at head of the kernel address space
// into every other address space. It is called with globalLock and the kernel
// lock held. On failure the replicas installed so far are removed.
func (m *Manager) propagate(head chunk.Handle) error {
	layout := m.chainLayout(head)

	var done []*addressSpace
	for _, s := range m.others() {
		s.lock.Acquire()
		if s.state == spaceTornDown {
			s.lock.Release()
			continue
		}

		_, err := m.install(s, layout)
		s.lock.Release()
		if err != nil {
			m.removeReplicas(layout[0].virt, done)
			return errors.Wrapf(err, "vmm: replicating global region at %#x into pid %d", layout[0].virt, s.pid)
		}
		done = append(done, s)
	}
	return nil
}

// removeReplicas removes the global chain starting at virt from each of
// spaces. It is called with globalLock held.
func (m *Manager) removeReplicas(virt uintptr, spaces []*addressSpace) {
	for _, s := range spaces {
		s.lock.Acquire()
		if s.state != spaceTornDown {
			if h := m.arena.FindAt(s.regions, virt); h != chunk.Nil && m.arena.Node(h).Data.head && m.arena.Node(h).Data.flags&paging.Global != 0 {
				m.uninstallChain(s, h)
			}
		}
		s.lock.Release()
	}
}

// MapKernel maps every physical chunk owned by the kernel at its physical
// address plus offset as a global region. It is used while bootstrapping.
func (m *Manager) MapKernel(offset uintptr) error {
	m.globalLock.Acquire()
	defer m.globalLock.Release()

	s := m.lockSpace(mm.KernelPID)
	defer s.lock.Release()

	flags := paging.Read | paging.Write | paging.Exec | paging.Global
	for _, h := range m.phys.OwnedBy(mm.KernelPID) {
		info := m.phys.Info(h)
		head, err := m.install(s, []placement{{
			virt: info.Location + offset,
			size: info.Size,
			data: region{flags: flags, phys: h, fixed: true, physAddr: info.Location, head: true},
		}})
		if err != nil {
			return errors.Wrapf(err, "vmm: mapping kernel chunk at %#x", info.Location)
		}

		if err = m.propagate(head); err != nil {
			m.uninstallChain(s, head)
			return err
		}
	}

	m.log.Debug("mapped kernel", "offset", offset, "regions", m.arena.Len(s.regions))
	return nil
}

// backing returns the physical ranges mapped by the region n in order.
func (m *Manager) backing(n *chunk.Node[region]) []pmm.Fragment {
	if n.Data.fixed {
		return []pmm.Fragment{{Location: n.Data.physAddr, Size: n.Size}}
	}
	return m.phys.Fragments(n.Data.phys)
}
