package vmm

import (
	"github.com/cockroachdb/errors"

	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
)

// lockForUpdate locks the address space of pid for an operation that may
// touch global regions. For the kernel, globalLock is acquired first; the
// returned function releases it.
func (m *Manager) lockForUpdate(pid mm.PID) (*addressSpace, func(), error) {
	if pid == mm.KernelPID {
		m.globalLock.Acquire()
		return m.lockSpace(pid), m.globalLock.Release, nil
	}

	s := m.lockSpace(pid)
	if s == nil {
		return nil, nil, ErrUnknownPID
	}
	return s, func() {}, nil
}

// findHead returns the region chain of s that starts at virt.
func (m *Manager) findHead(s *addressSpace, virt uintptr) chunk.Handle {
	h := m.arena.FindAt(s.regions, virt)
	if h == chunk.Nil || !m.arena.Node(h).Data.head {
		return chunk.Nil
	}
	return h
}

// FreeChunk removes the region chain that starts at virt from the address
// space of pid. Removing a global region from the kernel address space also
// removes its replicas from every other address space. The address space of
// a process is torn down once its last private region is removed.
func (m *Manager) FreeChunk(pid mm.PID, virt uintptr) error {
	s, done, err := m.lockForUpdate(pid)
	if err != nil {
		return err
	}
	defer done()

	h := m.findHead(s, virt)
	if h == chunk.Nil {
		m.unlock(s)
		return ErrUnknownRegion
	}

	if m.arena.Node(h).Data.flags&paging.Global != 0 {
		switch {
		case pid == mm.KernelPID:
			m.removeReplicas(virt, m.others())
		case !s.mayFreeGlobal:
			m.unlock(s)
			return ErrGlobalPrivilege
		}
	}

	size := m.arena.ChainSize(h)
	m.uninstallChain(s, h)
	m.log.Debug("freed region", "pid", pid, "location", virt, "size", size)
	m.unlock(s)
	return nil
}

// AdjustFlags replaces the flags selected by mask with the corresponding
// bits of flags for the region chain that starts at virt. Only the kernel may
// change global regions; clearing the global flag removes the replicas from
// every other address space while setting it creates them.
func (m *Manager) AdjustFlags(pid mm.PID, virt uintptr, flags, mask paging.Flags) error {
	if (flags|mask)&paging.Same != 0 {
		return ErrInvalidFlags
	}

	s, done, err := m.lockForUpdate(pid)
	if err != nil {
		return err
	}
	defer done()
	defer m.unlock(s)

	h := m.findHead(s, virt)
	if h == chunk.Nil {
		return ErrUnknownRegion
	}

	oldFlags := m.arena.Node(h).Data.flags
	newFlags := (oldFlags &^ mask) | (flags & mask)
	wasGlobal, isGlobal := oldFlags&paging.Global != 0, newFlags&paging.Global != 0
	if (wasGlobal || isGlobal) && pid != mm.KernelPID {
		return ErrGlobalPrivilege
	}

	if err = m.setChainFlags(s, h, newFlags); err != nil {
		return err
	}

	if pid != mm.KernelPID {
		return nil
	}

	switch {
	case wasGlobal && isGlobal:
		for _, other := range m.others() {
			other.lock.Acquire()
			if replica := m.findHead(other, virt); other.state != spaceTornDown && replica != chunk.Nil {
				err = m.setChainFlags(other, replica, newFlags)
			}
			other.lock.Release()
			if err != nil {
				return err
			}
		}
	case wasGlobal:
		m.removeReplicas(virt, m.others())
	case isGlobal:
		if err = m.propagate(h); err != nil {
			_ = m.setChainFlags(s, h, oldFlags)
			return err
		}
	}

	return nil
}

// setChainFlags pushes flags to every region of the chain at head. On failure
// the regions already updated are restored.
func (m *Manager) setChainFlags(s *addressSpace, head chunk.Handle, flags paging.Flags) error {
	members := m.arena.Chain(head)
	for i, h := range members {
		n := m.arena.Node(h)
		if err := m.pager.SetFlags(s.table, n.Location, n.Size, flags); err != nil {
			for _, prev := range members[:i] {
				p := m.arena.Node(prev)
				_ = m.pager.SetFlags(s.table, p.Location, p.Size, p.Data.flags)
			}
			return errors.Wrapf(err, "vmm: updating flags of [%#x, %#x) for pid %d", n.Location, n.End(), s.pid)
		}
	}

	for _, h := range members {
		m.account(s, h, -1)
		m.arena.Node(h).Data.flags = flags
		m.account(s, h, 1)
	}
	return nil
}

// RemoveProcess removes every region, including the global replicas, from
// the address space of pid and tears it down. Physical memory is not
// released.
func (m *Manager) RemoveProcess(pid mm.PID) error {
	if pid == mm.KernelPID {
		return ErrKernelPID
	}

	s := m.lockSpace(pid)
	if s == nil {
		return ErrUnknownPID
	}

	s.mayFreeGlobal = true
	for s.regions != chunk.Nil {
		m.uninstall(s, s.regions)
	}

	m.log.Debug("removed process", "pid", pid)
	m.teardown(s)
	return nil
}
