package vmm

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
)

// Region is a value copy of a virtual region descriptor.
type Region struct {
	Location uintptr
	Size     uintptr
	Flags    paging.Flags

	// Phys is the physical address mapped at Location.
	Phys uintptr

	// Chained is set for regions that follow another region in a buddy
	// chain.
	Chained bool
}

// Space is a value copy of an address space.
type Space struct {
	PID     mm.PID
	Regions []Region
}

// Snapshot is a value copy of every address space, kernel first.
type Snapshot struct {
	Spaces []Space
}

// eachSpace invokes fn with every live address space locked, kernel first.
// It is called with globalLock held.
func (m *Manager) eachSpace(fn func(s *addressSpace) error) error {
	m.kernel.lock.Acquire()
	err := fn(m.kernel)
	m.kernel.lock.Release()

	for _, s := range m.others() {
		if err != nil {
			break
		}

		s.lock.Acquire()
		if s.state != spaceTornDown {
			err = fn(s)
		}
		s.lock.Release()
	}
	return err
}

func (m *Manager) regionInfo(n *chunk.Node[region]) Region {
	r := Region{Location: n.Location, Size: n.Size, Flags: n.Data.flags, Chained: !n.Data.head}
	if frags := m.backing(n); len(frags) != 0 {
		r.Phys = frags[0].Location
	}
	return r
}

// Snapshot returns a copy of every address space.
func (m *Manager) Snapshot() Snapshot {
	m.globalLock.Acquire()
	defer m.globalLock.Release()

	var snap Snapshot
	_ = m.eachSpace(func(s *addressSpace) error {
		space := Space{PID: s.pid}
		m.arena.Each(s.regions, func(_ chunk.Handle, n *chunk.Node[region]) bool {
			space.Regions = append(space.Regions, m.regionInfo(n))
			return true
		})
		snap.Spaces = append(snap.Spaces, space)
		return nil
	})
	return snap
}

// Validate checks that every region list is sorted and non-overlapping, that
// the first page of each address space is unused, that page tables agree with
// the region lists and that every process holds a replica of each global
// kernel region.
func (m *Manager) Validate() error {
	m.globalLock.Acquire()
	defer m.globalLock.Release()

	var globals []Region
	return m.eachSpace(func(s *addressSpace) error {
		if err := m.arena.Validate(s.regions); err != nil {
			return errors.Wrapf(err, "vmm: regions of pid %d", s.pid)
		}

		var (
			private  int
			replicas int
			err      error
		)
		m.arena.Each(s.regions, func(_ chunk.Handle, n *chunk.Node[region]) bool {
			r := m.regionInfo(n)
			switch {
			case r.Location < mm.PageSize:
				err = errors.AssertionFailedf("vmm: pid %d maps the reserved first page", s.pid)
				return false
			case r.Flags&paging.Global != 0 && s.pid == mm.KernelPID:
				globals = append(globals, r)
			case r.Flags&paging.Global != 0:
				replicas++
			default:
				private++
			}

			if r.Flags&paging.Absent == 0 {
				phys, terr := m.pager.Translate(s.table, r.Location)
				if terr != nil || phys != r.Phys {
					err = errors.AssertionFailedf("vmm: pid %d region at %#x translates to %#x (%v); expected %#x", s.pid, r.Location, phys, terr, r.Phys)
					return false
				}
			}
			return true
		})

		switch {
		case err != nil:
			return err
		case s.pid != mm.KernelPID && private != s.private:
			return errors.AssertionFailedf("vmm: pid %d has %d private regions; recorded %d", s.pid, private, s.private)
		case s.pid != mm.KernelPID && replicas != len(globals):
			return errors.AssertionFailedf("vmm: pid %d has %d global regions; kernel has %d", s.pid, replicas, len(globals))
		}

		for _, g := range globals {
			if s.pid == mm.KernelPID {
				break
			}

			h := m.arena.FindAt(s.regions, g.Location)
			if h == chunk.Nil || m.regionInfo(m.arena.Node(h)) != g {
				return errors.AssertionFailedf("vmm: pid %d lacks a replica of global region at %#x", s.pid, g.Location)
			}
		}
		return nil
	})
}

// Dump writes a table describing every address space to w. A nil w selects
// the console.
func (m *Manager) Dump(w io.Writer) {
	if w == nil {
		w = kfmt.Console
	}
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[vmm] ")}

	m.globalLock.Acquire()
	defer m.globalLock.Release()

	_ = m.eachSpace(func(s *addressSpace) error {
		kfmt.Fprintf(pw, "address space of pid %d (table: 0x%x, state: %s):\n", s.pid, uintptr(s.table), s.state.String())
		m.arena.Each(s.regions, func(_ chunk.Handle, n *chunk.Node[region]) bool {
			r := m.regionInfo(n)
			var misc string
			switch {
			case r.Chained:
				misc = "chained"
			case n.Data.fixed:
				misc = "fixed"
			}
			kfmt.Fprintf(pw, "\t[0x%12x - 0x%12x], size: %10d, flags: %s, phys: 0x%x %s\n",
				r.Location, r.Location+r.Size, r.Size, r.Flags.String(), r.Phys, misc)
			return true
		})
		return nil
	})
	kfmt.Fprintf(pw, "descriptors: %d/%d in use\n", m.arena.Cap()-m.arena.Spare(), m.arena.Cap())
}

// DumpJSON returns every address space encoded as JSON.
func (m *Manager) DumpJSON() ([]byte, error) {
	m.globalLock.Acquire()
	defer m.globalLock.Release()

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("descriptors").Int(m.arena.Cap() - m.arena.Spare())
	obj.Name("capacity").Int(m.arena.Cap())

	spaces := obj.Name("spaces").Array()
	_ = m.eachSpace(func(s *addressSpace) error {
		so := spaces.Object()
		so.Name("pid").Int(int(s.pid))
		so.Name("table").Int(int(s.table))
		so.Name("state").String(s.state.String())

		regions := so.Name("regions").Array()
		m.arena.Each(s.regions, func(_ chunk.Handle, n *chunk.Node[region]) bool {
			r := m.regionInfo(n)
			ro := regions.Object()
			ro.Name("location").Int(int(r.Location))
			ro.Name("size").Int(int(r.Size))
			ro.Name("flags").String(r.Flags.String())
			ro.Name("phys").Int(int(r.Phys))
			ro.Name("chained").Bool(r.Chained)
			ro.End()
			return true
		})
		regions.End()
		so.End()
		return nil
	})
	spaces.End()
	obj.End()

	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "vmm: encoding address spaces")
	}
	return w.Bytes(), nil
}
