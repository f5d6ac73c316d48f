package pmm

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
)

// Snapshot is a value copy of the manager state.
type Snapshot struct {
	Chunks   []ChunkInfo
	FreeLow  []uintptr
	FreeHigh []uintptr
}

// Snapshot returns a copy of the memory map and of the free list contents.
func (m *Manager) Snapshot() Snapshot {
	m.lock.Acquire()
	defer m.lock.Release()

	var s Snapshot
	for cur := m.mmap; cur != chunk.Nil; cur = m.arena.Next(cur) {
		s.Chunks = append(s.Chunks, m.info(cur))
	}
	for cur := m.freeLow; cur != chunk.Nil; cur = m.arena.Buddy(cur) {
		s.FreeLow = append(s.FreeLow, m.arena.Node(cur).Location)
	}
	for cur := m.freeHigh; cur != chunk.Nil; cur = m.arena.Buddy(cur) {
		s.FreeHigh = append(s.FreeHigh, m.arena.Node(cur).Location)
	}
	return s
}

// Validate checks the manager invariants: the memory map is sorted and
// non-overlapping, no chunk straddles the low memory boundary, a chunk is
// free iff it is a member of its zone free list and buddy chains have
// uniform owners.
func (m *Manager) Validate() error {
	m.lock.Acquire()
	defer m.lock.Release()

	if err := m.arena.Validate(m.mmap); err != nil {
		return errors.Wrap(err, "pmm: memory map")
	}

	if exp := m.firstHighmem(); m.highmem != exp {
		return errors.AssertionFailedf("pmm: highmem points to chunk %d; expected %d", m.highmem, exp)
	}

	onList := make(map[chunk.Handle]bool)
	for _, zone := range []struct {
		head chunk.Handle
		low  bool
	}{{m.freeLow, true}, {m.freeHigh, false}} {
		var prevEnd uintptr
		count := 0
		for cur := zone.head; cur != chunk.Nil; cur = m.arena.Buddy(cur) {
			n := m.arena.Node(cur)
			if count > 0 && n.Location < prevEnd {
				return errors.AssertionFailedf("pmm: free list is not sorted at %#x", n.Location)
			}
			if mm.IsLowMem(n.Location) != zone.low {
				return errors.AssertionFailedf("pmm: free chunk at %#x is linked to the wrong zone", n.Location)
			}
			if !m.isFree(cur) {
				return errors.AssertionFailedf("pmm: allocated chunk at %#x is linked to a free list", n.Location)
			}
			if onList[cur] {
				return errors.AssertionFailedf("pmm: chunk at %#x is linked to a free list twice", n.Location)
			}
			onList[cur] = true
			prevEnd = n.End()
			count++
		}
	}

	var err error
	m.arena.Each(m.mmap, func(h chunk.Handle, n *chunk.Node[chunkInfo]) bool {
		switch {
		case n.Location < mm.LowMemLimit && n.End() > mm.LowMemLimit:
			err = errors.AssertionFailedf("pmm: chunk [%#x, %#x) straddles the low memory boundary", n.Location, n.End())
		case m.isFree(h) && !onList[h]:
			err = errors.AssertionFailedf("pmm: free chunk at %#x is not linked to a free list", n.Location)
		case !m.isFree(h) && m.arena.Buddy(h) != chunk.Nil && m.arena.Node(m.arena.Buddy(h)).Data.owners != n.Data.owners:
			err = errors.AssertionFailedf("pmm: buddy chain at %#x has mixed owners", n.Location)
		}
		return err == nil
	})

	return err
}

// Dump writes a table describing the memory map to w. A nil w selects the
// console.
func (m *Manager) Dump(w io.Writer) {
	if w == nil {
		w = kfmt.Console
	}
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[pmm] ")}

	m.lock.Acquire()
	defer m.lock.Release()

	kfmt.Fprintf(pw, "physical memory map:\n")
	m.arena.Each(m.mmap, func(h chunk.Handle, n *chunk.Node[chunkInfo]) bool {
		var misc string
		switch {
		case h == m.highmem:
			misc = "highmem"
		case m.arena.Buddy(h) != chunk.Nil && !m.isFree(h):
			misc = "chained"
		}
		kfmt.Fprintf(pw, "\t[0x%10x - 0x%10x], size: %10d, owners: %v, nature: %-9s %s\n",
			n.Location, n.End(), n.Size, n.Data.owners.PIDs(), n.Data.nature.String(), misc)
		return true
	})

	low, high := m.arena.ChainSize(m.freeLow), m.arena.ChainSize(m.freeHigh)
	kfmt.Fprintf(pw, "free memory: %dKb low, %dKb high\n", uint64(mm.Size(low)/mm.Kb), uint64(mm.Size(high)/mm.Kb))
	kfmt.Fprintf(pw, "descriptors: %d/%d in use\n", m.arena.Cap()-m.arena.Spare(), m.arena.Cap())
}

// DumpJSON returns the memory map encoded as JSON.
func (m *Manager) DumpJSON() ([]byte, error) {
	m.lock.Acquire()
	defer m.lock.Release()

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("descriptors").Int(m.arena.Cap() - m.arena.Spare())
	obj.Name("capacity").Int(m.arena.Cap())

	chunks := obj.Name("chunks").Array()
	m.arena.Each(m.mmap, func(h chunk.Handle, n *chunk.Node[chunkInfo]) bool {
		c := chunks.Object()
		c.Name("location").Int(int(n.Location))
		c.Name("size").Int(int(n.Size))
		c.Name("nature").String(n.Data.nature.String())
		c.Name("allocatable").Bool(n.Data.allocatable)
		c.Name("free").Bool(m.isFree(h))
		owners := c.Name("owners").Array()
		for _, pid := range n.Data.owners.PIDs() {
			owners.Int(int(pid))
		}
		owners.End()
		c.End()
		return true
	})
	chunks.End()
	obj.End()

	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "pmm: encoding memory map")
	}
	return w.Bytes(), nil
}
