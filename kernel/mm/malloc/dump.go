package malloc

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
)

// Span is a value copy of a busy or free map entry.
type Span struct {
	Location uintptr
	Size     uintptr

	// Region is the location of the backing region of the span.
	Region    uintptr
	Shares    uint32
	Shareable bool
}

// Region is a value copy of a backing region.
type Region struct {
	Location  uintptr
	Size      uintptr
	Flags     paging.Flags
	Shareable bool
	Busy      int
}

// Pool is a value copy of the memory pool state of a process.
type Pool struct {
	Base, End, Cursor uintptr
	Depth             int
}

// Process is a value copy of an allocator record.
type Process struct {
	PID     mm.PID
	Regions []Region
	Busy    []Span
	Free    []Span
	Pool    Pool
}

// Snapshot is a value copy of the allocator state. The kernel record comes
// first.
type Snapshot struct {
	Processes []Process
}

// eachProcess invokes fn with every live record locked, kernel first.
func (a *Allocator) eachProcess(fn func(*process)) {
	a.listLock.Acquire()
	defer a.listLock.Release()

	for p := a.kernel; p != nil; {
		p.lock.Acquire()
		if !p.isDead() {
			fn(p)
		}
		p.lock.Release()

		if p == a.kernel {
			p = a.procs
		} else {
			p = p.next
		}
	}
}

func (a *Allocator) spanList(head chunk.Handle) []Span {
	var spans []Span
	a.spans.Each(head, func(_ chunk.Handle, n *chunk.Node[span]) bool {
		spans = append(spans, Span{
			Location:  n.Location,
			Size:      n.Size,
			Region:    a.regions.Node(n.Data.region).Location,
			Shares:    n.Data.shares,
			Shareable: n.Data.shareable,
		})
		return true
	})
	return spans
}

func (a *Allocator) snapshotOf(p *process) Process {
	snap := Process{
		PID:  p.pid,
		Busy: a.spanList(p.busy),
		Free: a.spanList(p.free),
		Pool: Pool{Base: p.pool.base, End: p.pool.end, Cursor: p.pool.cursor, Depth: p.pool.depth},
	}
	a.regions.Each(p.regions, func(_ chunk.Handle, n *chunk.Node[backing]) bool {
		snap.Regions = append(snap.Regions, Region{
			Location:  n.Location,
			Size:      n.Size,
			Flags:     n.Data.flags,
			Shareable: n.Data.shareable,
			Busy:      n.Data.busy,
		})
		return true
	})
	return snap
}

// Snapshot returns a copy of every allocator record.
func (a *Allocator) Snapshot() Snapshot {
	var s Snapshot
	a.eachProcess(func(p *process) {
		s.Processes = append(s.Processes, a.snapshotOf(p))
	})
	return s
}

// Validate checks the allocator invariants: the maps of every record are
// sorted and non-overlapping, every span lies inside its backing region, the
// busy and free spans of a region add up to its size, no two adjacent holes
// of a region are left unmerged and every region holds a busy span.
func (a *Allocator) Validate() error {
	var err error
	a.eachProcess(func(p *process) {
		if err == nil {
			err = a.validate(p)
		}
	})
	return err
}

func (a *Allocator) validate(p *process) error {
	for _, list := range []struct {
		name string
		head chunk.Handle
	}{{"busy", p.busy}, {"free", p.free}} {
		if err := a.spans.Validate(list.head); err != nil {
			return errors.Wrapf(err, "malloc: %s map of pid %d", list.name, p.pid)
		}
	}
	if err := a.regions.Validate(p.regions); err != nil {
		return errors.Wrapf(err, "malloc: regions of pid %d", p.pid)
	}

	covered := make(map[chunk.Handle]uintptr)
	busy := make(map[chunk.Handle]int)
	check := func(h chunk.Handle, isBusy bool) error {
		n := a.spans.Node(h)
		rn := a.regions.Node(n.Data.region)
		if a.regions.FindAt(p.regions, rn.Location) != n.Data.region {
			return errors.AssertionFailedf("malloc: span at %#x of pid %d refers to an unknown region", n.Location, p.pid)
		}
		if n.Location < rn.Location || n.End() > rn.End() {
			return errors.AssertionFailedf("malloc: span [%#x, %#x) of pid %d exceeds its region", n.Location, n.End(), p.pid)
		}
		if isBusy && n.Data.shares == 0 {
			return errors.AssertionFailedf("malloc: busy span at %#x of pid %d has no references", n.Location, p.pid)
		}
		if isBusy {
			busy[n.Data.region]++
		}
		covered[n.Data.region] += n.Size
		return nil
	}

	for cur := p.busy; cur != chunk.Nil; cur = a.spans.Next(cur) {
		if err := check(cur, true); err != nil {
			return err
		}
	}
	for cur := p.free; cur != chunk.Nil; cur = a.spans.Next(cur) {
		if err := check(cur, false); err != nil {
			return err
		}
		if next := a.spans.Next(cur); next != chunk.Nil && a.coalescable(cur, next) {
			return errors.AssertionFailedf("malloc: adjacent holes at %#x of pid %d are not merged", a.spans.Node(cur).Location, p.pid)
		}
	}

	var err error
	a.regions.Each(p.regions, func(r chunk.Handle, n *chunk.Node[backing]) bool {
		switch {
		case n.Data.busy == 0:
			err = errors.AssertionFailedf("malloc: region at %#x of pid %d holds no allocation", n.Location, p.pid)
		case busy[r] != n.Data.busy:
			err = errors.AssertionFailedf("malloc: region at %#x of pid %d counts %d allocations; found %d", n.Location, p.pid, n.Data.busy, busy[r])
		case covered[r] != n.Size:
			err = errors.AssertionFailedf("malloc: spans of region at %#x of pid %d cover %d bytes; expected %d", n.Location, p.pid, covered[r], n.Size)
		}
		return err == nil
	})
	if err != nil {
		return err
	}

	if p.pool.depth > 0 && (p.pool.cursor < p.pool.base || p.pool.cursor > p.pool.end) {
		return errors.AssertionFailedf("malloc: pool cursor %#x of pid %d lies outside [%#x, %#x)", p.pool.cursor, p.pid, p.pool.base, p.pool.end)
	}
	return nil
}

// Dump writes the busy and free maps of every record to w. A nil w selects
// the console.
func (a *Allocator) Dump(w io.Writer) {
	if w == nil {
		w = kfmt.Console
	}
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[malloc] ")}

	a.eachProcess(func(p *process) {
		kfmt.Fprintf(pw, "allocations of pid %d:\n", p.pid)
		for _, list := range []struct {
			name string
			head chunk.Handle
		}{{"busy", p.busy}, {"free", p.free}} {
			a.spans.Each(list.head, func(_ chunk.Handle, n *chunk.Node[span]) bool {
				var misc string
				switch {
				case n.Data.shares > 1:
					misc = "shared"
				case n.Data.shareable:
					misc = "shareable"
				}
				kfmt.Fprintf(pw, "\t%s [0x%12x - 0x%12x], size: %10d, flags: %s %s\n",
					list.name, n.Location, n.End(), n.Size, a.regions.Node(n.Data.region).Data.flags.String(), misc)
				return true
			})
		}
		if p.pool.depth > 0 {
			kfmt.Fprintf(pw, "\tpool [0x%12x - 0x%12x], cursor: 0x%x, depth: %d\n", p.pool.base, p.pool.end, p.pool.cursor, p.pool.depth)
		}
	})

	kfmt.Fprintf(pw, "descriptors: %d/%d spans, %d/%d regions in use\n",
		a.spans.Cap()-a.spans.Spare(), a.spans.Cap(), a.regions.Cap()-a.regions.Spare(), a.regions.Cap())
}

// DumpJSON returns every allocator record encoded as JSON.
func (a *Allocator) DumpJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()

	procs := obj.Name("processes").Array()
	a.eachProcess(func(p *process) {
		snap := a.snapshotOf(p)
		po := procs.Object()
		po.Name("pid").Int(int(snap.PID))

		regions := po.Name("regions").Array()
		for _, r := range snap.Regions {
			ro := regions.Object()
			ro.Name("location").Int(int(r.Location))
			ro.Name("size").Int(int(r.Size))
			ro.Name("flags").String(r.Flags.String())
			ro.Name("shareable").Bool(r.Shareable)
			ro.End()
		}
		regions.End()

		for _, list := range []struct {
			name  string
			spans []Span
		}{{"busy", snap.Busy}, {"free", snap.Free}} {
			arr := po.Name(list.name).Array()
			for _, s := range list.spans {
				so := arr.Object()
				so.Name("location").Int(int(s.Location))
				so.Name("size").Int(int(s.Size))
				so.Name("shares").Int(int(s.Shares))
				so.End()
			}
			arr.End()
		}

		if snap.Pool.Depth > 0 {
			ps := po.Name("pool").Object()
			ps.Name("base").Int(int(snap.Pool.Base))
			ps.Name("end").Int(int(snap.Pool.End))
			ps.Name("cursor").Int(int(snap.Pool.Cursor))
			ps.Name("depth").Int(snap.Pool.Depth)
			ps.End()
		}
		po.End()
	})
	procs.End()
	obj.End()

	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "malloc: encoding allocator state")
	}
	return w.Bytes(), nil
}
