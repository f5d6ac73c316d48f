package paging

import (
	"testing"

	"github.com/cockroachdb/errors"

	"kmem/kernel"
	"kmem/kernel/hal/ram"
	"kmem/kernel/mm"
)

var errOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// frameStack hands out the frames of a simulated RAM starting at frame 1.
type frameStack struct {
	free  []mm.Frame
	inUse map[mm.Frame]bool
	fail  bool
}

func (s *frameStack) alloc() (mm.Frame, error) {
	if s.fail || len(s.free) == 0 {
		return mm.InvalidFrame, errOutOfFrames
	}

	f := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.inUse[f] = true
	return f, nil
}

func (s *frameStack) release(f mm.Frame) error {
	if !s.inUse[f] {
		return &kernel.Error{Module: "test", Message: "double free"}
	}
	delete(s.inUse, f)
	s.free = append(s.free, f)
	return nil
}

func newTestBackend(t *testing.T, pages int) (*Backend, *frameStack, Table) {
	mem, err := ram.New(uintptr(pages) * mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	frames := &frameStack{inUse: make(map[mm.Frame]bool)}
	for f := pages - 1; f >= 2; f-- {
		frames.free = append(frames.free, mm.Frame(f))
	}

	b, err := New(mem, Options{AllocFrame: frames.alloc, FreeFrame: frames.release})
	if err != nil {
		t.Fatal(err)
	}

	table, err := b.CreateTopLevel(mm.Frame(1))
	if err != nil {
		t.Fatal(err)
	}
	return b, frames, table
}

func TestNewRequiresAllocator(t *testing.T) {
	if _, err := New(nil, Options{}); err != errNoFrameAllocator {
		t.Fatalf("expected errNoFrameAllocator; got %v", err)
	}
}

func TestFillAndTranslate(t *testing.T) {
	b, frames, table := newTestBackend(t, 32)

	virt, phys, size := uintptr(0x400000), uintptr(0x10000), 3*mm.PageSize
	if err := b.Setup(table, virt, size); err != nil {
		t.Fatal(err)
	}

	if exp, got := 3, b.Tables(); got != exp {
		t.Fatalf("expected %d intermediate tables; got %d", exp, got)
	}

	if err := b.Fill(table, phys, virt, size, Read|Write); err != nil {
		t.Fatal(err)
	}

	for off := uintptr(0); off < size; off += mm.PageSize {
		got, err := b.Translate(table, virt+off+0x123)
		if err != nil {
			t.Fatal(err)
		}

		if exp := phys + off + 0x123; got != exp {
			t.Fatalf("expected %#x to translate to %#x; got %#x", virt+off+0x123, exp, got)
		}
	}

	if _, flags, _ := b.Lookup(table, virt); flags != Read|Write {
		t.Fatalf("expected flags %s; got %s", Read|Write, flags)
	}

	if _, err := b.Translate(table, virt+size); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	// Setting up the same range again must not allocate new tables
	if err := b.Setup(table, virt, size); err != nil {
		t.Fatal(err)
	}
	if exp, got := 3, len(frames.inUse); got != exp {
		t.Fatalf("expected %d frames in use; got %d", exp, got)
	}
}

func TestFillWithoutSetup(t *testing.T) {
	b, _, table := newTestBackend(t, 8)

	if err := b.Fill(table, 0, 0x1000, mm.PageSize, Read); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	if err := b.SetFlags(table, 0x1000, mm.PageSize, Read); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestAbsentMapping(t *testing.T) {
	b, _, table := newTestBackend(t, 16)

	virt := uintptr(0x200000)
	if err := b.Setup(table, virt, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := b.Fill(table, 0x5000, virt, mm.PageSize, Read|Absent); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Translate(table, virt); err != ErrInvalidMapping {
		t.Fatalf("expected absent page translation to fail with ErrInvalidMapping; got %v", err)
	}

	phys, flags, err := b.Lookup(table, virt)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x5000 || flags != Read|Absent {
		t.Fatalf("expected lookup to return 0x5000 with flags %s; got %#x with %s", Read|Absent, phys, flags)
	}

	if err = b.SetFlags(table, virt, mm.PageSize, Read|Exec); err != nil {
		t.Fatal(err)
	}

	if phys, err = b.Translate(table, virt); err != nil || phys != 0x5000 {
		t.Fatalf("expected page to become present at 0x5000; got %#x, %v", phys, err)
	}
}

func TestSetFlagsFlushesActiveTable(t *testing.T) {
	defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(virt uintptr) { flushed = append(flushed, virt) }

	b, _, table := newTestBackend(t, 16)
	virt := uintptr(0x7000)
	if err := b.Setup(table, virt, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := b.Fill(table, 0x3000, virt, 2*mm.PageSize, Read); err != nil {
		t.Fatal(err)
	}

	if len(flushed) != 0 {
		t.Fatalf("expected no TLB flushes for an inactive table; got %d", len(flushed))
	}

	b.Activate(table)
	if got := b.ActiveTable(); got != table {
		t.Fatalf("expected active table %#x; got %#x", table, got)
	}

	if err := b.SetFlags(table, virt, 2*mm.PageSize, Read|Write|Global); err != nil {
		t.Fatal(err)
	}

	if exp := []uintptr{virt, virt + mm.PageSize}; len(flushed) != 2 || flushed[0] != exp[0] || flushed[1] != exp[1] {
		t.Fatalf("expected flushes for %v; got %v", exp, flushed)
	}

	if _, flags, _ := b.Lookup(table, virt); flags != Read|Write|Global {
		t.Fatalf("expected flags %s; got %s", Read|Write|Global, flags)
	}
}

// leafEntry returns the address of the leaf entry that maps virt.
func leafEntry(t *testing.T, b *Backend, table Table, virt uintptr) uintptr {
	t.Helper()

	tableAddr := uintptr(table)
	for level := 0; level < pageLevels-1; level++ {
		pte, err := b.load(entryAddress(tableAddr, virt, level))
		if err != nil {
			t.Fatal(err)
		}
		tableAddr = pte.Frame().Address()
	}
	return entryAddress(tableAddr, virt, pageLevels-1)
}

func TestSetFlagsKeepsAccessedAndDirtyBits(t *testing.T) {
	b, _, table := newTestBackend(t, 16)

	virt := uintptr(0x9000)
	if err := b.Setup(table, virt, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := b.Fill(table, 0x4000, virt, mm.PageSize, Read|Write|Exec); err != nil {
		t.Fatal(err)
	}

	entryAddr := leafEntry(t, b, table, virt)
	pte, _ := b.load(entryAddr)
	pte.SetFlags(pteAccessed | pteDirty)
	if err := b.store(entryAddr, pte); err != nil {
		t.Fatal(err)
	}

	if err := b.SetFlags(table, virt, mm.PageSize, Read|Global); err != nil {
		t.Fatal(err)
	}

	pte, _ = b.load(entryAddr)
	if !pte.HasFlags(pteAccessed|pteDirty) || pte.Frame() != mm.FrameFromAddress(0x4000) {
		t.Fatalf("expected accessed and dirty bits and frame to survive; got entry %#x", uintptr(pte))
	}

	if pte.HasAnyFlag(pteRW | pteUserAccessible) {
		t.Fatalf("expected write and user bits to be cleared; got entry %#x", uintptr(pte))
	}

	if _, flags, _ := b.Lookup(table, virt); flags != Read|Global {
		t.Fatalf("expected flags %s; got %s", Read|Global, flags)
	}
}

func TestRemoveReclaimsTables(t *testing.T) {
	b, frames, table := newTestBackend(t, 32)

	// Two ranges sharing the same leaf table
	first, second := uintptr(0x800000), uintptr(0x805000)
	for _, virt := range []uintptr{first, second} {
		if err := b.Setup(table, virt, 2*mm.PageSize); err != nil {
			t.Fatal(err)
		}
		if err := b.Fill(table, 0x8000, virt, 2*mm.PageSize, Read); err != nil {
			t.Fatal(err)
		}
	}

	if exp, got := 3, b.Tables(); got != exp {
		t.Fatalf("expected %d tables; got %d", exp, got)
	}

	if err := b.Remove(table, first, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if exp, got := 3, b.Tables(); got != exp {
		t.Fatalf("expected tables to be kept while the second range is mapped; got %d", got)
	}

	if _, err := b.Translate(table, first); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	if _, err := b.Translate(table, second); err != nil {
		t.Fatal(err)
	}

	if err := b.Remove(table, second, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if got := b.Tables(); got != 0 {
		t.Fatalf("expected all intermediate tables to be reclaimed; got %d", got)
	}

	if got := len(frames.inUse); got != 0 {
		t.Fatalf("expected all table frames to be released; got %d", got)
	}

	// Removing an unmapped range is a no-op
	if err := b.Remove(table, second, mm.PageSize); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveAcrossLeafTables(t *testing.T) {
	b, frames, table := newTestBackend(t, 32)

	// The range spans two leaf tables
	virt, size := uintptr(0x200000-mm.PageSize), 2*mm.PageSize
	if err := b.Setup(table, virt, size); err != nil {
		t.Fatal(err)
	}
	if err := b.Fill(table, 0x1000, virt, size, Read); err != nil {
		t.Fatal(err)
	}

	if exp, got := 4, b.Tables(); got != exp {
		t.Fatalf("expected %d tables; got %d", exp, got)
	}

	if err := b.Remove(table, virt, size); err != nil {
		t.Fatal(err)
	}

	if got := len(frames.inUse); got != 0 {
		t.Fatalf("expected all table frames to be released; got %d", got)
	}
}

func TestReleaseTable(t *testing.T) {
	b, frames, table := newTestBackend(t, 32)
	b.Activate(table)

	for _, virt := range []uintptr{0x1000, 0x40000000, 0x8000000000} {
		if err := b.Setup(table, virt, mm.PageSize); err != nil {
			t.Fatal(err)
		}
		if err := b.Fill(table, 0x1000, virt, mm.PageSize, Read); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.ReleaseTable(table); err != nil {
		t.Fatal(err)
	}

	if got := len(frames.inUse); got != 0 {
		t.Fatalf("expected all table frames to be released; got %d", got)
	}

	if got := b.ActiveTable(); got != 0 {
		t.Fatalf("expected released table to be deactivated; got %#x", got)
	}

	if _, err := b.Translate(table, 0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestSetupAllocFailure(t *testing.T) {
	b, frames, table := newTestBackend(t, 8)
	frames.fail = true

	if err := b.Setup(table, 0x1000, mm.PageSize); !errors.Is(err, errOutOfFrames) {
		t.Fatalf("expected wrapped allocation failure; got %v", err)
	}

	if got := b.Tables(); got != 0 {
		t.Fatalf("expected no tables to be allocated; got %d", got)
	}
}

func TestRangeErrors(t *testing.T) {
	b, _, table := newTestBackend(t, 8)

	specs := []struct {
		virt, size uintptr
		expErr     error
	}{
		{0x1001, mm.PageSize, ErrMisaligned},
		{0x1000, 100, ErrMisaligned},
		{0x1000, 0, ErrInvalidAddress},
		{MaxAddress, mm.PageSize, ErrInvalidAddress},
		{MaxAddress - mm.PageSize, 2 * mm.PageSize, ErrInvalidAddress},
	}

	for specIndex, spec := range specs {
		if err := b.Setup(table, spec.virt, spec.size); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if err := b.Fill(table, 0x10, 0x1000, mm.PageSize, Read); err != ErrMisaligned {
		t.Fatalf("expected ErrMisaligned for unaligned physical address; got %v", err)
	}

	if _, _, err := b.Lookup(table, MaxAddress); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress; got %v", err)
	}
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		frame = mm.Frame(123)
	)

	pte.SetFlags(ptePresent | pteRW | pteNoExecute)
	pte.SetFrame(frame)

	if !pte.HasFlags(ptePresent | pteRW | pteNoExecute) {
		t.Fatal("expected all flags to be set")
	}

	if pte.HasFlags(ptePresent | pteGlobal) {
		t.Fatal("expected HasFlags to require every flag")
	}

	if !pte.HasAnyFlag(pteGlobal | pteRW) {
		t.Fatal("expected HasAnyFlag to match pteRW")
	}

	pte.ClearFlags(pteRW)
	if pte.HasAnyFlag(pteRW) || pte.Frame() != frame {
		t.Fatalf("expected pteRW to be cleared and frame %d kept; got frame %d", frame, pte.Frame())
	}
}

func TestFlagsString(t *testing.T) {
	specs := []struct {
		flags Flags
		exp   string
	}{
		{0, "-----"},
		{Read, "r----"},
		{Read | Write | Exec, "rwx--"},
		{Read | Absent | Global, "r--ag"},
		{Same, "same"},
	}

	for specIndex, spec := range specs {
		if got := spec.flags.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
