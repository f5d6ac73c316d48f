package vmm

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"kmem/kernel"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/hal/ram"
	"kmem/kernel/mm"
	"kmem/kernel/mm/chunk"
	"kmem/kernel/mm/paging"
	"kmem/kernel/mm/pmm"
)

var errPagerFailure = &kernel.Error{Module: "test", Message: "pager failure"}

// failingPager fails every Fill call once failAfter successful calls have
// been made. A negative failAfter disables failures.
type failingPager struct {
	*paging.Backend
	failAfter int
	fills     int
}

func (p *failingPager) Fill(table paging.Table, phys, virt, size uintptr, flags paging.Flags) error {
	if p.failAfter >= 0 && p.fills >= p.failAfter {
		return errPagerFailure
	}
	p.fills++
	return p.Backend.Fill(table, phys, virt, size, flags)
}

func testInfo(high ...multiboot.MemoryMapEntry) *multiboot.Info {
	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9f000, Nature: multiboot.Free},
		{PhysAddress: 0x9f000, Length: 0x61000, Nature: multiboot.Reserved},
		{PhysAddress: 0x100000, Length: 0x100000, Nature: multiboot.KernelData},
	}
	if len(high) == 0 {
		high = []multiboot.MemoryMapEntry{{PhysAddress: 0x200000, Length: 0x100000, Nature: multiboot.Free}}
	}
	return &multiboot.Info{MemoryMap: append(entries, high...)}
}

type testEnv struct {
	vm    *Manager
	phys  *pmm.Manager
	pager *failingPager
}

func newTestPMM(t *testing.T, info *multiboot.Info) *pmm.Manager {
	t.Helper()
	phys, err := pmm.New(info, pmm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return phys
}

func newTestEnv(t *testing.T, phys *pmm.Manager, opts Options) *testEnv {
	t.Helper()

	mem, err := ram.New(phys.Top())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	backend, err := paging.New(mem, paging.Options{AllocFrame: phys.AllocFrame, FreeFrame: phys.FreeFrame})
	if err != nil {
		t.Fatal(err)
	}

	pager := &failingPager{Backend: backend, failAfter: -1}
	vm, err := New(phys, pager, opts)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{vm: vm, phys: phys, pager: pager}
}

func (env *testEnv) alloc(t *testing.T, pid mm.PID, size uintptr, contiguous bool) chunk.Handle {
	t.Helper()
	h, err := env.phys.AllocChunk(pid, size, contiguous)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func mustValidate(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.vm.Validate(); err != nil {
		t.Fatalf("unexpected vmm validation error: %v", err)
	}
	if err := env.phys.Validate(); err != nil {
		t.Fatalf("unexpected pmm validation error: %v", err)
	}
}

func (s Snapshot) space(pid mm.PID) *Space {
	for i := range s.Spaces {
		if s.Spaces[i].PID == pid {
			return &s.Spaces[i]
		}
	}
	return nil
}

func TestMapAnywhere(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})
	h := env.alloc(t, 1, 3*mm.PageSize, true)
	physBefore := env.phys.Snapshot()
	physAddr := env.phys.Info(h).Location

	virt, err := env.vm.Map(1, h, paging.Read|paging.Write)
	if err != nil {
		t.Fatal(err)
	}

	// The first page is reserved
	if virt != mm.PageSize {
		t.Fatalf("expected first-fit mapping at %#x; got %#x", mm.PageSize, virt)
	}

	for off := uintptr(0); off < 3*mm.PageSize; off += mm.PageSize {
		got, err := env.vm.Translate(1, virt+off)
		if err != nil {
			t.Fatal(err)
		}
		if exp := physAddr + off; got != exp {
			t.Fatalf("expected %#x to translate to %#x; got %#x", virt+off, exp, got)
		}
	}

	exp := &Space{PID: 1, Regions: []Region{{Location: virt, Size: 3 * mm.PageSize, Flags: paging.Read | paging.Write, Phys: physAddr}}}
	if got := env.vm.Snapshot().space(1); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected address space %+v; got %+v", exp, got)
	}
	mustValidate(t, env)

	// A second mapping of the same chunk goes right after the first one
	virt2, err := env.vm.Map(1, h, paging.Read)
	if err != nil {
		t.Fatal(err)
	}
	if exp := virt + 3*mm.PageSize; virt2 != exp {
		t.Fatalf("expected second mapping at %#x; got %#x", exp, virt2)
	}

	for _, v := range []uintptr{virt2, virt} {
		if err = env.vm.FreeChunk(1, v); err != nil {
			t.Fatal(err)
		}
	}

	// Releasing the last region tears the address space down
	if got := env.vm.Snapshot().space(1); got != nil {
		t.Fatalf("expected address space of pid 1 to be torn down; got %+v", got)
	}

	if _, err = env.vm.Translate(1, virt); err != ErrUnknownPID {
		t.Fatalf("expected ErrUnknownPID; got %v", err)
	}

	if got := env.phys.Snapshot(); !reflect.DeepEqual(got, physBefore) {
		t.Fatalf("expected teardown to release every page table:\n%+v\ngot:\n%+v", physBefore, got)
	}

	if err = env.vm.FreeChunk(1, virt); err != ErrUnknownPID {
		t.Fatalf("expected ErrUnknownPID; got %v", err)
	}
	mustValidate(t, env)
}

func TestMapScatteredChain(t *testing.T) {
	phys := newTestPMM(t, testInfo(
		multiboot.MemoryMapEntry{PhysAddress: 0x200000, Length: 0x1000, Nature: multiboot.Free},
		multiboot.MemoryMapEntry{PhysAddress: 0x202000, Length: 0x3e000, Nature: multiboot.Free},
	))

	// Allocate the chain before any page table is created
	h, err := phys.AllocChunk(1, 2*mm.PageSize, false)
	if err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, phys, Options{})

	virt, err := env.vm.Map(1, h, paging.Read)
	if err != nil {
		t.Fatal(err)
	}

	for i, exp := range []uintptr{0x200000, 0x202000} {
		got, err := env.vm.Translate(1, virt+uintptr(i)*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		if got != exp {
			t.Fatalf("expected page %d to translate to %#x; got %#x", i, exp, got)
		}
	}

	ident, err := env.vm.MapAt(1, h, paging.Read|paging.Exec, 0x200000)
	if err != nil {
		t.Fatal(err)
	}
	if ident != 0x200000 {
		t.Fatalf("expected identity mapping at 0x200000; got %#x", ident)
	}

	exp := &Space{PID: 1, Regions: []Region{
		{Location: virt, Size: 2 * mm.PageSize, Flags: paging.Read, Phys: 0x200000},
		{Location: 0x200000, Size: mm.PageSize, Flags: paging.Read | paging.Exec, Phys: 0x200000},
		{Location: 0x202000, Size: mm.PageSize, Flags: paging.Read | paging.Exec, Phys: 0x202000, Chained: true},
	}}
	if got := env.vm.Snapshot().space(1); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected address space %+v; got %+v", exp, got)
	}
	mustValidate(t, env)

	if err = env.vm.FreeChunk(1, 0x202000); err != ErrUnknownRegion {
		t.Fatalf("expected freeing a chained region to fail with ErrUnknownRegion; got %v", err)
	}

	if err = env.vm.FreeChunk(1, 0x200000); err != nil {
		t.Fatal(err)
	}

	if got := env.vm.Snapshot().space(1); len(got.Regions) != 1 {
		t.Fatalf("expected the identity chain to be removed as a unit; got %+v", got.Regions)
	}
	mustValidate(t, env)
}

func TestMapErrors(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})
	h := env.alloc(t, 1, 2*mm.PageSize, true)

	if _, err := env.vm.MapAt(1, h, paging.Read, 0x400000); err != nil {
		t.Fatal(err)
	}
	before := env.vm.Snapshot()

	specs := []struct {
		pid      mm.PID
		flags    paging.Flags
		location uintptr
		fixed    bool
		expErr   error
	}{
		{2, paging.Read | paging.Global, 0, false, ErrGlobalPrivilege},
		{2, paging.Same, 0, false, ErrInvalidFlags},
		{2, paging.Read, 0, true, ErrReservedPage},
		{2, paging.Read, 0x1234, true, ErrMisaligned},
		{1, paging.Read, 0x401000, true, ErrAddressInUse},
		{2, paging.Read, paging.MaxAddress - mm.PageSize, true, paging.ErrInvalidAddress},
	}

	for specIndex, spec := range specs {
		var err error
		if spec.fixed {
			_, err = env.vm.MapAt(spec.pid, h, spec.flags, spec.location)
		} else {
			_, err = env.vm.Map(spec.pid, h, spec.flags)
		}

		if !errors.Is(err, spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		// Failed requests never leave an address space behind
		if got := env.vm.Snapshot(); !reflect.DeepEqual(got, before) {
			t.Errorf("[spec %d] expected state to be unchanged:\n%+v\ngot:\n%+v", specIndex, before, got)
		}
	}
	mustValidate(t, env)
}

func TestMapRollbackOnPagerFailure(t *testing.T) {
	phys := newTestPMM(t, testInfo())
	env := newTestEnv(t, phys, Options{})
	h := env.alloc(t, 1, 3*mm.PageSize, true)

	physBefore := phys.Snapshot()
	vmBefore := env.vm.Snapshot()

	env.pager.failAfter = 0
	if _, err := env.vm.Map(1, h, paging.Read); !errors.Is(err, errPagerFailure) {
		t.Fatalf("expected pager failure; got %v", err)
	}

	if got := env.vm.Snapshot(); !reflect.DeepEqual(got, vmBefore) {
		t.Fatalf("expected failed map to leave no trace:\n%+v\ngot:\n%+v", vmBefore, got)
	}

	if got := phys.Snapshot(); !reflect.DeepEqual(got, physBefore) {
		t.Fatalf("expected failed map to release every page table:\n%+v\ngot:\n%+v", physBefore, got)
	}
	mustValidate(t, env)
}

func TestGlobalRegions(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})
	g := env.alloc(t, mm.KernelPID, 2*mm.PageSize, true)
	gAddr := env.phys.Info(g).Location
	p := env.alloc(t, 1, mm.PageSize, true)

	if _, err := env.vm.Map(1, p, paging.Read); err != nil {
		t.Fatal(err)
	}

	virt, err := env.vm.Map(mm.KernelPID, g, paging.Read|paging.Global)
	if err != nil {
		t.Fatal(err)
	}

	// Address spaces created after the global region inherit it
	if err = env.vm.SetupPID(2); err != nil {
		t.Fatal(err)
	}

	for _, pid := range []mm.PID{mm.KernelPID, 1, 2} {
		if got, err := env.vm.Translate(pid, virt+mm.PageSize); err != nil || got != gAddr+mm.PageSize {
			t.Fatalf("expected global region to be mapped into pid %d at %#x; got %#x, %v", pid, virt, got, err)
		}
	}
	mustValidate(t, env)

	if err = env.vm.SetupPID(2); err != ErrPIDExists {
		t.Fatalf("expected ErrPIDExists; got %v", err)
	}

	if err = env.vm.SetupPID(mm.KernelPID); err != ErrKernelPID {
		t.Fatalf("expected ErrKernelPID; got %v", err)
	}

	t.Run("privilege", func(t *testing.T) {
		if err := env.vm.FreeChunk(1, virt); err != ErrGlobalPrivilege {
			t.Fatalf("expected ErrGlobalPrivilege; got %v", err)
		}

		if err := env.vm.AdjustFlags(1, virt, paging.Write, paging.Write); err != ErrGlobalPrivilege {
			t.Fatalf("expected ErrGlobalPrivilege; got %v", err)
		}

		if err := env.vm.AdjustFlags(mm.KernelPID, virt, paging.Same, paging.Write); err != ErrInvalidFlags {
			t.Fatalf("expected ErrInvalidFlags; got %v", err)
		}
	})

	t.Run("adjust flags", func(t *testing.T) {
		if err := env.vm.AdjustFlags(mm.KernelPID, virt, paging.Write, paging.Write); err != nil {
			t.Fatal(err)
		}

		for _, space := range env.vm.Snapshot().Spaces {
			for _, r := range space.Regions {
				if r.Location == virt && r.Flags != paging.Read|paging.Write|paging.Global {
					t.Fatalf("expected pid %d replica flags to be updated; got %s", space.PID, r.Flags)
				}
			}
		}
		mustValidate(t, env)
	})

	t.Run("clear and set global", func(t *testing.T) {
		if err := env.vm.AdjustFlags(mm.KernelPID, virt, 0, paging.Global); err != nil {
			t.Fatal(err)
		}

		for _, pid := range []mm.PID{1, 2} {
			if _, err := env.vm.Translate(pid, virt); err != paging.ErrInvalidMapping {
				t.Fatalf("expected replica in pid %d to be removed; got %v", pid, err)
			}
		}

		if _, err := env.vm.Translate(mm.KernelPID, virt); err != nil {
			t.Fatalf("expected kernel mapping to be kept; got %v", err)
		}
		mustValidate(t, env)

		if err := env.vm.AdjustFlags(mm.KernelPID, virt, paging.Global, paging.Global); err != nil {
			t.Fatal(err)
		}

		for _, pid := range []mm.PID{1, 2} {
			if _, err := env.vm.Translate(pid, virt); err != nil {
				t.Fatalf("expected replica in pid %d to be restored; got %v", pid, err)
			}
		}
		mustValidate(t, env)
	})

	t.Run("kernel free cascades", func(t *testing.T) {
		if err := env.vm.FreeChunk(mm.KernelPID, virt); err != nil {
			t.Fatal(err)
		}

		snap := env.vm.Snapshot()
		for _, space := range snap.Spaces {
			for _, r := range space.Regions {
				if r.Location == virt {
					t.Fatalf("expected global region to be removed from pid %d", space.PID)
				}
			}
		}

		// pid 2 never had a private region; it is kept in created state
		if got := snap.space(2); got == nil {
			t.Fatal("expected pid 2 address space to remain")
		}
		mustValidate(t, env)
	})

	t.Run("remove process", func(t *testing.T) {
		for _, pid := range []mm.PID{1, 2} {
			if err := env.vm.RemoveProcess(pid); err != nil {
				t.Fatal(err)
			}
			if err := env.vm.RemoveProcess(pid); err != ErrUnknownPID {
				t.Fatalf("expected ErrUnknownPID; got %v", err)
			}
		}

		if err := env.vm.RemoveProcess(mm.KernelPID); err != ErrKernelPID {
			t.Fatalf("expected ErrKernelPID; got %v", err)
		}

		if got := len(env.vm.Snapshot().Spaces); got != 1 {
			t.Fatalf("expected only the kernel address space to remain; got %d", got)
		}
		mustValidate(t, env)
	})
}

func TestPropagationRollback(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})
	p := env.alloc(t, 1, mm.PageSize, true)
	g := env.alloc(t, mm.KernelPID, mm.PageSize, true)

	virt, err := env.vm.Map(1, p, paging.Read)
	if err != nil {
		t.Fatal(err)
	}

	if err = env.vm.SetupPID(2); err != nil {
		t.Fatal(err)
	}

	vmBefore, physBefore := env.vm.Snapshot(), env.phys.Snapshot()

	// The kernel address space is empty at virt but pid 1 is not
	if _, err = env.vm.MapAt(mm.KernelPID, g, paging.Read|paging.Global, virt); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse; got %v", err)
	}

	if got := env.vm.Snapshot(); !reflect.DeepEqual(got, vmBefore) {
		t.Fatalf("expected failed propagation to be rolled back:\n%+v\ngot:\n%+v", vmBefore, got)
	}

	if got := env.phys.Snapshot(); !reflect.DeepEqual(got, physBefore) {
		t.Fatalf("expected page tables of the rolled back replicas to be released:\n%+v\ngot:\n%+v", physBefore, got)
	}
	mustValidate(t, env)
}

func TestSetupPIDReplayFailure(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})

	for i := 0; i < 3; i++ {
		g := env.alloc(t, mm.KernelPID, mm.PageSize, true)
		if _, err := env.vm.Map(mm.KernelPID, g, paging.Read|paging.Global); err != nil {
			t.Fatal(err)
		}
	}

	vmBefore, physBefore := env.vm.Snapshot(), env.phys.Snapshot()

	env.pager.fills, env.pager.failAfter = 0, 2
	if err := env.vm.SetupPID(7); !errors.Is(err, errPagerFailure) {
		t.Fatalf("expected pager failure; got %v", err)
	}

	if got := env.vm.Snapshot(); !reflect.DeepEqual(got, vmBefore) {
		t.Fatalf("expected partially built address space to be torn down:\n%+v\ngot:\n%+v", vmBefore, got)
	}

	if got := env.phys.Snapshot(); !reflect.DeepEqual(got, physBefore) {
		t.Fatalf("expected partially built page tables to be released:\n%+v\ngot:\n%+v", physBefore, got)
	}

	env.pager.failAfter = -1
	if err := env.vm.SetupPID(7); err != nil {
		t.Fatal(err)
	}

	if got := len(env.vm.Snapshot().space(7).Regions); got != 3 {
		t.Fatalf("expected 3 global replicas; got %d", got)
	}
	mustValidate(t, env)
}

func TestMapKernel(t *testing.T) {
	specs := []uintptr{0, 0x40000000}

	for specIndex, offset := range specs {
		env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})
		if err := env.vm.MapKernel(offset); err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}

		if err := env.vm.SetupPID(3); err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}

		for _, pid := range []mm.PID{mm.KernelPID, 3} {
			got, err := env.vm.Translate(pid, offset+0x101234)
			if err != nil || got != 0x101234 {
				t.Fatalf("[spec %d] expected kernel image to be mapped into pid %d; got %#x, %v", specIndex, pid, got, err)
			}
		}
		mustValidate(t, env)
	}
}

func TestDescriptorRefill(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{MaxDescriptors: 2 * chunk.NodesPerBlock})
	h := env.alloc(t, 1, mm.PageSize, true)

	var mapped []uintptr
	for i := 0; i < 2*chunk.NodesPerBlock; i++ {
		virt, err := env.vm.Map(1, h, paging.Read)
		if err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
		mapped = append(mapped, virt)
	}

	if _, err := env.vm.Map(1, h, paging.Read); !errors.Is(err, chunk.ErrNoDescriptors) {
		t.Fatalf("expected ErrNoDescriptors; got %v", err)
	}
	mustValidate(t, env)

	for _, virt := range mapped {
		if err := env.vm.FreeChunk(1, virt); err != nil {
			t.Fatal(err)
		}
	}
	mustValidate(t, env)
}

func TestDump(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})
	h := env.alloc(t, 1, 2*mm.PageSize, true)
	if _, err := env.vm.Map(1, h, paging.Read|paging.Write); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	env.vm.Dump(&buf)

	for _, exp := range []string{
		"[vmm] address space of pid 0 (table: 0x200000, state: created):\n",
		"[vmm] address space of pid 1 ",
		"[vmm] \t[0x        1000 - 0x        3000], size:       8192, flags: rw---",
		"[vmm] descriptors: 1/64 in use\n",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Fatalf("expected dump to contain %q; got:\n%s", exp, buf.String())
		}
	}

	data, err := env.vm.DumpJSON()
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Spaces []struct {
			PID     int `json:"pid"`
			Regions []struct {
				Location int    `json:"location"`
				Flags    string `json:"flags"`
			} `json:"regions"`
		} `json:"spaces"`
	}
	if err = json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}

	if len(doc.Spaces) != 2 || doc.Spaces[1].PID != 1 || len(doc.Spaces[1].Regions) != 1 || doc.Spaces[1].Regions[0].Flags != "rw---" {
		t.Fatalf("unexpected JSON dump: %s", data)
	}
}

func TestConcurrentMapFree(t *testing.T) {
	env := newTestEnv(t, newTestPMM(t, testInfo()), Options{})

	chunks := make(map[mm.PID]chunk.Handle)
	for pid := mm.PID(1); pid <= 4; pid++ {
		chunks[pid] = env.alloc(t, pid, mm.PageSize, true)
	}
	g := env.alloc(t, mm.KernelPID, mm.PageSize, true)

	var wg sync.WaitGroup
	for pid, h := range chunks {
		wg.Add(1)
		go func(pid mm.PID, h chunk.Handle) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				virt, err := env.vm.Map(pid, h, paging.Read|paging.Write)
				if err != nil {
					t.Errorf("pid %d: %v", pid, err)
					return
				}
				if err = env.vm.FreeChunk(pid, virt); err != nil {
					t.Errorf("pid %d: %v", pid, err)
					return
				}
			}
		}(pid, h)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			virt, err := env.vm.MapAt(mm.KernelPID, g, paging.Read|paging.Global, 0x40000000)
			if err != nil {
				t.Errorf("kernel: %v", err)
				return
			}
			if err = env.vm.FreeChunk(mm.KernelPID, virt); err != nil {
				t.Errorf("kernel: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if got := len(env.vm.Snapshot().Spaces); got != 1 {
		t.Fatalf("expected every process address space to be torn down; got %d spaces", got)
	}
	mustValidate(t, env)
}
