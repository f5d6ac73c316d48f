// Package kmain assembles the memory subsystem.
package kmain

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"kmem/kernel/hal/multiboot"
	"kmem/kernel/hal/ram"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/malloc"
	"kmem/kernel/mm/paging"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/mm/vmm"
)

// Kernel bundles the memory managers.
type Kernel struct {
	Config Config
	Log    *slog.Logger

	RAM    *ram.RAM
	PMM    *pmm.Manager
	Paging *paging.Backend
	VMM    *vmm.Manager
	Malloc *malloc.Allocator
}

// Boot builds the memory managers for the machine described by info in
// dependency order: physical memory, page tables, virtual memory and finally
// the byte allocator. Log events are written to w; a nil w selects the
// console.
func Boot(info *multiboot.Info, w io.Writer) (*Kernel, error) {
	cfg, err := ParseConfig(info)
	if err != nil {
		return nil, err
	}

	if w == nil {
		w = kfmt.Console
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel}))

	k := &Kernel{Config: cfg, Log: log}
	if k.PMM, err = pmm.New(info, pmm.Options{MaxDescriptors: cfg.MaxDescriptors, Logger: log.With("module", "pmm")}); err != nil {
		return nil, err
	}

	if k.RAM, err = ram.New(k.PMM.Top()); err != nil {
		return nil, errors.Wrap(err, "kmain: reserving physical memory")
	}

	k.Paging, err = paging.New(k.RAM, paging.Options{
		AllocFrame: k.PMM.AllocFrame,
		FreeFrame:  k.PMM.FreeFrame,
		Logger:     log.With("module", "paging"),
	})
	if err == nil {
		k.VMM, err = vmm.New(k.PMM, k.Paging, vmm.Options{MaxDescriptors: cfg.MaxDescriptors, Logger: log.With("module", "vmm")})
	}
	if err == nil {
		err = k.VMM.MapKernel(cfg.KernelOffset)
	}
	if err != nil {
		_ = k.RAM.Close()
		return nil, errors.Wrap(err, "kmain: initializing virtual memory")
	}

	k.Malloc = malloc.New(k.PMM, k.VMM, malloc.Options{MaxDescriptors: cfg.MaxDescriptors, Logger: log.With("module", "malloc")})

	low, high := k.PMM.FreeMemory()
	log.Info("memory subsystem ready",
		"ram_kb", uint64(mm.Size(k.RAM.Size())/mm.Kb),
		"free_low_kb", uint64(mm.Size(low)/mm.Kb),
		"free_high_kb", uint64(mm.Size(high)/mm.Kb),
		"kernel_offset", cfg.KernelOffset,
	)
	return k, nil
}

// Kmain boots the memory subsystem using the active output sink for log
// events. Boot failures are fatal.
func Kmain(info *multiboot.Info) *Kernel {
	k, err := Boot(info, nil)
	if err != nil {
		kfmt.Panic(err)
	}
	return k
}

// Validate checks the invariants of every manager.
func (k *Kernel) Validate() error {
	for _, validate := range []func() error{k.PMM.Validate, k.VMM.Validate, k.Malloc.Validate} {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes the state of every manager to w. A nil w selects the console.
func (k *Kernel) Dump(w io.Writer) {
	k.PMM.Dump(w)
	k.VMM.Dump(w)
	k.Malloc.Dump(w)
}

// Close releases the simulated physical memory.
func (k *Kernel) Close() error {
	return k.RAM.Close()
}
