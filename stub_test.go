package main

import (
	"reflect"
	"testing"

	"kmem/kernel/hal/multiboot"
)

func TestBootBlob(t *testing.T) {
	info, err := multiboot.Parse(bootBlob("mm.loglevel=debug"))
	if err != nil {
		t.Fatal(err)
	}

	if exp := "mm.loglevel=debug"; info.CmdLine != exp {
		t.Fatalf("expected cmdline %q; got %q", exp, info.CmdLine)
	}

	if err = info.Carve(demoKernel[0], demoKernel[1]-demoKernel[0], multiboot.KernelData); err != nil {
		t.Fatal(err)
	}

	exp := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9f000, Nature: multiboot.Free},
		{PhysAddress: 0x9f000, Length: 0x61000, Nature: multiboot.Reserved},
		{PhysAddress: 0x100000, Length: 0x200000, Nature: multiboot.KernelData},
		{PhysAddress: 0x300000, Length: 0x100000, Nature: multiboot.Free},
		{PhysAddress: 0x400000, Length: 0x20000, Nature: multiboot.Module},
		{PhysAddress: 0x420000, Length: 0xbd0000, Nature: multiboot.Free},
		{PhysAddress: 0xff0000, Length: 0x10000, Nature: multiboot.Reserved},
	}
	if !reflect.DeepEqual(info.MemoryMap, exp) {
		t.Fatalf("expected memory map:\n%v\ngot:\n%v", exp, info.MemoryMap)
	}
}
