package main

import (
	"encoding/binary"
	"os"
	"strings"

	"kmem/kernel/hal/multiboot"
	"kmem/kernel/kfmt"
	"kmem/kernel/kmain"
	"kmem/kernel/mm"
	"kmem/kernel/mm/paging"
)

// Multiboot2 tag and memory map entry types used by the demo boot blob.
const (
	tagEnd       = 0
	tagCmdLine   = 1
	tagModule    = 3
	tagMemoryMap = 6

	memAvailable = 1
	memReserved  = 2
)

// demoMemoryMap resembles the map reported by a boot loader on a small
// machine with 16MiB of RAM. Entries hold the address, length and type.
var demoMemoryMap = [][3]uint64{
	{0x0, 0x9f000, memAvailable},
	{0x9f000, 0x61000, memReserved},
	{0x100000, 0xef0000, memAvailable},
	{0xff0000, 0x10000, memReserved},
}

// demoKernel is the [start, end) range occupied by the kernel image.
var demoKernel = [2]uint64{0x100000, 0x300000}

// demoModule is the [start, end) range of a boot module loaded into free
// memory.
var demoModule = [2]uint32{0x400000, 0x420000}

// bootBlob encodes a multiboot2 information blob describing the demo machine.
func bootBlob(cmdLine string) []byte {
	data := make([]byte, 8)
	tag := func(t uint32, body []byte) {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr, t)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(body)))
		data = append(append(data, hdr...), body...)

		// Tags start at 8-byte aligned offsets
		for len(data)%8 != 0 {
			data = append(data, 0)
		}
	}

	tag(tagCmdLine, append([]byte(cmdLine), 0))

	mmap := make([]byte, 8, 8+24*len(demoMemoryMap))
	binary.LittleEndian.PutUint32(mmap, 24)
	for _, e := range demoMemoryMap {
		entry := make([]byte, 24)
		binary.LittleEndian.PutUint64(entry, e[0])
		binary.LittleEndian.PutUint64(entry[8:], e[1])
		binary.LittleEndian.PutUint32(entry[16:], uint32(e[2]))
		mmap = append(mmap, entry...)
	}
	tag(tagMemoryMap, mmap)

	mod := make([]byte, 8, 16)
	binary.LittleEndian.PutUint32(mod, demoModule[0])
	binary.LittleEndian.PutUint32(mod[4:], demoModule[1])
	tag(tagModule, append(mod, "initrd\x00"...))

	tag(tagEnd, nil)
	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

// main boots the memory subsystem over a demo machine, performs a few
// allocations and prints the state of every manager. Command line arguments
// are passed to the kernel as boot options.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	info, err := multiboot.Parse(bootBlob(strings.Join(os.Args[1:], " ")))
	if err == nil {
		err = info.Carve(demoKernel[0], demoKernel[1]-demoKernel[0], multiboot.KernelData)
	}
	if err != nil {
		kfmt.Panic(err)
	}

	k := kmain.Kmain(info)
	defer func() { _ = k.Close() }()

	rw := paging.Read | paging.Write
	if _, err = k.Malloc.Malloc(mm.KernelPID, 256, rw, true); err != nil {
		kfmt.Panic(err)
	}

	buf, err := k.Malloc.MallocShareable(1, 3*mm.PageSize, rw, true)
	if err != nil {
		kfmt.Panic(err)
	}
	if _, err = k.Malloc.Share(1, buf, 2, paging.Read, true); err != nil {
		kfmt.Panic(err)
	}
	if _, err = k.Malloc.Malloc(2, 100, rw, true); err != nil {
		kfmt.Panic(err)
	}

	if err = k.Validate(); err != nil {
		kfmt.Panic(err)
	}
	k.Dump(nil)

	data, err := k.Malloc.DumpJSON()
	if err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("%s\n", data)
}
