// Package multiboot decodes the boot information handed over by a
// multiboot2-compliant boot loader into the region list and command line
// consumed by the memory managers.
package multiboot

import (
	"encoding/binary"
	"sort"
	"strings"

	"kmem/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// memoryEntryType is the region type reported by the boot loader memory map.
type memoryEntryType uint32

// nolint
const (
	memAvailable memoryEntryType = iota + 1
	memReserved
	memAcpiReclaimable
	memNvs
	memUnknown
)

var (
	// ErrTruncated is returned when the info blob ends in the middle of a
	// tag.
	ErrTruncated = &kernel.Error{Module: "multiboot", Message: "truncated boot information"}

	// ErrBadRegion is returned when a region cannot be carved out of the
	// memory map.
	ErrBadRegion = &kernel.Error{Module: "multiboot", Message: "region is not covered by a free memory map entry"}
)

// Nature classifies a memory region.
type Nature uint8

const (
	// Free memory is available for allocation.
	Free Nature = iota

	// Reserved memory must never be handed out by the allocators.
	Reserved

	// Bootstrap memory holds the early boot image and stacks.
	Bootstrap

	// KernelData memory holds the kernel image.
	KernelData

	// Module memory holds a module loaded by the boot loader.
	Module
)

// String implements fmt.Stringer for Nature.
func (n Nature) String() string {
	switch n {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Bootstrap:
		return "bootstrap"
	case KernelData:
		return "kernel"
	case Module:
		return "module"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its nature.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The nature of this entry.
	Nature Nature
}

// End returns the first address past the end of the region.
func (e MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info holds the decoded boot information.
type Info struct {
	// MemoryMap is sorted by address and contains no overlapping entries.
	MemoryMap []MemoryMapEntry

	// CmdLine is the raw kernel command line.
	CmdLine string

	cmdLineKV map[string]string
}

// Parse decodes a multiboot2 information blob. Memory map entries with an
// unknown type are treated as reserved and module tags are carved out of the
// memory map as Module regions.
func Parse(data []byte) (*Info, error) {
	if len(data) < 8 {
		return nil, ErrTruncated
	}

	totalSize := int(binary.LittleEndian.Uint32(data))
	if totalSize > len(data) {
		return nil, ErrTruncated
	}

	var (
		info    Info
		modules []MemoryMapEntry
	)

	for offset := 8; ; {
		if offset+8 > totalSize {
			return nil, ErrTruncated
		}

		hdrType := tagType(binary.LittleEndian.Uint32(data[offset:]))
		size := int(binary.LittleEndian.Uint32(data[offset+4:]))
		if hdrType == tagMbSectionEnd {
			break
		}

		if size < 8 || offset+size > totalSize {
			return nil, ErrTruncated
		}

		body := data[offset+8 : offset+size]
		switch hdrType {
		case tagBootCmdLine:
			// The command line is a C-style NULL-terminated string
			info.CmdLine = strings.TrimRight(string(body), "\x00")
		case tagModules:
			if len(body) < 8 {
				return nil, ErrTruncated
			}
			start := uint64(binary.LittleEndian.Uint32(body))
			end := uint64(binary.LittleEndian.Uint32(body[4:]))
			modules = append(modules, MemoryMapEntry{PhysAddress: start, Length: end - start, Nature: Module})
		case tagMemoryMap:
			if err := info.decodeMemoryMap(body); err != nil {
				return nil, err
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) & ^7
	}

	sort.Slice(info.MemoryMap, func(i, j int) bool {
		return info.MemoryMap[i].PhysAddress < info.MemoryMap[j].PhysAddress
	})

	for _, mod := range modules {
		if err := info.Carve(mod.PhysAddress, mod.Length, Module); err != nil {
			return nil, err
		}
	}

	return &info, nil
}

func (info *Info) decodeMemoryMap(body []byte) error {
	if len(body) < 8 {
		return ErrTruncated
	}

	entrySize := int(binary.LittleEndian.Uint32(body))
	if entrySize < 20 {
		return ErrTruncated
	}

	for cur := 8; cur+entrySize <= len(body); cur += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(body[cur:]),
			Length:      binary.LittleEndian.Uint64(body[cur+8:]),
			Nature:      Reserved,
		}

		switch memoryEntryType(binary.LittleEndian.Uint32(body[cur+16:])) {
		case memAvailable:
			entry.Nature = Free
		case memReserved, memAcpiReclaimable, memNvs:
			entry.Nature = Reserved
		default:
			// Mark unknown entry types as reserved
		}

		if entry.Length != 0 {
			info.MemoryMap = append(info.MemoryMap, entry)
		}
	}

	return nil
}

// Carve re-labels [addr, addr+length) with the given nature. The range must
// lie entirely inside a single Free entry which gets split as needed.
func (info *Info) Carve(addr, length uint64, nature Nature) error {
	if length == 0 {
		return nil
	}

	for i, entry := range info.MemoryMap {
		if entry.Nature != Free || addr < entry.PhysAddress || addr+length > entry.End() {
			continue
		}

		var parts []MemoryMapEntry
		if addr > entry.PhysAddress {
			parts = append(parts, MemoryMapEntry{PhysAddress: entry.PhysAddress, Length: addr - entry.PhysAddress, Nature: Free})
		}
		parts = append(parts, MemoryMapEntry{PhysAddress: addr, Length: length, Nature: nature})
		if end := addr + length; end < entry.End() {
			parts = append(parts, MemoryMapEntry{PhysAddress: end, Length: entry.End() - end, Nature: Free})
		}

		tail := append(parts, info.MemoryMap[i+1:]...)
		info.MemoryMap = append(info.MemoryMap[:i], tail...)
		return nil
	}

	return ErrBadRegion
}

// VisitMemRegions will invoke the supplied visitor for each memory region in
// address order.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.MemoryMap {
		entry := info.MemoryMap[i]
		if !visitor(&entry) {
			return
		}
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Arguments without a value map to themselves.
func (info *Info) GetBootCmdLine() map[string]string {
	if info.cmdLineKV != nil {
		return info.cmdLineKV
	}

	info.cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(info.CmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			info.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			info.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return info.cmdLineKV
}
