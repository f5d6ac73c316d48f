package paging

import "kmem/kernel/mm"

// pageTableEntryFlag describes a flag that can be applied to a page table entry.
type pageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags pageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags pageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags pageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags pageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// leafFlagMask covers every entry flag that leafFlags may set.
const leafFlagMask = ptePresent | pteRW | pteUserAccessible | pteGlobal | pteMapped | pteNoExecute

// leafFlags returns the entry flags that encode flags.
func leafFlags(flags Flags) pageTableEntryFlag {
	pteFlags := pteMapped
	if flags&Absent == 0 {
		pteFlags |= ptePresent
	}
	if flags&Write != 0 {
		pteFlags |= pteRW
	}
	if flags&Exec == 0 {
		pteFlags |= pteNoExecute
	}
	if flags&Global != 0 {
		pteFlags |= pteGlobal
	} else {
		pteFlags |= pteUserAccessible
	}
	return pteFlags
}

// flags decodes the abstract flags of a leaf entry.
func (pte pageTableEntry) flags() Flags {
	flags := Read
	if !pte.HasFlags(ptePresent) {
		flags |= Absent
	}
	if pte.HasFlags(pteRW) {
		flags |= Write
	}
	if !pte.HasFlags(pteNoExecute) {
		flags |= Exec
	}
	if pte.HasFlags(pteGlobal) {
		flags |= Global
	}
	return flags
}
