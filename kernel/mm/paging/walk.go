package paging

import (
	"kmem/kernel/mm"
)

// op selects the action that walk performs on each page.
type op uint8

const (
	// opSetupLevel allocates missing intermediate tables.
	opSetupLevel op = iota

	// opFill installs leaf entries.
	opFill

	// opSetFlags rewrites the flags of existing leaf entries.
	opSetFlags

	// opRemove clears leaf entries and reclaims empty tables.
	opRemove
)

// entryAddress returns the physical address of the entry that translates virt
// in the table at tableAddr, which belongs to the given level.
func entryAddress(tableAddr, virt uintptr, level int) uintptr {
	// Extract the bits from virtual address that correspond to the
	// index in this level's page table
	entryIndex := (virt >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
	return tableAddr + (entryIndex << mm.PointerShift)
}

func checkRange(virt, size uintptr) error {
	switch {
	case !mm.IsPageAligned(virt) || !mm.IsPageAligned(size):
		return ErrMisaligned
	case size == 0 || virt >= MaxAddress || MaxAddress-virt < size:
		return ErrInvalidAddress
	}
	return nil
}

// walkRange applies o to every page in [virt, virt+size). For opFill the
// page at virt+off is mapped to phys+off.
func (b *Backend) walkRange(table Table, o op, virt, size, phys uintptr, flags Flags) error {
	if err := checkRange(virt, size); err != nil {
		return err
	}

	for off := uintptr(0); off < size; off += mm.PageSize {
		if err := b.walk(table, o, virt+off, phys+off, flags, off+mm.PageSize == size); err != nil {
			return err
		}
	}
	return nil
}

// walk performs a page table walk for the given virtual address, applying o
// at each level. last is set for the final page of a range; opRemove uses it
// to decide when to look for empty tables.
func (b *Backend) walk(table Table, o op, virt, phys uintptr, flags Flags, last bool) error {
	var (
		path      [pageLevels]uintptr
		tableAddr = uintptr(table)
	)

	for level := 0; level < pageLevels; level++ {
		path[level] = entryAddress(tableAddr, virt, level)
		pte, err := b.load(path[level])
		if err != nil {
			return err
		}

		if level == pageLevels-1 {
			return b.leaf(table, o, path, pte, virt, phys, flags, last)
		}

		if !pte.HasFlags(ptePresent) {
			switch o {
			case opSetupLevel:
				if pte, err = b.newTable(path[level]); err != nil {
					return err
				}
			case opRemove:
				// Nothing is mapped below this entry
				return nil
			default:
				return ErrInvalidMapping
			}
		}

		if pte.HasFlags(pteHugePage) {
			return errNoHugePageSupport
		}

		tableAddr = pte.Frame().Address()
	}

	return nil
}

func (b *Backend) leaf(table Table, o op, path [pageLevels]uintptr, pte pageTableEntry, virt, phys uintptr, flags Flags, last bool) error {
	entryAddr := path[pageLevels-1]

	switch o {
	case opFill:
		pte = 0
		pte.SetFrame(mm.FrameFromAddress(phys))
		pte.SetFlags(leafFlags(flags))
		if err := b.store(entryAddr, pte); err != nil {
			return err
		}
		b.flush(table, virt)
	case opSetFlags:
		if !pte.HasFlags(pteMapped) {
			return ErrInvalidMapping
		}
		pte.ClearFlags(leafFlagMask)
		pte.SetFlags(leafFlags(flags))
		if err := b.store(entryAddr, pte); err != nil {
			return err
		}
		b.flush(table, virt)
	case opRemove:
		if pte.HasAnyFlag(ptePresent | pteMapped) {
			if err := b.store(entryAddr, 0); err != nil {
				return err
			}
			b.flush(table, virt)
		}

		// Only look for empty tables when leaving a leaf table
		if last || entryAddr&(mm.PageSize-1) == mm.PageSize-(1<<mm.PointerShift) {
			return b.reclaim(path)
		}
	}

	return nil
}

// reclaim walks path bottom-up releasing the tables that no longer hold any
// entries. The top-level table is never released.
func (b *Backend) reclaim(path [pageLevels]uintptr) error {
	for level := pageLevels - 1; level > 0; level-- {
		tableAddr := path[level] &^ (mm.PageSize - 1)
		empty, err := b.isEmpty(tableAddr)
		if err != nil || !empty {
			return err
		}

		if err = b.freeTable(path[level-1], mm.FrameFromAddress(tableAddr)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) isEmpty(tableAddr uintptr) (bool, error) {
	entries, err := b.mem.Bytes(tableAddr, mm.PageSize)
	if err != nil {
		return false, err
	}

	for _, v := range entries {
		if v != 0 {
			return false, nil
		}
	}
	return true, nil
}
