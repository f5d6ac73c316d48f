package paging

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 1 << 9

	// MaxAddress is the first virtual address that cannot be translated
	// with four page levels.
	MaxAddress = uintptr(1) << 48
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// ptePresent is set when the page is available in memory and not swapped out.
	ptePresent pageTableEntryFlag = 1 << iota

	// pteRW is set if the page can be written to.
	pteRW

	// pteUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	pteUserAccessible

	// pteWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	pteWriteThroughCaching

	// pteDoNotCache prevents this page from being cached if set.
	pteDoNotCache

	// pteAccessed is set by the CPU when this page is accessed.
	pteAccessed

	// pteDirty is set by the CPU when this page is modified.
	pteDirty

	// pteHugePage is set if when using 2Mb pages instead of 4K pages.
	pteHugePage

	// pteGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	pteGlobal

	// pteMapped is a software bit that marks leaf entries installed by Fill.
	// It allows absent (non-present) mappings to keep their frame.
	pteMapped
)

// pteNoExecute if set, indicates that a page contains non-executable code.
const pteNoExecute = pageTableEntryFlag(1 << 63)
