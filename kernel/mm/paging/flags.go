package paging

// Flags describes the access rights of a virtual memory mapping independently
// of the page table entry format.
type Flags uint8

const (
	// Read allows the mapping to be read. Every mapping is readable.
	Read Flags = 1 << iota

	// Write allows the mapping to be written to.
	Write

	// Exec allows code to be executed from the mapping.
	Exec

	// Absent installs the translation without marking it present.
	Absent

	// Global marks a kernel mapping that is replicated into every address
	// space.
	Global

	// Same asks the caller to reuse the flags of an existing mapping. It
	// is never installed in a page table.
	Same Flags = 0x80
)

// String returns a compact "rwxag" representation of the flags.
func (f Flags) String() string {
	if f == Same {
		return "same"
	}

	out := []byte("-----")
	for i, c := range []byte("rwxag") {
		if f&(1<<uint(i)) != 0 {
			out[i] = c
		}
	}
	return string(out)
}
