// Package ram simulates the physical memory of the machine. Physical address
// p maps to byte p of an anonymous memory mapping so page tables and other
// structures that live in physical memory can be read and written by the
// memory managers without real hardware.
package ram

import (
	"encoding/binary"

	"kmem/kernel"
)

var (
	// ErrOutOfRange is returned when an access falls outside the simulated
	// memory.
	ErrOutOfRange = &kernel.Error{Module: "ram", Message: "physical address out of range"}

	// ErrMisaligned is returned by word accessors for unaligned addresses.
	ErrMisaligned = &kernel.Error{Module: "ram", Message: "misaligned word access"}

	// ErrClosed is returned when accessing a RAM after Close.
	ErrClosed = &kernel.Error{Module: "ram", Message: "ram has been released"}
)

// RAM is a simulated physical address space starting at address 0.
type RAM struct {
	mem []byte
}

// New reserves size bytes of zeroed simulated physical memory.
func New(size uintptr) (*RAM, error) {
	mem, err := mapMemory(int(size))
	if err != nil {
		return nil, err
	}

	return &RAM{mem: mem}, nil
}

// Size returns the number of bytes of simulated memory.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.mem))
}

// Close releases the backing memory.
func (r *RAM) Close() error {
	if r.mem == nil {
		return ErrClosed
	}

	mem := r.mem
	r.mem = nil
	return unmapMemory(mem)
}

// Bytes returns a slice that aliases [addr, addr+size).
func (r *RAM) Bytes(addr, size uintptr) ([]byte, error) {
	if r.mem == nil {
		return nil, ErrClosed
	}

	if addr > r.Size() || r.Size()-addr < size {
		return nil, ErrOutOfRange
	}

	return r.mem[addr : addr+size : addr+size], nil
}

// Uint64 reads the 8-byte little-endian word at addr.
func (r *RAM) Uint64(addr uintptr) (uint64, error) {
	b, err := r.word(addr)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 writes v as an 8-byte little-endian word at addr.
func (r *RAM) PutUint64(addr uintptr, v uint64) error {
	b, err := r.word(addr)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (r *RAM) word(addr uintptr) ([]byte, error) {
	if addr&7 != 0 {
		return nil, ErrMisaligned
	}

	return r.Bytes(addr, 8)
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls.
func (r *RAM) Memset(addr uintptr, value byte, size uintptr) error {
	if size == 0 {
		return nil
	}

	target, err := r.Bytes(addr, size)
	if err != nil {
		return err
	}

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
	return nil
}
