//go:build unix

package ram

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapMemory allocates size bytes of zeroed anonymous memory outside of the Go
// heap.
func mapMemory(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "ram: mmap %d bytes", size)
	}
	return mem, nil
}

// unmapMemory frees memory obtained by mapMemory.
func unmapMemory(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrap(err, "ram: munmap")
	}
	return nil
}
