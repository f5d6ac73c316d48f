//go:build windows

package ram

import (
	"github.com/cockroachdb/errors"
	"modernc.org/memory"

	"kmem/kernel/sync"
)

var (
	allocator     memory.Allocator
	allocatorLock sync.Spinlock
)

// mapMemory allocates size bytes of zeroed memory outside of the Go heap.
func mapMemory(size int) ([]byte, error) {
	allocatorLock.Acquire()
	defer allocatorLock.Release()

	mem, err := allocator.Calloc(size)
	if err != nil {
		return nil, errors.Wrapf(err, "ram: calloc %d bytes", size)
	}
	return mem, nil
}

// unmapMemory frees memory obtained by mapMemory.
func unmapMemory(mem []byte) error {
	allocatorLock.Acquire()
	defer allocatorLock.Release()

	return errors.Wrap(allocator.Free(mem), "ram: free")
}
