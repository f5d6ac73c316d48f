// Package chunk implements the descriptor arena shared by the physical,
// virtual and byte-level memory managers.
//
// A memory chunk descriptor (Node) describes a contiguous [Location,
// Location+Size) range. Nodes live in an Arena and are addressed by a stable
// Handle. Each node carries two independent links: the address-order link
// used to build address-sorted lists and the buddy link used to group nodes
// that were allocated or freed together (or, for the physical manager, to
// chain free chunks into a free list).
package chunk

import (
	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/sync"
)

// Handle addresses a Node inside an Arena. Handles remain valid until the
// node is returned to the arena via Put.
type Handle int32

// Nil is the handle value that terminates lists and buddy chains.
const Nil = Handle(-1)

const (
	// NodesPerBlock is the number of descriptors added to an arena each
	// time it grows. Growing an arena is accounted as consuming one page
	// of physical memory.
	NodesPerBlock = int(mm.PageSize / 64)

	// maxBlocks bounds the number of blocks that an arena can hold.
	maxBlocks = 4096

	// MaxNodes is the largest capacity limit that can be applied to an
	// arena.
	MaxNodes = maxBlocks * NodesPerBlock
)

var (
	// ErrNoDescriptors is returned when the spare descriptor pool is empty
	// and could not be replenished.
	ErrNoDescriptors = &kernel.Error{Module: "chunk", Message: "out of chunk descriptors"}

	// ErrOverlap is returned when inserting a node whose range overlaps
	// with an existing list member.
	ErrOverlap = &kernel.Error{Module: "chunk", Message: "chunk overlaps with an existing chunk"}

	// ErrBadSplit is returned when attempting to split a node at an offset
	// outside (0, Size).
	ErrBadSplit = &kernel.Error{Module: "chunk", Message: "split offset outside chunk bounds"}
)

// Node is a memory chunk descriptor. The Data field holds the
// manager-specific payload.
type Node[T any] struct {
	Location uintptr
	Size     uintptr
	Data     T

	next  Handle
	buddy Handle
}

// End returns the first address past the end of the chunk.
func (n *Node[T]) End() uintptr {
	return n.Location + n.Size
}

// Contains returns true if addr lies inside the chunk.
func (n *Node[T]) Contains(addr uintptr) bool {
	return addr >= n.Location && addr-n.Location < n.Size
}

// Arena stores descriptors in fixed-size blocks so that node pointers remain
// stable while the arena grows. Spare nodes are kept in a pool linked
// through their address-order link.
//
// The arena lock only protects the spare pool and block table; nodes handed
// out by Get are protected by whoever owns the list they are linked into.
type Arena[T any] struct {
	lock       sync.Spinlock
	blocks     [maxBlocks]*[NodesPerBlock]Node[T]
	blockCount int
	limit      int

	spare      Handle
	spareCount int

	// Refill is invoked (without the arena lock held) when Get finds the
	// spare pool empty. It is expected to obtain backing storage, call
	// Grow and return true on success. If Refill is nil, Get calls Grow
	// directly.
	Refill func() bool
}

// NewArena returns an arena holding at least initial spare nodes that refuses
// to grow past limit nodes. A non-positive or too large limit selects
// MaxNodes.
func NewArena[T any](initial, limit int) *Arena[T] {
	if limit <= 0 || limit > MaxNodes {
		limit = MaxNodes
	}

	a := &Arena[T]{spare: Nil, limit: limit}
	for a.Cap() < initial && a.Grow() {
	}
	return a
}

// Grow adds a block of NodesPerBlock spare nodes to the arena. It returns
// false if the capacity limit has been reached.
func (a *Arena[T]) Grow() bool {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.blockCount == maxBlocks || (a.blockCount+1)*NodesPerBlock > a.limit {
		return false
	}

	block := new([NodesPerBlock]Node[T])
	a.blocks[a.blockCount] = block
	base := Handle(a.blockCount * NodesPerBlock)
	a.blockCount++

	for i := NodesPerBlock - 1; i >= 0; i-- {
		block[i].next, block[i].buddy = a.spare, Nil
		a.spare = base + Handle(i)
	}
	a.spareCount += NodesPerBlock
	return true
}

// Get pops a node from the spare pool. If the pool is empty it is
// replenished and Get tries again, giving up with ErrNoDescriptors once a
// replenishment attempt fails. The returned node is zeroed and unlinked.
func (a *Arena[T]) Get() (Handle, error) {
	for {
		a.lock.Acquire()
		if h := a.spare; h != Nil {
			n := a.Node(h)
			a.spare, n.next = n.next, Nil
			a.spareCount--
			a.lock.Release()
			return h, nil
		}
		a.lock.Release()

		// Nodes added by a successful refill may be taken by a concurrent
		// Get before this one gets to them.
		if !a.replenish() {
			return Nil, ErrNoDescriptors
		}
	}
}

func (a *Arena[T]) replenish() bool {
	if a.Refill != nil {
		return a.Refill()
	}
	return a.Grow()
}

// Put zeroes the node addressed by h and returns it to the spare pool.
func (a *Arena[T]) Put(h Handle) {
	n := a.Node(h)
	*n = Node[T]{buddy: Nil}

	a.lock.Acquire()
	n.next = a.spare
	a.spare = h
	a.spareCount++
	a.lock.Release()
}

// Spare returns the number of nodes in the spare pool.
func (a *Arena[T]) Spare() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.spareCount
}

// Cap returns the total number of nodes (spare or in use) held by the arena.
func (a *Arena[T]) Cap() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.blockCount * NodesPerBlock
}

// Blocks returns the number of blocks that the arena has grown by.
func (a *Arena[T]) Blocks() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.blockCount
}

// Node returns a pointer to the node addressed by h. The pointer remains valid
// until h is returned to the arena.
func (a *Arena[T]) Node(h Handle) *Node[T] {
	return &a.blocks[int(h)/NodesPerBlock][int(h)%NodesPerBlock]
}
