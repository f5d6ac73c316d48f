package chunk

import (
	"github.com/cockroachdb/errors"
)

// link selects one of the two independent links carried by each node.
type link uint8

const (
	addrLink link = iota
	buddyLink
)

func (a *Arena[T]) follow(h Handle, l link) Handle {
	if l == buddyLink {
		return a.Node(h).buddy
	}
	return a.Node(h).next
}

func (a *Arena[T]) setLink(h Handle, l link, to Handle) {
	if l == buddyLink {
		a.Node(h).buddy = to
		return
	}
	a.Node(h).next = to
}

// insertSorted links h into the list rooted at head keeping it sorted by
// Location and returns the node that now precedes h (or Nil).
func (a *Arena[T]) insertSorted(head *Handle, h Handle, l link) Handle {
	loc := a.Node(h).Location
	prev, cur := Nil, *head
	for ; cur != Nil && a.Node(cur).Location < loc; prev, cur = cur, a.follow(cur, l) {
	}

	a.setLink(h, l, cur)
	if prev == Nil {
		*head = h
	} else {
		a.setLink(prev, l, h)
	}
	return prev
}

// unlink removes h from the list rooted at head. It returns false if h is not
// a member of the list.
func (a *Arena[T]) unlink(head *Handle, h Handle, l link) bool {
	prev := Nil
	for cur := *head; cur != Nil; prev, cur = cur, a.follow(cur, l) {
		if cur != h {
			continue
		}

		if prev == Nil {
			*head = a.follow(h, l)
		} else {
			a.setLink(prev, l, a.follow(h, l))
		}
		a.setLink(h, l, Nil)
		return true
	}
	return false
}

// Next returns the node following h in address order.
func (a *Arena[T]) Next(h Handle) Handle {
	return a.Node(h).next
}

// Buddy returns the node following h in its buddy chain.
func (a *Arena[T]) Buddy(h Handle) Handle {
	return a.Node(h).buddy
}

// SetBuddy points the buddy link of h to b.
func (a *Arena[T]) SetBuddy(h, b Handle) {
	a.Node(h).buddy = b
}

// Insert links h into the address-sorted list rooted at head. It fails with
// ErrOverlap (leaving the list untouched) if h overlaps with a list member.
func (a *Arena[T]) Insert(head *Handle, h Handle) error {
	n := a.Node(h)
	prev, cur := Nil, *head
	for ; cur != Nil && a.Node(cur).Location < n.Location; prev, cur = cur, a.Node(cur).next {
	}

	if (prev != Nil && a.Node(prev).End() > n.Location) || (cur != Nil && n.End() > a.Node(cur).Location) {
		return ErrOverlap
	}

	n.next = cur
	if prev == Nil {
		*head = h
	} else {
		a.Node(prev).next = h
	}
	return nil
}

// InsertAfter links h right after prev in address order. If prev is Nil, h
// becomes the new list head. The caller is responsible for keeping the list
// sorted.
func (a *Arena[T]) InsertAfter(head *Handle, prev, h Handle) {
	if prev == Nil {
		a.Node(h).next = *head
		*head = h
		return
	}

	a.Node(h).next = a.Node(prev).next
	a.Node(prev).next = h
}

// Remove unlinks h from the address-sorted list rooted at head.
func (a *Arena[T]) Remove(head *Handle, h Handle) bool {
	return a.unlink(head, h, addrLink)
}

// Prev returns the node preceding h in the address-sorted list rooted at head
// or Nil if h is the list head or not a list member.
func (a *Arena[T]) Prev(head, h Handle) Handle {
	for prev, cur := Nil, head; cur != Nil; prev, cur = cur, a.Node(cur).next {
		if cur == h {
			return prev
		}
	}
	return Nil
}

// InsertBuddySorted links h into a list that is chained through buddy links
// and kept sorted by Location.
func (a *Arena[T]) InsertBuddySorted(head *Handle, h Handle) {
	a.insertSorted(head, h, buddyLink)
}

// RemoveBuddy unlinks h from a list chained through buddy links.
func (a *Arena[T]) RemoveBuddy(head *Handle, h Handle) bool {
	return a.unlink(head, h, buddyLink)
}

// Chain returns the members of the buddy chain that starts at h.
func (a *Arena[T]) Chain(h Handle) []Handle {
	var members []Handle
	for ; h != Nil; h = a.Node(h).buddy {
		members = append(members, h)
	}
	return members
}

// ChainSize returns the total size of the buddy chain that starts at h.
func (a *Arena[T]) ChainSize(h Handle) uintptr {
	var size uintptr
	for ; h != Nil; h = a.Node(h).buddy {
		size += a.Node(h).Size
	}
	return size
}

// Find returns the list member that contains addr or Nil.
func (a *Arena[T]) Find(head Handle, addr uintptr) Handle {
	for cur := head; cur != Nil; cur = a.Node(cur).next {
		n := a.Node(cur)
		if n.Contains(addr) {
			return cur
		}
		if n.Location > addr {
			break
		}
	}
	return Nil
}

// FindAt returns the list member that starts exactly at loc or Nil.
func (a *Arena[T]) FindAt(head Handle, loc uintptr) Handle {
	if h := a.Find(head, loc); h != Nil && a.Node(h).Location == loc {
		return h
	}
	return Nil
}

// Each invokes fn for each list member in address order until fn returns
// false. fn must not unlink the node it is visiting.
func (a *Arena[T]) Each(head Handle, fn func(Handle, *Node[T]) bool) {
	for cur := head; cur != Nil; {
		n := a.Node(cur)
		next := n.next
		if !fn(cur, n) {
			return
		}
		cur = next
	}
}

// Len returns the number of members in the list rooted at head.
func (a *Arena[T]) Len(head Handle) int {
	var count int
	for cur := head; cur != Nil; cur = a.Node(cur).next {
		count++
	}
	return count
}

// FindHole performs a first-fit search for a gap of at least size bytes in
// [from, limit) that does not overlap any list member.
func (a *Arena[T]) FindHole(head Handle, from, limit, size uintptr) (uintptr, bool) {
	cursor := from
	for cur := head; cur != Nil; cur = a.Node(cur).next {
		n := a.Node(cur)
		if n.End() <= cursor {
			continue
		}

		if n.Location >= cursor && n.Location-cursor >= size {
			break
		}

		cursor = n.End()
	}

	if cursor > limit || limit-cursor < size {
		return 0, false
	}
	return cursor, true
}

// Split divides h at offset. h keeps the first offset bytes and a new node,
// linked right after h in address order, receives the remainder together
// with a copy of h's payload. The new node is not linked into any buddy
// chain.
func (a *Arena[T]) Split(h Handle, offset uintptr) (Handle, error) {
	if offset == 0 || offset >= a.Node(h).Size {
		return Nil, ErrBadSplit
	}

	rem, err := a.Get()
	if err != nil {
		return Nil, err
	}

	n, r := a.Node(h), a.Node(rem)
	r.Location, r.Size, r.Data = n.Location+offset, n.Size-offset, n.Data
	n.Size = offset
	r.next, n.next = n.next, rem
	return rem, nil
}

// Absorb merges the node that follows h in address order into h and returns
// the absorbed node to the spare pool. The two nodes must be adjacent.
func (a *Arena[T]) Absorb(h Handle) error {
	n := a.Node(h)
	next := n.next
	if next == Nil || n.End() != a.Node(next).Location {
		return errors.Newf("chunk: cannot absorb non-adjacent successor of chunk at %#x", n.Location)
	}

	nn := a.Node(next)
	n.Size += nn.Size
	n.next = nn.next
	a.Put(next)
	return nil
}

// Validate checks that the list rooted at head is strictly sorted by Location,
// that its members do not overlap and that no member is empty.
func (a *Arena[T]) Validate(head Handle) error {
	prev := Nil
	for cur, count := head, 0; cur != Nil; prev, cur, count = cur, a.Node(cur).next, count+1 {
		n := a.Node(cur)
		if n.Size == 0 {
			return errors.Newf("chunk %d at %#x has zero size", count, n.Location)
		}

		if prev != Nil && a.Node(prev).End() > n.Location {
			p := a.Node(prev)
			return errors.Newf("chunk %d [%#x, %#x) overlaps or precedes previous chunk [%#x, %#x)", count, n.Location, n.End(), p.Location, p.End())
		}

		if count > a.Cap() {
			return errors.New("chunk list contains a cycle")
		}
	}
	return nil
}
