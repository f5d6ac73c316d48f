package mm

// PID identifies a process (address space) that owns memory.
type PID uint32

// KernelPID is the process id of the kernel. The kernel owns address space
// index 0 and is the only process allowed to manage global mappings.
const KernelPID = PID(0)

// MaxOwners is the maximum number of processes that may share a chunk.
const MaxOwners = 4

// Owners is a small fixed-capacity set of PIDs. The zero value is the empty
// set which doubles as the "no owner" sentinel. Owners values are comparable
// so snapshots that embed them can be compared with ==.
type Owners struct {
	pids  [MaxOwners]PID
	count uint8
}

// OwnedBy returns a set containing pid.
func OwnedBy(pid PID) Owners {
	var o Owners
	o.pids[0] = pid
	o.count = 1
	return o
}

// Empty returns true if the set has no members.
func (o Owners) Empty() bool {
	return o.count == 0
}

// Len returns the number of members.
func (o Owners) Len() int {
	return int(o.count)
}

// Has returns true if pid is a member of the set.
func (o Owners) Has(pid PID) bool {
	for i := uint8(0); i < o.count; i++ {
		if o.pids[i] == pid {
			return true
		}
	}
	return false
}

// Add inserts pid into the set. It returns false if the set is already full;
// adding an existing member is a no-op that returns true.
func (o *Owners) Add(pid PID) bool {
	if o.Has(pid) {
		return true
	}

	if int(o.count) == MaxOwners {
		return false
	}

	o.pids[o.count] = pid
	o.count++
	return true
}

// Remove deletes pid from the set and returns false if it was not a member.
// Remaining members keep their relative order.
func (o *Owners) Remove(pid PID) bool {
	for i := uint8(0); i < o.count; i++ {
		if o.pids[i] != pid {
			continue
		}

		copy(o.pids[i:o.count], o.pids[i+1:o.count])
		o.count--
		o.pids[o.count] = 0
		return true
	}
	return false
}

// PIDs returns a copy of the set members.
func (o Owners) PIDs() []PID {
	return append([]PID(nil), o.pids[:o.count]...)
}
