package mm

import (
	"reflect"
	"testing"
)

func TestOwners(t *testing.T) {
	var o Owners
	if !o.Empty() {
		t.Fatal("expected zero value to be the empty set")
	}

	for pid := PID(1); pid <= MaxOwners; pid++ {
		if !o.Add(pid) {
			t.Fatalf("expected Add(%d) to succeed", pid)
		}
	}

	if o.Add(MaxOwners + 1) {
		t.Fatal("expected Add to fail when the set is full")
	}

	if !o.Add(1) {
		t.Fatal("expected adding an existing member to succeed")
	}

	if exp, got := MaxOwners, o.Len(); got != exp {
		t.Fatalf("expected set length to be %d; got %d", exp, got)
	}

	if !o.Remove(2) {
		t.Fatal("expected Remove(2) to succeed")
	}

	if o.Remove(2) {
		t.Fatal("expected second Remove(2) to fail")
	}

	if exp, got := []PID{1, 3, 4}, o.PIDs(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected members %v; got %v", exp, got)
	}

	for _, pid := range []PID{1, 3, 4} {
		o.Remove(pid)
	}

	if o != (Owners{}) {
		t.Fatalf("expected set to be equal to the zero value after removing all members; got %+v", o)
	}

	if k := OwnedBy(KernelPID); !k.Has(KernelPID) || k.Len() != 1 {
		t.Fatal("expected OwnedBy to return a single member set")
	}
}
