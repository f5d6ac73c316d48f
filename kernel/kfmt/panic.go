package kfmt

import (
	"kmem/kernel"
)

var (
	// haltFn is invoked by Panic after printing the panic banner. It is
	// mocked by tests.
	haltFn = halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// ErrSystemHalted is the value that the hosted halt implementation
	// panics with.
	ErrSystemHalted = &kernel.Error{Module: "kfmt", Message: "system halted"}
)

// Panic outputs the supplied error (if not nil) to the active output sink and
// halts the system. Calls to Panic never return unless haltFn has been
// replaced.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn()
}

// halt stops the current task. A hosted kernel cannot stop the CPU so the
// task is unwound with a Go panic instead.
func halt() {
	panic(ErrSystemHalted)
}
