// Package kfmt implements the console output facilities used by the memory
// subsystem: formatted printing to a configurable sink, buffering of output
// produced before a sink is attached, line prefixing and kernel panics.
package kfmt

import (
	"fmt"
	"io"

	"kmem/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// sinkLock serializes writes to outputSink and earlyPrintBuffer.
	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()
	return outputSink
}

// Printf formats according to a format specifier and writes the result to the
// active output sink. If no sink is attached, the output is buffered into a
// ring-buffer and replayed when SetOutputSink is invoked.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil w selects the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w != nil {
		fmt.Fprintf(w, format, args...)
		return
	}

	sinkLock.Acquire()
	defer sinkLock.Release()

	if outputSink != nil {
		fmt.Fprintf(outputSink, format, args...)
		return
	}
	fmt.Fprintf(&earlyPrintBuffer, format, args...)
}

// Console is an io.Writer that forwards writes to the active output sink or,
// if no sink is attached, to the early print buffer.
var Console io.Writer = consoleWriter{}

type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}
