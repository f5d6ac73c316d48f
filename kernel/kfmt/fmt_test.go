package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0
	}()

	outputSink = nil
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	Printf("[pmm] %d free pages at 0x%x\n", 16, uintptr(0x100000))

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[pmm] 16 free pages at 0x100000\n", buf.String(); got != exp {
		t.Fatalf("expected early output to be flushed as %q; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}

	buf.Reset()
	Printf("%s=%t", "attached", true)
	if exp, got := "attached=true", buf.String(); got != exp {
		t.Fatalf("expected Printf to write %q to the sink; got %q", exp, got)
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "%8x|%-4d|", 0xabc, 7)

	if exp, got := "     abc|7   |", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestConsoleWriter(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0
	}()

	outputSink = nil
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	pw := &PrefixWriter{Sink: Console, Prefix: []byte("[vmm] ")}
	Fprintf(pw, "line 1\nline 2\n")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[vmm] line 1\n[vmm] line 2\n", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}

	buf.Reset()
	if _, err := Console.Write([]byte("direct")); err != nil {
		t.Fatal(err)
	}

	if exp, got := "direct", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}
