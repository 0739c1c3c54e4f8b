package channel

import (
	"bytes"
	"testing"
)

func TestLinePrinterBuffersUntilNewline(t *testing.T) {
	var out bytes.Buffer
	p := newLinePrinter(&out, "web1")

	p.Write([]byte("hel"))
	if out.Len() != 0 {
		t.Fatalf("expected no output before a newline, got %q", out.String())
	}

	p.Write([]byte("lo\nwor"))
	if out.String() != "web1: hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	p.Flush()
	if out.String() != "web1: hello\nweb1: wor\n" {
		t.Fatalf("unexpected output after flush %q", out.String())
	}
}

func TestLinePrinterMultipleLinesInOneWrite(t *testing.T) {
	var out bytes.Buffer
	p := newLinePrinter(&out, "db")

	p.Write([]byte("one\ntwo\n"))
	if out.String() != "db: one\ndb: two\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestLinePrinterNilSink(t *testing.T) {
	p := newLinePrinter(nil, "a")
	p.Write([]byte("data\n"))
	p.Flush()
}
