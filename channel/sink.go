package channel

import (
	"bytes"
	"io"
	"sync"
)

// linePrinter buffers a stream until whole lines are available and writes
// them prefixed with the originating host, so interleaved output from many
// servers stays attributable.
type linePrinter struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  string
	partial []byte
}

func newLinePrinter(out io.Writer, host string) *linePrinter {
	return &linePrinter{out: out, prefix: host + ": "}
}

func (p *linePrinter) Write(data []byte) {
	if p == nil || p.out == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.partial = append(p.partial, data...)
	for {
		idx := bytes.IndexByte(p.partial, '\n')
		if idx < 0 {
			return
		}
		line := p.partial[:idx+1]
		io.WriteString(p.out, p.prefix)
		p.out.Write(line)
		p.partial = p.partial[idx+1:]
	}
}

// Flush writes any trailing partial line.
func (p *linePrinter) Flush() {
	if p == nil || p.out == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.partial) == 0 {
		return
	}
	io.WriteString(p.out, p.prefix)
	p.out.Write(p.partial)
	io.WriteString(p.out, "\n")
	p.partial = nil
}
