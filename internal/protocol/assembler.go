package protocol

import (
	"bytes"
	"strings"
)

// Assembler frames the unframed inbound byte stream into newline-terminated
// lines. It is owned by a single goroutine and is not safe for concurrent use.
// There is no upper bound on a partial line.
type Assembler struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, trimmed. Empty
// lines are skipped. The unterminated tail stays buffered for the next call.
func (a *Assembler) Feed(chunk []byte) []string {
	a.buf = append(a.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(a.buf[:i]))
		a.buf = a.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return lines
}

// Reset discards any partial line. Called whenever the link is replaced.
func (a *Assembler) Reset() {
	a.buf = nil
}

// Buffered returns the number of bytes waiting for a terminator.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}
