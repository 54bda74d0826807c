package mcprpc

import (
	"bytes"
	"sync"
)

// lineBuffer splits a byte stream into newline-terminated frames, keeping a
// trailing partial line until the next chunk completes it.
type lineBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// feed appends chunk and returns every complete, non-blank line.
func (b *lineBuffer) feed(chunk []byte) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:i])
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

func (b *lineBuffer) reset() {
	b.mu.Lock()
	b.buf = nil
	b.mu.Unlock()
}

// pendingBytes reports how much of a partial line is buffered.
func (b *lineBuffer) pendingBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
