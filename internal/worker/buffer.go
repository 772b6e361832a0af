package worker

import (
	"bytes"
	"sync"
)

// cappedBuffer is an append-only io.Writer that keeps at most max bytes and
// silently drops the rest. Write always reports the full length so the copy
// goroutine in os/exec never fails with a short write.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	discarded int64
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.discarded += int64(len(p))
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.discarded += int64(len(p) - remaining)
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded > 0
}
