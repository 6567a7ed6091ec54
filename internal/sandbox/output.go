package sandbox

import "sync"

// LimitedBuffer is an io.Writer that keeps the first Max bytes written to it
// and silently discards the rest. Writes never fail, so a chatty program
// cannot stall the copy loop feeding it. It is safe for concurrent use.
type LimitedBuffer struct {
	Max int

	mu        sync.Mutex
	buf       []byte
	truncated bool
}

// NewLimitedBuffer returns a buffer retaining at most max bytes.
func NewLimitedBuffer(max int) *LimitedBuffer {
	return &LimitedBuffer{Max: max}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.Max - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns a copy of the retained bytes.
func (b *LimitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// Truncated reports whether any bytes were discarded.
func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Truncate clips p to max bytes and reports whether anything was removed.
func Truncate(p []byte, max int) ([]byte, bool) {
	if max < 0 || len(p) <= max {
		return p, false
	}
	return p[:max], true
}
