// Package logbuf implements the capped ring buffer behind process stdout and
// stderr capture. Writes are byte-oriented and lossy at the head: when
// capacity would be exceeded the oldest bytes are dropped and the absolute
// offset advances by the dropped count. One writer, any number of readers;
// readers never block the writer.
package logbuf

import (
	"context"
	"sync"
)

// DefaultCapacity is the per-stream buffer size.
const DefaultCapacity = 1 << 20 // 1 MiB

// Buffer is a single-writer multi-reader byte ring with absolute offsets.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	start  int64 // absolute offset of data[0]'s logical position
	length int   // bytes currently retained
	head   int   // index of oldest retained byte
	closed bool
	notify chan struct{} // closed and replaced on every write/close
}

// New creates a Buffer with the given capacity; capacity <= 0 uses the
// default.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:   make([]byte, capacity),
		notify: make(chan struct{}),
	}
}

// Write appends p, dropping oldest bytes as needed. It never fails and never
// blocks on readers. Implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	capacity := len(b.data)

	src := p
	// A write larger than the whole buffer keeps only its tail.
	if len(src) > capacity {
		skipped := len(src) - capacity
		b.start += int64(skipped)
		src = src[skipped:]
	}

	// Drop oldest bytes to make room.
	overflow := b.length + len(src) - capacity
	if overflow > 0 {
		b.head = (b.head + overflow) % capacity
		b.length -= overflow
		b.start += int64(overflow)
	}

	tail := (b.head + b.length) % capacity
	n := copy(b.data[tail:], src)
	if n < len(src) {
		copy(b.data, src[n:])
	}
	b.length += len(src)

	ch := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(ch)
	return len(p), nil
}

// Close marks the stream ended and wakes waiting readers. Further writes are
// still accepted (the producer goroutines may race the reaper) but normally
// none arrive.
func (b *Buffer) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		ch := b.notify
		b.notify = make(chan struct{})
		b.mu.Unlock()
		close(ch)
		return
	}
	b.mu.Unlock()
}

// Closed reports whether the stream has ended.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Offset returns the absolute offset one past the newest byte.
func (b *Buffer) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start + int64(b.length)
}

// ReadSince copies out every retained byte at or after the absolute offset
// since. droppedBefore > 0 signals the reader missed data that was already
// overwritten.
func (b *Buffer) ReadSince(since int64) (out []byte, newOffset int64, droppedBefore int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if since < 0 {
		since = 0
	}
	if since < b.start {
		droppedBefore = b.start - since
		since = b.start
	}
	end := b.start + int64(b.length)
	if since >= end {
		return nil, end, droppedBefore
	}

	n := int(end - since)
	out = make([]byte, n)
	from := (b.head + int(since-b.start)) % len(b.data)
	c := copy(out, b.data[from:minInt(from+n, len(b.data))])
	if c < n {
		copy(out[c:], b.data[:n-c])
	}
	return out, end, droppedBefore
}

// Contents returns everything currently retained.
func (b *Buffer) Contents() []byte {
	out, _, _ := b.ReadSince(0)
	return out
}

// Wait blocks until data beyond the absolute offset since is available, the
// stream is closed, or ctx is done. It returns false when there will never be
// data past since (closed) or the context ended.
func (b *Buffer) Wait(ctx context.Context, since int64) bool {
	for {
		b.mu.Lock()
		if b.start+int64(b.length) > since {
			b.mu.Unlock()
			return true
		}
		if b.closed {
			b.mu.Unlock()
			return false
		}
		ch := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
