package relay

// Buffer is a bounded FIFO byte queue. Appends stop at capacity so a full
// buffer applies backpressure to its source; consumers drain it from the
// front in whatever amounts partial writes allow.
type Buffer struct {
	data     []byte
	capacity int
}

// NewBuffer creates an empty buffer holding at most capacity bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), capacity: capacity}
}

// Len returns the number of queued bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int { return b.capacity }

// Space returns how many more bytes fit.
func (b *Buffer) Space() int { return b.capacity - len(b.data) }

// Full reports whether no more bytes fit.
func (b *Buffer) Full() bool { return len(b.data) >= b.capacity }

// Empty reports whether nothing is queued.
func (b *Buffer) Empty() bool { return len(b.data) == 0 }

// Append queues as much of p as fits and returns the count accepted.
func (b *Buffer) Append(p []byte) int {
	n := min(len(p), b.Space())
	b.data = append(b.data, p[:n]...)
	return n
}

// Peek returns up to max bytes from the front without removing them. The
// slice is only valid until the next Append or Consume.
func (b *Buffer) Peek(max int) []byte {
	return b.data[:min(max, len(b.data))]
}

// Consume removes n bytes from the front.
func (b *Buffer) Consume(n int) {
	n = min(n, len(b.data))
	b.data = b.data[:copy(b.data, b.data[n:])]
}

// Reset discards everything queued.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
