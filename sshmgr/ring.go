package sshmgr

import "sync"

// outputRing retains the most recent output chunks for a connection so a
// late observer can catch up on scrollback without unbounded memory.
type outputRing struct {
	mu       sync.Mutex
	capacity int
	chunks   []OutputChunk
	head     int
}

func newOutputRing(capacity int) *outputRing {
	if capacity <= 0 {
		capacity = DefaultOutputBufferChunks
	}
	return &outputRing{
		capacity: capacity,
		chunks:   make([]OutputChunk, 0, capacity),
	}
}

func (r *outputRing) append(chunk OutputChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) < r.capacity {
		r.chunks = append(r.chunks, chunk)
		return
	}
	r.chunks[r.head] = chunk
	r.head = (r.head + 1) % r.capacity
}

// snapshot returns the retained chunks oldest first.
func (r *outputRing) snapshot() []OutputChunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OutputChunk, 0, len(r.chunks))
	out = append(out, r.chunks[r.head:]...)
	out = append(out, r.chunks[:r.head]...)
	return out
}
