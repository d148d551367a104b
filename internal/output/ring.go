package output

import "sync"

// DefaultCapacity is the per-stream ring size when none is configured.
const DefaultCapacity = 64 * 1024

// Ring is a fixed-capacity byte buffer that keeps the most recent bytes
// written to it. Overflow discards the oldest data; writers never block on
// readers. Reads copy out under the lock.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	head    int // index of the oldest byte
	size    int
	written uint64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes when full. It never fails.
func (r *Ring) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written += uint64(n)
	c := len(r.buf)
	if n >= c {
		copy(r.buf, p[n-c:])
		r.head = 0
		r.size = c
		return n, nil
	}
	tail := (r.head + r.size) % c
	k := copy(r.buf[tail:], p)
	if k < n {
		copy(r.buf, p[k:])
	}
	r.size += n
	if r.size > c {
		r.head = (r.head + r.size - c) % c
		r.size = c
	}
	return n, nil
}

// Snapshot returns a copy of the most recent bytes, at most max of them.
// max <= 0 means everything buffered.
func (r *Ring) Snapshot(max int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	if max > 0 && max < n {
		n = max
	}
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	c := len(r.buf)
	start := (r.head + r.size - n) % c
	k := copy(out, r.buf[start:min(start+n, c)])
	if k < n {
		copy(out[k:], r.buf[:n-k])
	}
	return out
}

func (r *Ring) Cap() int { return len(r.buf) }

// Written is the total number of bytes ever written.
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
