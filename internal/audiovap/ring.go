package audiovap

import "sync"

// ring is a fixed-length sample window. New samples shift in at the tail and
// push the oldest ones out, so the buffer always holds the most recent
// Len() samples, zero-padded until it has been filled once.
type ring struct {
	mu  sync.Mutex
	buf []float32
}

func newRing(size int) *ring {
	return &ring{buf: make([]float32, size)}
}

// Shift appends chunk to the tail, discarding the same number of samples
// from the head. Chunks longer than the buffer keep only their tail.
func (r *ring) Shift(chunk []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(chunk) >= len(r.buf) {
		copy(r.buf, chunk[len(chunk)-len(r.buf):])
		return
	}
	copy(r.buf, r.buf[len(chunk):])
	copy(r.buf[len(r.buf)-len(chunk):], chunk)
}

// Snapshot returns a copy of the window, oldest sample first.
func (r *ring) Snapshot() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float32, len(r.buf))
	copy(out, r.buf)
	return out
}
