package procdisp

// ring is a circular cursor over a pool of fixed size.
type ring struct {
	next int
	size int
}

// pick returns the current index and advances the cursor, wrapping at size.
// It returns -1 on an empty ring.
func (r *ring) pick() int {
	if r.size == 0 {
		return -1
	}
	i := r.next
	r.next = (r.next + 1) % r.size
	return i
}

// resize adjusts the ring to a new pool size, keeping the cursor in range.
func (r *ring) resize(size int) {
	r.size = size
	if size == 0 || r.next >= size {
		r.next = 0
	}
}

// remove drops slot i, keeping the cursor on the slot that was next.
func (r *ring) remove(i int) {
	if i < r.next {
		r.next--
	}
	r.resize(r.size - 1)
}

// reset resizes the ring and moves the cursor back to the first slot.
func (r *ring) reset(size int) {
	r.size = size
	r.next = 0
}
