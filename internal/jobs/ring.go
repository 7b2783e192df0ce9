package jobs

// ring is a bounded FIFO. Pushing into a full ring evicts the oldest item.
type ring[T any] struct {
	buf  []T
	head int
	n    int
}

func newRing[T any](capacity int) ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Len() int { return r.n }

// Push appends v and returns the evicted item, if any.
func (r *ring[T]) Push(v T) (evicted T, ok bool) {
	if r.n == len(r.buf) {
		evicted, ok = r.buf[r.head], true
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, ok
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return evicted, false
}

// Pop removes and returns up to max items, oldest first.
func (r *ring[T]) Pop(max int) []T {
	if max > r.n {
		max = r.n
	}
	if max <= 0 {
		return nil
	}
	var zero T
	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
	return out
}

// Items returns a copy of the contents, oldest first.
func (r *ring[T]) Items() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
