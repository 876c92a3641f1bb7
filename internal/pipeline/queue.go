package pipeline

import "github.com/eljapi/code-talk-reviwer/domain/entities"

// ring is a FIFO of chunks over a growable circular buffer. Capacity is
// enforced by the caller.
type ring struct {
	buf  []entities.AudioChunk
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]entities.AudioChunk, capacity)}
}

func (r *ring) len() int { return r.size }

func (r *ring) push(c entities.AudioChunk) {
	if r.size == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.size)%len(r.buf)] = c
	r.size++
}

// pushFront inserts ahead of everything queued
func (r *ring) pushFront(c entities.AudioChunk) {
	if r.size == len(r.buf) {
		r.grow()
	}
	r.head = (r.head - 1 + len(r.buf)) % len(r.buf)
	r.buf[r.head] = c
	r.size++
}

func (r *ring) pop() (entities.AudioChunk, bool) {
	if r.size == 0 {
		return entities.AudioChunk{}, false
	}
	c := r.buf[r.head]
	r.buf[r.head] = entities.AudioChunk{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return c, true
}

// filter keeps chunks for which keep returns true and reports how many were removed
func (r *ring) filter(keep func(entities.AudioChunk) bool) int {
	kept := make([]entities.AudioChunk, 0, r.size)
	for i := 0; i < r.size; i++ {
		c := r.buf[(r.head+i)%len(r.buf)]
		if keep(c) {
			kept = append(kept, c)
		}
	}
	removed := r.size - len(kept)
	r.reset()
	for _, c := range kept {
		r.push(c)
	}
	return removed
}

func (r *ring) reset() {
	for i := range r.buf {
		r.buf[i] = entities.AudioChunk{}
	}
	r.head = 0
	r.size = 0
}

func (r *ring) grow() {
	n := len(r.buf) * 2
	if n == 0 {
		n = 8
	}
	buf := make([]entities.AudioChunk, n)
	for i := 0; i < r.size; i++ {
		buf[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = buf
	r.head = 0
}
