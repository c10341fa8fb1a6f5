// Package buffer holds decoded frames between the media producer and the
// consumer calling Pull.
package buffer

import (
	"sync"

	"amscam/native/internal/domain"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 60

// Ring is a bounded FIFO of frames with drop-oldest eviction. It also keeps
// the most recently pushed frame under the same mutex.
type Ring struct {
	mu     sync.Mutex
	frames []*domain.Frame
	head   int
	size   int
	latest *domain.Frame
}

// New creates a ring holding at most capacity frames.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{frames: make([]*domain.Frame, capacity)}
}

// Push appends f, evicting the oldest frame when full. It reports whether
// an eviction happened. The ring takes ownership of f.
func (r *Ring) Push(f *domain.Frame) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.frames)
	if r.size == capacity {
		r.frames[r.head] = nil
		r.head = (r.head + 1) % capacity
		r.size--
		evicted = true
	}
	r.frames[(r.head+r.size)%capacity] = f
	r.size++
	r.latest = f
	return evicted
}

// Pop removes the oldest frame and returns a copy of it. ok is false when
// the ring is empty.
func (r *Ring) Pop() (f *domain.Frame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil, false
	}
	f = r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.size--
	return f.Clone(), true
}

// Latest returns a copy of the last pushed frame, or nil.
func (r *Ring) Latest() *domain.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest.Clone()
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.frames)
}

// Clear drops every buffered frame and the latest frame.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.frames {
		r.frames[i] = nil
	}
	r.head = 0
	r.size = 0
	r.latest = nil
}
