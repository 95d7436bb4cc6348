package audio

import (
	"sync"
)

// RingBuffer holds forwarded PCM audio while the server engine is
// (re)connecting. When full, the oldest bytes are overwritten so that the
// most recent speech is what gets flushed.
type RingBuffer struct {
	buffer  []byte
	start   int
	length  int
	dropped int64
	mu      sync.Mutex
}

// NewRingBuffer creates a new ring buffer holding at most size bytes
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{buffer: make([]byte, size)}
}

// Write appends data and returns the number of older bytes overwritten
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	dropped := 0

	// Only the tail of an oversized write can survive.
	if len(data) > size {
		dropped += len(data) - size
		data = data[len(data)-size:]
	}

	for _, b := range data {
		end := (rb.start + rb.length) % size
		rb.buffer[end] = b
		if rb.length == size {
			rb.start = (rb.start + 1) % size
			dropped++
		} else {
			rb.length++
		}
	}

	rb.dropped += int64(dropped)
	return dropped
}

// Drain returns every buffered byte in write order and empties the buffer
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.length)
	size := len(rb.buffer)
	for i := 0; i < rb.length; i++ {
		out[i] = rb.buffer[(rb.start+i)%size]
	}
	rb.start = 0
	rb.length = 0
	return out
}

// Len returns the number of buffered bytes
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Cap returns the buffer capacity in bytes
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// Dropped returns the total number of bytes overwritten since creation
func (rb *RingBuffer) Dropped() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Clear discards buffered data
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.length = 0
}
