package session

import (
	"strings"
	"sync"
	"time"
)

// DiagnosticLine is one line of the child's stderr.
type DiagnosticLine struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RingBuffer is a fixed-capacity circular buffer of diagnostic lines.
// It keeps the recent stderr tail for status reports and error messages.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []DiagnosticLine
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]DiagnosticLine, capacity),
		capacity: capacity,
	}
}

// Write adds a line to the ring buffer.
func (rb *RingBuffer) Write(line DiagnosticLine) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all lines in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []DiagnosticLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]DiagnosticLine, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]DiagnosticLine, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Tail joins the last n lines with newlines.
func (rb *RingBuffer) Tail(n int) string {
	lines := rb.ReadAll()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}
