package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FramerOptions controls how raw output is cut into events. There is no
// end-of-turn marker in the child's output, so a response counts as complete
// once the output has been silent for CompleteAfter.
type FramerOptions struct {
	ChunkSize     int           // runes per chunk before a forced flush
	Terminators   string        // runes that flush the chunk immediately
	CompleteAfter time.Duration // silence that ends a response
	IdleInterval  time.Duration // sleep between empty polls
}

// DefaultFramerOptions returns the production thresholds.
func DefaultFramerOptions() FramerOptions {
	return FramerOptions{
		ChunkSize:     10,
		Terminators:   "\n.!?",
		CompleteAfter: 30 * time.Second,
		IdleInterval:  10 * time.Millisecond,
	}
}

type framer struct {
	log  *zap.SugaredLogger
	opts FramerOptions

	in     *Queue[rune]
	inDone <-chan struct{} // closed when the stdout pump has finished
	diag   *Queue[rune]
	out    *Queue[Event]
	tail   *RingBuffer

	diagLine strings.Builder

	// mu guards the text of the current turn.
	mu       sync.Mutex
	chunk    strings.Builder
	chunkLen int
	full     strings.Builder
	lastRune time.Time
}

// run frames stdout runes into events until ctx is cancelled or stdout is
// exhausted.
func (f *framer) run(ctx context.Context) {
	idle := time.NewTimer(f.opts.IdleInterval)
	defer idle.Stop()

	f.mu.Lock()
	f.lastRune = time.Now()
	f.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			f.log.Debug("framer stopped")
			return
		default:
		}

		f.drainDiagnostics()

		if f.step() {
			continue
		}

		select {
		case <-f.inDone:
			// The pump pushes before closing inDone, so an empty queue here
			// means every rune has been consumed.
			if f.in.Len() == 0 {
				f.finish()
				return
			}
			continue
		default:
		}

		idle.Reset(f.opts.IdleInterval)
		select {
		case <-ctx.Done():
			f.log.Debug("framer stopped")
			return
		case <-idle.C:
		}
	}
}

// step consumes one stdout rune, or flushes pending text when none is
// waiting. It reports whether a rune was consumed.
func (f *framer) step() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.in.TryPop(); ok {
		f.chunk.WriteRune(ch)
		f.full.WriteRune(ch)
		f.chunkLen++
		f.lastRune = time.Now()

		if f.chunkLen >= f.opts.ChunkSize || strings.ContainsRune(f.opts.Terminators, ch) {
			f.emitChunk()
		}
		return true
	}

	if f.chunkLen > 0 {
		f.emitChunk()
	}
	if f.full.Len() > 0 && time.Since(f.lastRune) > f.opts.CompleteAfter {
		f.out.Push(Complete(f.full.String()))
		f.full.Reset()
	}
	return false
}

func (f *framer) emitChunk() {
	f.out.Push(Chunk(f.chunk.String()))
	f.chunk.Reset()
	f.chunkLen = 0
}

// beginTurn drops text framed since the last Complete, so the next Complete
// holds only what the child writes from now on. It returns the number of
// bytes dropped.
func (f *framer) beginTurn() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := f.full.Len()
	f.chunk.Reset()
	f.chunkLen = 0
	f.full.Reset()
	return dropped
}

// finish runs once stdout has closed.
func (f *framer) finish() {
	f.drainDiagnostics()
	f.flushDiagnosticLine()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkLen > 0 {
		f.emitChunk()
	}
	if f.full.Len() > 0 {
		f.out.Push(Complete(f.full.String()))
		f.full.Reset()
	}
	f.log.Debug("framer finished: output closed")
}

func (f *framer) drainDiagnostics() {
	for {
		ch, ok := f.diag.TryPop()
		if !ok {
			return
		}
		if ch == '\n' {
			f.flushDiagnosticLine()
			continue
		}
		f.diagLine.WriteRune(ch)
	}
}

func (f *framer) flushDiagnosticLine() {
	if f.diagLine.Len() == 0 {
		return
	}
	line := strings.TrimRight(f.diagLine.String(), "\r")
	f.diagLine.Reset()
	f.log.Debugw("child stderr", "line", line)
	f.tail.Write(DiagnosticLine{Text: line, Timestamp: time.Now().UTC()})
}
