// Package gateway turns HTTP queries into input for the shared interactive
// session and hands the framed output back, either as a stream of events or
// as one collected reply.
//
// There is exactly one session and one event queue. Events carry no query
// id, so the gateway admits one query at a time: the slot is held from the
// moment the query is written until its response has been consumed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"q-bridge/internal/session"
)

var (
	// ErrEmptyQuery is a client error: nothing to send.
	ErrEmptyQuery = errors.New("empty query")
	// ErrTimeout means no response arrived within the allotted wait.
	ErrTimeout = errors.New("request timed out")
	// ErrBusy means another query held the session for longer than QueueWait.
	ErrBusy = errors.New("session busy with another query")
)

// Session is the part of the session manager the gateway drives.
type Session interface {
	EnsureStarted(ctx context.Context) (bool, error)
	Initialized() bool
	NeedsRestart() bool
	Restart(ctx context.Context) error
	Send(query string) error
	Events() *session.Queue[session.Event]
}

var _ Session = (*session.Manager)(nil)

// Options holds the gateway's waits.
type Options struct {
	StreamPullTimeout time.Duration // per-event wait while streaming
	CollectTimeout    time.Duration // overall wait for a buffered reply
	CollectPoll       time.Duration
	QueueWait         time.Duration // how long a query waits for the slot
}

// DefaultOptions returns the production waits.
func DefaultOptions() Options {
	return Options{
		StreamPullTimeout: 60 * time.Second,
		CollectTimeout:    60 * time.Second,
		CollectPoll:       time.Second,
		QueueWait:         60 * time.Second,
	}
}

// Gateway validates queries and feeds them to the session one at a time.
type Gateway struct {
	log  *zap.SugaredLogger
	sess Session
	opts Options
	slot *semaphore.Weighted
}

// New creates a gateway in front of sess.
func New(log *zap.SugaredLogger, sess Session, opts Options) *Gateway {
	d := DefaultOptions()
	if opts.StreamPullTimeout <= 0 {
		opts.StreamPullTimeout = d.StreamPullTimeout
	}
	if opts.CollectTimeout <= 0 {
		opts.CollectTimeout = d.CollectTimeout
	}
	if opts.CollectPoll <= 0 {
		opts.CollectPoll = d.CollectPoll
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = d.QueueWait
	}
	return &Gateway{
		log:  log,
		sess: sess,
		opts: opts,
		slot: semaphore.NewWeighted(1),
	}
}

// Normalize validates a query and folds line breaks into spaces so the query
// reaches the session as a single input line.
func Normalize(query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", ErrEmptyQuery
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(query), nil
}

// Stream submits query and returns a stream of its response events. The
// caller must Close the stream; reading it to the end also releases it.
func (g *Gateway) Stream(ctx context.Context, query string) (*Stream, error) {
	id, err := g.submit(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Stream{
		ID:      id,
		events:  g.sess.Events(),
		timeout: g.opts.StreamPullTimeout,
		log:     g.log.With("query", id),
		release: func() { g.slot.Release(1) },
	}, nil
}

// Result is a collected reply.
type Result struct {
	ID       string
	Text     string
	Complete bool
}

// Collect submits query and blocks until the response is complete or
// CollectTimeout elapses. On timeout the partial text is returned together
// with ErrTimeout.
func (g *Gateway) Collect(ctx context.Context, query string) (Result, error) {
	id, err := g.submit(ctx, query)
	if err != nil {
		return Result{}, err
	}
	defer g.slot.Release(1)

	events := g.sess.Events()
	var partial strings.Builder
	deadline := time.Now().Add(g.opts.CollectTimeout)
	for time.Now().Before(deadline) {
		ev, err := events.Pop(ctx, min(g.opts.CollectPoll, time.Until(deadline)))
		if errors.Is(err, session.ErrQueueTimeout) {
			continue
		}
		if err != nil {
			return Result{ID: id, Text: Sanitize(partial.String())}, err
		}
		switch ev.Type {
		case session.EventChunk:
			partial.WriteString(ev.Text)
		case session.EventComplete:
			return Result{ID: id, Text: Sanitize(ev.Text), Complete: true}, nil
		}
	}

	g.log.Warnw("buffered query timed out", "query", id, "partialLen", partial.Len())
	return Result{ID: id, Text: Sanitize(partial.String())}, ErrTimeout
}

// Restart replaces the session process once no query is in flight.
func (g *Gateway) Restart(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.slot.Release(1)
	return g.sess.Restart(ctx)
}

// submit validates and sends query. On success the caller owns the slot.
func (g *Gateway) submit(ctx context.Context, query string) (string, error) {
	line, err := Normalize(query)
	if err != nil {
		return "", err
	}

	if err := g.acquire(ctx); err != nil {
		return "", err
	}

	id := uuid.New().String()
	log := g.log.With("query", id)
	if err := g.send(ctx, log, line); err != nil {
		g.slot.Release(1)
		log.Warnw("query failed", "error", err)
		return "", err
	}
	log.Debugw("query submitted", "len", len(line))
	return id, nil
}

func (g *Gateway) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.opts.QueueWait)
	defer cancel()
	if err := g.slot.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, log *zap.SugaredLogger, line string) error {
	if !g.sess.Initialized() {
		if _, err := g.sess.EnsureStarted(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
	}
	if g.sess.NeedsRestart() {
		log.Info("session not alive, restarting")
		if err := g.sess.Restart(ctx); err != nil {
			return fmt.Errorf("restart session: %w", err)
		}
	}

	if n := g.sess.Events().Clear(); n > 0 {
		log.Debugw("discarded stale events", "count", n)
	}

	err := g.sess.Send(line)
	if errors.Is(err, session.ErrNotRunning) {
		log.Infow("session died before send, restarting", "error", err)
		if err := g.sess.Restart(ctx); err != nil {
			return fmt.Errorf("restart session: %w", err)
		}
		g.sess.Events().Clear()
		err = g.sess.Send(line)
	}
	if err != nil {
		return fmt.Errorf("send query: %w", err)
	}
	return nil
}

// Stream yields the sanitized events of one response: chunks followed by a
// single complete event. After that Next returns io.EOF.
type Stream struct {
	ID string

	events  *session.Queue[session.Event]
	timeout time.Duration
	log     *zap.SugaredLogger
	carry   string // escape sequence split across chunks

	release func()
	once    sync.Once
	done    bool
}

// Next returns the next event, ErrTimeout when nothing arrived within the
// pull timeout, or io.EOF once the complete event has been delivered.
func (s *Stream) Next(ctx context.Context) (session.Event, error) {
	if s.done {
		return session.Event{}, io.EOF
	}
	for {
		ev, err := s.events.Pop(ctx, s.timeout)
		if err != nil {
			s.finish()
			if errors.Is(err, session.ErrQueueTimeout) {
				s.log.Warn("stream timed out waiting for output")
				return session.Event{}, ErrTimeout
			}
			return session.Event{}, err
		}

		switch ev.Type {
		case session.EventChunk:
			var raw string
			raw, s.carry = splitUnfinishedEscape(s.carry + ev.Text)
			text := Sanitize(raw)
			if text == "" {
				continue
			}
			return session.Chunk(text), nil
		case session.EventComplete:
			s.finish()
			return session.Complete(Sanitize(ev.Text)), nil
		}
	}
}

// Events adapts the stream to a range-over-func sequence. Iteration ends
// after the complete event or the first error; the stream is closed when the
// loop exits.
func (s *Stream) Events(ctx context.Context) iter.Seq2[session.Event, error] {
	return func(yield func(session.Event, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the session for the next query. It is safe to call more
// than once.
func (s *Stream) Close() error {
	s.once.Do(s.release)
	return nil
}

func (s *Stream) finish() {
	s.done = true
	s.Close()
}
