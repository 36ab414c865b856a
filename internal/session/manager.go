package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultDiagnosticLines = 200
	stderrTailLines        = 20
)

// Options configures the child process and the session timing.
type Options struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	SettleDelay      time.Duration // wait after spawn before reading the banner
	HandshakeTimeout time.Duration // how long to collect the banner
	HandshakePoll    time.Duration

	QuitCommand      string
	QuitTimeout      time.Duration
	TerminateTimeout time.Duration

	QueueCapacity   int // 0 means unbounded
	DiagnosticLines int

	Framer FramerOptions
}

// DefaultOptions returns the settings for an interactive `q chat` session.
func DefaultOptions() Options {
	return Options{
		Command:          "q",
		Args:             []string{"chat", "--trust-all-tools"},
		SettleDelay:      3 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		HandshakePoll:    500 * time.Millisecond,
		QuitCommand:      "/quit",
		QuitTimeout:      5 * time.Second,
		TerminateTimeout: 5 * time.Second,
		DiagnosticLines:  defaultDiagnosticLines,
		Framer:           DefaultFramerOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakePoll <= 0 {
		o.HandshakePoll = d.HandshakePoll
	}
	if o.QuitCommand == "" {
		o.QuitCommand = d.QuitCommand
	}
	if o.QuitTimeout <= 0 {
		o.QuitTimeout = d.QuitTimeout
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = d.TerminateTimeout
	}
	if o.DiagnosticLines <= 0 {
		o.DiagnosticLines = d.DiagnosticLines
	}
	if o.Framer.ChunkSize <= 0 {
		o.Framer.ChunkSize = d.Framer.ChunkSize
	}
	if o.Framer.Terminators == "" {
		o.Framer.Terminators = d.Framer.Terminators
	}
	if o.Framer.CompleteAfter <= 0 {
		o.Framer.CompleteAfter = d.Framer.CompleteAfter
	}
	if o.Framer.IdleInterval <= 0 {
		o.Framer.IdleInterval = d.Framer.IdleInterval
	}
	return o
}

// Manager owns the single interactive child process, its output pipeline and
// the shared event queue. All session mutation goes through its methods.
type Manager struct {
	log         *zap.SugaredLogger
	opts        Options
	events      *Queue[Event]
	diagnostics *RingBuffer

	// closing is cancelled when Shutdown begins so that a startup handshake
	// in progress stops waiting.
	closing     context.Context
	stopClosing context.CancelFunc

	// lifecycle serializes start, restart and shutdown.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	proc        *process
	state       State
	initialized bool
	banner      string
	restarts    int
	stale       bool
	shutdown    bool

	shutdownOnce sync.Once
}

type process struct {
	id        string
	cmd       *exec.Cmd
	stdin     *stdinWriter
	stdout    *os.File
	stderr    *os.File
	startedAt time.Time

	exited   chan struct{}
	exitCode int

	framer       *framer
	stopPipeline context.CancelFunc
	framerDone   chan struct{}
}

func (p *process) running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) waitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.exited:
		return true
	case <-t.C:
		return false
	}
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// NewManager creates a session manager. No process is started until
// EnsureStarted is called.
func NewManager(log *zap.SugaredLogger, opts Options) *Manager {
	opts = opts.withDefaults()
	closing, stop := context.WithCancel(context.Background())
	return &Manager{
		log:         log,
		opts:        opts,
		events:      NewQueue[Event](opts.QueueCapacity),
		diagnostics: NewRingBuffer(opts.DiagnosticLines),
		closing:     closing,
		stopClosing: stop,
		state:       StateUninitialized,
	}
}

// Events returns the shared event queue.
func (m *Manager) Events() *Queue[Event] {
	return m.events
}

// EnsureStarted starts the child if no live process exists. It reports
// whether a new process was spawned; false means the session was already
// running. The startup banner is collected best-effort: the session counts as
// initialized even when no banner arrived in time.
func (m *Manager) EnsureStarted(ctx context.Context) (bool, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.ensureStartedLocked(ctx)
}

func (m *Manager) ensureStartedLocked(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	if m.proc != nil && m.proc.running() {
		m.initialized = true
		m.mu.Unlock()
		return false, nil
	}
	old := m.proc
	m.proc = nil
	if m.state != StateRestarting {
		m.state = StateStarting
	}
	m.mu.Unlock()

	if old != nil {
		m.stopProcess(old)
	}

	proc, err := m.spawn()
	if err != nil {
		m.mu.Lock()
		m.state = StateUninitialized
		m.mu.Unlock()
		return false, err
	}

	m.mu.Lock()
	m.proc = proc
	m.stale = false
	m.mu.Unlock()

	banner, err := m.handshake(ctx)

	m.mu.Lock()
	m.banner = banner
	m.initialized = true
	if m.state == StateStarting || m.state == StateRestarting {
		m.state = StateRunning
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warnw("startup handshake interrupted", "session", proc.id, "error", err)
		return true, fmt.Errorf("startup handshake: %w", err)
	}
	m.log.Infow("session initialized", "session", proc.id, "pid", proc.cmd.Process.Pid, "bannerLen", len(banner))
	return true, nil
}

// spawn launches the child and its output pipeline.
func (m *Manager) spawn() (*process, error) {
	binaryPath, err := exec.LookPath(m.opts.Command)
	if err != nil {
		return nil, &ProcessError{Op: "spawn", Err: fmt.Errorf("%q not found in PATH: %w", m.opts.Command, err)}
	}

	//nolint:gosec // the command line comes from operator configuration
	cmd := exec.Command(binaryPath, m.opts.Args...)
	cmd.Dir = m.opts.Dir
	if len(m.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), m.opts.Env...)
	}

	// Plain os.Pipe for all three streams: Wait never closes our read ends,
	// so the pumps can drain output written just before the child exits.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &ProcessError{Op: "spawn", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, &ProcessError{Op: "spawn", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, &ProcessError{Op: "spawn", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, &ProcessError{Op: "spawn", Err: fmt.Errorf("start %s: %w", m.opts.Command, err)}
	}

	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	proc := &process{
		id:           uuid.New().String(),
		cmd:          cmd,
		stdin:        &stdinWriter{writer: stdinW},
		stdout:       stdoutR,
		stderr:       stderrR,
		startedAt:    time.Now().UTC(),
		exited:       make(chan struct{}),
		stopPipeline: stopPipeline,
		framerDone:   make(chan struct{}),
	}

	log := m.log.With("session", proc.id, "pid", cmd.Process.Pid)
	log.Infow("child process started", "command", binaryPath, "args", m.opts.Args)

	stdoutRunes := NewQueue[rune](0)
	stderrRunes := NewQueue[rune](0)
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	go func() {
		pump(log, "stdout", stdoutR, stdoutRunes, stdoutDone)
		stdoutR.Close()
	}()
	go func() {
		pump(log, "stderr", stderrR, stderrRunes, stderrDone)
		stderrR.Close()
	}()

	f := &framer{
		log:    log.Named("framer"),
		opts:   m.opts.Framer,
		in:     stdoutRunes,
		inDone: stdoutDone,
		diag:   stderrRunes,
		out:    m.events,
		tail:   m.diagnostics,
	}
	proc.framer = f
	go func() {
		defer close(proc.framerDone)
		f.run(pipelineCtx)
	}()

	go m.waitForExit(log, proc)

	return proc, nil
}

// waitForExit reaps the child and records its exit.
func (m *Manager) waitForExit(log *zap.SugaredLogger, p *process) {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	p.exitCode = exitCode
	p.stdin.Close()

	log.Infow("child process exited", "exitCode", exitCode, "error", err)
	close(p.exited)
}

// handshake waits for the settle delay and then collects the startup banner.
func (m *Manager) handshake(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.closing, cancel)
	defer stop()

	if m.opts.SettleDelay > 0 {
		t := time.NewTimer(m.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}

	var banner strings.Builder
	deadline := time.Now().Add(m.opts.HandshakeTimeout)
	for time.Now().Before(deadline) {
		ev, err := m.events.Pop(ctx, min(m.opts.HandshakePoll, time.Until(deadline)))
		if errors.Is(err, ErrQueueTimeout) {
			continue
		}
		if err != nil {
			return banner.String(), err
		}
		switch ev.Type {
		case EventChunk:
			banner.WriteString(ev.Text)
		case EventComplete:
			return ev.Text, nil
		}
	}
	return banner.String(), nil
}

// IsAlive reports whether an initialized, still-running process exists.
// It has no side effects. Once a process has exited it never reports true
// again for that process.
func (m *Manager) IsAlive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized && m.proc != nil && m.proc.running()
}

// Initialized reports whether a startup has completed since the last restart.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// NeedsRestart reports whether the session is dead or has been marked stale.
func (m *Manager) NeedsRestart() bool {
	m.mu.RLock()
	stale := m.stale
	m.mu.RUnlock()
	return stale || !m.IsAlive()
}

// MarkStale flags a running session to be replaced before the next query.
func (m *Manager) MarkStale(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil || m.shutdown {
		return
	}
	m.stale = true
	m.log.Infow("session marked stale", "session", m.proc.id, "reason", reason)
}

// Send writes one query line to the child's stdin.
func (m *Manager) Send(query string) error {
	m.mu.RLock()
	proc := m.proc
	m.mu.RUnlock()

	if proc == nil || !proc.running() {
		return ErrNotRunning
	}
	// Text left from an earlier turn, the banner included, must not lead
	// this query's Complete.
	if dropped := proc.framer.beginTurn(); dropped > 0 {
		m.log.Debugw("dropped unfinished output", "session", proc.id, "bytes", dropped)
	}
	if err := proc.stdin.Write([]byte(query + "\n")); err != nil {
		if errors.Is(err, syscall.EPIPE) || !proc.running() {
			return fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		return &ProcessError{Op: "write query", Err: err, Stderr: m.diagnostics.Tail(stderrTailLines)}
	}
	m.log.Debugw("query sent", "session", proc.id, "len", len(query))
	return nil
}

// Restart replaces the current process with a fresh one.
func (m *Manager) Restart(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	old := m.proc
	m.initialized = false
	m.state = StateRestarting
	m.mu.Unlock()

	if old != nil {
		m.log.Infow("restarting session", "session", old.id, "running", old.running())
		m.stopProcess(old)
	}

	started, err := m.ensureStartedLocked(ctx)
	if started {
		m.mu.Lock()
		m.restarts++
		m.mu.Unlock()
	}
	return err
}

// Shutdown stops the pipeline and terminates the child: quit command first,
// then SIGTERM, then SIGKILL. Only the first call has any effect.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.stopClosing()

		m.lifecycle.Lock()
		defer m.lifecycle.Unlock()

		m.mu.Lock()
		m.shutdown = true
		m.state = StateShuttingDown
		proc := m.proc
		m.mu.Unlock()

		if proc != nil {
			m.stopProcess(proc)
		}

		m.mu.Lock()
		m.state = StateTerminated
		m.initialized = false
		m.mu.Unlock()
		m.log.Info("session terminated")
	})
}

// stopProcess stops the pipeline of p and makes sure the child is gone.
func (m *Manager) stopProcess(p *process) {
	p.stopPipeline()
	// The framer must not push into the shared queue once a successor runs.
	<-p.framerDone
	log := m.log.With("session", p.id, "pid", p.cmd.Process.Pid)

	if p.running() {
		if err := p.stdin.Write([]byte(m.opts.QuitCommand + "\n")); err == nil && p.waitExit(m.opts.QuitTimeout) {
			log.Info("child exited after quit command")
		} else {
			log.Warnw("graceful quit failed, terminating", "error", err)
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil && p.waitExit(m.opts.TerminateTimeout) {
				log.Info("child exited after SIGTERM")
			} else {
				log.Warnw("terminate failed, killing", "error", err)
				if err := p.cmd.Process.Kill(); err != nil {
					log.Warnw("kill failed", "error", err)
				}
				if !p.waitExit(m.opts.TerminateTimeout) {
					log.Error("child did not exit after SIGKILL")
				}
			}
		}
	}

	p.stdin.Close()
	closeAll(p.stdout, p.stderr)
}

// State returns the lifecycle state. A running session whose process has
// exited is reported as dead.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if m.state == StateRunning && (m.proc == nil || !m.proc.running()) {
		return StateDead
	}
	return m.state
}

// Banner returns the text captured during the last startup handshake.
func (m *Manager) Banner() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.banner
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:       m.stateLocked(),
		Restarts:    m.restarts,
		Stale:       m.stale,
		Banner:      m.banner,
		QueueLen:    m.events.Len(),
		Dropped:     m.events.Dropped(),
		Diagnostics: m.diagnostics.ReadAll(),
	}
	if m.proc != nil {
		st.ID = m.proc.id
		st.PID = m.proc.cmd.Process.Pid
		st.StartedAt = m.proc.startedAt
		if !m.proc.running() {
			code := m.proc.exitCode
			st.ExitCode = &code
		}
	}
	return st
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
