package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scriptrun/internal/logging"
)

const (
	DefaultInactivityTimeout = 300 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultReadChunk         = 1024
	DefaultCols              = 120
	DefaultRows              = 40
	defaultExitGrace         = 2 * time.Second
)

// Options configures an Engine.
type Options struct {
	// Interpreter runs the script, e.g. "python3".
	Interpreter string
	// InactivityTimeout ends a run when no input or keepalive arrives for this long.
	InactivityTimeout time.Duration
	// PollInterval bounds each wait for terminal output.
	PollInterval time.Duration
	// ReadChunk is the maximum size of a single output message.
	ReadChunk int
	// Cols and Rows size the script's terminal.
	Cols, Rows uint16
	// ExitGrace bounds how long the loop waits for trailing output and for the
	// child to be reaped once termination has been observed.
	ExitGrace time.Duration
}

// DefaultOptions returns Options for running Python scripts.
func DefaultOptions() Options {
	return Options{
		Interpreter:       "python3",
		InactivityTimeout: DefaultInactivityTimeout,
		PollInterval:      DefaultPollInterval,
		ReadChunk:         DefaultReadChunk,
		Cols:              DefaultCols,
		Rows:              DefaultRows,
		ExitGrace:         defaultExitGrace,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interpreter == "" {
		o.Interpreter = d.Interpreter
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = d.InactivityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = d.ReadChunk
	}
	if o.Cols == 0 || o.Rows == 0 {
		o.Cols, o.Rows = d.Cols, d.Rows
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = d.ExitGrace
	}
	return o
}

// Engine runs registered sessions: it spawns their scripts, drives the
// output loop, enforces the inactivity timeout and forwards input.
type Engine struct {
	registry *Registry
	opts     Options
	logger   zerolog.Logger
}

// NewEngine creates an engine operating on the sessions of registry.
func NewEngine(registry *Registry, opts Options) *Engine {
	return &Engine{
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   logging.Component("engine"),
	}
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Start spawns the session's script and launches its execution loop.
func (e *Engine) Start(id string) error {
	sess, err := e.registry.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	prev := sess.done
	sess.mu.Unlock()

	// The previous run's worker may still be releasing its process.
	if prev != nil {
		<-prev
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if sess.state == StateDestroyed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.queue.reset()
	sess.exitCode = nil
	sess.concluded = false
	sess.touch(time.Now())

	proc, err := spawn(e.opts, sess.ScriptPath)
	if err != nil {
		sess.concludeLocked(StateErrored, Message{
			Kind: KindError,
			Text: fmt.Sprintf("script execution error: %v", err),
		})
		e.registry.observer.SpawnFailed()
		e.logger.Error().Err(err).Str("session", id).Str("script", sess.ScriptPath).Msg("spawn failed")
		return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	done := make(chan struct{})
	sess.proc = proc
	sess.done = done
	sess.running = true
	sess.state = StateRunning

	e.registry.observer.SessionStarted()
	e.logger.Info().Str("session", id).Str("script", sess.ScriptPath).Int("pid", proc.cmd.Process.Pid).Msg("started script")

	go e.run(sess, proc, done)
	return nil
}

// run is the execution loop for one run of a session.
func (e *Engine) run(sess *Session, proc *process, done chan struct{}) {
	logger := e.logger.With().Str("session", sess.ID).Logger()
	defer close(done)
	defer e.finish(sess, proc, logger)

	wait := time.NewTimer(e.opts.PollInterval)
	defer wait.Stop()

	lastCheck := time.Now()
	for {
		wait.Reset(e.opts.PollInterval)

		select {
		case data, ok := <-proc.output:
			if !ok {
				e.complete(sess, proc, true)
				return
			}
			sess.appendOutput(data)
			// A script printing faster than the poll interval still gets
			// its checks once per interval.
			if time.Since(lastCheck) < e.opts.PollInterval {
				continue
			}
		case <-wait.C:
		}
		lastCheck = time.Now()

		// Termination is checked before the inactivity window so a script
		// that already finished never reports a timeout.
		if proc.hasExited() {
			eof := e.drainTrailing(sess, proc)
			e.complete(sess, proc, eof)
			return
		}

		if idle := sess.idleFor(time.Now()); idle > e.opts.InactivityTimeout {
			if sess.conclude(StateTimedOut, Message{Kind: KindTimeout}) {
				logger.Warn().Dur("idle", idle).Msg("session timed out")
			}
			return
		}
	}
}

// drainTrailing forwards output still buffered in the pty after the child
// exited. It reports whether EOF was reached within the grace period.
func (e *Engine) drainTrailing(sess *Session, proc *process) bool {
	grace := time.NewTimer(e.opts.ExitGrace)
	defer grace.Stop()

	for {
		select {
		case data, ok := <-proc.output:
			if !ok {
				return true
			}
			sess.appendOutput(data)
		case <-grace.C:
			return false
		}
	}
}

// complete records how the process ended. eof is true once the output
// channel has been closed, which makes the reader's error visible.
func (e *Engine) complete(sess *Session, proc *process, eof bool) {
	if eof && proc.readErr != nil {
		sess.conclude(StateErrored, Message{
			Kind: KindError,
			Text: fmt.Sprintf("script execution error: %v", proc.readErr),
		})
		return
	}

	select {
	case <-proc.exited:
	case <-time.After(e.opts.ExitGrace):
		// The pty closed but the child is still around; it will not be
		// producing any more output.
		proc.terminate()
		<-proc.exited
	}

	code := exitCode(proc.waitErr)
	if sess.conclude(StateExited, Message{Kind: KindExit, Code: code}) {
		e.logger.Info().Str("session", sess.ID).Int("exit_code", code).Msg("script finished")
	}
}

// finish guarantees the process is gone and the session is no longer
// running, whatever way the loop ended.
func (e *Engine) finish(sess *Session, proc *process, logger zerolog.Logger) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Msg("execution loop failed")
		sess.conclude(StateErrored, Message{
			Kind: KindError,
			Text: fmt.Sprintf("script execution error: %v", r),
		})
	}

	proc.terminate()
	proc.close()

	sess.mu.Lock()
	sess.concludeLocked(StateErrored, Message{Kind: KindError, Text: "script execution ended unexpectedly"})
	sess.running = false
	state := sess.state
	sess.mu.Unlock()

	e.registry.observer.SessionFinished(state)
	logger.Debug().Str("state", string(state)).Msg("execution loop stopped")
}

// SendInput writes text and a line terminator to the running script.
func (e *Engine) SendInput(id, text string) error {
	sess, err := e.registry.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	proc := sess.proc
	running := sess.running
	sess.mu.Unlock()

	if !running || proc == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	// The write happens outside the session lock so a script that is not
	// reading its input cannot block destroy.
	if err := proc.write(text); err != nil {
		return fmt.Errorf("send input to %s: %w", id, err)
	}

	sess.refresh(time.Now())
	e.logger.Debug().Str("session", id).Int("bytes", len(text)).Msg("sent input")
	return nil
}

// UpdateActivity extends the inactivity window without sending input.
func (e *Engine) UpdateActivity(id string) error {
	sess, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	sess.refresh(time.Now())
	return nil
}

// Drain returns and clears the session's queued messages, in production
// order. Unknown sessions yield nil.
func (e *Engine) Drain(id string) []Message {
	sess, err := e.registry.Get(id)
	if err != nil {
		return nil
	}
	return sess.drain()
}

// IsRunning reports whether the session's script is executing.
func (e *Engine) IsRunning(id string) bool {
	sess, err := e.registry.Get(id)
	if err != nil {
		return false
	}
	return sess.Running()
}

// Registry returns the registry the engine operates on.
func (e *Engine) Registry() *Registry {
	return e.registry
}
