package session

import (
	"sync"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateExited    State = "exited"
	StateTimedOut  State = "timed_out"
	StateErrored   State = "errored"
	StateDestroyed State = "destroyed"
)

// MessageKind tags a Message produced by the execution loop.
type MessageKind string

const (
	KindOutput  MessageKind = "output"
	KindError   MessageKind = "error"
	KindExit    MessageKind = "exit"
	KindTimeout MessageKind = "timeout"
)

// Message is a single tagged item in a session's output queue.
// Text is set for output and error messages, Code for exit messages.
type Message struct {
	Kind MessageKind
	Text string
	Code int
}

// Terminal reports whether m ends a run. Every run produces exactly one.
func (m Message) Terminal() bool {
	switch m.Kind {
	case KindExit, KindTimeout, KindError:
		return true
	}
	return false
}

// Session holds the identity and execution state of one script run.
// All mutable fields are guarded by mu.
type Session struct {
	ID         string
	ScriptPath string
	CreatedAt  time.Time

	mu           sync.Mutex
	state        State
	proc         *process
	done         chan struct{} // closed when the worker for the latest run exits
	queue        messageQueue
	running      bool
	concluded    bool // terminal message appended for the current run
	exitCode     *int
	lastActivity time.Time
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ID           string    `json:"id"`
	ScriptPath   string    `json:"scriptPath"`
	State        State     `json:"state"`
	Running      bool      `json:"running"`
	ExitCode     *int      `json:"exitCode,omitempty"`
	Pending      int       `json:"pending"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func newSession(id, scriptPath string, now time.Time) *Session {
	return &Session{
		ID:           id,
		ScriptPath:   scriptPath,
		CreatedAt:    now.UTC(),
		state:        StatePending,
		lastActivity: now,
	}
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.ID,
		ScriptPath:   s.ScriptPath,
		State:        s.state,
		Running:      s.running,
		Pending:      s.queue.len(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

// Running reports whether the script is currently executing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the exit code of the last run, if it exited normally.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// LastActivity returns the time of the last input, keepalive or start.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Pending returns the number of queued, undrained messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// touch advances lastActivity. Caller holds mu.
func (s *Session) touch(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) refresh(now time.Time) {
	s.mu.Lock()
	s.touch(now)
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// appendOutput queues an output chunk unless the run already concluded.
func (s *Session) appendOutput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concluded {
		return
	}
	s.queue.push(Message{Kind: KindOutput, Text: string(data)})
}

// conclude appends the terminal message for the current run and clears
// running. It returns false if the run was already concluded.
func (s *Session) conclude(state State, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concludeLocked(state, msg)
}

func (s *Session) concludeLocked(state State, msg Message) bool {
	if s.concluded {
		return false
	}
	s.concluded = true
	s.running = false
	s.queue.push(msg)
	if msg.Kind == KindExit {
		code := msg.Code
		s.exitCode = &code
	}
	if s.state != StateDestroyed {
		s.state = state
	}
	return true
}

func (s *Session) drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.drain()
}

// destroy detaches and returns the process handle, marking the session gone.
func (s *Session) destroy() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyLocked()
}

func (s *Session) destroyLocked() *process {
	proc := s.proc
	s.proc = nil
	s.running = false
	s.state = StateDestroyed
	return proc
}

// sweepable reports whether the idle reaper may remove the session. Caller holds mu.
func (s *Session) sweepableLocked(cutoff time.Time) bool {
	return !s.running && s.lastActivity.Before(cutoff)
}
