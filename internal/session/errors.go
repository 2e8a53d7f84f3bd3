package session

import "errors"

var (
	// ErrSessionNotFound is returned for unknown or destroyed session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyRunning is returned when starting a session that is running.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNotRunning is returned when sending input to a session without a live process.
	ErrNotRunning = errors.New("session not running")
	// ErrSpawnFailure is returned when the script process could not be created.
	ErrSpawnFailure = errors.New("failed to start script")
	// ErrTooManySessions is returned when the registry is at capacity.
	ErrTooManySessions = errors.New("maximum session limit reached")
)
