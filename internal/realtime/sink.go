package realtime

import (
	"context"
	"fmt"
	"time"

	"scriptrun/internal/session"
)

// Sink delivers session messages to one consumer. Each transport
// implements it once.
type Sink interface {
	Emit(msg session.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg session.Message) error

func (f SinkFunc) Emit(msg session.Message) error { return f(msg) }

// Pump drains the session every interval and emits each message to sink in
// order. It returns nil once an exit or timeout message has been emitted,
// once an error message has been emitted and the script is no longer
// running, or once the session no longer exists. Sink failures and ctx
// cancellation are returned.
func Pump(ctx context.Context, engine *session.Engine, id string, sink Sink, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failed := false
	for {
		msgs := engine.Drain(id)
		for _, msg := range msgs {
			if err := sink.Emit(msg); err != nil {
				return fmt.Errorf("emit %s: %w", msg.Kind, err)
			}
			switch msg.Kind {
			case session.KindExit, session.KindTimeout:
				return nil
			case session.KindError:
				failed = true
			}
		}

		if len(msgs) == 0 {
			if _, err := engine.Registry().Get(id); err != nil {
				return nil
			}
			if failed && !engine.IsRunning(id) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
