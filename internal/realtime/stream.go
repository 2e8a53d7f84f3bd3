package realtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"scriptrun/internal/protocol"
	"scriptrun/internal/session"
)

// sseSink writes each message as one event named after its kind.
type sseSink struct {
	sess *sse.Session
}

func (k sseSink) Emit(msg session.Message) error {
	return sendEvent(k.sess, protocol.FromMessage(msg))
}

func sendEvent(sess *sse.Session, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	ev := &sse.Message{Type: sse.Type(f.Kind)}
	ev.AppendData(string(data))
	if err := sess.Send(ev); err != nil {
		return err
	}
	return sess.Flush()
}

// handleStream serves GET /script/stream?path=...&session_id=...&csrf_token=...
//
// Without session_id a new session is created and started, which requires
// the caller's csrf_token. Resuming an existing session_id is read-only.
// The stream opens with a session event and ends after exit or timeout, or
// when the session no longer exists.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rel := q.Get("path")
	id := q.Get("session_id")

	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error().Err(err).Msg("sse upgrade")
		writeError(w, http.StatusInternalServerError, protocol.ErrServer)
		return
	}

	scriptPath, err := s.catalog.Resolve(rel)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", rel).Msg("stream: invalid script path")
		s.sendLast(sess, protocol.NewErrorFrame(protocol.ErrScriptNotFound+": "+rel))
		return
	}

	if id == "" {
		if !s.guard.Validate(r, q.Get("csrf_token")) {
			s.logger.Warn().Msg("stream: invalid csrf token")
			s.sendLast(sess, protocol.NewErrorFrame(protocol.ErrInvalidToken))
			return
		}
		id, err = s.startSession(scriptPath)
		if err != nil {
			s.logger.Error().Err(err).Str("script", scriptPath).Msg("stream: start failed")
			s.sendLast(sess, protocol.NewErrorFrame(protocol.ErrStartFailed))
			return
		}
		s.logger.Info().Str("session", id).Msg("stream: created session")
	} else if _, err := s.registry.Get(id); err != nil {
		s.sendLast(sess, protocol.NewErrorFrame(protocol.ErrSessionNotFound))
		return
	}

	logger := s.logger.With().Str("session", id).Logger()
	if err := sendEvent(sess, protocol.NewSessionFrame(id)); err != nil {
		logger.Debug().Err(err).Msg("stream: send session event")
		return
	}

	err = Pump(r.Context(), s.engine, id, sseSink{sess: sess}, s.opts.DrainInterval)
	switch {
	case err == nil:
		logger.Debug().Msg("stream: finished")
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		logger.Info().Msg("stream: client disconnected")
	default:
		logger.Error().Err(err).Msg("stream failed")
		s.sendLast(sess, protocol.NewErrorFrame(protocol.ErrServer))
	}
}

// sendLast sends the closing event of a stream.
func (s *Server) sendLast(sess *sse.Session, f protocol.Frame) {
	if err := sendEvent(sess, f); err != nil {
		s.logger.Debug().Err(err).Str("kind", f.Kind).Msg("stream: send final event")
	}
}
