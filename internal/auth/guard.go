// Package auth identifies callers with a cookie and issues the per-caller
// anti-forgery tokens that mutating requests must echo back.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scriptrun/internal/logging"
)

const (
	// CookieName holds the caller id.
	CookieName = "scriptrun_caller"
	tokenBytes = 32
)

type issued struct {
	token string
	at    time.Time // issued or last validated
}

// Guard maps caller ids to their tokens.
type Guard struct {
	mu     sync.Mutex
	tokens map[string]issued
	secure bool
	logger zerolog.Logger
}

// NewGuard creates a guard. secure marks the caller cookie Secure.
func NewGuard(secure bool) *Guard {
	return &Guard{
		tokens: make(map[string]issued),
		secure: secure,
		logger: logging.Component("auth"),
	}
}

// Caller returns the caller id carried by r, setting a fresh cookie on w
// when there is none.
func (g *Guard) Caller(w http.ResponseWriter, r *http.Request) string {
	if id := callerID(r); id != "" {
		return id
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// Token returns the caller's token, generating one on first use.
func (g *Guard) Token(caller string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.tokens[caller]; ok {
		return t.token, nil
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	g.tokens[caller] = issued{token: token, at: time.Now()}
	return token, nil
}

// Validate reports whether token is the one issued to r's caller.
func (g *Guard) Validate(r *http.Request, token string) bool {
	caller := callerID(r)
	if caller == "" || token == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tokens[caller]
	if !ok || subtle.ConstantTimeCompare([]byte(t.token), []byte(token)) != 1 {
		return false
	}
	t.at = time.Now()
	g.tokens[caller] = t
	return true
}

// Prune forgets tokens unused for more than maxAge and returns how many
// were removed.
func (g *Guard) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for caller, t := range g.tokens {
		if t.at.Before(cutoff) {
			delete(g.tokens, caller)
			removed++
		}
	}
	return removed
}

// HandleToken serves the caller's token as {"csrf_token": "..."}.
func (g *Guard) HandleToken(w http.ResponseWriter, r *http.Request) {
	caller := g.Caller(w, r)
	token, err := g.Token(caller)
	if err != nil {
		g.logger.Error().Err(err).Msg("generate token")
		http.Error(w, `{"error":"server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}

func callerID(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
