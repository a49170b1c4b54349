// Package session holds the signed-in identity for one running assistant.
//
// A Session replaces process-wide user state: it is created at startup,
// switched on login/logout, and hands out Stamps so long-running work can
// detect that the principal changed underneath it.
package session

import (
	"log/slog"
	"sync"

	"github.com/kalambet/daybook/internal/model"
)

// TokenSource supplies the current bearer token. ok is false when nobody is
// signed in. The token is opaque to everything except the HTTP clients.
type TokenSource interface {
	Token() (token string, ok bool)
}

// Stamp identifies the session state at a point in time.
type Stamp struct {
	Principal  model.Principal
	Generation uint64
}

// ChangeFunc is called after the principal changes.
type ChangeFunc func(old, new model.Principal)

// Session is safe for concurrent use.
type Session struct {
	mu         sync.RWMutex
	principal  model.Principal
	token      string
	generation uint64
	listeners  []ChangeFunc
	logger     *slog.Logger
}

// New creates a Session. An empty token or guest principal starts the
// session signed out.
func New(p model.Principal, token string) *Session {
	if p.IsGuest() || token == "" {
		p, token = model.Guest, ""
	}
	return &Session{
		principal: p,
		token:     token,
		logger:    slog.Default(),
	}
}

// Principal returns the current principal.
func (s *Session) Principal() model.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Token implements TokenSource.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Stamp captures the current principal and generation.
func (s *Session) Stamp() Stamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stamp{Principal: s.principal, Generation: s.generation}
}

// Valid reports whether st still describes the live session.
func (s *Session) Valid(st Stamp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return st.Generation == s.generation && st.Principal == s.principal
}

// OnChange registers fn to run after every principal switch.
func (s *Session) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Login switches to principal p authenticated by token.
func (s *Session) Login(p model.Principal, token string) {
	if token == "" {
		p = model.Guest
	}
	s.switchTo(p, token)
}

// Logout returns the session to the guest principal.
func (s *Session) Logout() {
	s.switchTo(model.Guest, "")
}

func (s *Session) switchTo(p model.Principal, token string) {
	s.mu.Lock()
	old := s.principal
	s.principal = p
	s.token = token
	s.generation++
	listeners := make([]ChangeFunc, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Info("session principal changed", "from", old.String(), "to", p.String())
	for _, fn := range listeners {
		fn(old, p)
	}
}
