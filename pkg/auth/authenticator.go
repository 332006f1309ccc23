// Package auth decides whether incoming connections are admitted and mints
// the opaque sessions that identify them.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/autotest/device-agent/pkg/protocol"
)

// Session is an authenticated association between a client and the agent.
// Sessions end on disconnect or explicit invalidation, never on a timer.
type Session struct {
	ID            string
	ClientID      string
	EstablishedAt time.Time
	LastActivity  time.Time
}

// Authenticator validates bearer tokens and owns the session registry.
// When no token is configured every connection is admitted.
type Authenticator struct {
	token string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an Authenticator. An empty token disables authentication.
func New(token string) *Authenticator {
	return &Authenticator{
		token:    token,
		sessions: make(map[string]*Session),
	}
}

// bearerToken extracts the client-presented token from the Authorization
// header or, for clients that cannot set headers during the WebSocket
// handshake, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticate admits or rejects an incoming connection and mints a session.
func (a *Authenticator) Authenticate(r *http.Request) (*Session, error) {
	if a.token != "" {
		presented := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
			return nil, protocol.NewAgentError(protocol.CodeAuthFailed, "authentication failed")
		}
	}

	now := time.Now()
	s := &Session{
		ID:            newSessionID(),
		ClientID:      r.RemoteAddr,
		EstablishedAt: now,
		LastActivity:  now,
	}

	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()
	return s, nil
}

// Validate reports whether a session id is live and stamps its last activity.
func (a *Authenticator) Validate(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActivity = time.Now()
	return true
}

// Invalidate removes a session. Safe to call for unknown ids.
func (a *Authenticator) Invalidate(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// ActiveSessions returns the number of live sessions.
func (a *Authenticator) ActiveSessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// newSessionID returns 128 bits of randomness as lowercase hex.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
