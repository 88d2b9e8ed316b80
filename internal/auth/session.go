package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionNotFound mirrors the teacher store's sentinel for a missing
// session lookup.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned by Get when a session has passed either its
// idle or absolute expiry (spec.md §4.2).
var ErrSessionExpired = errors.New("session expired")

// locationKey identifies one (meet, location) pair for the secondary index.
type locationKey struct {
	MeetID   string
	Location string
}

// Session is one authenticated connection's bearer-token grant: scoped to a
// single meet and location, with a sliding idle expiry refreshed on every
// use and a hard absolute expiry that sliding cannot extend past.
type Session struct {
	Token       string
	CSRFToken   string
	MeetID      string
	Location    string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	IdleExpiry  time.Duration
	AbsoluteEnd time.Time
}

// isExpired reports whether the session is idle-expired or past its
// absolute end, as of now.
func (s *Session) isExpired(now time.Time) bool {
	if now.After(s.AbsoluteEnd) {
		return true
	}
	return now.After(s.LastUsedAt.Add(s.IdleExpiry))
}

// SessionTable is the in-memory (token -> Session) store, grounded on the
// teacher's in-memory SessionStore, with an added secondary index keyed by
// (meetID, location) so a meet's actor can enumerate or revoke every
// session bound to one of its locations (spec.md §4.2, §4.4's disconnect
// handling).
type SessionTable struct {
	mu sync.RWMutex

	byToken    map[string]*Session
	byLocation map[locationKey][]string // location -> []token
}

// NewSessionTable constructs an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		byToken:    make(map[string]*Session),
		byLocation: make(map[locationKey][]string),
	}
}

// Create registers a new session. The caller supplies an already-generated
// token/CSRF pair (see GenerateToken).
func (t *SessionTable) Create(session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clone := *session
	t.byToken[session.Token] = &clone

	key := locationKey{MeetID: session.MeetID, Location: session.Location}
	t.byLocation[key] = append(t.byLocation[key], session.Token)
}

// Get returns the session for token, refreshing its sliding idle expiry.
// Returns ErrSessionNotFound or ErrSessionExpired (the latter also evicts
// the session).
func (t *SessionTable) Get(token string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := time.Now()
	if session.isExpired(now) {
		t.deleteLocked(session)
		return nil, ErrSessionExpired
	}

	session.LastUsedAt = now
	clone := *session
	return &clone, nil
}

// Touch refreshes the sliding idle expiry for token without returning the
// session (used by the WS keepalive loop).
func (t *SessionTable) Touch(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.byToken[token]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now()
	if session.isExpired(now) {
		t.deleteLocked(session)
		return ErrSessionExpired
	}
	session.LastUsedAt = now
	return nil
}

// Delete revokes a single session (logout / explicit disconnect).
func (t *SessionTable) Delete(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.byToken[token]
	if !ok {
		return ErrSessionNotFound
	}
	t.deleteLocked(session)
	return nil
}

// DeleteByLocation revokes every session bound to (meetID, location), e.g.
// when a location's password is rotated.
func (t *SessionTable) DeleteByLocation(meetID, location string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := locationKey{MeetID: meetID, Location: location}
	tokens := t.byLocation[key]
	for _, tok := range tokens {
		delete(t.byToken, tok)
	}
	delete(t.byLocation, key)
	return len(tokens)
}

// DeleteByMeet revokes every session for meetID (meet finalization/unload).
func (t *SessionTable) DeleteByMeet(meetID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for key, tokens := range t.byLocation {
		if key.MeetID != meetID {
			continue
		}
		for _, tok := range tokens {
			delete(t.byToken, tok)
			count++
		}
		delete(t.byLocation, key)
	}
	return count
}

// DeleteExpired sweeps and evicts every session past its idle or absolute
// expiry, returning the count removed (periodic cleanup job).
func (t *SessionTable) DeleteExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var stale []*Session
	for _, session := range t.byToken {
		if session.isExpired(now) {
			stale = append(stale, session)
		}
	}
	for _, session := range stale {
		t.deleteLocked(session)
	}
	return len(stale)
}

// All returns a snapshot of every live session, for persistence (see
// persistence.go).
func (t *SessionTable) All() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.byToken))
	for _, s := range t.byToken {
		out = append(out, *s)
	}
	return out
}

// Restore repopulates the table from a persisted snapshot, skipping any
// session that has already expired.
func (t *SessionTable) Restore(sessions []Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for i := range sessions {
		s := sessions[i]
		if s.isExpired(now) {
			continue
		}
		clone := s
		t.byToken[s.Token] = &clone
		key := locationKey{MeetID: s.MeetID, Location: s.Location}
		t.byLocation[key] = append(t.byLocation[key], s.Token)
	}
}

// Rotate issues a fresh token for the session held by oldToken, preserving
// its meet, location, and absolute expiry, and shortens oldToken's
// remaining lifetime to graceWindow rather than deleting it outright — a
// message already in flight when the client receives the new token still
// validates against the old one for that short window (spec.md §4.2
// "rotate").
func (t *SessionTable) Rotate(oldToken string, graceWindow time.Duration) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.byToken[oldToken]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := time.Now()
	if old.isExpired(now) {
		t.deleteLocked(old)
		return nil, ErrSessionExpired
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	csrf, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate csrf token: %w", err)
	}

	next := Session{
		Token:       token,
		CSRFToken:   csrf,
		MeetID:      old.MeetID,
		Location:    old.Location,
		CreatedAt:   old.CreatedAt,
		LastUsedAt:  now,
		IdleExpiry:  old.IdleExpiry,
		AbsoluteEnd: old.AbsoluteEnd,
	}
	clone := next
	t.byToken[token] = &clone
	key := locationKey{MeetID: old.MeetID, Location: old.Location}
	t.byLocation[key] = append(t.byLocation[key], token)

	if graceEnd := now.Add(graceWindow); graceEnd.Before(old.AbsoluteEnd) {
		old.AbsoluteEnd = graceEnd
	}

	return &next, nil
}

// deleteLocked removes session from both indices. Caller must hold t.mu.
func (t *SessionTable) deleteLocked(session *Session) {
	delete(t.byToken, session.Token)

	key := locationKey{MeetID: session.MeetID, Location: session.Location}
	tokens := t.byLocation[key]
	for i, tok := range tokens {
		if tok == session.Token {
			t.byLocation[key] = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(t.byLocation[key]) == 0 {
		delete(t.byLocation, key)
	}
}

// NewSession builds a Session for (meetID, location), generating a fresh
// bearer token and CSRF token.
func NewSession(meetID, location string, idleExpiry, absoluteLifetime time.Duration) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	csrf, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate csrf token: %w", err)
	}

	now := time.Now()
	return &Session{
		Token:       token,
		CSRFToken:   csrf,
		MeetID:      meetID,
		Location:    location,
		CreatedAt:   now,
		LastUsedAt:  now,
		IdleExpiry:  idleExpiry,
		AbsoluteEnd: now.Add(absoluteLifetime),
	}, nil
}
