// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package session is the sensitive-data session store that underpins
// reversible PII redaction across the request/response boundary (spec
// §3 "Session", §4.6). It is shared by the pipeline driver and the
// streaming response rewriter belonging to the same logical request.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one reversible substitution (spec §3 "Sensitive-data record").
type Record struct {
	OriginalValue    string
	ServiceTag       string
	Kind             string
	PlaceholderToken string
}

// Known service-tag kinds, carried over from the original classifier
// catalog (original_source/pipeline/pii/pii.py) and used by the
// redacting step's alert summary.
const (
	KindEmail  = "email"
	KindIPAddr = "ip_address"
	KindAPIKey = "api_key"
	KindPhone  = "phone_number"
	KindSecret = "secret"
)

type session struct {
	mu        sync.RWMutex
	byToken   map[string]Record
	touchedAt time.Time
}

// Store is a sharded, thread-safe mapping of session id to its
// placeholder→record table.
type Store struct {
	sentinel    byte
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a Store. sentinel is the single-character wrapper placed
// on each side of a placeholder UUID (spec §3, default '#'). idleTimeout
// bounds how long an unused session survives (spec §3 "Session").
func New(sentinel byte, idleTimeout time.Duration) *Store {
	return &Store{
		sentinel:    sentinel,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

func (s *Store) getOrCreate(sessionID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess = &session{byToken: make(map[string]Record), touchedAt: time.Now()}
	s.sessions[sessionID] = sess
	return sess
}

// Store allocates a new placeholder token for rec and records the
// mapping under sessionID, returning the sentinel-wrapped token (spec
// §4.6 "store"). rec.PlaceholderToken is populated as a side effect.
func (s *Store) Store(sessionID string, rec Record) string {
	token := fmt.Sprintf("%c%s%c", s.sentinel, uuid.NewString(), s.sentinel)
	rec.PlaceholderToken = token

	sess := s.getOrCreate(sessionID)
	sess.mu.Lock()
	sess.byToken[token] = rec
	sess.touchedAt = time.Now()
	sess.mu.Unlock()

	return token
}

// GetOriginal looks up the original value for a placeholder within a
// session (spec §4.6 "get_original").
func (s *Store) GetOriginal(sessionID, placeholder string) (string, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	rec, ok := sess.byToken[placeholder]
	if !ok {
		return "", false
	}
	return rec.OriginalValue, true
}

// GetBySession returns a snapshot copy of every mapping for a session
// (spec §4.6 "get_by_session").
func (s *Store) GetBySession(sessionID string) map[string]Record {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	snapshot := make(map[string]Record, len(sess.byToken))
	for k, v := range sess.byToken {
		snapshot[k] = v
	}
	return snapshot
}

// Drop removes all mappings for a session (spec §4.6 "drop").
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SweepIdle removes sessions untouched for longer than the configured
// idle timeout. Callers run this periodically; it is not invoked
// automatically so tests can control timing deterministically.
func (s *Store) SweepIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mu.RLock()
		stale := now.Sub(sess.touchedAt) > s.idleTimeout
		sess.mu.RUnlock()
		if stale {
			delete(s.sessions, id)
		}
	}
}

// Sentinel returns the single-character wrapper byte configured for this
// store, so callers (e.g. the unredaction step) can recognize placeholder
// boundaries without duplicating configuration.
func (s *Store) Sentinel() byte {
	return s.sentinel
}
