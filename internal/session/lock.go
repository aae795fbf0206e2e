package session

import (
	"fmt"
	"sync"

	"github.com/youruser/redline/internal/document"
)

// locks holds the active session of each document.
type locks struct {
	mu     sync.Mutex
	active map[string]*Session
}

func newLocks() *locks {
	return &locks{active: make(map[string]*Session)}
}

// acquire registers s as the active session of its document and resolves
// the document it will run against while the registry is locked.
// Returns ErrConflict if another session already holds the document.
func (l *locks) acquire(s *Session, resolve func() (document.Document, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.active[s.documentID]; ok {
		return fmt.Errorf("%w: document %s held by session %s", ErrConflict, s.documentID, held.id)
	}
	doc, err := resolve()
	if err != nil {
		return err
	}
	s.doc = doc
	l.active[s.documentID] = s
	return nil
}

// idle runs f while documentID has no active session. No session can be
// acquired for documentID until f returns.
func (l *locks) idle(documentID string, f func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.active[documentID]; ok {
		return fmt.Errorf("%w: document %s held by session %s", ErrConflict, documentID, held.id)
	}
	f()
	return nil
}

// release drops s if it still holds its document.
func (l *locks) release(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[s.documentID] == s {
		delete(l.active, s.documentID)
	}
}

// holder returns the active session of a document.
func (l *locks) holder(documentID string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.active[documentID]
	return s, ok
}
