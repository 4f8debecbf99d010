package service

import (
	"sync"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// projectLocks serializes deployment attempts per project. TryAcquire is
// non-blocking: a second attempt while one is in flight is a conflict, not
// a queue entry.
type projectLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newProjectLocks() *projectLocks {
	return &projectLocks{held: make(map[string]struct{})}
}

func (l *projectLocks) TryAcquire(project string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[project]; ok {
		return model.ErrConflict
	}
	l.held[project] = struct{}{}
	return nil
}

func (l *projectLocks) Release(project string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, project)
}
