package gate

import "sync"

// sessionLocks serializes level-check-then-mutate sequences per session.
// Entries are dropped once no caller holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*refLock)}
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	rl, ok := l.locks[sessionID]
	if !ok {
		rl = &refLock{}
		l.locks[sessionID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
