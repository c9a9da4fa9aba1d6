package lifecycle

import "sync"

// issueLocks serializes dispatches per issue id. Entries are reference
// counted and removed when the last holder releases, so the map does not
// grow with the total number of issues ever dispatched.
type issueLocks struct {
	mu    sync.Mutex
	locks map[string]*issueLock
}

type issueLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for the given issue id and returns the release
// function.
func (l *issueLocks) lock(issueID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*issueLock)
	}
	entry, ok := l.locks[issueID]
	if !ok {
		entry = &issueLock{}
		l.locks[issueID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, issueID)
		}
		l.mu.Unlock()
	}
}
