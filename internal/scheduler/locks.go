package scheduler

import "sync"

// TaskLocks serializes read-modify-write sequences per task ID inside one
// process. Each ID gets its own mutex, so writes to different tasks proceed
// concurrently. Cross-process safety comes from the store's version check.
type TaskLocks struct {
	mu    sync.Mutex // Guards locks and refs
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewTaskLocks creates an empty TaskLocks.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{locks: make(map[string]*taskLock)}
}

// Lock acquires the mutex for id, creating it on first use.
func (l *TaskLocks) Lock(id string) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	// Acquire outside the map lock to avoid contention.
	tl.mu.Lock()
}

// Unlock releases the mutex for id. The entry is dropped once no goroutine
// holds or waits for it.
func (l *TaskLocks) Unlock(id string) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()

	tl.mu.Unlock()
}

// size returns the number of IDs currently held or awaited.
func (l *TaskLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
