// Package sleeplock provides a blocking, queueing mutual-exclusion
// lock. Unlike a plain mutex, which should only guard short
// bookkeeping sections, a sleeplock may be held across slow operations
// such as disk I/O; goroutines contending for it park on a condition
// variable instead of spinning.
package sleeplock

import (
	"sync"
)

type Lock struct {
	mu     *sync.Mutex
	cond   *sync.Cond
	locked bool
}

func New() *Lock {
	mu := new(sync.Mutex)
	l := &Lock{
		mu:     mu,
		cond:   sync.NewCond(mu),
		locked: false,
	}
	return l
}

// Acquire blocks until the lock is free and takes it.
func (l *Lock) Acquire() {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.mu.Unlock()
}

// Release frees the lock and wakes one waiter. Releasing a lock that
// is not held is a caller bug.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		panic("sleeplock: release of unheld lock")
	}
	l.locked = false
	l.cond.Signal()
	l.mu.Unlock()
}

// Held reports whether the lock is currently held. Goroutines have no
// identity, so this cannot distinguish the caller from another holder;
// it backs the precondition checks in code that requires the lock to
// be held at all.
func (l *Lock) Held() bool {
	l.mu.Lock()
	h := l.locked
	l.mu.Unlock()
	return h
}
