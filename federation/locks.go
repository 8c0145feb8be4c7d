package federation

import (
	"context"
	"sync"
)

// Keyed is an in-process set of named mutexes. Holding the lock for one
// key serializes work on that key only; different keys proceed in
// parallel. Idle keys are removed, so the map stays proportional to the
// number of locks currently held or waited on.
//
// The lock is only as global as this process: if several worker
// processes can receive the same inbound activity concurrently, the
// database's unique index on the activity URI is the backstop.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedLock)}
}

// Acquire takes the lock for key, blocking until it is free or the
// context is done. On success it returns a release function which must
// be called on every exit path.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.put(key, l)
			})
		}, nil
	case <-ctx.Done():
		k.put(key, l)
		return nil, ctx.Err()
	}
}

func (k *Keyed) put(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
