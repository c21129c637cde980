package plugin

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLock serializes lifecycle operations per plugin id. Entries are
// dropped once nobody holds or waits for them.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*keyEntry)}
}

// Lock blocks until id is free or ctx is done.
func (k *keyedLock) Lock(ctx context.Context, id string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyEntry{sem: semaphore.NewWeighted(1)}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.release(id, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			k.release(id, e)
		})
	}, nil
}

func (k *keyedLock) release(id string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
}

// size returns the number of ids currently held or waited on.
func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
