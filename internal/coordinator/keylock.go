package coordinator

import (
	"context"
	"sync"
)

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// keyLock is a set of mutexes created on demand per key and discarded when
// no goroutine holds or waits for them.
type keyLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (k *keyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() { k.release(key, e, true) }, nil
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}
}

func (k *keyLock) release(key string, e *lockEntry, held bool) {
	if held {
		<-e.ch
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
