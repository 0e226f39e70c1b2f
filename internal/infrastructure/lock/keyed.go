package lock

import (
	"context"
	"sync"
)

// Keyed is a set of mutexes addressed by string key. Entries exist only
// while held.
type Keyed struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewKeyed() *Keyed {
	return &Keyed{held: make(map[string]chan struct{})}
}

// TryLock acquires key without waiting.
func (k *Keyed) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, busy := k.held[key]; busy {
		return nil, false
	}
	return k.acquireLocked(key), true
}

// Lock waits for key until ctx is done.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	for {
		k.mu.Lock()
		released, busy := k.held[key]
		if !busy {
			unlock := k.acquireLocked(key)
			k.mu.Unlock()
			return unlock, nil
		}
		k.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		}
	}
}

func (k *Keyed) acquireLocked(key string) func() {
	released := make(chan struct{})
	k.held[key] = released

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
			close(released)
		})
	}
}

// Held reports the number of keys currently locked.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.held)
}
