// Package locks provides per-key mutual exclusion for read-modify-write sequences
// on shared records such as products and quotas.
package locks

import (
	"context"
	"fmt"
	"sync"
)

// KeyedLocker serializes callers holding the same key. Different keys never block each other.
type KeyedLocker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases the key.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ProductKey and UserKey namespace keys so product and user locks never collide
func ProductKey(productID string) string { return "product:" + productID }
func UserKey(userID string) string       { return "user:" + userID }

type keyEntry struct {
	ch   chan struct{} // buffered(1): holding the token means holding the key
	refs int
}

// MemoryLocker is an in-process KeyedLocker. Entries are reference counted and
// dropped once no goroutine holds or waits for the key.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*keyEntry)}
}

func (ml *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	ml.mu.Lock()
	entry, ok := ml.entries[key]
	if !ok {
		entry = &keyEntry{ch: make(chan struct{}, 1)}
		ml.entries[key] = entry
	}
	entry.refs++
	ml.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		ml.release(key, entry)
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			ml.release(key, entry)
		})
	}, nil
}

func (ml *MemoryLocker) release(key string, entry *keyEntry) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(ml.entries, key)
	}
}

// Len returns the number of keys currently held or awaited
func (ml *MemoryLocker) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.entries)
}
