package daemon

import "sync"

// keyedMutex provides per-key single flight. TryAcquire never blocks:
// work for a key already in flight is skipped, not queued, because the
// next poll cycle will pick it up again.
type keyedMutex struct {
	mu    sync.Mutex
	inUse map[string]struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{inUse: make(map[string]struct{})}
}

// TryAcquire claims the key. Returns false when it is already held.
func (k *keyedMutex) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, held := k.inUse[key]; held {
		return false
	}
	k.inUse[key] = struct{}{}
	return true
}

// Release frees the key. Releasing an unheld key is a no-op.
func (k *keyedMutex) Release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.inUse, key)
}

// Held reports whether the key is currently claimed.
func (k *keyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, held := k.inUse[key]
	return held
}
