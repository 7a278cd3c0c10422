package memstore

import (
	"context"
	"sync"
)

// keyLocks hands out one exclusive lock per key. Waiters give up when their
// context ends.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]chan struct{})}
}

func (k *keyLocks) get(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

func (k *keyLocks) acquire(ctx context.Context, key string) error {
	select {
	case k.get(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *keyLocks) release(key string) {
	<-k.get(key)
}

func ipKey(hostID string) string { return "ip|" + hostID }

func portKey(hostID, proto string) string { return "port|" + hostID + "|" + proto }

func allocKey(serverID string) string { return "alloc|" + serverID }
