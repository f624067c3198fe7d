package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/tourmatch/market"
)

// keyedLocks hands out one mutex per key. Idle keys are dropped so the map
// only holds keys that are locked or waited on.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

func (k *keyedLocks) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedLocks) unref(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// acquire locks keys in the order given. It gives up with ErrTimeout when
// ctx ends first, releasing anything it already holds.
func (k *keyedLocks) acquire(ctx context.Context, keys ...string) (func(), error) {
	held := make([]string, 0, len(keys))
	heldLocks := make([]*keyLock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-heldLocks[i].ch
			k.unref(held[i], heldLocks[i])
		}
	}
	for _, key := range keys {
		l := k.ref(key)
		select {
		case l.ch <- struct{}{}:
			held = append(held, key)
			heldLocks = append(heldLocks, l)
		case <-ctx.Done():
			k.unref(key, l)
			release()
			return nil, fmt.Errorf("lock %s: %w", key, market.ErrTimeout)
		}
	}
	return release, nil
}

func taskKey(id string) string { return "task:" + id }

func entityKey(kind market.Kind, id string) string { return string(kind) + ":" + id }
