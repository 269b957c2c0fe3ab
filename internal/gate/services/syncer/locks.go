package syncer

import (
	"context"
	"sync"
)

// scopeLocks hands out one mutex per key. Waiting honors ctx; entries are
// dropped once nobody holds or waits on them.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	sem  chan struct{}
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

// acquire blocks until key is free or ctx is done.
func (l *scopeLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &scopeLock{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(key, e)
		})
	}, nil
}

func (l *scopeLocks) unref(key string, e *scopeLock) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// size reports how many keys are tracked.
func (l *scopeLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

const (
	globalKey   = "global"
	disabledKey = "disabled"
)

func siteKey(site string) string { return "site:" + site }
