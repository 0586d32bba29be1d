// Package lock provides per-entity advisory locks. Local serializes
// goroutines in one process; Redis extends exclusion across processes on a
// best-effort basis; Chain composes them.
package lock

import (
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended.
var ErrNotAcquired = eris.New("lock not acquired")

// Locker takes a set of keys atomically with respect to other Lockers of the
// same kind. Keys are always acquired in sorted order so overlapping sets
// cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// EntityKey is the lock key for one entity.
func EntityKey(workspaceID, entityID string) string {
	return "entity:" + workspaceID + ":" + entityID
}

// sortedUnique returns a sorted copy of keys without duplicates.
func sortedUnique(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed mutex. The zero value is not usable; call
// NewLocal.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal creates an empty Local locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until every key is held or ctx ends.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k := held[i]
			l.mu.Lock()
			e := l.entries[k]
			l.mu.Unlock()
			<-e.ch
			l.unref(k)
		}
	}

	for _, k := range keys {
		e := l.ref(k)
		select {
		case e.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			release()
			return nil, eris.Wrapf(ErrNotAcquired, "lock: %s: %v", k, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Held reports the number of keys currently tracked. Used in tests.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Chain acquires each Locker in order and releases in reverse.
type Chain []Locker

// Lock implements Locker.
func (c Chain) Lock(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		u, err := l.Lock(ctx, keys...)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
