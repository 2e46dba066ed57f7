// Package locks provides the per-identifier lock table that serializes
// concurrent upload attempts for the same package identifier.
package locks

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/GoCodeAlone/depot/ident"
)

// ErrBusy is returned when the lock for an identifier cannot be acquired
// within the configured wait bound. Callers surface it as an
// upload-in-progress conflict rather than queueing indefinitely.
var ErrBusy = errors.New("identifier lock busy")

// Table is a sharded lock table keyed by package identifier. Locks for
// distinct identifiers never contend beyond their shard map access; uploads
// of different packages proceed fully in parallel.
type Table struct {
	shards  []*shard
	maxWait time.Duration
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	held    bool
	waiters chan struct{}
}

// NewTable creates a lock table with the given shard count and acquisition
// wait bound. Shard count defaults to 32, the wait bound to one second.
func NewTable(shardCount int, maxWait time.Duration) *Table {
	if shardCount < 1 {
		shardCount = 32
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{locks: make(map[string]*entry)}
	}
	return &Table{shards: shards, maxWait: maxWait}
}

func (t *Table) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (s *shard) getOrCreate(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[key]
	if !ok {
		e = &entry{waiters: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	return e
}

// Acquire obtains the lock for the identifier, waiting at most the table's
// bound. Returns an idempotent release function on success and ErrBusy when
// the lock is held past the bound, so a stuck upload cannot starve others
// indefinitely.
func (t *Table) Acquire(ctx context.Context, id ident.Ident) (release func(), err error) {
	key := id.String()
	e := t.shardFor(key).getOrCreate(key)

	deadline := time.NewTimer(t.maxWait)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if !e.held {
			e.held = true
			e.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					e.mu.Lock()
					e.held = false
					e.mu.Unlock()
					// Signal one waiter.
					select {
					case e.waiters <- struct{}{}:
					default:
					}
				})
			}, nil
		}
		e.mu.Unlock()

		select {
		case <-e.waiters:
			// Lock was released, try again.
		case <-deadline.C:
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ErrBusy)
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire attempts to take the lock without waiting. Returns false when
// the lock is already held.
func (t *Table) TryAcquire(id ident.Ident) (release func(), acquired bool) {
	key := id.String()
	e := t.shardFor(key).getOrCreate(key)

	e.mu.Lock()
	if e.held {
		e.mu.Unlock()
		return nil, false
	}
	e.held = true
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.held = false
			e.mu.Unlock()
			select {
			case e.waiters <- struct{}{}:
			default:
			}
		})
	}, true
}
