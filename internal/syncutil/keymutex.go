// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyMutex when shards <= 0.
const DefaultShards = 256

// KeyMutex is a fixed pool of channel mutexes keyed by string. Memory is
// bounded regardless of how many keys are seen; keys that hash to the same
// shard occasionally wait on each other.
type KeyMutex struct {
	shards []chan struct{}
}

// NewKeyMutex creates a KeyMutex with the given number of shards.
func NewKeyMutex(shards int) *KeyMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyMutex{shards: make([]chan struct{}, shards)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext acquires the shard for key, or returns ctx.Err() if the
// context ends first. The returned unlock must be called exactly once.
func (m *KeyMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
