package ltmdp

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"

	"github.com/veristate/veristate/pkg/fault"
)

const (
	indexShardCount = 64
	indexShardMask  = indexShardCount - 1
)

// MaxStates is the largest number of distinct states one build can address;
// state ids are int32.
const MaxStates = int64(1<<31 - 1)

// TargetIndex deduplicates transition targets into dense state ids. Inserts
// are first-insert-wins across concurrent workers; the numeric ids are
// stable within one build but arbitrary across builds, the semantic
// identity is the target key.
type TargetIndex struct {
	shards [indexShardCount]targetShard
	next   atomic.Int64
	keys   []TransitionTarget
}

type targetShard struct {
	mu sync.RWMutex
	m  map[TransitionTarget]StateID
}

// NewTargetIndex returns an index that can hold up to capacity distinct
// targets.
func NewTargetIndex(capacity int64) (*TargetIndex, error) {
	if capacity <= 0 || capacity > MaxStates {
		return nil, fault.Capacityf("target capacity %d outside (0, %d]", capacity, MaxStates)
	}
	t := &TargetIndex{keys: make([]TransitionTarget, capacity)}
	per := int(capacity)/indexShardCount + 1
	for i := range t.shards {
		t.shards[i].m = make(map[TransitionTarget]StateID, per)
	}
	return t, nil
}

// Put returns the dense id of key, inserting it if absent. The second
// result reports whether this call performed the insert.
func (t *TargetIndex) Put(key TransitionTarget) (StateID, bool, error) {
	s := t.shard(key)

	s.mu.RLock()
	id, ok := s.m[key]
	s.mu.RUnlock()
	if ok {
		return id, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.m[key]; ok {
		return id, false, nil
	}
	n := t.next.Add(1) - 1
	if n >= int64(len(t.keys)) {
		return NoState, false, fault.Capacityf("target index exhausted at %d states", len(t.keys))
	}
	id = StateID(n)
	t.keys[id] = key
	s.m[key] = id
	return id, true, nil
}

// Lookup returns the id of key without inserting.
func (t *TargetIndex) Lookup(key TransitionTarget) (StateID, bool) {
	s := t.shard(key)
	s.mu.RLock()
	id, ok := s.m[key]
	s.mu.RUnlock()
	return id, ok
}

// KeyOf returns the target key that was assigned the given id.
func (t *TargetIndex) KeyOf(id StateID) TransitionTarget {
	return t.keys[id]
}

// Count returns the number of distinct targets seen so far.
func (t *TargetIndex) Count() int64 {
	n := t.next.Load()
	if n > int64(len(t.keys)) {
		return int64(len(t.keys))
	}
	return n
}

func (t *TargetIndex) shard(key TransitionTarget) *targetShard {
	var b [12]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(key.Labeling))
	binary.LittleEndian.PutUint32(b[8:], uint32(key.StorageID))
	return &t.shards[murmur3.Sum32(b[:])&indexShardMask]
}
