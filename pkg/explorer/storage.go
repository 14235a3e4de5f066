package explorer

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/veristate/veristate/pkg/buffer"
	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
)

const (
	storageShardCount = 64
	storageShardMask  = storageShardCount - 1
)

// StateStorage deduplicates serialized state vectors into dense storage ids
// and keeps the vectors in one pre-sized mapping so later rounds can restore
// any discovered state. Inserts are first-insert-wins across workers.
type StateStorage struct {
	buf      *buffer.Buffer
	vecSize  int64
	capacity int64
	next     atomic.Int64
	shards   [storageShardCount]storageShard
}

type storageShard struct {
	mu sync.RWMutex
	m  map[string]int32
}

// NewStateStorage allocates room for capacity vectors of vectorSize bytes.
func NewStateStorage(name string, vectorSize int, capacity int64) (*StateStorage, error) {
	if vectorSize <= 0 {
		return nil, fault.Consistencyf("state vector size %d, want at least 1 byte", vectorSize)
	}
	if capacity <= 0 || capacity > ltmdp.MaxStates {
		return nil, fault.Capacityf("vector capacity %d outside (0, %d]", capacity, ltmdp.MaxStates)
	}
	buf, err := buffer.New(name, int64(vectorSize)*capacity)
	if err != nil {
		return nil, err
	}
	s := &StateStorage{buf: buf, vecSize: int64(vectorSize), capacity: capacity}
	per := int(capacity)/storageShardCount + 1
	for i := range s.shards {
		s.shards[i].m = make(map[string]int32, per)
	}
	return s, nil
}

// Put returns the storage id of vec, copying it into the backing buffer if
// it was not seen before. The second result reports whether this call
// performed the insert.
func (s *StateStorage) Put(vec []byte) (int32, bool, error) {
	if int64(len(vec)) != s.vecSize {
		return -1, false, fault.Consistencyf("vector of %d bytes, want %d", len(vec), s.vecSize)
	}
	sh := &s.shards[xxhash.Sum64(vec)&storageShardMask]

	sh.mu.RLock()
	id, ok := sh.m[string(vec)]
	sh.mu.RUnlock()
	if ok {
		return id, false, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if id, ok := sh.m[string(vec)]; ok {
		return id, false, nil
	}
	n := s.next.Add(1) - 1
	if n >= s.capacity {
		return -1, false, fault.Capacityf("state storage exhausted at %d vectors", s.capacity)
	}
	dst, err := s.buf.Slice(n*s.vecSize, s.vecSize)
	if err != nil {
		return -1, false, err
	}
	copy(dst, vec)
	sh.m[string(vec)] = int32(n)
	return int32(n), true, nil
}

// VectorAt returns the stored vector for the given storage id. The slice
// aliases the backing buffer and must not be written.
func (s *StateStorage) VectorAt(id int32) ([]byte, error) {
	return s.buf.Slice(int64(id)*s.vecSize, s.vecSize)
}

// Count returns the number of distinct vectors stored.
func (s *StateStorage) Count() int64 {
	n := s.next.Load()
	if n > s.capacity {
		return s.capacity
	}
	return n
}

// Free releases the backing buffer. Vectors are only needed while the state
// space is being built; freeing early bounds peak memory.
func (s *StateStorage) Free() {
	s.buf.Free()
}
