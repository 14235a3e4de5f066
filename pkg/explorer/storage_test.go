package explorer_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristate/veristate/pkg/explorer"
	"github.com/veristate/veristate/pkg/fault"
)

func vec4(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestStateStorage_PutDeduplicatesVectors(t *testing.T) {
	s, err := explorer.NewStateStorage("test", 4, 16)
	require.NoError(t, err)
	defer s.Free()

	first, inserted, err := s.Put(vec4(7))
	require.NoError(t, err)
	assert.True(t, inserted)

	again, inserted, err := s.Put(vec4(7))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, again)

	other, inserted, err := s.Put(vec4(8))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, first, other)
	assert.Equal(t, int64(2), s.Count())
}

func TestStateStorage_VectorAtReturnsStoredBytes(t *testing.T) {
	s, err := explorer.NewStateStorage("test", 4, 16)
	require.NoError(t, err)
	defer s.Free()

	id, _, err := s.Put(vec4(0xdeadbeef))
	require.NoError(t, err)

	got, err := s.VectorAt(id)
	require.NoError(t, err)
	assert.Equal(t, vec4(0xdeadbeef), got)
}

func TestStateStorage_PutRejectsWrongWidth(t *testing.T) {
	s, err := explorer.NewStateStorage("test", 4, 16)
	require.NoError(t, err)
	defer s.Free()

	_, _, err = s.Put([]byte{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConsistency)
}

func TestStateStorage_PutFaultsAtCapacity(t *testing.T) {
	s, err := explorer.NewStateStorage("test", 4, 2)
	require.NoError(t, err)
	defer s.Free()

	_, _, err = s.Put(vec4(0))
	require.NoError(t, err)
	_, _, err = s.Put(vec4(1))
	require.NoError(t, err)

	_, _, err = s.Put(vec4(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCapacity)
}

func TestStateStorage_ConcurrentPutsAgreeOnIDs(t *testing.T) {
	const workers = 8
	const distinct = 100

	s, err := explorer.NewStateStorage("test", 4, distinct)
	require.NoError(t, err)
	defer s.Free()

	ids := make([][]int32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids[w] = make([]int32, distinct)
			for i := 0; i < distinct; i++ {
				id, _, err := s.Put(vec4(uint32(i)))
				if err != nil {
					t.Error(err)
					return
				}
				ids[w][i] = id
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(distinct), s.Count())
	for w := 1; w < workers; w++ {
		assert.Equal(t, ids[0], ids[w])
	}
}
