package buffer_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veristate/veristate/pkg/buffer"
	"github.com/veristate/veristate/pkg/fault"
)

func TestBuffer_ZeroFilledAndWritable(t *testing.T) {
	buf, err := buffer.New("states", 4096)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, buf.Free()) })

	assert.Equal(t, int64(4096), buf.Size())

	s, err := buf.Slice(128, 16)
	require.NoError(t, err)
	for _, b := range s {
		assert.Zero(t, b)
	}

	copy(s, []byte("reachable-state!"))
	again, err := buf.Slice(128, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("reachable-state!"), again)
}

func TestBuffer_SliceOutOfRangeIsCapacityFault(t *testing.T) {
	buf, err := buffer.New("states", 64)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, buf.Free()) })

	_, err = buf.Slice(60, 8)
	assert.True(t, errors.Is(err, fault.ErrCapacity))

	_, err = buf.Slice(-1, 4)
	assert.True(t, errors.Is(err, fault.ErrCapacity))
}

func TestBuffer_NonPositiveSizeRejected(t *testing.T) {
	_, err := buffer.New("empty", 0)
	assert.True(t, errors.Is(err, fault.ErrCapacity))

	_, err = buffer.New("negative", -8)
	assert.True(t, errors.Is(err, fault.ErrCapacity))
}

func TestBuffer_FreeIsIdempotent(t *testing.T) {
	buf, err := buffer.New("once", 1024)
	require.NoError(t, err)

	require.NoError(t, buf.Free())
	require.NoError(t, buf.Free())

	_, err = buf.Slice(0, 1)
	assert.True(t, errors.Is(err, fault.ErrOrdering))
}
