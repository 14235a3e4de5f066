// Package buffer provides fixed-capacity memory arenas backed by anonymous
// memory mappings. Arenas are allocated once at their final size, handed out
// as sub-slices, and released explicitly, which keeps multi-gigabyte state
// storage out of the garbage collector's working set and makes peak memory
// deterministic.
package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/veristate/veristate/pkg/fault"
)

// 1 TiB. Arenas beyond this are almost certainly a mis-sized capacity
// estimate rather than a real workload.
const maxBufferSize = 1 << 40

// Buffer is a fixed-capacity byte arena. The backing mapping is zero-filled
// on allocation and stays at a stable address until Free, so sub-slices
// remain valid for the buffer's whole lifetime.
type Buffer struct {
	name  string
	data  mmap.MMap
	size  int64
	freed atomic.Bool
}

// New allocates an anonymous mapping of exactly size bytes.
// The name appears in fault messages only.
func New(name string, size int64) (*Buffer, error) {
	if size <= 0 {
		return nil, fault.Capacityf("buffer %q: non-positive size %d", name, size)
	}
	if size > maxBufferSize {
		return nil, fault.Capacityf("buffer %q: size %d exceeds %d byte limit", name, size, int64(maxBufferSize))
	}

	data, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, &fault.Error{
			Kind:  fault.KindCapacity,
			Msg:   fmt.Sprintf("buffer %q: mapping %d bytes", name, size),
			Cause: err,
		}
	}

	return &Buffer{name: name, data: data, size: size}, nil
}

// Name returns the diagnostic name the buffer was allocated under.
func (b *Buffer) Name() string { return b.name }

// Size returns the fixed capacity in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Bytes returns the whole arena. The slice must not be retained past Free.
func (b *Buffer) Bytes() []byte { return b.data }

// Slice returns the n bytes starting at off. Positions past the fixed
// capacity are a capacity fault: the remedy is a larger arena, not a retry.
func (b *Buffer) Slice(off, n int64) ([]byte, error) {
	if b.freed.Load() {
		return nil, fault.Orderingf("buffer %q: slice after free", b.name)
	}
	if off < 0 || n < 0 || off+n > b.size {
		return nil, fault.Capacityf("buffer %q: slice [%d,%d) outside %d byte arena", b.name, off, off+n, b.size)
	}
	return b.data[off : off+n : off+n], nil
}

// Free releases the mapping. Free is idempotent; only the first call
// unmaps. Sub-slices are invalid afterwards.
func (b *Buffer) Free() error {
	if !b.freed.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.data.Unmap(); err != nil {
		return fmt.Errorf("buffer %q: unmap: %w", b.name, err)
	}
	b.data = nil
	return nil
}
