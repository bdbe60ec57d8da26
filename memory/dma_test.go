package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageSizeBytesAndShift(t *testing.T) {
	assert.Equal(t, Size4KiB, Page4KiB.Bytes())
	assert.Equal(t, Size2MiB, Page2MiB.Bytes())
	assert.Equal(t, Size1GiB, Page1GiB.Bytes())

	assert.Equal(t, uint(12), Page4KiB.Shift())
	assert.Equal(t, uint(21), Page2MiB.Shift())
	assert.Equal(t, uint(30), Page1GiB.Shift())
}

func TestPageSizeRoundUp(t *testing.T) {
	assert.Equal(t, Size4KiB, Page4KiB.RoundUp(1))
	assert.Equal(t, Size4KiB, Page4KiB.RoundUp(Size4KiB))
	assert.Equal(t, 2*Size4KiB, Page4KiB.RoundUp(Size4KiB+1))
}

func TestPageSizeString(t *testing.T) {
	assert.Equal(t, "4KiB", Page4KiB.String())
	assert.Equal(t, "2MiB", Page2MiB.String())
	assert.Equal(t, "1GiB", Page1GiB.String())
}

func TestBufferSliceAt(t *testing.T) {
	b := &Buffer{Bytes: make([]byte, 4096), IOAddr: 0x10000, Size: 4096}
	s := b.SliceAt(512, 256)
	assert.Equal(t, 256, len(s.Bytes))
	assert.Equal(t, uint64(0x10000+512), s.IOAddr)
}

func TestBufferSliceAtPanicsOutOfBounds(t *testing.T) {
	b := &Buffer{Bytes: make([]byte, 4096), IOAddr: 0x10000, Size: 4096}
	assert.Panics(t, func() { b.SliceAt(4000, 200) })
}

func TestSliceChunks(t *testing.T) {
	s := Slice{Bytes: make([]byte, 20000), IOAddr: 0x1000}
	chunks := s.Chunks(8192)
	if assert.Len(t, chunks, 3) {
		assert.Equal(t, 8192, len(chunks[0].Bytes))
		assert.Equal(t, 8192, len(chunks[1].Bytes))
		assert.Equal(t, 20000-2*8192, len(chunks[2].Bytes))
		assert.Equal(t, uint64(0x1000), chunks[0].IOAddr)
		assert.Equal(t, uint64(0x1000+8192), chunks[1].IOAddr)
	}
}

func TestBufferReleaseIsIdempotentWithNilRelease(t *testing.T) {
	b := &Buffer{Bytes: make([]byte, 16), Size: 16}
	assert.NoError(t, b.Release())
	assert.NoError(t, b.Release())
}

func TestBufferReleaseCallsOnce(t *testing.T) {
	calls := 0
	b := &Buffer{Bytes: make([]byte, 16), Size: 16}
	b.release = func() error {
		calls++
		return nil
	}
	assert.NoError(t, b.Release())
	assert.NoError(t, b.Release())
	assert.Equal(t, 1, calls)
}
