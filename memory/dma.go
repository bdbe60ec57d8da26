// Package memory implements the DMA memory subsystem: host-pinned buffers
// that are contiguous in the I/O address space and visible to the device by
// DMA, plus the two interchangeable backends that produce them (§4.B).
package memory

import (
	"math/bits"
	"unsafe"
)

// PageSize selects the granularity used for DMA allocations (§3, Page-Size
// Policy). It controls hugepage flags for mmap-style allocation and
// influences IOMMU page-size preferences.
type PageSize int

const (
	// Page4KiB is the native page size. The physical/hugepage backend
	// rejects it (§4.B.1); the IOMMU backend accepts it.
	Page4KiB PageSize = iota
	Page2MiB
	Page1GiB
)

const (
	shift4KiB = 12
	shift2MiB = 21
	shift1GiB = 30
)

// Size4KiB, Size2MiB and Size1GiB are the byte sizes of the three supported
// page granularities.
const (
	Size4KiB = 1 << shift4KiB
	Size2MiB = 1 << shift2MiB
	Size1GiB = 1 << shift1GiB
)

// DefaultPageSize is used when a caller does not specify one (§4.B Selection
// policy).
const DefaultPageSize = Page2MiB

// Bytes returns the page size in bytes.
func (p PageSize) Bytes() int {
	switch p {
	case Page4KiB:
		return Size4KiB
	case Page1GiB:
		return Size1GiB
	default:
		return Size2MiB
	}
}

// Shift returns log2 of the page size, used by RoundUp to size-align
// lengths.
func (p PageSize) Shift() uint {
	switch p {
	case Page4KiB:
		return shift4KiB
	case Page1GiB:
		return shift1GiB
	default:
		return shift2MiB
	}
}

// RoundUp rounds size up to the next multiple of the page size.
func (p PageSize) RoundUp(size int) int {
	b := p.Bytes()
	if size%b == 0 {
		return size
	}
	return ((size >> p.Shift()) + 1) << p.Shift()
}

func (p PageSize) String() string {
	switch p {
	case Page4KiB:
		return "4KiB"
	case Page1GiB:
		return "1GiB"
	default:
		return "2MiB"
	}
}

// log2 finds the most significant bit set in a uint (0 for x == 0). The
// MAP_HUGE_SHIFT mmap flags in hugepages.go and physical.go are built from
// literal shifts, not from this helper.
func log2(x uint) int {
	if x == 0 {
		return 0
	}
	return bits.Len(x) - 1
}

// Buffer is a contiguous, host-pinned region mapped for device DMA (§3, DMA
// Buffer). Host reads/writes go through Bytes; the device uses IOAddr, which
// is either the host physical address (physical backend) or an IOMMU-assigned
// IOVA (IOMMU backend). The I/O address range [IOAddr, IOAddr+Size) is mapped
// read+write for the buffer's entire lifetime.
type Buffer struct {
	Bytes  []byte
	IOAddr uint64
	Size   int

	release func() error
}

// Release returns the mapping and the underlying pages to the backend that
// allocated it. A Buffer is exclusively owned by its allocator; Release must
// be called exactly once.
func (b *Buffer) Release() error {
	if b.release == nil {
		return nil
	}
	release := b.release
	b.release = nil
	return release()
}

// Slice returns a non-owning view of the buffer's full range.
func (b *Buffer) Slice() Slice {
	return Slice{Bytes: b.Bytes, IOAddr: b.IOAddr}
}

// SliceAt returns a non-owning view of [offset, offset+length) within the
// buffer. Panics if the requested range is not entirely within the buffer,
// per the DmaSlice invariant in §3.
func (b *Buffer) SliceAt(offset, length int) Slice {
	if offset < 0 || length < 0 || offset+length > b.Size {
		panic("memory: slice range out of bounds")
	}
	return Slice{
		Bytes:  b.Bytes[offset : offset+length],
		IOAddr: b.IOAddr + uint64(offset),
	}
}

// Slice is a non-owning view into a Buffer: a virtual base, an I/O base, and
// a length (§3, DMA Slice). Slices may be chunked at byte granularity for
// iteration over PRP-sized pieces.
type Slice struct {
	Bytes  []byte
	IOAddr uint64
}

// Len returns the length of the slice in bytes.
func (s Slice) Len() int { return len(s.Bytes) }

// Sub returns a sub-slice of s covering [offset, offset+length). Panics if
// the requested range does not lie entirely within s.
func (s Slice) Sub(offset, length int) Slice {
	if offset < 0 || length < 0 || offset+length > len(s.Bytes) {
		panic("memory: slice range out of bounds")
	}
	return Slice{
		Bytes:  s.Bytes[offset : offset+length],
		IOAddr: s.IOAddr + uint64(offset),
	}
}

// Chunk is one piece produced by Chunks: a byte-granularity view together
// with the I/O address of its first byte, suitable for building one PRP1/PRP2
// pair per command.
type Chunk struct {
	IOAddr uint64
	Bytes  []byte
}

// Chunks splits the slice into consecutive pieces of at most chunkSize bytes,
// for iteration over PRP-sized transfer pieces (§4.E.1).
func (s Slice) Chunks(chunkSize int) []Chunk {
	if chunkSize <= 0 {
		panic("memory: chunk size must be positive")
	}
	var chunks []Chunk
	for off := 0; off < len(s.Bytes); off += chunkSize {
		end := off + chunkSize
		if end > len(s.Bytes) {
			end = len(s.Bytes)
		}
		chunks = append(chunks, Chunk{
			IOAddr: s.IOAddr + uint64(off),
			Bytes:  s.Bytes[off:end],
		})
	}
	return chunks
}

// addrOf returns the host virtual address backing a byte slice, used only to
// compute offsets between two slices of the same underlying Buffer (e.g. a
// PRP list page relative to the Buffer it lives in).
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
