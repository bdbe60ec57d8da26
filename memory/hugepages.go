package memory

import (
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/adwuerth/vroom/errs"
)

// mapHugeShift and map32Bit are Linux mmap(2) flag bits not exposed by
// golang.org/x/sys/unix under stable names on every arch; we define them
// ourselves the way the ioctl constants in vfio_const.go are hand-encoded.
const (
	mapHugeShift = 26
	map32Bit     = 0x40
)

// rawMmap wraps mmap(2) directly (rather than unix.Mmap, which always picks
// the mapping address itself) so MAP_FIXED re-mappings at a caller-chosen
// address are possible, needed by allocate2MiBNarrow below.
func rawMmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func rawMunmap(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// allocateHugepages picks the allocation strategy for pageSize, narrowing to
// 32-bit addresses when the process-wide IOVA width is below the native
// width (spec.md DESIGN NOTES; grounded on vfio.rs's allocate_4kib/2mib/1gib).
// Only 4KiB and 2MiB allocations are narrowed; 1GiB allocations are always
// mapped without a 32-bit address constraint.
func allocateHugepages(pageSize PageSize, size int) (uintptr, error) {
	narrow := false
	if width, ok := groups.iovaWidth(); ok && width < x86VAWidth {
		narrow = true
	}

	switch pageSize {
	case Page1GiB:
		return allocateAnonymous(size, unix.MAP_HUGETLB|(30<<mapHugeShift))
	case Page4KiB:
		if narrow {
			return allocateAnonymous(size, map32Bit)
		}
		return allocateAnonymous(size, 0)
	default:
		if narrow {
			return allocate2MiBNarrow(size)
		}
		return allocateAnonymous(size, unix.MAP_HUGETLB|(21<<mapHugeShift))
	}
}

func allocateAnonymous(size int, extraFlags int) (uintptr, error) {
	flags := unix.MAP_SHARED | unix.MAP_ANONYMOUS | extraFlags
	addr, err := rawMmap(0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, flags, -1, 0)
	if err != nil {
		return 0, errs.Wrap(errs.KindMmap, "memory: mmap anonymous", err)
	}
	return addr, nil
}

// allocate2MiBNarrow supports IOMMUs limited to 39-bit IOVAs: mmap ignores
// MAP_32BIT together with MAP_HUGETLB, so a 32-bit, 2MiB-aligned address is
// carved out by hand: over-allocate with MAP_32BIT, round up to a 2MiB
// boundary, unmap the slack on both sides, then re-map hugetlb pages
// MAP_FIXED at the aligned address.
func allocate2MiBNarrow(size int) (uintptr, error) {
	addr, err := rawMmap(0, uintptr(size+Size2MiB), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS|map32Bit, -1, 0)
	if err != nil {
		return 0, errs.Wrap(errs.KindMmap, "memory: mmap 32-bit scratch region", err)
	}

	aligned := (addr + Size2MiB - 1) &^ uintptr(Size2MiB-1)
	headSlack := aligned - addr
	if headSlack > 0 {
		if err := rawMunmap(addr, headSlack); err != nil {
			return 0, errs.Wrap(errs.KindMmap, "memory: unmap head slack", err)
		}
	}
	tailSlack := uintptr(Size2MiB) - headSlack
	if tailSlack > 0 {
		if err := rawMunmap(aligned+uintptr(size), tailSlack); err != nil {
			return 0, errs.Wrap(errs.KindMmap, "memory: unmap tail slack", err)
		}
	}

	fixedFlags := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_HUGETLB | (21 << mapHugeShift) | unix.MAP_FIXED
	mapped, err := rawMmap(aligned, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, fixedFlags, -1, 0)
	if err != nil {
		return 0, errs.Wrap(errs.KindMmap, "memory: mmap hugetlb at aligned 32-bit address", err)
	}
	return mapped, nil
}

// bytesAt builds a Go byte slice over a raw mmap'd region. The caller is
// responsible for the region outliving the slice (enforced by Buffer.release
// calling back into the backend, never the garbage collector).
func bytesAt(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// parseHex parses the "0x..." or bare-hex contents of a sysfs file.
func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}
