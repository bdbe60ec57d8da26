package memory

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/adwuerth/vroom/errs"
	"github.com/adwuerth/vroom/pci"
)

// hugepageID is a process-wide counter so concurrently allocated hugepage
// files don't collide on name (grounded on physical.rs's HUGEPAGE_ID atomic).
var hugepageID int64

const hugepageDir = "/mnt/huge"

// physicalBackend is the hugepage-backed Backend implementation: DMA
// buffers come from file-backed hugetlbfs mappings, and the device's IOVA
// is simply its host physical address, discovered via /proc/self/pagemap
// (spec §4.B, grounded on physical.rs's Physical).
type physicalBackend struct {
	pciAddr  string
	pageSize PageSize
}

func newPhysicalBackend(pciAddr string, pageSize PageSize) (Backend, error) {
	if pageSize == Page4KiB {
		return nil, errs.New(errs.KindMmio, "memory: 4KiB pages not supported by the physical backend")
	}
	return &physicalBackend{pciAddr: pciAddr, pageSize: pageSize}, nil
}

// MapDeviceRegion mmaps the device's BAR0 through its sysfs resource0 file.
func (b *physicalBackend) MapDeviceRegion() ([]byte, error) {
	path := pci.ResourcePath(b.pciAddr, "resource0")

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindMmio, "memory: open resource0", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.KindMmio, "memory: stat resource0", err)
	}
	length := int(info.Size())
	if length == 0 {
		return nil, errs.New(errs.KindMmio, "memory: resource0 has zero length")
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap(errs.KindMmap, "memory: mmap resource0", err)
	}
	return mem, nil
}

// Allocate creates a hugetlbfs-backed file, mmaps and mlocks it, and resolves
// its physical address via /proc/self/pagemap.
func (b *physicalBackend) Allocate(size int) (*Buffer, error) {
	roundedSize := b.pageSize.RoundUp(size)

	id := atomic.AddInt64(&hugepageID, 1)
	path := fmt.Sprintf("%s/vroom-%d-%d", hugepageDir, os.Getpid(), id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errs.Wrap(errs.KindMmio, fmt.Sprintf("memory: create hugepage file %s (are hugepages configured?)", path), err)
	}

	flags := unix.MAP_SHARED | hugetlbMmapFlags(b.pageSize)
	addr, err := rawMmap(0, uintptr(roundedSize), unix.PROT_READ|unix.PROT_WRITE, flags, int(f.Fd()), 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, errs.Wrap(errs.KindMmap, "memory: mmap hugepage file", err)
	}

	mem := bytesAt(addr, roundedSize)
	if err := unix.Mlock(mem); err != nil {
		rawMunmap(addr, uintptr(roundedSize))
		f.Close()
		os.Remove(path)
		return nil, errs.Wrap(errs.KindMmap, "memory: mlock", err)
	}

	phys, err := virtToPhys(addr)
	if err != nil {
		unix.Munlock(mem)
		rawMunmap(addr, uintptr(roundedSize))
		f.Close()
		os.Remove(path)
		return nil, err
	}

	return &Buffer{
		Bytes:  mem,
		IOAddr: phys,
		Size:   roundedSize,
		release: func() error {
			defer os.Remove(path)
			defer f.Close()
			if err := unix.Munlock(mem); err != nil {
				return errs.Wrap(errs.KindMmap, "memory: munlock", err)
			}
			return rawMunmap(addr, uintptr(roundedSize))
		},
	}, nil
}

func (b *physicalBackend) Close() error { return nil }

func hugetlbMmapFlags(pageSize PageSize) int {
	switch pageSize {
	case Page1GiB:
		return unix.MAP_HUGETLB | (30 << mapHugeShift)
	default:
		return unix.MAP_HUGETLB | (21 << mapHugeShift)
	}
}

// virtToPhys resolves the host physical address backing a virtual address
// via /proc/self/pagemap: each 8-byte entry's low 55 bits are the physical
// frame number when bit 63 (present) is set (Documentation/admin-guide/mm/pagemap.rst).
func virtToPhys(addr uintptr) (uint64, error) {
	pageSize := uintptr(os.Getpagesize())

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "memory: open /proc/self/pagemap", err)
	}
	defer f.Close()

	var entry [8]byte
	offset := int64(addr/pageSize) * 8
	if _, err := f.ReadAt(entry[:], offset); err != nil {
		return 0, errs.Wrap(errs.KindIO, "memory: read pagemap entry", err)
	}

	raw := uint64(entry[0]) | uint64(entry[1])<<8 | uint64(entry[2])<<16 | uint64(entry[3])<<24 |
		uint64(entry[4])<<32 | uint64(entry[5])<<40 | uint64(entry[6])<<48 | uint64(entry[7])<<56

	if raw&(1<<63) == 0 {
		return 0, errs.New(errs.KindDMA, "memory: page not present, cannot resolve physical address")
	}

	frame := raw & 0x007F_FFFF_FFFF_FFFF
	return frame*uint64(pageSize) + uint64(addr%pageSize), nil
}
