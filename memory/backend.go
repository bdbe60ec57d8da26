package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/adwuerth/vroom/errs"
	"github.com/adwuerth/vroom/pci"
)

// Backend is the capability set common to both DMA backends (§4.B): allocate
// host pages for DMA, release them, and map the device's register region into
// host memory.
type Backend interface {
	Allocate(size int) (*Buffer, error)
	MapDeviceRegion() ([]byte, error)
	Close() error
}

// Options configures backend selection and allocation behavior.
type Options struct {
	// PageSize is the granularity used for DMA allocations. Zero value
	// resolves to DefaultPageSize.
	PageSize PageSize
	// ForcePhysical skips the iommu_group probe and always selects the
	// physical/hugepage backend, for environments where /sys/bus/pci isn't
	// the appropriate discovery path (e.g. tests).
	ForcePhysical bool
	// UseIOMMUFD selects the modern /dev/iommu IOMMUFD path instead of the
	// legacy group-container VFIO path when the IOMMU backend is selected.
	UseIOMMUFD bool
}

// HasIOMMUGroup reports whether the PCI device at pciAddr is bound to an
// IOMMU group, the selection policy's test for choosing the IOMMU backend
// over the physical one (§4.B Selection policy).
func HasIOMMUGroup(pciAddr string) bool {
	return pci.HasIOMMUGroup(pciAddr)
}

// Open performs platform binding (class-code validation, bus-master-enable,
// interrupt-disable; spec §4.A) and then selects and initializes the
// appropriate DMA backend for pciAddr: the IOMMU/VFIO backend if the device
// has an iommu_group entry in sysfs, otherwise the physical/hugepage
// backend.
func Open(pciAddr string, opts Options) (Backend, error) {
	if _, err := pci.Open(pciAddr); err != nil {
		return nil, err
	}

	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	if !opts.ForcePhysical && HasIOMMUGroup(pciAddr) {
		return newIOMMUBackend(pciAddr, pageSize, opts.UseIOMMUFD)
	}

	if pageSize == Page4KiB {
		return nil, errs.New(errs.KindMmio, "memory.Open: 4KiB pages unsupported on physical backend")
	}
	if unix.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "vroom: not running as root, physical backend will probably fail")
	}
	return newPhysicalBackend(pciAddr, pageSize)
}
