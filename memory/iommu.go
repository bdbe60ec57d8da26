package memory

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/adwuerth/vroom/errs"
	"github.com/adwuerth/vroom/pci"
)

// x86VAWidth is the usual host virtual-address width (Documentation/x86/x86_64/mm.txt);
// VMs with a nested IOMMU sometimes only support 39-bit IOVAs, in which case
// allocateHugepages must constrain addresses to fit.
const x86VAWidth = 47

// Intel VT-d capability register fields used to read back the guest address
// width the platform's IOMMU actually supports.
const (
	vtdCapMGAWShift = 16
	vtdCapMGAWMask  = 0x3f << vtdCapMGAWShift
)

// commandRegisterOffset and busMasterEnableBit duplicate the constants in
// package pci: the VFIO device fd reaches config space at an offset reported
// by VFIO_DEVICE_GET_REGION_INFO rather than through pci's sysfs file, so
// this path can't share pci's helpers directly.
const (
	commandRegisterOffset = 4
	busMasterEnableBit    = 1 << 2
)

type iommuMode int

const (
	iommuModeLegacy iommuMode = iota
	iommuModeIOMMUFD
)

// iommuBackend is the VFIO-backed Backend implementation: DMA buffers come
// from anonymous hugepage mappings registered with the IOMMU via either the
// legacy group/container ioctls or the newer IOMMUFD cdev path, and the
// device's BAR0 is reached through the VFIO device file descriptor rather
// than sysfs (spec §4.B, grounded on vfio.rs's Vfio/VfioBackend).
type iommuBackend struct {
	pciAddr  string
	deviceFD int
	pageSize PageSize
	mode     iommuMode

	// legacy path
	group       int
	containerFD int

	// iommufd path
	iommuFD int
	ioasID  uint32
}

func newIOMMUBackend(pciAddr string, pageSize PageSize, useIOMMUFD bool) (Backend, error) {
	if useIOMMUFD {
		return newIOMMUFDBackend(pciAddr, pageSize)
	}
	return newLegacyIOMMUBackend(pciAddr, pageSize)
}

func newLegacyIOMMUBackend(pciAddr string, pageSize PageSize) (Backend, error) {
	checkIntelIOMMUWidth(pciAddr)

	containerFD, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindVfio, "vfio: open /dev/vfio/vfio", err)
	}

	apiVersion, err := vfioCtlNoArg(containerFD, vfioGetAPIVersion)
	if err != nil {
		unix.Close(containerFD)
		return nil, ioctlErr("VFIO_GET_API_VERSION", err)
	}
	if apiVersion != vfioAPIVersion {
		unix.Close(containerFD)
		return nil, errs.New(errs.KindVfio, "vfio: unexpected VFIO API version")
	}

	if err := ioctl(containerFD, vfioCheckExtension, uintptr(vfioType1IOMMU)); err != nil {
		unix.Close(containerFD)
		return nil, errs.Wrap(errs.KindVfio, "vfio: container does not support Type1 IOMMU", err)
	}

	group, err := pci.IOMMUGroup(pciAddr)
	if err != nil {
		unix.Close(containerFD)
		return nil, err
	}

	handle, existed, err := groups.handle(group, func() (groupHandle, error) {
		return openGroup(group, containerFD)
	})
	if err != nil {
		unix.Close(containerFD)
		return nil, err
	}
	if existed {
		// A different container fd was opened for this call than the one
		// already bound to the group; we only need the cached pair.
		unix.Close(containerFD)
		containerFD = handle.containerFD
	}

	if err := ioctl(containerFD, vfioSetIOMMU, uintptr(vfioType1IOMMU)); err != nil {
		return nil, ioctlErr("VFIO_SET_IOMMU", err)
	}

	deviceFD, err := vfioGetDeviceFD(handle.groupFD, pciAddr)
	if err != nil {
		return nil, err
	}

	var info vfioIOMMUType1Info
	info.ArgSz = uint32(unsafe.Sizeof(info))
	if err := ioctlPtr(containerFD, vfioIOMMUGetInfo, unsafe.Pointer(&info)); err != nil {
		unix.Close(deviceFD)
		return nil, ioctlErr("VFIO_IOMMU_GET_INFO", err)
	}

	b := &iommuBackend{
		pciAddr:     pciAddr,
		deviceFD:    deviceFD,
		pageSize:    pageSize,
		mode:        iommuModeLegacy,
		group:       group,
		containerFD: containerFD,
	}

	if err := b.enableDMA(); err != nil {
		unix.Close(deviceFD)
		return nil, err
	}
	return b, nil
}

func openGroup(group, containerFD int) (groupHandle, error) {
	groupFD, err := unix.Open(fmt.Sprintf("/dev/vfio/%d", group), unix.O_RDWR, 0)
	if err != nil {
		return groupHandle{}, errs.Wrap(errs.KindVfio, "vfio: open group device", err)
	}

	var status vfioGroupStatus
	status.ArgSz = uint32(unsafe.Sizeof(status))
	if err := ioctlPtr(groupFD, vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		unix.Close(groupFD)
		return groupHandle{}, ioctlErr("VFIO_GROUP_GET_STATUS", err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		unix.Close(groupFD)
		return groupHandle{}, errs.New(errs.KindVfio, "vfio: group is not viable, not every device in it is bound to vfio-pci")
	}

	cfd := int32(containerFD)
	if err := ioctlPtr(groupFD, vfioGroupSetContainer, unsafe.Pointer(&cfd)); err != nil {
		unix.Close(groupFD)
		return groupHandle{}, ioctlErr("VFIO_GROUP_SET_CONTAINER", err)
	}

	return groupHandle{containerFD: containerFD, groupFD: groupFD}, nil
}

// vfioGetDeviceFD issues VFIO_GROUP_GET_DEVICE_FD, whose argument is the NUL
// terminated PCI address string and whose return value (not an out
// parameter) is the device file descriptor.
func vfioGetDeviceFD(groupFD int, pciAddr string) (int, error) {
	cstr := append([]byte(pciAddr), 0)
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFD), vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(&cstr[0])))
	if errno != 0 {
		return 0, ioctlErr("VFIO_GROUP_GET_DEVICE_FD", errno)
	}
	return int(fd), nil
}

// vfioCtlNoArg issues an ioctl whose return value is the meaningful result
// (rather than an errno/0 pair), as with VFIO_GET_API_VERSION.
func vfioCtlNoArg(fd int, req uintptr) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

func newIOMMUFDBackend(pciAddr string, pageSize PageSize) (Backend, error) {
	iommuFD, err := unix.Open("/dev/iommu", unix.O_RDWR, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindVfio, "iommufd: open /dev/iommu", err)
	}

	deviceFD, err := unix.Open("/dev/vfio/devices/vfio0", unix.O_RDWR, 0)
	if err != nil {
		unix.Close(iommuFD)
		return nil, errs.Wrap(errs.KindVfio, "iommufd: open device cdev", err)
	}

	var bind vfioDeviceBindIOMMUFDArg
	bind.ArgSz = uint32(unsafe.Sizeof(bind))
	bind.IOMMUFD = int32(iommuFD)
	if err := ioctlPtr(deviceFD, vfioDeviceBindIOMMUFD, unsafe.Pointer(&bind)); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommuFD)
		return nil, ioctlErr("VFIO_DEVICE_BIND_IOMMUFD", err)
	}

	var alloc iommuIOASAllocArg
	alloc.Size = uint32(unsafe.Sizeof(alloc))
	if err := ioctlPtr(iommuFD, iommuIOASAlloc, unsafe.Pointer(&alloc)); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommuFD)
		return nil, ioctlErr("IOMMU_IOAS_ALLOC", err)
	}

	var attach vfioDeviceAttachIOMMUFDPTArg
	attach.ArgSz = uint32(unsafe.Sizeof(attach))
	attach.PTID = alloc.OutIOASID
	if err := ioctlPtr(deviceFD, vfioDeviceAttachIOMMUFD, unsafe.Pointer(&attach)); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommuFD)
		return nil, ioctlErr("VFIO_DEVICE_ATTACH_IOMMUFD_PT", err)
	}

	b := &iommuBackend{
		pciAddr:  pciAddr,
		deviceFD: deviceFD,
		pageSize: pageSize,
		mode:     iommuModeIOMMUFD,
		iommuFD:  iommuFD,
		ioasID:   alloc.OutIOASID,
	}

	if err := b.enableDMA(); err != nil {
		unix.Close(deviceFD)
		unix.Close(iommuFD)
		return nil, err
	}
	return b, nil
}

// checkIntelIOMMUWidth narrows the process-wide IOVA width if the device's
// IOMMU reports a smaller maximum guest address width than the default
// (spec.md DESIGN NOTES / vfio.rs check_intel_iommu).
func checkIntelIOMMUWidth(pciAddr string) {
	capPath := pci.ResourcePath(pciAddr, "iommu/intel-iommu/cap")
	data, err := os.ReadFile(capPath)
	if err != nil {
		groups.recordIOVAWidth(x86VAWidth)
		return
	}
	cap, err := parseHex(string(data))
	if err != nil {
		groups.recordIOVAWidth(x86VAWidth)
		return
	}
	mgaw := uint8(((cap & vtdCapMGAWMask) >> vtdCapMGAWShift) + 1)
	groups.recordIOVAWidth(mgaw)
}

func (b *iommuBackend) enableDMA() error {
	var confReg vfioRegionInfo
	confReg.ArgSz = uint32(unsafe.Sizeof(confReg))
	confReg.Index = vfioPCIConfigRegionIndex
	if err := ioctlPtr(b.deviceFD, vfioDeviceGetRegionInfo, unsafe.Pointer(&confReg)); err != nil {
		return ioctlErr("VFIO_DEVICE_GET_REGION_INFO(config)", err)
	}

	var cmd uint16
	if _, err := unix.Pread(b.deviceFD, (*[2]byte)(unsafe.Pointer(&cmd))[:], int64(confReg.Offset+commandRegisterOffset)); err != nil {
		return errs.Wrap(errs.KindVfio, "vfio: read command register", err)
	}
	cmd |= busMasterEnableBit
	if _, err := unix.Pwrite(b.deviceFD, (*[2]byte)(unsafe.Pointer(&cmd))[:], int64(confReg.Offset+commandRegisterOffset)); err != nil {
		return errs.Wrap(errs.KindVfio, "vfio: write command register", err)
	}
	return nil
}

// MapDeviceRegion mmaps BAR0 through the VFIO device file descriptor, per
// spec §4.B: the IOMMU backend queries the device region descriptor then
// maps through the device fd rather than a sysfs resource file.
func (b *iommuBackend) MapDeviceRegion() ([]byte, error) {
	var region vfioRegionInfo
	region.ArgSz = uint32(unsafe.Sizeof(region))
	region.Index = vfioPCIBAR0RegionIndex
	if err := ioctlPtr(b.deviceFD, vfioDeviceGetRegionInfo, unsafe.Pointer(&region)); err != nil {
		return nil, ioctlErr("VFIO_DEVICE_GET_REGION_INFO(bar0)", err)
	}

	mem, err := unix.Mmap(b.deviceFD, int64(region.Offset), int(region.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap(errs.KindMmap, "vfio: mmap BAR0", err)
	}
	return mem, nil
}

// Allocate reserves size bytes of anonymous hugepage memory and registers it
// with the IOMMU, identity-mapping the host virtual address as the IOVA
// (spec §4.B, vfio.rs's VfioBackend::map_dma).
func (b *iommuBackend) Allocate(size int) (*Buffer, error) {
	roundedSize := b.pageSize.RoundUp(size)

	addr, err := allocateHugepages(b.pageSize, roundedSize)
	if err != nil {
		return nil, err
	}

	iova, err := b.mapDMA(addr, roundedSize)
	if err != nil {
		rawMunmap(addr, uintptr(roundedSize))
		return nil, err
	}

	return &Buffer{
		Bytes:  bytesAt(addr, roundedSize),
		IOAddr: iova,
		Size:   roundedSize,
		release: func() error {
			if err := b.unmapDMA(iova, roundedSize); err != nil {
				return err
			}
			return rawMunmap(addr, uintptr(roundedSize))
		},
	}, nil
}

func (b *iommuBackend) mapDMA(addr uintptr, size int) (uint64, error) {
	switch b.mode {
	case iommuModeIOMMUFD:
		var m iommuIOASMapArg
		m.Size = uint32(unsafe.Sizeof(m))
		m.Flags = iommuIOASMapFixedIOVA | iommuIOASMapWriteable | iommuIOASMapReadable
		m.IOASID = b.ioasID
		m.UserVA = uint64(addr)
		m.Length = uint64(size)
		m.IOVA = uint64(addr)
		if err := ioctlPtr(b.iommuFD, iommuIOASMap, unsafe.Pointer(&m)); err != nil {
			return 0, ioctlErr("IOMMU_IOAS_MAP", err)
		}
		return m.IOVA, nil
	default:
		var m vfioIOMMUType1DMAMap
		m.ArgSz = uint32(unsafe.Sizeof(m))
		m.Flags = vfioDMAMapFlagRead | vfioDMAMapFlagWrite
		m.Vaddr = uint64(addr)
		m.Iova = uint64(addr)
		m.Size = uint64(size)
		if err := ioctlPtr(b.containerFD, vfioIOMMUMapDMA, unsafe.Pointer(&m)); err != nil {
			return 0, ioctlErr("VFIO_IOMMU_MAP_DMA", err)
		}
		return m.Iova, nil
	}
}

func (b *iommuBackend) unmapDMA(iova uint64, size int) error {
	switch b.mode {
	case iommuModeIOMMUFD:
		var u iommuIOASUnmapArg
		u.Size = uint32(unsafe.Sizeof(u))
		u.IOASID = b.ioasID
		u.IOVA = iova
		u.Length = uint64(size)
		if err := ioctlPtr(b.iommuFD, iommuIOASUnmap, unsafe.Pointer(&u)); err != nil {
			return ioctlErr("IOMMU_IOAS_UNMAP", err)
		}
		return nil
	default:
		var u vfioIOMMUType1DMAUnmap
		u.ArgSz = uint32(unsafe.Sizeof(u))
		u.Iova = iova
		u.Size = uint64(size)
		if err := ioctlPtr(b.containerFD, vfioIOMMUUnmapDMA, unsafe.Pointer(&u)); err != nil {
			return ioctlErr("VFIO_IOMMU_UNMAP_DMA", err)
		}
		return nil
	}
}

// Close releases the device and, for the legacy path, drops this process's
// reference to the group's container/group fd pair, closing them once no
// device in the group still holds a reference.
func (b *iommuBackend) Close() error {
	unix.Close(b.deviceFD)
	switch b.mode {
	case iommuModeIOMMUFD:
		unix.Close(b.iommuFD)
		return nil
	default:
		return groups.release(b.group, func(h groupHandle) error {
			unix.Close(h.groupFD)
			return unix.Close(h.containerFD)
		})
	}
}
