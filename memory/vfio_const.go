package memory

// VFIO/IOMMUFD ioctl numbers and wire structs, grabbed from linux/vfio.h and
// linux/iommufd.h the same way the original implementation's vfio_constants.rs
// and vfio_structs.rs do: only the `_IO` encoding is needed (these ioctls
// carry no direction bits), so the full _IOC/_IOW/_IOR machinery is elided.

const (
	iocTypeShift = 8
	iocNrShift   = 0
)

func ioEncode(typ, nr uintptr) uintptr {
	return typ<<iocTypeShift | nr<<iocNrShift
}

const (
	vfioType = uintptr(';')
	vfioBase = 100
)

var (
	vfioGetAPIVersion       = ioEncode(vfioType, vfioBase+0)
	vfioCheckExtension      = ioEncode(vfioType, vfioBase+1)
	vfioSetIOMMU            = ioEncode(vfioType, vfioBase+2)
	vfioGroupGetStatus      = ioEncode(vfioType, vfioBase+3)
	vfioGroupSetContainer   = ioEncode(vfioType, vfioBase+4)
	vfioGroupGetDeviceFD    = ioEncode(vfioType, vfioBase+6)
	vfioDeviceGetRegionInfo = ioEncode(vfioType, vfioBase+8)
	vfioIOMMUGetInfo        = ioEncode(vfioType, vfioBase+12)
	vfioIOMMUMapDMA         = ioEncode(vfioType, vfioBase+13)
	vfioIOMMUUnmapDMA       = ioEncode(vfioType, vfioBase+14)
	vfioDeviceBindIOMMUFD   = ioEncode(vfioType, vfioBase+18)
	vfioDeviceAttachIOMMUFD = ioEncode(vfioType, vfioBase+19)
)

const (
	vfioAPIVersion       = 0
	vfioTypeUnmappedIOVA = 0
	vfioType1IOMMU       = 1

	vfioGroupFlagsViable = 1 << 0

	vfioDMAMapFlagRead  = 1 << 0
	vfioDMAMapFlagWrite = 1 << 1

	vfioPCIBAR0RegionIndex   = 0
	vfioPCIConfigRegionIndex = 7
)

const (
	iommufdType           = uintptr(';')
	iommufdCmdIOASAlloc   = 0x81
	iommufdCmdIOASMap     = 0x85
	iommufdCmdIOASUnmap   = 0x86
	iommuIOASMapFixedIOVA = 1 << 0
	iommuIOASMapWriteable = 1 << 1
	iommuIOASMapReadable  = 1 << 2
)

var (
	iommuIOASAlloc = ioEncode(iommufdType, iommufdCmdIOASAlloc)
	iommuIOASMap   = ioEncode(iommufdType, iommufdCmdIOASMap)
	iommuIOASUnmap = ioEncode(iommufdType, iommufdCmdIOASUnmap)
)

// vfioGroupStatus mirrors struct vfio_group_status.
type vfioGroupStatus struct {
	ArgSz uint32
	Flags uint32
}

// vfioRegionInfo mirrors struct vfio_region_info.
type vfioRegionInfo struct {
	ArgSz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

// vfioIOMMUType1Info mirrors struct vfio_iommu_type1_info.
type vfioIOMMUType1Info struct {
	ArgSz       uint32
	Flags       uint32
	IovaPgSizes uint64
	CapOffset   uint32
	Pad         uint32
}

// vfioIOMMUType1DMAMap mirrors struct vfio_iommu_type1_dma_map.
type vfioIOMMUType1DMAMap struct {
	ArgSz uint32
	Flags uint32
	Vaddr uint64
	Iova  uint64
	Size  uint64
}

// vfioIOMMUType1DMAUnmap mirrors struct vfio_iommu_type1_dma_unmap.
type vfioIOMMUType1DMAUnmap struct {
	ArgSz uint32
	Flags uint32
	Iova  uint64
	Size  uint64
}

// vfioDeviceBindIOMMUFDArg mirrors struct vfio_device_bind_iommufd.
type vfioDeviceBindIOMMUFDArg struct {
	ArgSz     uint32
	Flags     uint32
	IOMMUFD   int32
	OutDevID  uint32
}

// iommuIOASAllocArg mirrors struct iommu_ioas_alloc.
type iommuIOASAllocArg struct {
	Size     uint32
	Flags    uint32
	OutIOASID uint32
}

// vfioDeviceAttachIOMMUFDPTArg mirrors struct vfio_device_attach_iommufd_pt.
type vfioDeviceAttachIOMMUFDPTArg struct {
	ArgSz uint32
	Flags uint32
	PTID  uint32
}

// iommuIOASMapArg mirrors struct iommu_ioas_map.
type iommuIOASMapArg struct {
	Size     uint32
	Flags    uint32
	IOASID   uint32
	reserved uint32
	UserVA   uint64
	Length   uint64
	IOVA     uint64
}

// iommuIOASUnmapArg mirrors struct iommu_ioas_unmap.
type iommuIOASUnmapArg struct {
	Size   uint32
	IOASID uint32
	IOVA   uint64
	Length uint64
}
