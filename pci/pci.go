// Package pci implements the platform-binding component (spec §4.A): turning
// a PCI bus address such as "0000:01:00.0" into a device with bus-mastering
// enabled and legacy INTx interrupts disabled, validated as an NVMe
// (mass-storage) class device. It deliberately does not discover which bus
// address to use — enumerating vendor/class IDs across the sysfs tree is a
// collaborator concern (spec §1), not part of the core.
package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adwuerth/vroom/errs"
)

const (
	sysfsRoot = "/sys/bus/pci/devices"

	// commandRegisterOffset is the offset of the 16-bit PCI command
	// register in configuration space (PCIe 3.0 §7.5.1.1).
	commandRegisterOffset = 4
	// classCodeOffset is the offset of the 32-bit class code register; the
	// upper 16 bits hold base class + subclass.
	classCodeOffset = 8

	// busMasterEnableBit is bit 2 of the command register.
	busMasterEnableBit = 1 << 2
	// interruptDisableBit is bit 10 of the command register.
	interruptDisableBit = 1 << 10

	// nvmeClassCode is the mass-storage/NVMe class+subclass pair (spec §4.D.1).
	nvmeClassCode = 0x0108
)

// Device represents a bound, enabled PCI device, past platform binding.
type Device struct {
	Addr string
}

// Open performs the platform-binding actions of spec §4.A, exactly once:
// validate the class code as NVMe mass-storage, read the command register,
// set bus-master-enable (bit 2) and interrupt-disable (bit 10), and write it
// back.
func Open(pciAddr string) (*Device, error) {
	classCode, err := readClassCode(pciAddr)
	if err != nil {
		return nil, err
	}
	if classCode != nvmeClassCode {
		return nil, errs.New(errs.KindConfig,
			fmt.Sprintf("pci.Open: device %s has class 0x%04x, not NVMe (0x%04x)", pciAddr, classCode, nvmeClassCode))
	}

	if err := enableBusMasterAndDisableInterrupts(pciAddr); err != nil {
		return nil, err
	}

	return &Device{Addr: pciAddr}, nil
}

// HasIOMMUGroup reports whether the device is bound to an IOMMU group,
// i.e. whether the VFIO backend can be used (spec §4.B Selection policy).
func HasIOMMUGroup(pciAddr string) bool {
	_, err := os.Lstat(filepath.Join(sysfsRoot, pciAddr, "iommu_group"))
	return err == nil
}

// IOMMUGroup returns the numeric IOMMU group ID the device belongs to.
func IOMMUGroup(pciAddr string) (int, error) {
	link, err := os.Readlink(filepath.Join(sysfsRoot, pciAddr, "iommu_group"))
	if err != nil {
		return 0, errs.Wrap(errs.KindConfig, "pci.IOMMUGroup: readlink iommu_group", err)
	}
	group, err := strconv.Atoi(filepath.Base(link))
	if err != nil {
		return 0, errs.Wrap(errs.KindConfig, "pci.IOMMUGroup: parse group number", err)
	}
	return group, nil
}

// ResourcePath returns the sysfs path to a named resource file for the
// device, e.g. "resource0" or "config".
func ResourcePath(pciAddr, resource string) string {
	return filepath.Join(sysfsRoot, pciAddr, resource)
}

func readClassCode(pciAddr string) (uint32, error) {
	f, err := os.OpenFile(ResourcePath(pciAddr, "config"), os.O_RDONLY, 0)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "pci.readClassCode: open config", err)
	}
	defer f.Close()

	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, classCodeOffset); err != nil {
		return 0, errs.Wrap(errs.KindIO, "pci.readClassCode: read config", err)
	}
	return binary.LittleEndian.Uint32(buf) >> 16, nil
}

func enableBusMasterAndDisableInterrupts(pciAddr string) error {
	f, err := os.OpenFile(ResourcePath(pciAddr, "config"), os.O_RDWR, 0)
	if err != nil {
		return errs.Wrap(errs.KindIO, "pci.enableBusMaster: open config", err)
	}
	defer f.Close()

	buf := make([]byte, 2)
	if _, err := f.ReadAt(buf, commandRegisterOffset); err != nil {
		return errs.Wrap(errs.KindIO, "pci.enableBusMaster: read command register", err)
	}

	cmd := binary.LittleEndian.Uint16(buf)
	cmd |= busMasterEnableBit | interruptDisableBit
	binary.LittleEndian.PutUint16(buf, cmd)

	if _, err := f.WriteAt(buf, commandRegisterOffset); err != nil {
		return errs.Wrap(errs.KindIO, "pci.enableBusMaster: write command register", err)
	}
	return nil
}

// ReadVendorDevice reads the "vendor" and "device" sysfs files, returning
// their hex values. Exposed for collaborator discovery tooling; neither the
// core bring-up path nor cmd/vroomctl's device scan (which reads the class
// file) calls it.
func ReadVendorDevice(pciAddr string) (vendor, device uint64, err error) {
	vendor, err = readHexFile(ResourcePath(pciAddr, "vendor"))
	if err != nil {
		return 0, 0, err
	}
	device, err = readHexFile(ResourcePath(pciAddr, "device"))
	if err != nil {
		return 0, 0, err
	}
	return vendor, device, nil
}

func readHexFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "pci.readHexFile", err)
	}
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"))
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindConfig, "pci.readHexFile: parse", err)
	}
	return v, nil
}
