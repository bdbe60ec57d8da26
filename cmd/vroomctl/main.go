// vroomctl is a minimal reference CLI for the vroom NVMe driver.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/adwuerth/vroom"
	"github.com/adwuerth/vroom/config"
	"github.com/adwuerth/vroom/utils"
)

const (
	linuxCapabilityVersion3 = 0x20080522

	capSysRawio = 1 << 17
	capSysAdmin = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps warns if the process has neither CAP_SYS_RAWIO nor
// CAP_SYS_ADMIN, either of which VFIO device access requires.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = linuxCapabilityVersion3

	_, _, errno := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if errno != 0 {
		fmt.Println("capget() failed:", errno.Error())
		return
	}

	if caps.data[0].effective&capSysRawio == 0 && caps.data[0].effective&capSysAdmin == 0 {
		fmt.Println("Neither cap_sys_rawio nor cap_sys_admin are in effect. Device access will probably fail.")
	}
}

// scanDevices lists PCI addresses whose class code identifies them as an
// NVMe controller (class 0x0108).
func scanDevices() {
	classFiles, err := filepath.Glob("/sys/bus/pci/devices/*/class")
	if err != nil {
		return
	}

	for _, path := range classFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		class := strings.TrimSpace(string(data))
		if !strings.HasPrefix(class, "0x0108") {
			continue
		}
		addr := filepath.Base(filepath.Dir(path))
		fmt.Println(addr)
	}
}

func main() {
	fmt.Println("vroom reference CLI")
	fmt.Printf("Built with %s on %s (%s)\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	device := flag.String("device", "", "PCI address of the NVMe controller to open, e.g. 0000:01:00.0")
	configPath := flag.String("config", "", "YAML config file with driver defaults")
	scan := flag.Bool("scan", false, "Scan for PCI devices with an NVMe class code")
	format := flag.Uint("format", 0, "Namespace id to format (0xFFFFFFFF for all)")
	flag.Parse()

	checkCaps()

	switch {
	case *scan:
		scanDevices()
	case *device != "":
		opts := vroom.Options{}
		if *configPath != "" {
			cfg, err := config.Load(*configPath)
			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			opts.PageSize = cfg.PageSizeValue()
			opts.ForcePhysical = cfg.ForcePhysical
			opts.UseIOMMUFD = cfg.UseIOMMUFD
			opts.QueueLen = cfg.QueueLen
		}

		ctrl, err := vroom.Open(*device, opts)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		defer ctrl.Close()

		fmt.Printf("Model: %s  Serial: %s  Firmware: %s\n",
			ctrl.Identity.Model, ctrl.Identity.Serial, ctrl.Identity.Firmware)
		for id, ns := range ctrl.Namespaces {
			fmt.Printf("  namespace %d: %s (%d x %d byte blocks)\n",
				id, utils.FormatBytes(ns.Bytes()), ns.Blocks, ns.BlockSize)
		}

		if *format != 0 {
			if err := ctrl.Format(uint32(*format)); err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
		}
	default:
		flag.PrintDefaults()
		os.Exit(1)
	}
}
