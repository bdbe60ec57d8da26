package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/adwuerth/vroom/errs"
)

// ioctl executes an ioctl(2) on fd with the given request number and
// argument pointer, adapted from the teacher's generic ioctl helper
// (ioctl.go) but built on golang.org/x/sys/unix instead of the bare syscall
// package, so the same helper also serves the typed VFIO/IOMMUFD requests
// below.
func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	return ioctl(fd, req, uintptr(arg))
}

// ioctlErr wraps an ioctl failure as a typed KindIoctl error, naming the
// opcode for diagnostics (ioctl.go carries no opcode name; we add one since
// several VFIO ioctls share failure modes that are otherwise indistinguishable).
func ioctlErr(op string, err error) *errs.Error {
	return errs.Wrap(errs.KindIoctl, op, err)
}
