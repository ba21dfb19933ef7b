//go:build linux

package kgsl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevicePath is the KGSL render node.
const DevicePath = "/dev/kgsl-3d0"

// Syscall issues requests straight to the kernel. It never goes through libc,
// so it is safe to use underneath an exported ioctl hook.
type Syscall struct{}

func (Syscall) Ioctl(fd int, request uint64, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (Syscall) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Open opens the KGSL device node.
func Open() (int, error) {
	return unix.Open(DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
}
