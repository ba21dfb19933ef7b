//go:build linux && cgo && thneedhook

package shim

// Built with -tags thneedhook and -buildmode=c-shared, the engine exports an
// ioctl symbol that interposes libc's when the library is preloaded, so the
// compute library's own driver traffic flows through Default. The real call
// is made by kgsl.Syscall, which bypasses libc and cannot recurse.

/*
#include <errno.h>

static void set_errno(int e) { errno = e; }
*/
import "C"

import (
	"syscall"
	"unsafe"

	"github.com/23skdu/longbow-thneed/internal/kgsl"
)

func init() {
	Default.SetController(kgsl.Syscall{})
}

//export ioctl
func ioctl(fd C.int, request C.ulong, argp unsafe.Pointer) C.int {
	err := Default.Ioctl(int(fd), uint64(request), argp)
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		C.set_errno(C.int(errno))
	}
	return -1
}
