// Package kgsl describes the slice of the Adreno KGSL driver ABI the replay
// engine speaks: request codes, the request structures with their exact
// 64-bit layouts, and the Controller capability that issues them.
package kgsl

import (
	"fmt"
	"unsafe"
)

// Controller is the raw device-control capability: one request/response call
// plus the mmap used to reach GPU objects from the host.
type Controller interface {
	Ioctl(fd int, request uint64, arg unsafe.Pointer) error
	Mmap(fd int, offset int64, length int) ([]byte, error)
}

const iocType = 0x09

const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uint64 {
	return uint64(dir<<iocDirShift | size<<iocSizeShift | iocType<<iocTypeShift | nr<<iocNRShift)
}

type ReadTimestamp struct {
	ContextID uint32
	Type      uint32
	Timestamp uint32
}

type DrawctxtCreate struct {
	Flags      uint32
	DrawctxtID uint32
}

type DrawctxtDestroy struct {
	DrawctxtID uint32
}

type WaitTimestamp struct {
	ContextID uint32
	Timestamp uint32
	Timeout   uint32
}

// DeviceProperty is struct kgsl_device_getproperty, shared by get and set.
type DeviceProperty struct {
	Type      uint32
	_         uint32
	Value     uint64
	SizeBytes uint64
}

type DeviceConstraint struct {
	Type      uint32
	ContextID uint32
	Data      uint64
	Size      uint64
}

type GPUObjAlloc struct {
	Size        uint64
	Flags       uint64
	VALen       uint64
	MmapSize    uint64
	ID          uint32
	MetadataLen uint32
	Metadata    uint64
}

type GPUObjFree struct {
	Flags uint64
	Priv  uint64
	ID    uint32
	Type  uint32
	Len   uint32
	_     uint32
}

type SyncObj struct {
	Offset uint64
	Length uint64
	ID     uint32
	Op     uint32
}

type GPUObjSync struct {
	Objs   uint64
	ObjLen uint32
	Count  uint32
}

type CommandObject struct {
	Offset  uint64
	GPUAddr uint64
	Size    uint64
	Flags   uint32
	ID      uint32
}

type GPUCommand struct {
	Flags     uint64
	CmdList   uint64
	CmdSize   uint32
	NumCmds   uint32
	ObjList   uint64
	ObjSize   uint32
	NumObjs   uint32
	SyncList  uint64
	SyncSize  uint32
	NumSyncs  uint32
	ContextID uint32
	Timestamp uint32
}

var (
	IoctlWaitTimestampCtxtID = ioc(iocWrite, 0x07, unsafe.Sizeof(WaitTimestamp{}))
	IoctlDrawctxtCreate      = ioc(iocRead|iocWrite, 0x13, unsafe.Sizeof(DrawctxtCreate{}))
	IoctlReadTimestampCtxtID = ioc(iocRead|iocWrite, 0x16, unsafe.Sizeof(ReadTimestamp{}))
	IoctlDrawctxtDestroy     = ioc(iocWrite, 0x14, unsafe.Sizeof(DrawctxtDestroy{}))
	IoctlSetProperty         = ioc(iocWrite, 0x32, unsafe.Sizeof(DeviceProperty{}))
	IoctlGPUObjAlloc         = ioc(iocRead|iocWrite, 0x45, unsafe.Sizeof(GPUObjAlloc{}))
	IoctlGPUObjFree          = ioc(iocWrite, 0x46, unsafe.Sizeof(GPUObjFree{}))
	IoctlGPUCommand          = ioc(iocRead|iocWrite, 0x4A, unsafe.Sizeof(GPUCommand{}))
	IoctlGPUObjSync          = ioc(iocWrite, 0x4C, unsafe.Sizeof(GPUObjSync{}))
)

const (
	ContextPriorityMask  = 0x0000F000
	ContextPriorityShift = 12

	PropPwrConstraint = 0x12

	TimestampRetired = 2

	// TimeoutInfinite asks the driver to wait without a deadline.
	TimeoutInfinite = 0xFFFFFFFF

	// GPUObjAllocFlags is the allocation flag set used for the replay arena.
	GPUObjAllocFlags = 0x10000a00

	CommandObjectSize = int(unsafe.Sizeof(CommandObject{}))
	SyncObjSize       = int(unsafe.Sizeof(SyncObj{}))
)

// RequestName returns a short label for a request code.
func RequestName(request uint64) string {
	switch request & 0xFFFFFFFF {
	case IoctlWaitTimestampCtxtID:
		return "WAITTIMESTAMP_CTXTID"
	case IoctlDrawctxtCreate:
		return "DRAWCTXT_CREATE"
	case IoctlReadTimestampCtxtID:
		return "READTIMESTAMP_CTXTID"
	case IoctlDrawctxtDestroy:
		return "DRAWCTXT_DESTROY"
	case IoctlSetProperty:
		return "SETPROPERTY"
	case IoctlGPUObjAlloc:
		return "GPUOBJ_ALLOC"
	case IoctlGPUObjFree:
		return "GPUOBJ_FREE"
	case IoctlGPUCommand:
		return "GPU_COMMAND"
	case IoctlGPUObjSync:
		return "GPUOBJ_SYNC"
	default:
		return fmt.Sprintf("0x%x", request)
	}
}

// Priority returns flags with the context priority field replaced.
func Priority(flags uint32, priority int) uint32 {
	flags &^= ContextPriorityMask
	return flags | uint32(priority)<<ContextPriorityShift&ContextPriorityMask
}
