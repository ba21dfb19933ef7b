package kgsl

import "unsafe"

// The driver ABI passes host memory as 64-bit addresses. These helpers are the
// only place addresses and Go memory are converted into each other; the caller
// keeps the backing memory alive for as long as the address is in use.

// Addr returns the address of the first byte of b, or 0 for an empty slice.
func Addr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// Bytes views n bytes at addr.
func Bytes(addr uint64, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// CommandObjects views n command objects at addr.
func CommandObjects(addr uint64, n int) []CommandObject {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*CommandObject)(unsafe.Pointer(uintptr(addr))), n)
}

// SyncObjects views n sync objects at addr.
func SyncObjects(addr uint64, n int) []SyncObj {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*SyncObj)(unsafe.Pointer(uintptr(addr))), n)
}

// CommandObjectsAddr returns the address of the first element of objs.
func CommandObjectsAddr(objs []CommandObject) uint64 {
	if len(objs) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(objs))))
}

// SyncObjectsBytes views objs as raw bytes.
func SyncObjectsBytes(objs []SyncObj) []byte {
	if len(objs) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(objs))), len(objs)*SyncObjSize)
}

// AllocGPUObject allocates a GPU object of size bytes on fd and maps it
// read/write into the process. The mapping is trimmed to size.
func AllocGPUObject(ctl Controller, fd int, size int, flags uint64) (uint32, []byte, error) {
	alloc := GPUObjAlloc{Size: uint64(size), Flags: flags}
	if err := ctl.Ioctl(fd, IoctlGPUObjAlloc, unsafe.Pointer(&alloc)); err != nil {
		return 0, nil, err
	}
	mem, err := ctl.Mmap(fd, int64(alloc.ID)*0x1000, int(alloc.MmapSize))
	if err != nil {
		return 0, nil, err
	}
	if len(mem) > size {
		mem = mem[:size]
	}
	return alloc.ID, mem, nil
}

// MapGPUObject allocates and maps a region with the replay arena flags.
func MapGPUObject(ctl Controller, fd int, size int) ([]byte, error) {
	_, mem, err := AllocGPUObject(ctl, fd, size, GPUObjAllocFlags)
	return mem, err
}
