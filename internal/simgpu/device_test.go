package simgpu

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-thneed/internal/kgsl"
)

func newContext(t *testing.T, d *Device, fd int) uint32 {
	t.Helper()
	create := kgsl.DrawctxtCreate{Flags: 0x6000}
	if err := d.Ioctl(fd, kgsl.IoctlDrawctxtCreate, unsafe.Pointer(&create)); err != nil {
		t.Fatalf("DRAWCTXT_CREATE: %v", err)
	}
	return create.DrawctxtID
}

func submit(d *Device, fd int, ctx, ts uint32) error {
	cmd := kgsl.GPUCommand{ContextID: ctx, Timestamp: ts}
	return d.Ioctl(fd, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
}

func TestAfter(t *testing.T) {
	tests := []struct {
		a, b uint32
		want bool
	}{
		{2, 1, true},
		{1, 1, false},
		{1, 2, false},
		{0, 0xFFFFFFFF, true},
		{0xFFFFFFFF, 0, false},
	}
	for _, tt := range tests {
		if got := after(tt.a, tt.b); got != tt.want {
			t.Errorf("after(%#x, %#x) = %v", tt.a, tt.b, got)
		}
	}
}

func TestDeviceTimestamps(t *testing.T) {
	d := NewDevice()
	fd := d.Open()
	ctx := newContext(t, d, fd)

	if flags, ok := d.ContextFlags(ctx); !ok || flags != 0x6000 {
		t.Errorf("context flags %#x, %v", flags, ok)
	}

	// the first submission may carry any timestamp
	if err := submit(d, fd, ctx, 0xFFFFFFFF); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := submit(d, fd, ctx, 0); err != nil {
		t.Fatalf("wrapped submit: %v", err)
	}
	if err := submit(d, fd, ctx, 0); err != unix.EINVAL {
		t.Errorf("repeated timestamp: %v", err)
	}
	if err := submit(d, fd, ctx+1, 5); err != unix.EINVAL {
		t.Errorf("unknown context: %v", err)
	}

	rt := kgsl.ReadTimestamp{ContextID: ctx, Type: kgsl.TimestampRetired}
	if err := d.Ioctl(fd, kgsl.IoctlReadTimestampCtxtID, unsafe.Pointer(&rt)); err != nil || rt.Timestamp != 0 {
		t.Errorf("READTIMESTAMP = %d, %v", rt.Timestamp, err)
	}

	wait := kgsl.WaitTimestamp{ContextID: ctx, Timestamp: 0, Timeout: kgsl.TimeoutInfinite}
	if err := d.Ioctl(fd, kgsl.IoctlWaitTimestampCtxtID, unsafe.Pointer(&wait)); err != nil {
		t.Errorf("wait for retired timestamp: %v", err)
	}
	wait.Timestamp = 1
	if err := d.Ioctl(fd, kgsl.IoctlWaitTimestampCtxtID, unsafe.Pointer(&wait)); err != unix.ETIMEDOUT {
		t.Errorf("wait for future timestamp: %v", err)
	}
	if d.Waits() != 2 || len(d.Submissions()) != 2 {
		t.Errorf("waits %d, submissions %d", d.Waits(), len(d.Submissions()))
	}
}

func TestDeviceObjects(t *testing.T) {
	d := NewDevice()
	fd := d.Open()

	id, mem, err := kgsl.AllocGPUObject(d, fd, 100, 0)
	if err != nil {
		t.Fatalf("AllocGPUObject: %v", err)
	}
	if len(mem) != 100 || cap(mem) < pageSize {
		t.Errorf("mapping len %d cap %d", len(mem), cap(mem))
	}
	if _, err := d.Mmap(fd, int64(id)*pageSize+1, 16); err != unix.EINVAL {
		t.Errorf("unaligned mmap: %v", err)
	}
	if _, err := d.Mmap(fd+1, int64(id)*pageSize, 16); err != unix.EBADF {
		t.Errorf("mmap on unknown fd: %v", err)
	}

	objs := []kgsl.SyncObj{{ID: id, Length: 100}}
	sync := kgsl.GPUObjSync{Objs: kgsl.Addr(kgsl.SyncObjectsBytes(objs)), ObjLen: uint32(kgsl.SyncObjSize), Count: 1}
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjSync, unsafe.Pointer(&sync)); err != nil {
		t.Errorf("sync: %v", err)
	}
	sync.ObjLen = uint32(kgsl.SyncObjSize) * 2
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjSync, unsafe.Pointer(&sync)); err != unix.EINVAL {
		t.Errorf("sync with total length as element size: %v", err)
	}
	sync.ObjLen = uint32(kgsl.SyncObjSize)
	objs[0].Length = pageSize + 1
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjSync, unsafe.Pointer(&sync)); err != unix.EINVAL {
		t.Errorf("sync past object end: %v", err)
	}
	if d.Syncs() != 1 {
		t.Errorf("syncs %d", d.Syncs())
	}

	free := kgsl.GPUObjFree{ID: id}
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjFree, unsafe.Pointer(&free)); err != nil || d.Objects() != 0 {
		t.Errorf("free: %v, %d objects left", err, d.Objects())
	}
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjFree, unsafe.Pointer(&free)); err != unix.EINVAL {
		t.Errorf("double free: %v", err)
	}
}

func TestDeviceRequestErrors(t *testing.T) {
	d := NewDevice()
	fd := d.Open()

	if err := d.Ioctl(fd+10, kgsl.IoctlGPUCommand, nil); err != unix.EBADF {
		t.Errorf("unknown fd: %v", err)
	}
	if err := d.Ioctl(fd, 0x1234, nil); err != unix.ENOTTY {
		t.Errorf("unknown request: %v", err)
	}

	d.FailNext(kgsl.IoctlGPUObjAlloc, unix.ENOMEM)
	var alloc kgsl.GPUObjAlloc
	alloc.Size = 64
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjAlloc, unsafe.Pointer(&alloc)); err != unix.ENOMEM {
		t.Errorf("injected failure: %v", err)
	}
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjAlloc, unsafe.Pointer(&alloc)); err != nil {
		t.Errorf("failure should apply once: %v", err)
	}
	alloc.Size = 0
	if err := d.Ioctl(fd, kgsl.IoctlGPUObjAlloc, unsafe.Pointer(&alloc)); err != unix.EINVAL {
		t.Errorf("zero-size alloc: %v", err)
	}
}

func TestDeviceRejectsBadCommandBuffer(t *testing.T) {
	d := NewDeviceWithBuiltins()
	fd := d.Open()
	ctx := newContext(t, d, fd)

	ib := []byte("not a dispatch record")
	cmds := []kgsl.CommandObject{{GPUAddr: kgsl.Addr(ib), Size: uint64(len(ib))}}
	cmd := kgsl.GPUCommand{
		CmdList:   kgsl.CommandObjectsAddr(cmds),
		CmdSize:   uint32(kgsl.CommandObjectSize),
		NumCmds:   1,
		ContextID: ctx,
		Timestamp: 1,
	}
	if err := d.Ioctl(fd, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd)); err != unix.EINVAL {
		t.Errorf("malformed buffer: %v", err)
	}

	ib = appendDispatches(nil, []dispatch{{kernel: "missing", workDim: 1, global: [3]int{1}}})
	cmds[0] = kgsl.CommandObject{GPUAddr: kgsl.Addr(ib), Size: uint64(len(ib))}
	if err := d.Ioctl(fd, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd)); err != unix.EFAULT {
		t.Errorf("unknown kernel: %v", err)
	}
	if len(d.Submissions()) != 0 {
		t.Error("rejected commands were recorded as submissions")
	}
}
