// Package simgpu is a software stand-in for an Adreno GPU and its compute
// library. Device answers the KGSL requests the replay engine and the library
// issue; Library implements compute.API on top of it and talks to the device
// only through a kgsl.Controller, so every request it makes can be observed
// by the intercept shim exactly as on hardware.
//
// Kernels are Go functions registered by name. Command buffers carry
// dispatch records that the device decodes and runs when the submission
// arrives, so a replayed command buffer computes the same thing the original
// submission did.
package simgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-thneed/internal/kgsl"
	"github.com/23skdu/longbow-thneed/internal/logger"
)

const pageSize = 0x1000

// KernelFunc computes one dispatch.
type KernelFunc func(inv *Invocation) error

// Submission is one accepted GPU_COMMAND.
type Submission struct {
	ContextID uint32
	Timestamp uint32
	Kernels   []string
}

type drawContext struct {
	flags     uint32
	retired   uint32
	submitted bool
}

// Device is the driver side. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	kernels map[string]KernelFunc

	fds    map[int]bool
	nextFD int

	objects map[uint32][]byte
	nextObj uint32

	contexts map[uint32]*drawContext
	nextCtx  uint32

	submissions []Submission
	syncs       int
	waits       int
	properties  []uint32

	failures map[uint64]error
}

func NewDevice() *Device {
	return &Device{
		kernels:  make(map[string]KernelFunc),
		fds:      make(map[int]bool),
		nextFD:   100,
		objects:  make(map[uint32][]byte),
		contexts: make(map[uint32]*drawContext),
		failures: make(map[uint64]error),
	}
}

// Register makes fn available to programs under name.
func (d *Device) Register(name string, fn KernelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[name] = fn
}

func (d *Device) hasKernel(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.kernels[name]
	return ok
}

// Open returns a new device fd.
func (d *Device) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd := d.nextFD
	d.nextFD++
	d.fds[fd] = true
	return fd
}

// FailNext makes the next request with the given code fail with err.
func (d *Device) FailNext(request uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[request] = err
}

func (d *Device) Mmap(fd int, offset int64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fds[fd] {
		return nil, unix.EBADF
	}
	if offset%pageSize != 0 {
		return nil, unix.EINVAL
	}
	mem, ok := d.objects[uint32(offset/pageSize)]
	if !ok || length <= 0 || length > len(mem) {
		return nil, unix.EINVAL
	}
	return mem[:length], nil
}

func (d *Device) Ioctl(fd int, request uint64, arg unsafe.Pointer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.fds[fd] {
		return unix.EBADF
	}
	request &= 0xFFFFFFFF
	if err, ok := d.failures[request]; ok {
		delete(d.failures, request)
		return err
	}

	switch request {
	case kgsl.IoctlGPUObjAlloc:
		return d.alloc((*kgsl.GPUObjAlloc)(arg))
	case kgsl.IoctlGPUObjFree:
		req := (*kgsl.GPUObjFree)(arg)
		if _, ok := d.objects[req.ID]; !ok {
			return unix.EINVAL
		}
		delete(d.objects, req.ID)
		return nil
	case kgsl.IoctlDrawctxtCreate:
		req := (*kgsl.DrawctxtCreate)(arg)
		d.nextCtx++
		d.contexts[d.nextCtx] = &drawContext{flags: req.Flags}
		req.DrawctxtID = d.nextCtx
		return nil
	case kgsl.IoctlDrawctxtDestroy:
		req := (*kgsl.DrawctxtDestroy)(arg)
		if _, ok := d.contexts[req.DrawctxtID]; !ok {
			return unix.EINVAL
		}
		delete(d.contexts, req.DrawctxtID)
		return nil
	case kgsl.IoctlGPUCommand:
		return d.submit((*kgsl.GPUCommand)(arg))
	case kgsl.IoctlGPUObjSync:
		return d.sync((*kgsl.GPUObjSync)(arg))
	case kgsl.IoctlReadTimestampCtxtID:
		req := (*kgsl.ReadTimestamp)(arg)
		ctx, ok := d.contexts[req.ContextID]
		if !ok {
			return unix.EINVAL
		}
		req.Timestamp = ctx.retired
		return nil
	case kgsl.IoctlWaitTimestampCtxtID:
		req := (*kgsl.WaitTimestamp)(arg)
		ctx, ok := d.contexts[req.ContextID]
		if !ok {
			return unix.EINVAL
		}
		d.waits++
		// submissions retire synchronously; anything newer never will
		if !ctx.submitted || after(req.Timestamp, ctx.retired) {
			return unix.ETIMEDOUT
		}
		return nil
	case kgsl.IoctlSetProperty:
		req := (*kgsl.DeviceProperty)(arg)
		d.properties = append(d.properties, req.Type)
		return nil
	default:
		return unix.ENOTTY
	}
}

// after reports whether timestamp a is newer than b, allowing for wrap.
func after(a, b uint32) bool {
	return int32(a-b) > 0
}

func (d *Device) alloc(req *kgsl.GPUObjAlloc) error {
	if req.Size == 0 {
		return unix.EINVAL
	}
	size := (req.Size + pageSize - 1) &^ (pageSize - 1)
	d.nextObj++
	d.objects[d.nextObj] = make([]byte, size)
	req.ID = d.nextObj
	req.MmapSize = size
	req.VALen = size
	return nil
}

func (d *Device) sync(req *kgsl.GPUObjSync) error {
	if req.Count == 0 {
		return nil
	}
	if int(req.ObjLen) != kgsl.SyncObjSize {
		return unix.EINVAL
	}
	for _, o := range kgsl.SyncObjects(req.Objs, int(req.Count)) {
		mem, ok := d.objects[o.ID]
		if !ok || o.Offset+o.Length > uint64(len(mem)) {
			return unix.EINVAL
		}
	}
	d.syncs += int(req.Count)
	return nil
}

func (d *Device) submit(cmd *kgsl.GPUCommand) error {
	ctx, ok := d.contexts[cmd.ContextID]
	if !ok {
		return unix.EINVAL
	}
	if ctx.submitted && !after(cmd.Timestamp, ctx.retired) {
		logger.Log.Warn("simgpu: stale timestamp", "context_id", cmd.ContextID,
			"timestamp", cmd.Timestamp, "retired", ctx.retired)
		return unix.EINVAL
	}
	if cmd.NumCmds > 0 && int(cmd.CmdSize) != kgsl.CommandObjectSize {
		return unix.EINVAL
	}

	var ran []string
	for _, obj := range kgsl.CommandObjects(cmd.CmdList, int(cmd.NumCmds)) {
		ds, err := decodeDispatches(kgsl.Bytes(obj.GPUAddr, int(obj.Size)))
		if err != nil {
			logger.Log.Warn("simgpu: rejecting command buffer", "error", err)
			return unix.EINVAL
		}
		for _, disp := range ds {
			if err := d.run(disp); err != nil {
				logger.Log.Warn("simgpu: kernel fault", "kernel", disp.kernel, "error", err)
				return unix.EFAULT
			}
			ran = append(ran, disp.kernel)
		}
	}

	ctx.retired = cmd.Timestamp
	ctx.submitted = true
	d.submissions = append(d.submissions, Submission{
		ContextID: cmd.ContextID,
		Timestamp: cmd.Timestamp,
		Kernels:   ran,
	})
	return nil
}

func (d *Device) run(disp dispatch) error {
	fn, ok := d.kernels[disp.kernel]
	if !ok {
		return fmt.Errorf("unknown kernel %q", disp.kernel)
	}
	inv := &Invocation{WorkDim: disp.workDim, Global: disp.global, Local: disp.local}
	for i, a := range disp.args {
		switch a.kind {
		case argMem:
			if a.obj == 0 {
				inv.args = append(inv.args, invArg{})
				continue
			}
			mem, ok := d.objects[a.obj]
			if !ok || int(a.size) > len(mem) {
				return fmt.Errorf("arg %d: bad object %d", i, a.obj)
			}
			inv.args = append(inv.args, invArg{mem: mem[:a.size]})
		case argValue:
			inv.args = append(inv.args, invArg{value: a.value})
		case argLocal:
			inv.args = append(inv.args, invArg{local: int(a.size)})
		}
	}
	return fn(inv)
}

// Submissions returns every accepted GPU command in order.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// ContextFlags returns the flags a draw context was created with.
func (d *Device) ContextFlags(id uint32) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.contexts[id]
	if !ok {
		return 0, false
	}
	return ctx.flags, true
}

// Syncs is the number of sync objects processed.
func (d *Device) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

func (d *Device) Waits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waits
}

// Objects is the number of live GPU objects.
func (d *Device) Objects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}
