package simgpu

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"sort"
	"unsafe"

	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/kgsl"
)

const (
	// DeviceID is the only device the library exposes.
	DeviceID compute.DeviceID = 1

	ringSize    = 64 << 10
	scratchSize = 256
	ibAlign     = 256

	cmdFlagIB = 0x1
)

type libContext struct {
	drawctxt uint32
	ts       uint32

	ringID  uint32
	ring    []byte
	ringOff int

	scratchID uint32
	scratch   []byte
}

type queue struct {
	ctx     *libContext
	pending []dispatch
	dirty   map[uint32]uint64
}

type program struct {
	source  string
	built   bool
	kernels map[string][]param
}

type boundArg struct {
	set   bool
	size  int
	value []byte
}

type kernel struct {
	name    string
	program compute.Program
	params  []param
	args    []boundArg
}

type memObject struct {
	typ   compute.MemObjectType
	gpuID uint32
	data  []byte
	owner bool
	image compute.ImageInfo
}

// Library is a compute.API whose driver traffic goes through ctl. It is not
// safe for concurrent use.
type Library struct {
	dev *Device
	ctl kgsl.Controller
	fd  int

	next     uintptr
	contexts map[compute.Context]*libContext
	queues   map[compute.Queue]*queue
	programs map[compute.Program]*program
	kernels  map[compute.Kernel]*kernel
	mems     map[compute.Mem]*memObject
	refs     map[uint32]int
}

var _ compute.API = (*Library)(nil)

// NewLibrary opens dev and routes every request through ctl; a nil ctl talks
// to dev directly.
func NewLibrary(dev *Device, ctl kgsl.Controller) *Library {
	if ctl == nil {
		ctl = dev
	}
	return &Library{
		dev:      dev,
		ctl:      ctl,
		fd:       dev.Open(),
		next:     0x1000,
		contexts: make(map[compute.Context]*libContext),
		queues:   make(map[compute.Queue]*queue),
		programs: make(map[compute.Program]*program),
		kernels:  make(map[compute.Kernel]*kernel),
		mems:     make(map[compute.Mem]*memObject),
		refs:     make(map[uint32]int),
	}
}

// FD is the device fd the library submits on.
func (l *Library) FD() int { return l.fd }

func (l *Library) handle() uintptr {
	l.next += 0x40
	return l.next
}

func (l *Library) ioctl(request uint64, arg unsafe.Pointer) error {
	return l.ctl.Ioctl(l.fd, request, arg)
}

func (l *Library) allocObject(size int) (uint32, []byte, error) {
	id, mem, err := kgsl.AllocGPUObject(l.ctl, l.fd, size, 0)
	if err != nil {
		return 0, nil, compute.MemObjectAllocation
	}
	return id, mem, nil
}

func (l *Library) DefaultDevice() (compute.DeviceID, error) {
	return DeviceID, nil
}

func (l *Library) CreateContext(dev compute.DeviceID) (compute.Context, error) {
	if dev != DeviceID {
		return 0, compute.InvalidDevice
	}
	create := kgsl.DrawctxtCreate{}
	if err := l.ioctl(kgsl.IoctlDrawctxtCreate, unsafe.Pointer(&create)); err != nil {
		return 0, compute.OutOfResources
	}
	c := &libContext{drawctxt: create.DrawctxtID}
	var err error
	if c.ringID, c.ring, err = l.allocObject(ringSize); err != nil {
		return 0, err
	}
	if c.scratchID, c.scratch, err = l.allocObject(scratchSize); err != nil {
		return 0, err
	}
	h := compute.Context(l.handle())
	l.contexts[h] = c
	return h, nil
}

func (l *Library) CreateCommandQueue(ctx compute.Context, dev compute.DeviceID) (compute.Queue, error) {
	c, ok := l.contexts[ctx]
	if !ok {
		return 0, compute.InvalidContext
	}
	if dev != DeviceID {
		return 0, compute.InvalidDevice
	}
	h := compute.Queue(l.handle())
	l.queues[h] = &queue{ctx: c, dirty: make(map[uint32]uint64)}
	return h, nil
}

func (l *Library) CreateProgramWithSource(ctx compute.Context, src string) (compute.Program, error) {
	if _, ok := l.contexts[ctx]; !ok {
		return 0, compute.InvalidContext
	}
	h := compute.Program(l.handle())
	l.programs[h] = &program{source: src}
	return h, nil
}

// CreateProgramWithBinary accepts the program source as its binary form.
func (l *Library) CreateProgramWithBinary(ctx compute.Context, dev compute.DeviceID, binary []byte) (compute.Program, error) {
	if dev != DeviceID {
		return 0, compute.InvalidDevice
	}
	if !bytes.Contains(binary, []byte("kernel")) {
		return 0, compute.InvalidBinary
	}
	return l.CreateProgramWithSource(ctx, string(binary))
}

func (l *Library) BuildProgram(p compute.Program, dev compute.DeviceID, options string) error {
	prog, ok := l.programs[p]
	if !ok {
		return compute.InvalidProgram
	}
	if dev != DeviceID {
		return compute.InvalidDevice
	}
	sigs := parseKernels(prog.source)
	if len(sigs) == 0 {
		return compute.BuildProgramFailure
	}
	prog.kernels = make(map[string][]param, len(sigs))
	for _, sig := range sigs {
		if !l.dev.hasKernel(sig.name) {
			return compute.BuildProgramFailure
		}
		prog.kernels[sig.name] = sig.params
	}
	prog.built = true
	return nil
}

func (l *Library) CreateBuffer(ctx compute.Context, flags compute.MemFlags, size int, host []byte) (compute.Mem, error) {
	if _, ok := l.contexts[ctx]; !ok {
		return 0, compute.InvalidContext
	}
	if size <= 0 {
		return 0, compute.InvalidValue
	}
	if flags&compute.MemCopyHostPtr != 0 && len(host) < size {
		return 0, compute.InvalidValue
	}
	id, data, err := l.allocObject(size)
	if err != nil {
		return 0, err
	}
	if flags&compute.MemCopyHostPtr != 0 {
		copy(data, host[:size])
	}
	h := compute.Mem(l.handle())
	l.mems[h] = &memObject{typ: compute.MemObjectBuffer, gpuID: id, data: data, owner: true}
	l.refs[id]++
	return h, nil
}

func (l *Library) CreateImage(ctx compute.Context, flags compute.MemFlags, format compute.ImageFormat, desc compute.ImageDesc, host []byte) (compute.Mem, error) {
	if _, ok := l.contexts[ctx]; !ok {
		return 0, compute.InvalidContext
	}
	var pixel int
	switch format.Type {
	case compute.ChannelHalfFloat:
		pixel = 8
	case compute.ChannelFloat:
		pixel = 16
	}
	if format.Order != compute.ChannelRGBA || pixel == 0 {
		return 0, compute.ImageFormatNotSupported
	}
	if desc.Width <= 0 {
		return 0, compute.InvalidImageSize
	}

	height := desc.Height
	if desc.Type == compute.MemObjectImage1DBuffer {
		height = 1
	}
	rowPitch := desc.RowPitch
	if rowPitch == 0 {
		rowPitch = desc.Width * pixel
	}
	if rowPitch < desc.Width*pixel || height <= 0 {
		return 0, compute.InvalidImageSize
	}
	size := rowPitch * height

	obj := &memObject{typ: desc.Type}
	if desc.Buffer != 0 {
		buf, ok := l.mems[desc.Buffer]
		if !ok || buf.typ != compute.MemObjectBuffer {
			return 0, compute.InvalidMemObject
		}
		if size > len(buf.data) {
			return 0, compute.InvalidImageSize
		}
		obj.gpuID, obj.data = buf.gpuID, buf.data[:size]
	} else {
		id, data, err := l.allocObject(size)
		if err != nil {
			return 0, err
		}
		if flags&compute.MemCopyHostPtr != 0 {
			copy(data, host)
		}
		obj.gpuID, obj.data, obj.owner = id, data, true
	}
	obj.image = compute.ImageInfo{
		Format:   format,
		Width:    desc.Width,
		Height:   desc.Height,
		RowPitch: rowPitch,
		Buffer:   desc.Buffer,
	}
	h := compute.Mem(l.handle())
	l.mems[h] = obj
	l.refs[obj.gpuID]++
	return h, nil
}

// ReleaseMemObject drops a handle. The GPU object is freed once no handle
// refers to it.
func (l *Library) ReleaseMemObject(m compute.Mem) error {
	obj, ok := l.mems[m]
	if !ok {
		return compute.InvalidMemObject
	}
	delete(l.mems, m)
	l.refs[obj.gpuID]--
	if l.refs[obj.gpuID] > 0 {
		return nil
	}
	delete(l.refs, obj.gpuID)
	free := kgsl.GPUObjFree{ID: obj.gpuID}
	if err := l.ioctl(kgsl.IoctlGPUObjFree, unsafe.Pointer(&free)); err != nil {
		return compute.OutOfResources
	}
	return nil
}

func (l *Library) MemSize(m compute.Mem) (int, error) {
	obj, ok := l.mems[m]
	if !ok {
		return 0, compute.InvalidMemObject
	}
	return len(obj.data), nil
}

func (l *Library) MemType(m compute.Mem) (compute.MemObjectType, error) {
	obj, ok := l.mems[m]
	if !ok {
		return 0, compute.InvalidMemObject
	}
	return obj.typ, nil
}

func (l *Library) ImageInfo(m compute.Mem) (compute.ImageInfo, error) {
	obj, ok := l.mems[m]
	if !ok || obj.typ == compute.MemObjectBuffer {
		return compute.ImageInfo{}, compute.InvalidMemObject
	}
	return obj.image, nil
}

func (l *Library) CreateKernel(p compute.Program, name string) (compute.Kernel, error) {
	prog, ok := l.programs[p]
	if !ok {
		return 0, compute.InvalidProgram
	}
	if !prog.built {
		return 0, compute.InvalidProgramExecutable
	}
	params, ok := prog.kernels[name]
	if !ok {
		return 0, compute.InvalidKernelName
	}
	h := compute.Kernel(l.handle())
	l.kernels[h] = &kernel{name: name, program: p, params: params, args: make([]boundArg, len(params))}
	return h, nil
}

func (l *Library) kernel(k compute.Kernel) (*kernel, error) {
	kern, ok := l.kernels[k]
	if !ok {
		return nil, compute.InvalidKernel
	}
	return kern, nil
}

func (l *Library) param(k compute.Kernel, index int) (param, error) {
	kern, err := l.kernel(k)
	if err != nil {
		return param{}, err
	}
	if index < 0 || index >= len(kern.params) {
		return param{}, compute.InvalidArgIndex
	}
	return kern.params[index], nil
}

func (l *Library) KernelFunctionName(k compute.Kernel) (string, error) {
	kern, err := l.kernel(k)
	if err != nil {
		return "", err
	}
	return kern.name, nil
}

func (l *Library) KernelNumArgs(k compute.Kernel) (int, error) {
	kern, err := l.kernel(k)
	if err != nil {
		return 0, err
	}
	return len(kern.params), nil
}

func (l *Library) KernelProgram(k compute.Kernel) (compute.Program, error) {
	kern, err := l.kernel(k)
	if err != nil {
		return 0, err
	}
	return kern.program, nil
}

func (l *Library) KernelArgName(k compute.Kernel, index int) (string, error) {
	p, err := l.param(k, index)
	return p.name, err
}

func (l *Library) KernelArgTypeName(k compute.Kernel, index int) (string, error) {
	p, err := l.param(k, index)
	return p.typ, err
}

func (l *Library) SetKernelArg(k compute.Kernel, index int, size int, value []byte) error {
	p, err := l.param(k, index)
	if err != nil {
		return err
	}
	if err := p.checkArg(size, value); err != nil {
		return err
	}
	if p.mem {
		if h := compute.Mem(binary.LittleEndian.Uint64(value)); h != 0 {
			if _, ok := l.mems[h]; !ok {
				return compute.InvalidMemObject
			}
		}
	}
	a := boundArg{set: true, size: size}
	if value != nil {
		a.value = append([]byte(nil), value...)
	}
	l.kernels[k].args[index] = a
	return nil
}

func (l *Library) EnqueueNDRangeKernel(q compute.Queue, k compute.Kernel, workDim int, global, local []int) error {
	qu, ok := l.queues[q]
	if !ok {
		return compute.InvalidCommandQueue
	}
	kern, err := l.kernel(k)
	if err != nil {
		return err
	}
	if workDim < 1 || workDim > 3 {
		return compute.InvalidWorkDimension
	}
	if len(global) < workDim || (local != nil && len(local) < workDim) {
		return compute.InvalidGlobalWorkSize
	}

	d := dispatch{kernel: kern.name, workDim: workDim}
	for i := 0; i < workDim; i++ {
		if global[i] <= 0 {
			return compute.InvalidGlobalWorkSize
		}
		d.global[i] = global[i]
		if local != nil {
			if local[i] < 0 || (local[i] > 0 && global[i]%local[i] != 0) {
				return compute.InvalidWorkGroupSize
			}
			d.local[i] = local[i]
		}
	}

	for i, a := range kern.args {
		if !a.set {
			return compute.InvalidKernelArgs
		}
		p := kern.params[i]
		switch {
		case p.local:
			d.args = append(d.args, dispatchArg{kind: argLocal, size: uint32(a.size)})
		case p.mem:
			arg := dispatchArg{kind: argMem}
			if h := compute.Mem(binary.LittleEndian.Uint64(a.value)); h != 0 {
				obj, ok := l.mems[h]
				if !ok {
					return compute.InvalidMemObject
				}
				arg.obj, arg.size = obj.gpuID, uint32(len(obj.data))
			}
			d.args = append(d.args, arg)
		default:
			d.args = append(d.args, dispatchArg{kind: argValue, value: a.value})
		}
	}
	qu.pending = append(qu.pending, d)
	return nil
}

func (l *Library) memRange(q compute.Queue, m compute.Mem, offset, size int) (*queue, *memObject, error) {
	qu, ok := l.queues[q]
	if !ok {
		return nil, nil, compute.InvalidCommandQueue
	}
	obj, ok := l.mems[m]
	if !ok {
		return nil, nil, compute.InvalidMemObject
	}
	if offset < 0 || size < 0 || offset+size > len(obj.data) {
		return nil, nil, compute.InvalidValue
	}
	return qu, obj, nil
}

// EnqueueMapBuffer returns the object memory itself; mappings stay coherent
// with the device. A write mapping schedules a sync before the next
// submission.
func (l *Library) EnqueueMapBuffer(q compute.Queue, m compute.Mem, flags compute.MapFlags, offset, size int) ([]byte, error) {
	qu, obj, err := l.memRange(q, m, offset, size)
	if err != nil {
		return nil, err
	}
	if err := l.flush(qu); err != nil {
		return nil, err
	}
	if flags&compute.MapWrite != 0 {
		qu.dirty[obj.gpuID] = uint64(len(obj.data))
	}
	return obj.data[offset : offset+size : offset+size], nil
}

func (l *Library) EnqueueWriteBuffer(q compute.Queue, m compute.Mem, offset int, data []byte) error {
	qu, obj, err := l.memRange(q, m, offset, len(data))
	if err != nil {
		return err
	}
	if err := l.flush(qu); err != nil {
		return err
	}
	copy(obj.data[offset:], data)
	qu.dirty[obj.gpuID] = uint64(len(obj.data))
	return nil
}

func (l *Library) EnqueueReadBuffer(q compute.Queue, m compute.Mem, offset int, dst []byte) error {
	qu, obj, err := l.memRange(q, m, offset, len(dst))
	if err != nil {
		return err
	}
	if err := l.flush(qu); err != nil {
		return err
	}
	copy(dst, obj.data[offset:])
	return nil
}

func (l *Library) Finish(q compute.Queue) error {
	qu, ok := l.queues[q]
	if !ok {
		return compute.InvalidCommandQueue
	}
	return l.flush(qu)
}

// flush submits everything pending on the queue as one GPU command, preceded
// by a sync of the objects written from the host, and waits for it.
func (l *Library) flush(qu *queue) error {
	if len(qu.pending) == 0 {
		return nil
	}
	c := qu.ctx

	if len(qu.dirty) > 0 {
		objs := make([]kgsl.SyncObj, 0, len(qu.dirty))
		for id, n := range qu.dirty {
			objs = append(objs, kgsl.SyncObj{ID: id, Length: n, Op: 1})
		}
		sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
		req := kgsl.GPUObjSync{
			Objs:   kgsl.Addr(kgsl.SyncObjectsBytes(objs)),
			ObjLen: uint32(kgsl.SyncObjSize),
			Count:  uint32(len(objs)),
		}
		err := l.ioctl(kgsl.IoctlGPUObjSync, unsafe.Pointer(&req))
		runtime.KeepAlive(objs)
		if err != nil {
			return compute.OutOfResources
		}
		clear(qu.dirty)
	}

	payload := appendDispatches(nil, qu.pending)
	qu.pending = nil
	if len(payload) > len(c.ring) {
		return compute.OutOfResources
	}
	if c.ringOff+len(payload) > len(c.ring) {
		c.ringOff = 0
	}
	off := c.ringOff
	ib := c.ring[off : off+len(payload)]
	copy(ib, payload)
	c.ringOff = (off + len(payload) + ibAlign - 1) &^ (ibAlign - 1)

	rt := kgsl.ReadTimestamp{ContextID: c.drawctxt, Type: kgsl.TimestampRetired}
	if err := l.ioctl(kgsl.IoctlReadTimestampCtxtID, unsafe.Pointer(&rt)); err != nil {
		return compute.OutOfResources
	}
	// someone else may have submitted on this context
	if !after(c.ts, rt.Timestamp) {
		c.ts = rt.Timestamp
	}
	c.ts++

	cmds := []kgsl.CommandObject{{
		Offset:  uint64(off),
		GPUAddr: kgsl.Addr(ib),
		Size:    uint64(len(ib)),
		Flags:   cmdFlagIB,
		ID:      c.ringID,
	}}
	objs := []kgsl.CommandObject{{
		GPUAddr: kgsl.Addr(c.scratch),
		Size:    uint64(len(c.scratch)),
		ID:      c.scratchID,
	}}
	cmd := kgsl.GPUCommand{
		CmdList:   kgsl.CommandObjectsAddr(cmds),
		CmdSize:   uint32(kgsl.CommandObjectSize),
		NumCmds:   uint32(len(cmds)),
		ObjList:   kgsl.CommandObjectsAddr(objs),
		ObjSize:   uint32(kgsl.CommandObjectSize),
		NumObjs:   uint32(len(objs)),
		ContextID: c.drawctxt,
		Timestamp: c.ts,
	}
	err := l.ioctl(kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
	runtime.KeepAlive(cmds)
	runtime.KeepAlive(objs)
	if err != nil {
		return compute.OutOfResources
	}

	w := kgsl.WaitTimestamp{ContextID: c.drawctxt, Timestamp: c.ts, Timeout: kgsl.TimeoutInfinite}
	if err := l.ioctl(kgsl.IoctlWaitTimestampCtxtID, unsafe.Pointer(&w)); err != nil {
		return compute.OutOfResources
	}
	return nil
}
