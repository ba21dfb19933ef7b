// Package compute is the compute-dispatch capability the engine drives during
// load and the recording pass. Production binds it to the platform OpenCL
// library; tests bind it to the simulated device.
package compute

import (
	"errors"
	"fmt"
)

type (
	DeviceID uintptr
	Context  uintptr
	Queue    uintptr
	Program  uintptr
	Kernel   uintptr
	Mem      uintptr
)

// ErrUnavailable is returned by Open when no compute library is linked in.
var ErrUnavailable = errors.New("compute library not available in this build")

// API mirrors the subset of the OpenCL entry points the engine calls. Every
// call blocks and reports failure as a Status error.
type API interface {
	DefaultDevice() (DeviceID, error)
	CreateContext(dev DeviceID) (Context, error)
	CreateCommandQueue(ctx Context, dev DeviceID) (Queue, error)

	CreateProgramWithSource(ctx Context, src string) (Program, error)
	CreateProgramWithBinary(ctx Context, dev DeviceID, binary []byte) (Program, error)
	BuildProgram(p Program, dev DeviceID, options string) error

	CreateBuffer(ctx Context, flags MemFlags, size int, host []byte) (Mem, error)
	CreateImage(ctx Context, flags MemFlags, format ImageFormat, desc ImageDesc, host []byte) (Mem, error)
	ReleaseMemObject(m Mem) error
	MemSize(m Mem) (int, error)
	MemType(m Mem) (MemObjectType, error)
	ImageInfo(m Mem) (ImageInfo, error)

	CreateKernel(p Program, name string) (Kernel, error)
	KernelFunctionName(k Kernel) (string, error)
	KernelNumArgs(k Kernel) (int, error)
	KernelProgram(k Kernel) (Program, error)
	KernelArgName(k Kernel, index int) (string, error)
	KernelArgTypeName(k Kernel, index int) (string, error)
	// SetKernelArg binds size bytes of value; a nil value binds size bytes of
	// local memory.
	SetKernelArg(k Kernel, index int, size int, value []byte) error
	EnqueueNDRangeKernel(q Queue, k Kernel, workDim int, global, local []int) error

	EnqueueMapBuffer(q Queue, m Mem, flags MapFlags, offset, size int) ([]byte, error)
	EnqueueWriteBuffer(q Queue, m Mem, offset int, data []byte) error
	EnqueueReadBuffer(q Queue, m Mem, offset int, dst []byte) error
	Finish(q Queue) error
}

// Status is an OpenCL status code.
type Status int32

const (
	Success                  Status = 0
	DeviceNotFound           Status = -1
	OutOfResources           Status = -5
	OutOfHostMemory          Status = -6
	MemObjectAllocation      Status = -4
	ImageFormatNotSupported  Status = -10
	BuildProgramFailure      Status = -11
	MapFailure               Status = -12
	InvalidValue             Status = -30
	InvalidDevice            Status = -33
	InvalidContext           Status = -34
	InvalidCommandQueue      Status = -36
	InvalidMemObject         Status = -38
	InvalidImageSize         Status = -40
	InvalidBinary            Status = -42
	InvalidProgram           Status = -44
	InvalidProgramExecutable Status = -45
	InvalidKernelName        Status = -46
	InvalidKernel            Status = -48
	InvalidArgIndex          Status = -49
	InvalidArgValue          Status = -50
	InvalidArgSize           Status = -51
	InvalidKernelArgs        Status = -52
	InvalidWorkDimension     Status = -53
	InvalidWorkGroupSize     Status = -54
	InvalidGlobalWorkSize    Status = -63
	KernelArgInfoUnavailable Status = -19
)

var statusNames = map[Status]string{
	DeviceNotFound:           "CL_DEVICE_NOT_FOUND",
	OutOfResources:           "CL_OUT_OF_RESOURCES",
	OutOfHostMemory:          "CL_OUT_OF_HOST_MEMORY",
	MemObjectAllocation:      "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	ImageFormatNotSupported:  "CL_IMAGE_FORMAT_NOT_SUPPORTED",
	BuildProgramFailure:      "CL_BUILD_PROGRAM_FAILURE",
	MapFailure:               "CL_MAP_FAILURE",
	InvalidValue:             "CL_INVALID_VALUE",
	InvalidDevice:            "CL_INVALID_DEVICE",
	InvalidContext:           "CL_INVALID_CONTEXT",
	InvalidCommandQueue:      "CL_INVALID_COMMAND_QUEUE",
	InvalidMemObject:         "CL_INVALID_MEM_OBJECT",
	InvalidImageSize:         "CL_INVALID_IMAGE_SIZE",
	InvalidBinary:            "CL_INVALID_BINARY",
	InvalidProgram:           "CL_INVALID_PROGRAM",
	InvalidProgramExecutable: "CL_INVALID_PROGRAM_EXECUTABLE",
	InvalidKernelName:        "CL_INVALID_KERNEL_NAME",
	InvalidKernel:            "CL_INVALID_KERNEL",
	InvalidArgIndex:          "CL_INVALID_ARG_INDEX",
	InvalidArgValue:          "CL_INVALID_ARG_VALUE",
	InvalidArgSize:           "CL_INVALID_ARG_SIZE",
	InvalidKernelArgs:        "CL_INVALID_KERNEL_ARGS",
	InvalidWorkDimension:     "CL_INVALID_WORK_DIMENSION",
	InvalidWorkGroupSize:     "CL_INVALID_WORK_GROUP_SIZE",
	InvalidGlobalWorkSize:    "CL_INVALID_GLOBAL_WORK_SIZE",
	KernelArgInfoUnavailable: "CL_KERNEL_ARG_INFO_NOT_AVAILABLE",
}

func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CL error %d", int32(s))
}

// Check converts a raw status into an error, nil on success.
func Check(code int32) error {
	if code == 0 {
		return nil
	}
	return Status(code)
}

type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5
)

type MapFlags uint64

const (
	MapRead  MapFlags = 1 << 0
	MapWrite MapFlags = 1 << 1
)

type MemObjectType uint32

const (
	MemObjectBuffer        MemObjectType = 0x10F0
	MemObjectImage2D       MemObjectType = 0x10F1
	MemObjectImage1DBuffer MemObjectType = 0x10F6
)

type ChannelOrder uint32

const ChannelRGBA ChannelOrder = 0x10B5

type ChannelType uint32

const (
	ChannelHalfFloat ChannelType = 0x10DD
	ChannelFloat     ChannelType = 0x10DE
)

type ImageFormat struct {
	Order ChannelOrder
	Type  ChannelType
}

type ImageDesc struct {
	Type     MemObjectType
	Width    int
	Height   int
	RowPitch int
	// Buffer, when set, is the backing store of the image.
	Buffer Mem
}

type ImageInfo struct {
	Format     ImageFormat
	Width      int
	Height     int
	Depth      int
	ArraySize  int
	RowPitch   int
	SlicePitch int
	Buffer     Mem
}

// ArgTypeImage2D and ArgTypeImage1D are the kernel argument type names that
// denote image objects.
const (
	ArgTypeImage2D = "image2d_t"
	ArgTypeImage1D = "image1d_t"
)

// IsImageType reports whether a kernel argument type name is an image.
func IsImageType(name string) bool {
	return name == ArgTypeImage2D || name == ArgTypeImage1D
}

// BuildProgramFromSource creates and builds a program for dev.
func BuildProgramFromSource(api API, ctx Context, dev DeviceID, src, options string) (Program, error) {
	p, err := api.CreateProgramWithSource(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("create program: %w", err)
	}
	if err := api.BuildProgram(p, dev, options); err != nil {
		return 0, fmt.Errorf("build program: %w", err)
	}
	return p, nil
}

// BuildProgramFromBinary creates and builds a precompiled program for dev.
func BuildProgramFromBinary(api API, ctx Context, dev DeviceID, binary []byte, options string) (Program, error) {
	p, err := api.CreateProgramWithBinary(ctx, dev, binary)
	if err != nil {
		return 0, fmt.Errorf("create program from binary: %w", err)
	}
	if err := api.BuildProgram(p, dev, options); err != nil {
		return 0, fmt.Errorf("build program from binary: %w", err)
	}
	return p, nil
}
