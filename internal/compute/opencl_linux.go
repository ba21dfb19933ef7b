//go:build linux && cgo && opencl

package compute

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 200
#include <stdlib.h>
#include <CL/cl.h>

static cl_program create_program_with_source(cl_context ctx, const char *src, cl_int *err) {
	return clCreateProgramWithSource(ctx, 1, &src, NULL, err);
}

static cl_program create_program_with_binary(cl_context ctx, cl_device_id dev, const unsigned char *bin, size_t len, cl_int *err) {
	return clCreateProgramWithBinary(ctx, 1, &dev, &len, &bin, NULL, err);
}

static cl_command_queue create_queue(cl_context ctx, cl_device_id dev, cl_int *err) {
	cl_queue_properties props[3] = {CL_QUEUE_PROPERTIES, 0, 0};
	return clCreateCommandQueueWithProperties(ctx, dev, props, err);
}

static cl_int enqueue_nd_range(cl_command_queue q, cl_kernel k, cl_uint dim, const size_t *gws, const size_t *lws) {
	return clEnqueueNDRangeKernel(q, k, dim, NULL, gws, lws, 0, NULL, NULL);
}
*/
import "C"

import (
	"unsafe"
)

type openCL struct{}

// Open binds the platform OpenCL library.
func Open() (API, error) {
	return openCL{}, nil
}

func ptr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func (openCL) DefaultDevice() (DeviceID, error) {
	var n C.cl_uint
	if err := Check(int32(C.clGetPlatformIDs(0, nil, &n))); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, DeviceNotFound
	}
	platforms := make([]C.cl_platform_id, n)
	if err := Check(int32(C.clGetPlatformIDs(n, &platforms[0], nil))); err != nil {
		return 0, err
	}
	for _, p := range platforms {
		var dev C.cl_device_id
		if C.clGetDeviceIDs(p, C.CL_DEVICE_TYPE_DEFAULT, 1, &dev, nil) == C.CL_SUCCESS && dev != nil {
			return DeviceID(unsafe.Pointer(dev)), nil
		}
	}
	return 0, DeviceNotFound
}

func (openCL) CreateContext(dev DeviceID) (Context, error) {
	var errcode C.cl_int
	d := C.cl_device_id(unsafe.Pointer(dev))
	ctx := C.clCreateContext(nil, 1, &d, nil, nil, &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Context(unsafe.Pointer(ctx)), nil
}

func (openCL) CreateCommandQueue(ctx Context, dev DeviceID) (Queue, error) {
	var errcode C.cl_int
	q := C.create_queue(C.cl_context(unsafe.Pointer(ctx)), C.cl_device_id(unsafe.Pointer(dev)), &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Queue(unsafe.Pointer(q)), nil
}

func (openCL) CreateProgramWithSource(ctx Context, src string) (Program, error) {
	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	var errcode C.cl_int
	p := C.create_program_with_source(C.cl_context(unsafe.Pointer(ctx)), csrc, &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Program(unsafe.Pointer(p)), nil
}

func (openCL) CreateProgramWithBinary(ctx Context, dev DeviceID, binary []byte) (Program, error) {
	if len(binary) == 0 {
		return 0, InvalidBinary
	}
	cbin := C.CBytes(binary)
	defer C.free(cbin)
	var errcode C.cl_int
	p := C.create_program_with_binary(C.cl_context(unsafe.Pointer(ctx)), C.cl_device_id(unsafe.Pointer(dev)),
		(*C.uchar)(cbin), C.size_t(len(binary)), &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Program(unsafe.Pointer(p)), nil
}

func (openCL) BuildProgram(p Program, dev DeviceID, options string) error {
	var copts *C.char
	if options != "" {
		copts = C.CString(options)
		defer C.free(unsafe.Pointer(copts))
	}
	d := C.cl_device_id(unsafe.Pointer(dev))
	return Check(int32(C.clBuildProgram(C.cl_program(unsafe.Pointer(p)), 1, &d, copts, nil, nil)))
}

func (openCL) CreateBuffer(ctx Context, flags MemFlags, size int, host []byte) (Mem, error) {
	var errcode C.cl_int
	var hp unsafe.Pointer
	if len(host) > 0 {
		hp = C.CBytes(host)
		defer C.free(hp)
	}
	m := C.clCreateBuffer(C.cl_context(unsafe.Pointer(ctx)), C.cl_mem_flags(flags), C.size_t(size), hp, &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Mem(unsafe.Pointer(m)), nil
}

func (openCL) CreateImage(ctx Context, flags MemFlags, format ImageFormat, desc ImageDesc, host []byte) (Mem, error) {
	var cformat C.cl_image_format
	cformat.image_channel_order = C.cl_channel_order(format.Order)
	cformat.image_channel_data_type = C.cl_channel_type(format.Type)

	var cdesc C.cl_image_desc
	cdesc.image_type = C.cl_mem_object_type(desc.Type)
	cdesc.image_width = C.size_t(desc.Width)
	cdesc.image_height = C.size_t(desc.Height)
	cdesc.image_row_pitch = C.size_t(desc.RowPitch)
	*(*C.cl_mem)(unsafe.Pointer(&cdesc.anon0)) = C.cl_mem(unsafe.Pointer(desc.Buffer))

	var hp unsafe.Pointer
	if len(host) > 0 {
		hp = C.CBytes(host)
		defer C.free(hp)
	}
	var errcode C.cl_int
	m := C.clCreateImage(C.cl_context(unsafe.Pointer(ctx)), C.cl_mem_flags(flags), &cformat, &cdesc, hp, &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Mem(unsafe.Pointer(m)), nil
}

func (openCL) ReleaseMemObject(m Mem) error {
	return Check(int32(C.clReleaseMemObject(C.cl_mem(unsafe.Pointer(m)))))
}

func (openCL) MemSize(m Mem) (int, error) {
	var sz C.size_t
	err := Check(int32(C.clGetMemObjectInfo(C.cl_mem(unsafe.Pointer(m)), C.CL_MEM_SIZE, C.size_t(unsafe.Sizeof(sz)), unsafe.Pointer(&sz), nil)))
	return int(sz), err
}

func (openCL) MemType(m Mem) (MemObjectType, error) {
	var t C.cl_mem_object_type
	err := Check(int32(C.clGetMemObjectInfo(C.cl_mem(unsafe.Pointer(m)), C.CL_MEM_TYPE, C.size_t(unsafe.Sizeof(t)), unsafe.Pointer(&t), nil)))
	return MemObjectType(t), err
}

func imageSize(m Mem, param C.cl_image_info) (int, error) {
	var v C.size_t
	err := Check(int32(C.clGetImageInfo(C.cl_mem(unsafe.Pointer(m)), param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)))
	return int(v), err
}

func (openCL) ImageInfo(m Mem) (ImageInfo, error) {
	var info ImageInfo
	var format C.cl_image_format
	if err := Check(int32(C.clGetImageInfo(C.cl_mem(unsafe.Pointer(m)), C.CL_IMAGE_FORMAT, C.size_t(unsafe.Sizeof(format)), unsafe.Pointer(&format), nil))); err != nil {
		return info, err
	}
	info.Format = ImageFormat{Order: ChannelOrder(format.image_channel_order), Type: ChannelType(format.image_channel_data_type)}

	fields := []struct {
		param C.cl_image_info
		dst   *int
	}{
		{C.CL_IMAGE_WIDTH, &info.Width},
		{C.CL_IMAGE_HEIGHT, &info.Height},
		{C.CL_IMAGE_DEPTH, &info.Depth},
		{C.CL_IMAGE_ARRAY_SIZE, &info.ArraySize},
		{C.CL_IMAGE_ROW_PITCH, &info.RowPitch},
		{C.CL_IMAGE_SLICE_PITCH, &info.SlicePitch},
	}
	for _, f := range fields {
		v, err := imageSize(m, f.param)
		if err != nil {
			return info, err
		}
		*f.dst = v
	}

	var buf C.cl_mem
	if err := Check(int32(C.clGetImageInfo(C.cl_mem(unsafe.Pointer(m)), C.CL_IMAGE_BUFFER, C.size_t(unsafe.Sizeof(buf)), unsafe.Pointer(&buf), nil))); err != nil {
		return info, err
	}
	info.Buffer = Mem(unsafe.Pointer(buf))
	return info, nil
}

func (openCL) CreateKernel(p Program, name string) (Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var errcode C.cl_int
	k := C.clCreateKernel(C.cl_program(unsafe.Pointer(p)), cname, &errcode)
	if err := Check(int32(errcode)); err != nil {
		return 0, err
	}
	return Kernel(unsafe.Pointer(k)), nil
}

func kernelString(k Kernel, param C.cl_kernel_info) (string, error) {
	var buf [0x100]C.char
	err := Check(int32(C.clGetKernelInfo(C.cl_kernel(unsafe.Pointer(k)), param, C.size_t(len(buf)), unsafe.Pointer(&buf[0]), nil)))
	return C.GoString(&buf[0]), err
}

func (openCL) KernelFunctionName(k Kernel) (string, error) {
	return kernelString(k, C.CL_KERNEL_FUNCTION_NAME)
}

func (openCL) KernelNumArgs(k Kernel) (int, error) {
	var n C.cl_uint
	err := Check(int32(C.clGetKernelInfo(C.cl_kernel(unsafe.Pointer(k)), C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(n)), unsafe.Pointer(&n), nil)))
	return int(n), err
}

func (openCL) KernelProgram(k Kernel) (Program, error) {
	var p C.cl_program
	err := Check(int32(C.clGetKernelInfo(C.cl_kernel(unsafe.Pointer(k)), C.CL_KERNEL_PROGRAM, C.size_t(unsafe.Sizeof(p)), unsafe.Pointer(&p), nil)))
	return Program(unsafe.Pointer(p)), err
}

func kernelArgString(k Kernel, index int, param C.cl_kernel_arg_info) (string, error) {
	var buf [0x100]C.char
	err := Check(int32(C.clGetKernelArgInfo(C.cl_kernel(unsafe.Pointer(k)), C.cl_uint(index), param, C.size_t(len(buf)), unsafe.Pointer(&buf[0]), nil)))
	return C.GoString(&buf[0]), err
}

func (openCL) KernelArgName(k Kernel, index int) (string, error) {
	return kernelArgString(k, index, C.CL_KERNEL_ARG_NAME)
}

func (openCL) KernelArgTypeName(k Kernel, index int) (string, error) {
	return kernelArgString(k, index, C.CL_KERNEL_ARG_TYPE_NAME)
}

func (openCL) SetKernelArg(k Kernel, index int, size int, value []byte) error {
	var v unsafe.Pointer
	if value != nil {
		v = C.CBytes(value)
		defer C.free(v)
	}
	return Check(int32(C.clSetKernelArg(C.cl_kernel(unsafe.Pointer(k)), C.cl_uint(index), C.size_t(size), v)))
}

func (openCL) EnqueueNDRangeKernel(q Queue, k Kernel, workDim int, global, local []int) error {
	var gws, lws [3]C.size_t
	for i := 0; i < workDim && i < 3; i++ {
		gws[i] = C.size_t(global[i])
		lws[i] = C.size_t(local[i])
	}
	return Check(int32(C.enqueue_nd_range(C.cl_command_queue(unsafe.Pointer(q)), C.cl_kernel(unsafe.Pointer(k)),
		C.cl_uint(workDim), &gws[0], &lws[0])))
}

func (openCL) EnqueueMapBuffer(q Queue, m Mem, flags MapFlags, offset, size int) ([]byte, error) {
	var errcode C.cl_int
	p := C.clEnqueueMapBuffer(C.cl_command_queue(unsafe.Pointer(q)), C.cl_mem(unsafe.Pointer(m)), C.CL_TRUE,
		C.cl_map_flags(flags), C.size_t(offset), C.size_t(size), 0, nil, nil, &errcode)
	if err := Check(int32(errcode)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (openCL) EnqueueWriteBuffer(q Queue, m Mem, offset int, data []byte) error {
	return Check(int32(C.clEnqueueWriteBuffer(C.cl_command_queue(unsafe.Pointer(q)), C.cl_mem(unsafe.Pointer(m)), C.CL_TRUE,
		C.size_t(offset), C.size_t(len(data)), ptr(data), 0, nil, nil)))
}

func (openCL) EnqueueReadBuffer(q Queue, m Mem, offset int, dst []byte) error {
	return Check(int32(C.clEnqueueReadBuffer(C.cl_command_queue(unsafe.Pointer(q)), C.cl_mem(unsafe.Pointer(m)), C.CL_TRUE,
		C.size_t(offset), C.size_t(len(dst)), ptr(dst), 0, nil, nil)))
}

func (openCL) Finish(q Queue) error {
	return Check(int32(C.clFinish(C.cl_command_queue(unsafe.Pointer(q)))))
}
