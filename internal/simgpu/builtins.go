package simgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/longbow-thneed/internal/bundle"
)

// BuiltinSource declares the builtin kernels for program builds.
const BuiltinSource = `
__kernel void copy(__global const float *in, __global float *out) {
	int i = get_global_id(0);
	out[i] = in[i];
}

__kernel void square(__global const float *in, __global float *out) {
	int i = get_global_id(0);
	out[i] = in[i] * in[i] + 1.0f;
}

__kernel void scale(__global const float *in, __global float *out, float factor) {
	int i = get_global_id(0);
	out[i] = in[i] * factor;
}

__kernel void add(__global const float *a, __global const float *b, __global float *out) {
	int i = get_global_id(0);
	out[i] = a[i] + b[i];
}

__kernel void relu(__global const float *in, __global float *out) {
	int i = get_global_id(0);
	out[i] = fmax(in[i], 0.0f);
}
`

func elementwise(inv *Invocation, n int) (int, error) {
	items := inv.Items()
	for i := 0; i < n; i++ {
		if len(inv.Float32s(i)) < items {
			return 0, fmt.Errorf("arg %d: %d elements for %d work items", i, len(inv.Float32s(i)), items)
		}
	}
	return items, nil
}

// Builtins returns the builtin kernels by name.
func Builtins() map[string]KernelFunc {
	return map[string]KernelFunc{
		"copy": func(inv *Invocation) error {
			n, err := elementwise(inv, 2)
			if err != nil {
				return err
			}
			copy(inv.Float32s(1)[:n], inv.Float32s(0)[:n])
			return nil
		},
		"square": func(inv *Invocation) error {
			n, err := elementwise(inv, 2)
			if err != nil {
				return err
			}
			in, out := inv.Float32s(0), inv.Float32s(1)
			for i := 0; i < n; i++ {
				out[i] = in[i]*in[i] + 1
			}
			return nil
		},
		"scale": func(inv *Invocation) error {
			n, err := elementwise(inv, 2)
			if err != nil {
				return err
			}
			in, out, f := inv.Float32s(0), inv.Float32s(1), inv.Float32(2)
			for i := 0; i < n; i++ {
				out[i] = in[i] * f
			}
			return nil
		},
		"add": func(inv *Invocation) error {
			n, err := elementwise(inv, 3)
			if err != nil {
				return err
			}
			a, b, out := inv.Float32s(0), inv.Float32s(1), inv.Float32s(2)
			for i := 0; i < n; i++ {
				out[i] = a[i] + b[i]
			}
			return nil
		},
		"relu": func(inv *Invocation) error {
			n, err := elementwise(inv, 2)
			if err != nil {
				return err
			}
			in, out := inv.Float32s(0), inv.Float32s(1)
			for i := 0; i < n; i++ {
				out[i] = max(in[i], 0)
			}
			return nil
		},
	}
}

// NewDeviceWithBuiltins returns a device with every builtin registered.
func NewDeviceWithBuiltins() *Device {
	d := NewDevice()
	for name, fn := range Builtins() {
		d.Register(name, fn)
	}
	return d
}

// Demo tokens stand in for the memory object identities a package producer
// would have recorded.
const (
	DemoTokenA uint64 = 0xb400007a1c2d0040
	DemoTokenB uint64 = 0xb400007a1c2d0080
	DemoInput         = "input"
	DemoElements      = 64
)

// DemoPackage builds a package of two 256-byte buffers and one "square"
// kernel reading A and writing B. A is initialized from the payload, is the
// input, and B is the output.
func DemoPackage() ([]byte, error) {
	const size = DemoElements * 4
	payload := make([]byte, 0, size)
	for i := 0; i < DemoElements; i++ {
		payload = appendFloat32(payload, float32(i)-DemoElements/2)
	}

	m := &bundle.Manifest{
		Objects: []bundle.Object{
			{ID: bundle.TokenBytes(DemoTokenA), Size: size, NeedsLoad: true},
			{ID: bundle.TokenBytes(DemoTokenB), Size: size},
		},
		Programs: map[string]string{"square": BuiltinSource},
		Inputs: []bundle.Input{
			{BufferID: bundle.TokenBytes(DemoTokenA), Size: size, Name: DemoInput},
		},
		Outputs: []bundle.Output{
			{BufferID: bundle.TokenBytes(DemoTokenB), Size: size},
		},
		Kernels: []bundle.Kernel{{
			Name:           "square",
			WorkDim:        1,
			GlobalWorkSize: []int{DemoElements},
			LocalWorkSize:  []int{16},
			NumArgs:        2,
			Args:           []bundle.RawBytes{bundle.TokenBytes(DemoTokenA), bundle.TokenBytes(DemoTokenB)},
			ArgsSize:       []int{8, 8},
		}},
	}
	return bundle.Encode(m, payload)
}

func appendFloat32(b []byte, f float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
}
