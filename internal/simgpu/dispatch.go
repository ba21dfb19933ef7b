package simgpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// Command buffers submitted to the simulated device carry dispatch records:
//
//	u32 magic, u32 count, then per dispatch
//	u16 name length, name, u32 work dim, 3 x u32 global, 3 x u32 local,
//	u32 arg count, then per arg a u8 kind followed by
//	  mem:   u32 object id, u32 size
//	  value: u32 length, bytes
//	  local: u32 size
const dispatchMagic = 0x444d4953

type argKind uint8

const (
	argMem argKind = iota
	argValue
	argLocal
)

type dispatchArg struct {
	kind  argKind
	obj   uint32
	size  uint32
	value []byte
}

type dispatch struct {
	kernel  string
	workDim int
	global  [3]int
	local   [3]int
	args    []dispatchArg
}

var errBadCommand = errors.New("malformed command buffer")

func appendDispatches(b []byte, ds []dispatch) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, dispatchMagic)
	b = le.AppendUint32(b, uint32(len(ds)))
	for _, d := range ds {
		b = le.AppendUint16(b, uint16(len(d.kernel)))
		b = append(b, d.kernel...)
		b = le.AppendUint32(b, uint32(d.workDim))
		for _, g := range d.global {
			b = le.AppendUint32(b, uint32(g))
		}
		for _, l := range d.local {
			b = le.AppendUint32(b, uint32(l))
		}
		b = le.AppendUint32(b, uint32(len(d.args)))
		for _, a := range d.args {
			b = append(b, byte(a.kind))
			switch a.kind {
			case argMem:
				b = le.AppendUint32(b, a.obj)
				b = le.AppendUint32(b, a.size)
			case argValue:
				b = le.AppendUint32(b, uint32(len(a.value)))
				b = append(b, a.value...)
			case argLocal:
				b = le.AppendUint32(b, a.size)
			}
		}
	}
	return b
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at %d of %d", errBadCommand, n, r.off, len(r.b))
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) u8() uint8 {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if v := r.take(2); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if v := r.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func decodeDispatches(b []byte) ([]dispatch, error) {
	r := &reader{b: b}
	if magic := r.u32(); r.err == nil && magic != dispatchMagic {
		return nil, fmt.Errorf("%w: magic %#x", errBadCommand, magic)
	}
	n := int(r.u32())
	var ds []dispatch
	for i := 0; i < n && r.err == nil; i++ {
		var d dispatch
		d.kernel = string(r.take(int(r.u16())))
		d.workDim = int(r.u32())
		for j := range d.global {
			d.global[j] = int(r.u32())
		}
		for j := range d.local {
			d.local[j] = int(r.u32())
		}
		nargs := int(r.u32())
		for j := 0; j < nargs && r.err == nil; j++ {
			a := dispatchArg{kind: argKind(r.u8())}
			switch a.kind {
			case argMem:
				a.obj = r.u32()
				a.size = r.u32()
			case argValue:
				a.value = r.take(int(r.u32()))
			case argLocal:
				a.size = r.u32()
			default:
				r.err = fmt.Errorf("%w: arg kind %d", errBadCommand, a.kind)
			}
			d.args = append(d.args, a)
		}
		ds = append(ds, d)
	}
	if r.err != nil {
		return nil, r.err
	}
	return ds, nil
}

// Invocation is the view a kernel function gets of one dispatch.
type Invocation struct {
	WorkDim int
	Global  [3]int
	Local   [3]int

	args []invArg
}

type invArg struct {
	mem   []byte
	value []byte
	local int
}

func (inv *Invocation) NumArgs() int { return len(inv.args) }

// Items is the total number of work items.
func (inv *Invocation) Items() int {
	n := 1
	for i := 0; i < inv.WorkDim; i++ {
		n *= inv.Global[i]
	}
	return n
}

// Buffer returns the memory behind a memory-object argument, nil for a null
// object.
func (inv *Invocation) Buffer(i int) []byte { return inv.args[i].mem }

// Float32s views a memory-object argument as float32s.
func (inv *Invocation) Float32s(i int) []float32 {
	b := inv.args[i].mem
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

func (inv *Invocation) Float32(i int) float32 {
	v := inv.args[i].value
	if len(v) < 4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v))
}

func (inv *Invocation) Int32(i int) int32 {
	v := inv.args[i].value
	if len(v) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(v))
}

// LocalSize is the size of a local-memory argument.
func (inv *Invocation) LocalSize(i int) int { return inv.args[i].local }
