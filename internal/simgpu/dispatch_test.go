package simgpu

import (
	"errors"
	"testing"
)

func TestDispatchCodec(t *testing.T) {
	in := []dispatch{
		{
			kernel:  "scale",
			workDim: 2,
			global:  [3]int{64, 4, 0},
			local:   [3]int{16, 1, 0},
			args: []dispatchArg{
				{kind: argMem, obj: 3, size: 256},
				{kind: argMem},
				{kind: argValue, value: []byte{0, 0, 0x80, 0x3f}},
				{kind: argLocal, size: 512},
			},
		},
		{kernel: "copy", workDim: 1, global: [3]int{8}},
	}
	b := appendDispatches(nil, in)

	out, err := decodeDispatches(b)
	if err != nil {
		t.Fatalf("decodeDispatches: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("%d dispatches", len(out))
	}
	d := out[0]
	if d.kernel != "scale" || d.workDim != 2 || d.global != in[0].global || d.local != in[0].local {
		t.Errorf("header %+v", d)
	}
	if len(d.args) != 4 || d.args[0].obj != 3 || d.args[0].size != 256 || d.args[1].obj != 0 {
		t.Errorf("mem args %+v", d.args)
	}
	if string(d.args[2].value) != string(in[0].args[2].value) || d.args[3].size != 512 {
		t.Errorf("value/local args %+v", d.args[2:])
	}
	if out[1].kernel != "copy" || len(out[1].args) != 0 {
		t.Errorf("second dispatch %+v", out[1])
	}
}

func TestDecodeDispatchesRejectsMalformed(t *testing.T) {
	good := appendDispatches(nil, []dispatch{{kernel: "copy", workDim: 1, args: []dispatchArg{{kind: argMem, obj: 1, size: 4}}}})

	badKind := append([]byte(nil), good...)
	badKind[len(badKind)-9] = 7

	tests := map[string][]byte{
		"empty":     nil,
		"bad magic": append([]byte{1, 2, 3, 4}, good[4:]...),
		"truncated": good[:len(good)-3],
		"bad kind":  badKind,
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeDispatches(b); !errors.Is(err, errBadCommand) {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestInvocationViews(t *testing.T) {
	mem := make([]byte, 16)
	inv := &Invocation{
		WorkDim: 2,
		Global:  [3]int{4, 3, 9},
		args: []invArg{
			{mem: mem},
			{value: []byte{0, 0, 0x20, 0x41}},
			{value: []byte{0xfe, 0xff, 0xff, 0xff}},
			{local: 128},
			{},
		},
	}
	if inv.Items() != 12 {
		t.Errorf("Items = %d", inv.Items())
	}
	f := inv.Float32s(0)
	if len(f) != 4 {
		t.Fatalf("Float32s len %d", len(f))
	}
	f[1] = 1
	if mem[7] != 0x3f || mem[6] != 0x80 {
		t.Error("Float32s does not alias the object memory")
	}
	if inv.Float32(1) != 10 {
		t.Errorf("Float32 = %v", inv.Float32(1))
	}
	if inv.Int32(2) != -2 {
		t.Errorf("Int32 = %d", inv.Int32(2))
	}
	if inv.LocalSize(3) != 128 || inv.NumArgs() != 5 {
		t.Error("local size or arg count")
	}
	if inv.Buffer(4) != nil || inv.Float32s(4) != nil {
		t.Error("null object should have no memory")
	}
}
