package kgsl

import (
	"testing"
	"unsafe"
)

func TestStructLayouts(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"DrawctxtCreate", unsafe.Sizeof(DrawctxtCreate{}), 8},
		{"WaitTimestamp", unsafe.Sizeof(WaitTimestamp{}), 12},
		{"DeviceProperty", unsafe.Sizeof(DeviceProperty{}), 24},
		{"GPUObjAlloc", unsafe.Sizeof(GPUObjAlloc{}), 48},
		{"GPUObjFree", unsafe.Sizeof(GPUObjFree{}), 32},
		{"SyncObj", unsafe.Sizeof(SyncObj{}), 24},
		{"GPUObjSync", unsafe.Sizeof(GPUObjSync{}), 16},
		{"CommandObject", unsafe.Sizeof(CommandObject{}), 32},
		{"GPUCommand", unsafe.Sizeof(GPUCommand{}), 64},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("sizeof(%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestRequestCodes(t *testing.T) {
	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"GPU_COMMAND", IoctlGPUCommand, 0xC040094A},
		{"GPUOBJ_SYNC", IoctlGPUObjSync, 0x4010094C},
		{"GPUOBJ_ALLOC", IoctlGPUObjAlloc, 0xC0300945},
		{"DRAWCTXT_CREATE", IoctlDrawctxtCreate, 0xC0080913},
		{"WAITTIMESTAMP_CTXTID", IoctlWaitTimestampCtxtID, 0x400C0907},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.name, tt.got, tt.want)
		}
		if RequestName(tt.got) != tt.name {
			t.Errorf("RequestName(%#x) = %s, want %s", tt.got, RequestName(tt.got), tt.name)
		}
	}
	if RequestName(0xdead) != "0xdead" {
		t.Errorf("unexpected name for unknown request: %s", RequestName(0xdead))
	}
}

func TestPriority(t *testing.T) {
	flags := uint32(0x0000F0A1)
	got := Priority(flags, 6)
	if got&^ContextPriorityMask != 0x00A1 {
		t.Errorf("non-priority bits changed: %#x", got)
	}
	if (got&ContextPriorityMask)>>ContextPriorityShift != 6 {
		t.Errorf("priority = %d, want 6", (got&ContextPriorityMask)>>ContextPriorityShift)
	}
}

func TestAddrRoundTrip(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	view := Bytes(Addr(b), len(b))
	view[0] = 9
	if b[0] != 9 {
		t.Error("Bytes should alias the original memory")
	}
	if Addr(nil) != 0 || Bytes(0, 4) != nil {
		t.Error("empty conversions should be zero")
	}

	objs := []CommandObject{{GPUAddr: 1, Size: 2}, {GPUAddr: 3, Size: 4}}
	back := CommandObjects(CommandObjectsAddr(objs), 2)
	if back[1].GPUAddr != 3 {
		t.Errorf("unexpected round trip: %+v", back)
	}

	syncs := []SyncObj{{ID: 7, Op: 1}}
	raw := SyncObjectsBytes(syncs)
	if len(raw) != SyncObjSize {
		t.Fatalf("expected %d bytes, got %d", SyncObjSize, len(raw))
	}
	if SyncObjects(Addr(raw), 1)[0].ID != 7 {
		t.Error("sync objects did not round trip")
	}
}
