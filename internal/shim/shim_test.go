package shim

import (
	"errors"
	"syscall"
	"testing"
	"unsafe"

	"github.com/23skdu/longbow-thneed/internal/kgsl"
	"github.com/23skdu/longbow-thneed/internal/logger"
)

type call struct {
	fd      int
	request uint64
}

type fakeController struct {
	calls []call
	err   error
}

func (f *fakeController) Ioctl(fd int, request uint64, arg unsafe.Pointer) error {
	f.calls = append(f.calls, call{fd, request})
	return f.err
}

func (f *fakeController) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return make([]byte, length), nil
}

type fakeSession struct {
	recording bool
	debug     int
	commands  []kgsl.GPUCommand
	syncs     [][]kgsl.SyncObj
	err       error
}

func (s *fakeSession) Recording() bool { return s.recording }
func (s *fakeSession) DebugLevel() int { return s.debug }
func (s *fakeSession) LedgerLen() int  { return len(s.commands) + len(s.syncs) }

func (s *fakeSession) CaptureCommand(cmd *kgsl.GPUCommand) error {
	if s.err != nil {
		return s.err
	}
	s.commands = append(s.commands, *cmd)
	return nil
}

func (s *fakeSession) CaptureSync(objs []kgsl.SyncObj) error {
	s.syncs = append(s.syncs, append([]kgsl.SyncObj(nil), objs...))
	return nil
}

func TestPriorityRewrittenWithoutSession(t *testing.T) {
	tests := []struct {
		name     string
		flags    uint32
		priority int
		want     uint32
	}{
		{"zero flags", 0, 6, 0x6000},
		{"keeps other bits", 0x00000142, 6, 0x6142},
		{"replaces priority", 0x0000F001, 1, 0x1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &fakeController{}
			ic := New(next)
			ic.SetPriority(tt.priority)
			req := kgsl.DrawctxtCreate{Flags: tt.flags}
			if err := ic.Ioctl(3, kgsl.IoctlDrawctxtCreate, unsafe.Pointer(&req)); err != nil {
				t.Fatalf("Ioctl: %v", err)
			}
			if req.Flags != tt.want {
				t.Errorf("flags %#x, want %#x", req.Flags, tt.want)
			}
			if len(next.calls) != 1 {
				t.Errorf("request not forwarded")
			}
		})
	}
}

func TestFirstAllocationStoresFD(t *testing.T) {
	ic := New(&fakeController{})
	if ic.FD() != -1 {
		t.Fatalf("fd should start unset, got %d", ic.FD())
	}

	var alloc kgsl.GPUObjAlloc
	_ = ic.Ioctl(7, kgsl.IoctlGPUObjAlloc, unsafe.Pointer(&alloc))
	_ = ic.Ioctl(9, kgsl.IoctlGPUObjAlloc, unsafe.Pointer(&alloc))
	if ic.FD() != 7 {
		t.Errorf("fd %d, want the first one observed (7)", ic.FD())
	}
}

func TestRequestMaskedTo32Bits(t *testing.T) {
	next := &fakeController{}
	ic := New(next)
	var alloc kgsl.GPUObjAlloc
	_ = ic.Ioctl(4, 0xFFFFFFFF00000000|kgsl.IoctlGPUObjAlloc, unsafe.Pointer(&alloc))
	if next.calls[0].request != kgsl.IoctlGPUObjAlloc {
		t.Errorf("forwarded %#x", next.calls[0].request)
	}
	if ic.FD() != 4 {
		t.Error("masked allocation request not recognized")
	}
}

func TestCapturesOnlyWhileRecording(t *testing.T) {
	next := &fakeController{}
	ic := New(next)
	s := &fakeSession{}
	ic.Activate(s)

	cmd := kgsl.GPUCommand{ContextID: 2, Timestamp: 10}
	objs := []kgsl.SyncObj{{ID: 1, Length: 64}, {ID: 2, Length: 128}}
	sync := kgsl.GPUObjSync{
		Objs:   kgsl.Addr(kgsl.SyncObjectsBytes(objs)),
		ObjLen: uint32(kgsl.SyncObjSize),
		Count:  2,
	}

	_ = ic.Ioctl(3, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
	_ = ic.Ioctl(3, kgsl.IoctlGPUObjSync, unsafe.Pointer(&sync))
	if len(s.commands)+len(s.syncs) != 0 {
		t.Fatal("captured while not recording")
	}

	s.recording = true
	_ = ic.Ioctl(3, kgsl.IoctlGPUObjSync, unsafe.Pointer(&sync))
	_ = ic.Ioctl(3, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
	if len(s.commands) != 1 || s.commands[0].Timestamp != 10 {
		t.Errorf("commands %+v", s.commands)
	}
	if len(s.syncs) != 1 || len(s.syncs[0]) != 2 || s.syncs[0][1].ID != 2 {
		t.Errorf("syncs %+v", s.syncs)
	}

	var wait kgsl.WaitTimestamp
	_ = ic.Ioctl(3, kgsl.IoctlWaitTimestampCtxtID, unsafe.Pointer(&wait))
	if len(s.commands) != 1 || len(s.syncs) != 1 {
		t.Error("wait requests must never be recorded")
	}
	if len(next.calls) != 5 {
		t.Errorf("forwarded %d requests, want 5", len(next.calls))
	}
}

func TestNoCaptureWithoutActiveSession(t *testing.T) {
	ic := New(&fakeController{})
	s := &fakeSession{recording: true}
	ic.Activate(s)
	ic.Deactivate(s)

	cmd := kgsl.GPUCommand{}
	_ = ic.Ioctl(3, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
	if len(s.commands) != 0 {
		t.Error("captured after deactivation")
	}
}

func TestDeactivateOtherSessionIsNoop(t *testing.T) {
	ic := New(&fakeController{})
	a, b := &fakeSession{}, &fakeSession{}
	ic.Activate(a)
	ic.Deactivate(b)
	if ic.Active() != a {
		t.Error("deactivating a different session cleared the slot")
	}
}

func TestUnderlyingErrorReturnedUnchanged(t *testing.T) {
	next := &fakeController{err: syscall.EINVAL}
	ic := New(next)
	ic.Activate(&fakeSession{recording: true, debug: 2})

	cmd := kgsl.GPUCommand{}
	err := ic.Ioctl(3, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
	if !errors.Is(err, syscall.EINVAL) {
		t.Errorf("expected EINVAL, got %v", err)
	}
	err = ic.Ioctl(3, 0xdead, nil)
	if err != syscall.EINVAL {
		t.Errorf("unknown request should still be forwarded, got %v", err)
	}
}

func TestCaptureFailureAborts(t *testing.T) {
	next := &fakeController{}
	ic := New(next)
	ic.Activate(&fakeSession{recording: true, err: errors.New("arena exhausted")})

	defer func() {
		r := recover()
		if _, ok := r.(*logger.FatalError); !ok {
			t.Fatalf("expected *logger.FatalError panic, got %v", r)
		}
		if len(next.calls) != 0 {
			t.Error("a failed capture must not reach the driver")
		}
	}()
	cmd := kgsl.GPUCommand{}
	_ = ic.Ioctl(3, kgsl.IoctlGPUCommand, unsafe.Pointer(&cmd))
}

func TestSetPropertyDiagnostics(t *testing.T) {
	next := &fakeController{}
	ic := New(next)
	ic.Activate(&fakeSession{debug: 2})

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c := kgsl.DeviceConstraint{Type: 1, Data: kgsl.Addr(data), Size: uint64(len(data))}
	prop := kgsl.DeviceProperty{
		Type:      kgsl.PropPwrConstraint,
		Value:     uint64(uintptr(unsafe.Pointer(&c))),
		SizeBytes: uint64(unsafe.Sizeof(c)),
	}
	if err := ic.Ioctl(3, kgsl.IoctlSetProperty, unsafe.Pointer(&prop)); err != nil {
		t.Fatalf("Ioctl: %v", err)
	}
	if len(next.calls) != 1 {
		t.Error("set property not forwarded")
	}
}
