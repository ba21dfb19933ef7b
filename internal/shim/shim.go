// Package shim intercepts every device-control request on its way to the
// driver. It adjusts draw-context priority, remembers the device fd, and while
// a session is recording snapshots command submissions and object syncs into
// that session's ledger.
//
// The active-session slot and the fd are process-wide and unsynchronized:
// device-control calls are expected to come from one thread. Supporting more
// than one session would mean keying the slot by fd.
package shim

import (
	"unsafe"

	"github.com/23skdu/longbow-thneed/internal/config"
	"github.com/23skdu/longbow-thneed/internal/kgsl"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/metrics"
)

// Session is what the shim needs from the active engine session.
type Session interface {
	Recording() bool
	DebugLevel() int
	LedgerLen() int
	// CaptureCommand snapshots a submission; it runs before the request is
	// forwarded.
	CaptureCommand(cmd *kgsl.GPUCommand) error
	CaptureSync(objs []kgsl.SyncObj) error
}

// Interceptor wraps the real controller. It implements kgsl.Controller so the
// compute library and the engine issue requests through it.
type Interceptor struct {
	next     kgsl.Controller
	active   Session
	fd       int
	priority int
}

func New(next kgsl.Controller) *Interceptor {
	return &Interceptor{next: next, fd: -1, priority: config.DefaultContextPriority}
}

// Default is the process-wide interceptor used by the exported ioctl hook.
var Default = New(nil)

// SetController replaces the underlying controller.
func (ic *Interceptor) SetController(next kgsl.Controller) {
	ic.next = next
}

// SetPriority sets the priority forced onto every created draw context.
func (ic *Interceptor) SetPriority(p int) {
	ic.priority = p
}

// Activate makes s the active session.
func (ic *Interceptor) Activate(s Session) {
	ic.active = s
}

// Deactivate clears the active slot if it still holds s.
func (ic *Interceptor) Deactivate(s Session) {
	if ic.active == s {
		ic.active = nil
	}
}

func (ic *Interceptor) Active() Session {
	return ic.active
}

// FD returns the fd of the first GPU object allocation observed, or -1.
func (ic *Interceptor) FD() int {
	return ic.fd
}

func (ic *Interceptor) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return ic.next.Mmap(fd, offset, length)
}

// Ioctl inspects and forwards one request. The underlying result is returned
// unchanged.
func (ic *Interceptor) Ioctl(fd int, request uint64, arg unsafe.Pointer) error {
	request &= 0xFFFFFFFF

	if request == kgsl.IoctlGPUObjAlloc && ic.fd == -1 {
		ic.fd = fd
	}

	// runs with or without a session
	if request == kgsl.IoctlDrawctxtCreate {
		create := (*kgsl.DrawctxtCreate)(arg)
		create.Flags = kgsl.Priority(create.Flags, ic.priority)
		logger.Log.Info("creating draw context", "flags", create.Flags)
	}

	if s := ic.active; s != nil {
		ic.observe(s, request, arg)
	}

	err := ic.next.Ioctl(fd, request, arg)
	metrics.RecordIoctl(kgsl.RequestName(request), err)
	return err
}

func (ic *Interceptor) observe(s Session, request uint64, arg unsafe.Pointer) {
	debug := s.DebugLevel()

	switch request {
	case kgsl.IoctlGPUCommand:
		cmd := (*kgsl.GPUCommand)(arg)
		if s.Recording() {
			if err := s.CaptureCommand(cmd); err != nil {
				logger.Log.Fatal("capturing GPU command", "error", err)
			}
		}
		if debug >= 1 {
			logger.Log.Debug("GPU_COMMAND",
				"ledger", s.LedgerLen(),
				"flags", cmd.Flags,
				"context_id", cmd.ContextID,
				"timestamp", cmd.Timestamp,
				"numcmds", cmd.NumCmds,
				"numobjs", cmd.NumObjs)
		}

	case kgsl.IoctlGPUObjSync:
		cmd := (*kgsl.GPUObjSync)(arg)
		objs := kgsl.SyncObjects(cmd.Objs, int(cmd.Count))
		if debug >= 2 {
			for i, o := range objs {
				logger.Log.Debug("GPUOBJ_SYNC", "index", i, "count", cmd.Count,
					"offset", o.Offset, "len", o.Length, "id", o.ID, "op", o.Op)
			}
		}
		if s.Recording() {
			if err := s.CaptureSync(objs); err != nil {
				logger.Log.Fatal("capturing GPU object sync", "error", err)
			}
		}

	case kgsl.IoctlWaitTimestampCtxtID:
		if debug >= 1 {
			w := (*kgsl.WaitTimestamp)(arg)
			logger.Log.Debug("WAITTIMESTAMP_CTXTID", "context_id", w.ContextID, "timestamp", w.Timestamp, "timeout", w.Timeout)
		}

	case kgsl.IoctlSetProperty:
		if debug >= 1 {
			prop := (*kgsl.DeviceProperty)(arg)
			logger.Log.Debug("SETPROPERTY", "type", prop.Type, "sizebytes", prop.SizeBytes)
			if debug >= 2 {
				logger.Log.Hexdump("property", kgsl.Bytes(prop.Value, int(prop.SizeBytes)))
				if prop.Type == kgsl.PropPwrConstraint && prop.SizeBytes >= uint64(unsafe.Sizeof(kgsl.DeviceConstraint{})) {
					c := (*kgsl.DeviceConstraint)(unsafe.Pointer(uintptr(prop.Value)))
					logger.Log.Hexdump("constraint", kgsl.Bytes(c.Data, int(c.Size)))
				}
			}
		}

	case kgsl.IoctlDrawctxtCreate, kgsl.IoctlDrawctxtDestroy,
		kgsl.IoctlGPUObjAlloc, kgsl.IoctlGPUObjFree:

	default:
		if debug >= 1 {
			logger.Log.Debug("other ioctl", "request", kgsl.RequestName(request))
		}
	}
}

// Ioctl routes a request through Default.
func Ioctl(fd int, request uint64, arg unsafe.Pointer) error {
	return Default.Ioctl(fd, request, arg)
}
