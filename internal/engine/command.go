package engine

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/23skdu/longbow-thneed/internal/kgsl"
	"github.com/23skdu/longbow-thneed/internal/logger"
)

var ErrEmbeddedSyncs = errors.New("GPU command carries embedded syncs")

// relocation points one address field of a cached descriptor at memory the
// cache owns.
type relocation struct {
	field  *uint64
	target unsafe.Pointer
}

func (r relocation) apply() {
	*r.field = uint64(uintptr(r.target))
}

// CachedCommand is a replayable GPU_COMMAND. The descriptor, both object
// lists and every payload are owned copies; the relocation table rewrites
// the copied addresses to point at them.
type CachedCommand struct {
	s *Session

	cache  kgsl.GPUCommand
	cmds   []kgsl.CommandObject
	objs   []kgsl.CommandObject
	relocs []relocation

	kq []*QueuedKernel
}

func newCachedCommand(s *Session, cmd *kgsl.GPUCommand) (*CachedCommand, error) {
	if cmd.NumSyncs != 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmbeddedSyncs, cmd.NumSyncs)
	}

	c := &CachedCommand{s: s, cache: *cmd}

	c.cmds = append([]kgsl.CommandObject(nil), kgsl.CommandObjects(cmd.CmdList, int(cmd.NumCmds))...)
	for i := range c.cmds {
		o := &c.cmds[i]
		if o.Size == 0 {
			c.relocs = append(c.relocs, relocation{&o.GPUAddr, s.ram.BasePointer()})
			continue
		}
		payload, err := s.ram.Allocate(int(o.Size))
		if err != nil {
			return nil, fmt.Errorf("command payload %d: %w", i, err)
		}
		copy(payload, kgsl.Bytes(o.GPUAddr, int(o.Size)))
		c.relocs = append(c.relocs, relocation{&o.GPUAddr, unsafe.Pointer(unsafe.SliceData(payload))})
	}

	c.objs = append([]kgsl.CommandObject(nil), kgsl.CommandObjects(cmd.ObjList, int(cmd.NumObjs))...)
	for i := range c.objs {
		o := &c.objs[i]
		if o.Size == 0 {
			c.relocs = append(c.relocs, relocation{&o.GPUAddr, s.ram.BasePointer()})
			continue
		}
		// object contents are device output; only the storage is needed
		payload, err := s.ram.Allocate(int(o.Size))
		if err != nil {
			return nil, fmt.Errorf("object payload %d: %w", i, err)
		}
		clear(payload)
		c.relocs = append(c.relocs, relocation{&o.GPUAddr, unsafe.Pointer(unsafe.SliceData(payload))})
	}

	if len(c.cmds) > 0 {
		c.relocs = append(c.relocs, relocation{&c.cache.CmdList, unsafe.Pointer(unsafe.SliceData(c.cmds))})
	}
	if len(c.objs) > 0 {
		c.relocs = append(c.relocs, relocation{&c.cache.ObjList, unsafe.Pointer(unsafe.SliceData(c.objs))})
	}
	c.relocate()

	c.kq = s.ckq
	s.ckq = nil
	return c, nil
}

func (c *CachedCommand) relocate() {
	for _, r := range c.relocs {
		r.apply()
	}
}

// Kernels returns the dispatches attributed to this submission.
func (c *CachedCommand) Kernels() []*QueuedKernel { return c.kq }

// Descriptor returns a copy of the stored submission descriptor.
func (c *CachedCommand) Descriptor() kgsl.GPUCommand { return c.cache }

// Exec resubmits the command under the session's next timestamp.
func (c *CachedCommand) Exec() error {
	c.relocate()
	s := c.s
	s.timestamp++
	c.cache.Timestamp = s.timestamp

	err := s.ic.Ioctl(s.fd, kgsl.IoctlGPUCommand, unsafe.Pointer(&c.cache))

	if s.debug >= 1 {
		logger.Log.Debug("submit", "context_id", c.cache.ContextID, "timestamp", c.cache.Timestamp,
			"kernels", len(c.kq), "ok", err == nil)
	}
	if s.debug >= 2 {
		for _, k := range c.kq {
			logger.Log.Debug(k.DebugString(false))
		}
	}
	if err != nil {
		return fmt.Errorf("GPU_COMMAND timestamp %d: %w", c.cache.Timestamp, err)
	}
	return nil
}

// CachedSync is a replayable GPUOBJ_SYNC.
type CachedSync struct {
	s    *Session
	data []byte
}

func newCachedSync(s *Session, objs []kgsl.SyncObj) *CachedSync {
	return &CachedSync{s: s, data: append([]byte(nil), kgsl.SyncObjectsBytes(objs)...)}
}

// Count is the number of sync objects held.
func (c *CachedSync) Count() int { return len(c.data) / kgsl.SyncObjSize }

func (c *CachedSync) Exec() error {
	req := kgsl.GPUObjSync{
		Objs:   kgsl.Addr(c.data),
		ObjLen: uint32(kgsl.SyncObjSize),
		Count:  uint32(c.Count()),
	}
	if err := c.s.ic.Ioctl(c.s.fd, kgsl.IoctlGPUObjSync, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("GPUOBJ_SYNC of %d objects: %w", req.Count, err)
	}
	return nil
}
