package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/metrics"
)

var (
	ErrArgNotFound = errors.New("kernel argument not found")
	ErrArgCount    = errors.New("argument count mismatch")
	ErrArgSize     = errors.New("argument blob does not match its declared size")
	ErrWorkDim     = errors.New("work dimension must be 1, 2 or 3")
)

// QueuedKernel is one dispatch: the program and kernel name it comes from,
// its work sizes and a snapshot of every argument. The live kernel handle is
// created lazily and can be dropped and rebuilt from the snapshot.
type QueuedKernel struct {
	s *Session

	Name           string
	Program        compute.Program
	WorkDim        int
	GlobalWorkSize [3]int
	LocalWorkSize  [3]int

	NumArgs  int
	Args     [][]byte
	ArgsSize []int
	ArgNames []string
	ArgTypes []string

	kernel compute.Kernel
}

// NewQueuedKernel builds a dispatch from stored arguments. An empty blob is a
// size-only argument.
func NewQueuedKernel(s *Session, name string, program compute.Program, workDim int, global, local []int, args [][]byte, argsSize []int) (*QueuedKernel, error) {
	if workDim < 1 || workDim > 3 {
		return nil, fmt.Errorf("%s: %w (got %d)", name, ErrWorkDim, workDim)
	}
	if len(global) < workDim || len(local) < workDim {
		return nil, fmt.Errorf("%s: work sizes shorter than work dimension %d", name, workDim)
	}
	if len(args) != len(argsSize) {
		return nil, fmt.Errorf("%s: %w: %d blobs, %d sizes", name, ErrArgCount, len(args), len(argsSize))
	}
	for i, a := range args {
		if len(a) != 0 && len(a) != argsSize[i] {
			return nil, fmt.Errorf("%s arg %d: %w: %d != %d", name, i, ErrArgSize, len(a), argsSize[i])
		}
	}

	k := &QueuedKernel{
		s:        s,
		Name:     name,
		Program:  program,
		WorkDim:  workDim,
		NumArgs:  len(args),
		Args:     args,
		ArgsSize: argsSize,
	}
	copy(k.GlobalWorkSize[:], global[:workDim])
	copy(k.LocalWorkSize[:], local[:workDim])
	return k, nil
}

// FromKernel snapshots a live kernel: its metadata comes from the compute
// API, its arguments from the session's argument cache.
func FromKernel(s *Session, kernel compute.Kernel, workDim int, global, local []int) (*QueuedKernel, error) {
	api := s.api
	name, err := api.KernelFunctionName(kernel)
	if err != nil {
		return nil, fmt.Errorf("kernel name: %w", err)
	}
	program, err := api.KernelProgram(kernel)
	if err != nil {
		return nil, fmt.Errorf("%s: kernel program: %w", name, err)
	}
	n, err := api.KernelNumArgs(kernel)
	if err != nil {
		return nil, fmt.Errorf("%s: kernel num args: %w", name, err)
	}

	args := make([][]byte, n)
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		a, ok := s.args.Lookup(kernel, i)
		if !ok {
			return nil, fmt.Errorf("%s arg %d: never bound", name, i)
		}
		args[i] = a.Value
		sizes[i] = a.Size
	}

	k, err := NewQueuedKernel(s, name, program, workDim, global, local, args, sizes)
	if err != nil {
		return nil, err
	}
	k.kernel = kernel
	if err := k.readArgInfo(); err != nil {
		return nil, err
	}
	return k, nil
}

// Kernel returns the live handle, zero if not materialized.
func (k *QueuedKernel) Kernel() compute.Kernel { return k.kernel }

// Invalidate drops the live handle; the next Exec rebuilds it.
func (k *QueuedKernel) Invalidate() { k.kernel = 0 }

func (k *QueuedKernel) materialize() error {
	api := k.s.api
	kernel, err := api.CreateKernel(k.Program, k.Name)
	if err != nil {
		return fmt.Errorf("create kernel %s: %w", k.Name, err)
	}
	k.kernel = kernel
	if err := k.readArgInfo(); err != nil {
		return err
	}
	for i := 0; i < k.NumArgs; i++ {
		var value []byte
		if len(k.Args[i]) != 0 {
			value = k.Args[i]
		}
		if err := k.s.args.SetKernelArg(api, kernel, i, k.ArgsSize[i], value); err != nil {
			return fmt.Errorf("%s arg %d (%s): %w", k.Name, i, k.ArgNames[i], err)
		}
	}
	return nil
}

func (k *QueuedKernel) readArgInfo() error {
	api := k.s.api
	k.ArgNames = make([]string, k.NumArgs)
	k.ArgTypes = make([]string, k.NumArgs)
	for i := 0; i < k.NumArgs; i++ {
		name, err := api.KernelArgName(k.kernel, i)
		if err != nil {
			return fmt.Errorf("%s arg %d name: %w", k.Name, i, err)
		}
		typ, err := api.KernelArgTypeName(k.kernel, i)
		if err != nil {
			return fmt.Errorf("%s arg %d type: %w", k.Name, i, err)
		}
		k.ArgNames[i] = name
		k.ArgTypes[i] = typ
	}
	return nil
}

// Exec materializes the kernel if needed and enqueues it with no offsets.
func (k *QueuedKernel) Exec() error {
	if k.kernel == 0 {
		if err := k.materialize(); err != nil {
			return err
		}
	}
	if debug := k.s.debug; debug >= 1 {
		logger.Log.Debug(k.DebugString(debug >= 2))
	}
	metrics.RecordKernelDispatch(k.Name)
	return k.s.api.EnqueueNDRangeKernel(k.s.queue, k.kernel, k.WorkDim,
		k.GlobalWorkSize[:k.WorkDim], k.LocalWorkSize[:k.WorkDim])
}

// ArgNum returns the index of the argument called name.
func (k *QueuedKernel) ArgNum(name string) (int, error) {
	for i, n := range k.ArgNames {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s: %w: %q", k.Name, ErrArgNotFound, name)
}

// DebugString renders the dispatch. verbose adds one line per argument with a
// best-effort decode of its value.
func (k *QueuedKernel) DebugString(verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#x %56s -- ", uintptr(k.kernel), k.Name)
	for i := 0; i < k.WorkDim; i++ {
		fmt.Fprintf(&b, "%4d ", k.GlobalWorkSize[i])
	}
	b.WriteString("-- ")
	for i := 0; i < k.WorkDim; i++ {
		fmt.Fprintf(&b, "%4d ", k.LocalWorkSize[i])
	}
	if !verbose {
		return b.String()
	}
	for i := 0; i < k.NumArgs; i++ {
		name, typ := "?", "?"
		if i < len(k.ArgNames) {
			name, typ = k.ArgNames[i], k.ArgTypes[i]
		}
		fmt.Fprintf(&b, "\n  %s %s", typ, name)
		b.WriteString(k.describeArg(i, typ))
	}
	return b.String()
}

func (k *QueuedKernel) describeArg(i int, typ string) string {
	arg := k.Args[i]
	size := k.ArgsSize[i]
	if len(arg) == 0 {
		return fmt.Sprintf(" (size) %d", size)
	}
	switch len(arg) {
	case 1:
		return fmt.Sprintf(" = %d", int8(arg[0]))
	case 2:
		return fmt.Sprintf(" = %d", int16(binary.LittleEndian.Uint16(arg)))
	case 4:
		v := binary.LittleEndian.Uint32(arg)
		if strings.HasPrefix(typ, "float") {
			return fmt.Sprintf(" = %f", math.Float32frombits(v))
		}
		return fmt.Sprintf(" = %d", int32(v))
	case 8:
		return k.describeMem(compute.Mem(binary.LittleEndian.Uint64(arg)), typ)
	default:
		return fmt.Sprintf(" (%d bytes)", len(arg))
	}
}

func (k *QueuedKernel) describeMem(m compute.Mem, typ string) string {
	s := fmt.Sprintf(" = %#x", uintptr(m))
	if m == 0 {
		return s
	}
	api := k.s.api
	memType, err := api.MemType(m)
	if err != nil {
		return s + " (" + err.Error() + ")"
	}
	if compute.IsImageType(typ) || memType == compute.MemObjectImage2D || memType == compute.MemObjectImage1DBuffer {
		info, err := api.ImageInfo(m)
		if err != nil {
			return s + " (" + err.Error() + ")"
		}
		backing := 0
		if info.Buffer != 0 {
			backing, _ = api.MemSize(info.Buffer)
		}
		s += fmt.Sprintf(" image %d x %d rp %d @ %#x buffer %d",
			info.Width, info.Height, info.RowPitch, uintptr(info.Buffer), backing)
		if info.Format.Order != compute.ChannelRGBA ||
			(info.Format.Type != compute.ChannelHalfFloat && info.Format.Type != compute.ChannelFloat) {
			s += fmt.Sprintf(" format %#x/%#x", info.Format.Order, info.Format.Type)
		}
		return s
	}
	size, err := api.MemSize(m)
	if err != nil {
		return s + " (" + err.Error() + ")"
	}
	return s + fmt.Sprintf(" buffer %d", size)
}
