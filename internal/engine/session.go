package engine

import (
	"errors"
	"fmt"
	"math"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-thneed/internal/arena"
	"github.com/23skdu/longbow-thneed/internal/argcache"
	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/config"
	"github.com/23skdu/longbow-thneed/internal/kgsl"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/metrics"
	"github.com/23skdu/longbow-thneed/internal/shim"
)

var (
	ErrNoDevice    = errors.New("no GPU object allocation observed yet; device fd unknown")
	ErrShortInput  = errors.New("input shorter than bound buffer")
	ErrShortOutput = errors.New("output destination shorter than output buffer")
	ErrInputCount  = errors.New("more inputs than bound input buffers")
)

// LedgerEntry is one replayable driver request.
type LedgerEntry interface {
	Exec() error
}

// Session owns the compute context, the replay arena and the ledger of
// captured driver requests. At most one session is active in the shim.
type Session struct {
	api compute.API
	ic  *shim.Interceptor

	dev   compute.DeviceID
	ctx   compute.Context
	queue compute.Queue

	fd        int
	timestamp uint32
	contextID uint32
	record    bool
	debug     int

	ram  *arena.Arena
	args *argcache.Cache

	cmds []LedgerEntry
	kq   []*QueuedKernel
	ckq  []*QueuedKernel

	inputs     [][]byte
	inputMems  []compute.Mem
	inputSizes []int
	inputNames []string
	output     compute.Mem
}

// Option adjusts a session before it initializes.
type Option func(*Session)

// WithContext adopts an existing compute context instead of creating one.
func WithContext(dev compute.DeviceID, ctx compute.Context) Option {
	return func(s *Session) {
		s.dev = dev
		s.ctx = ctx
	}
}

// WithArgCache binds kernel arguments through c instead of argcache.Default.
func WithArgCache(c *argcache.Cache) Option {
	return func(s *Session) {
		s.args = c
	}
}

// NewSession initializes compute (when cfg.CLInit is set), maps the replay
// arena on the device fd the shim has seen, and becomes the active session.
func NewSession(api compute.API, ic *shim.Interceptor, cfg config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		api:       api,
		ic:        ic,
		fd:        -1,
		timestamp: math.MaxUint32,
		debug:     cfg.Debug,
		args:      argcache.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	logger.EnableVerbosity(s.debug)

	// must be in place before the context is created
	ic.SetPriority(cfg.ContextPriority)

	if cfg.CLInit {
		if err := s.CLInit(); err != nil {
			return nil, err
		}
	}

	s.fd = ic.FD()
	if s.fd == -1 {
		return nil, ErrNoDevice
	}

	mem, err := kgsl.MapGPUObject(ic, s.fd, cfg.ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("mapping replay arena: %w", err)
	}
	s.ram = arena.New(mem)
	logger.Log.Info("replay arena mapped", "fd", s.fd, "size", len(mem))

	ic.Activate(s)
	return s, nil
}

// CLInit obtains the device and creates the context (unless adopted) and the
// command queue.
func (s *Session) CLInit() error {
	if s.dev == 0 {
		dev, err := s.api.DefaultDevice()
		if err != nil {
			return fmt.Errorf("device lookup: %w", err)
		}
		s.dev = dev
	}
	if s.ctx == 0 {
		ctx, err := s.api.CreateContext(s.dev)
		if err != nil {
			return fmt.Errorf("create context: %w", err)
		}
		s.ctx = ctx
	}
	q, err := s.api.CreateCommandQueue(s.ctx, s.dev)
	if err != nil {
		return fmt.Errorf("create command queue: %w", err)
	}
	s.queue = q
	return nil
}

// CLExec runs every queued kernel through the compute API and finishes the
// queue. While recording, each kernel is attributed to the next captured
// command.
func (s *Session) CLExec() error {
	if s.debug >= 1 {
		logger.Log.Debug("clexec", "kernels", len(s.kq))
	}
	for i, k := range s.kq {
		if s.record {
			s.ckq = append(s.ckq, k)
		}
		if err := k.Exec(); err != nil {
			return fmt.Errorf("kernel %d (%s): %w", i, k.Name, err)
		}
	}
	return s.api.Finish(s.queue)
}

// Execute replays the ledger. Inputs are copied straight into the mapped input
// regions; the output buffer is read back into output when it is non-nil.
func (s *Session) Execute(inputs [][]byte, output []byte, slow bool) error {
	start := time.Now()
	if err := s.CopyInputs(inputs, true); err != nil {
		return err
	}
	if s.debug >= 1 {
		logger.Log.Debug("inputs copied", "elapsed", time.Since(start))
	}

	for i, entry := range s.cmds {
		step := time.Now()
		if err := entry.Exec(); err != nil {
			return fmt.Errorf("ledger entry %d: %w", i, err)
		}
		if i == len(s.cmds)-1 || slow {
			if err := s.Wait(); err != nil {
				return fmt.Errorf("ledger entry %d: %w", i, err)
			}
		}
		if s.debug >= 1 {
			logger.Log.Debug("replayed", "step", i+1, "of", len(s.cmds),
				"step_time", time.Since(step), "elapsed", time.Since(start))
		}
	}

	if output != nil {
		if err := s.CopyOutput(output); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	metrics.RecordReplay(elapsed)
	if s.debug >= 1 {
		logger.Log.Debug("replay done", "entries", len(s.cmds), "total", elapsed)
	}
	return nil
}

// Wait blocks until the device retires the session's current timestamp.
func (s *Session) Wait() error {
	w := kgsl.WaitTimestamp{
		ContextID: s.contextID,
		Timestamp: s.timestamp,
		Timeout:   kgsl.TimeoutInfinite,
	}
	start := time.Now()
	err := s.ic.Ioctl(s.fd, kgsl.IoctlWaitTimestampCtxtID, unsafe.Pointer(&w))
	metrics.RecordWait(time.Since(start))
	if err != nil {
		return fmt.Errorf("wait for timestamp %d on context %d: %w", s.timestamp, s.contextID, err)
	}
	return nil
}

// StartRecording makes the next CLExec capture its driver traffic.
func (s *Session) StartRecording() {
	s.record = true
}

// Stop ends recording. The session is replay-only afterwards.
func (s *Session) Stop() {
	s.record = false
}

// ledgerMark is the capture state before a recording pass.
type ledgerMark struct {
	n         int
	timestamp uint32
	contextID uint32
}

func (s *Session) markLedger() ledgerMark {
	return ledgerMark{n: len(s.cmds), timestamp: s.timestamp, contextID: s.contextID}
}

// rollbackLedger drops everything captured since mark, including a
// submission the driver rejected after it was captured. Arena space taken by
// the dropped entries is not reclaimed.
func (s *Session) rollbackLedger(mark ledgerMark) {
	if dropped := len(s.cmds) - mark.n; dropped > 0 {
		logger.Log.Warn("discarding failed recording", "entries", dropped)
	}
	clear(s.cmds[mark.n:])
	s.cmds = s.cmds[:mark.n]
	s.ckq = nil
	s.timestamp = mark.timestamp
	s.contextID = mark.contextID
}

// CopyInputs writes caller payloads into the input buffers. internal copies
// into the mapped regions directly; otherwise the writes go through the compute
// API. A nil input leaves its buffer untouched.
func (s *Session) CopyInputs(inputs [][]byte, internal bool) error {
	if len(inputs) > len(s.inputs) {
		return fmt.Errorf("%w: got %d, have %d", ErrInputCount, len(inputs), len(s.inputs))
	}
	for i, in := range inputs {
		if in == nil {
			continue
		}
		size := s.inputSizes[i]
		if len(in) < size {
			return fmt.Errorf("%w: input %d is %d bytes, buffer is %d", ErrShortInput, i, len(in), size)
		}
		if internal {
			copy(s.inputs[i], in[:size])
			continue
		}
		if err := s.api.EnqueueWriteBuffer(s.queue, s.inputMems[i], 0, in[:size]); err != nil {
			return fmt.Errorf("writing input %d: %w", i, err)
		}
	}
	return nil
}

// CopyOutput reads the whole output buffer into dst.
func (s *Session) CopyOutput(dst []byte) error {
	if s.output == 0 {
		logger.Log.Warn("no output buffer bound, output not copied")
		return nil
	}
	size, err := s.api.MemSize(s.output)
	if err != nil {
		return fmt.Errorf("output size: %w", err)
	}
	if len(dst) < size {
		return fmt.Errorf("%w: %d < %d", ErrShortOutput, len(dst), size)
	}
	if err := s.api.EnqueueReadBuffer(s.queue, s.output, 0, dst[:size]); err != nil {
		return fmt.Errorf("reading output: %w", err)
	}
	return nil
}

// CaptureCommand appends a cached copy of cmd to the ledger.
func (s *Session) CaptureCommand(cmd *kgsl.GPUCommand) error {
	s.timestamp = cmd.Timestamp
	s.contextID = cmd.ContextID
	c, err := newCachedCommand(s, cmd)
	if err != nil {
		return err
	}
	s.cmds = append(s.cmds, c)
	metrics.RecordCapture(false, len(s.cmds))
	metrics.RecordArena(s.ram.Used())
	return nil
}

// CaptureSync appends a cached copy of a sync object array to the ledger.
func (s *Session) CaptureSync(objs []kgsl.SyncObj) error {
	s.cmds = append(s.cmds, newCachedSync(s, objs))
	metrics.RecordCapture(true, len(s.cmds))
	return nil
}

func (s *Session) Recording() bool { return s.record }
func (s *Session) DebugLevel() int { return s.debug }
func (s *Session) LedgerLen() int  { return len(s.cmds) }

// Ledger returns the captured entries in recording order.
func (s *Session) Ledger() []LedgerEntry { return s.cmds }

func (s *Session) Queue() compute.Queue { return s.queue }

func (s *Session) Context() compute.Context { return s.ctx }

func (s *Session) Device() compute.DeviceID { return s.dev }

func (s *Session) API() compute.API { return s.api }

// Kernels returns the dispatch queue.
func (s *Session) Kernels() []*QueuedKernel { return s.kq }

func (s *Session) Arena() *arena.Arena { return s.ram }

// Timestamp returns the last timestamp submitted for the session's context.
func (s *Session) Timestamp() uint32 { return s.timestamp }

// Enqueue appends a kernel to the dispatch queue.
func (s *Session) Enqueue(k *QueuedKernel) {
	s.kq = append(s.kq, k)
}

// AddKernel builds a queued kernel from stored arguments and enqueues it.
func (s *Session) AddKernel(name string, program compute.Program, workDim int, global, local []int, args [][]byte, argsSize []int) error {
	k, err := NewQueuedKernel(s, name, program, workDim, global, local, args, argsSize)
	if err != nil {
		return err
	}
	s.Enqueue(k)
	return nil
}

// AddInput binds an input buffer and its mapped host region.
func (s *Session) AddInput(name string, m compute.Mem, size int, mapped []byte) {
	s.inputNames = append(s.inputNames, name)
	s.inputMems = append(s.inputMems, m)
	s.inputSizes = append(s.inputSizes, size)
	s.inputs = append(s.inputs, mapped)
}

// SetOutput binds the output buffer.
func (s *Session) SetOutput(m compute.Mem) {
	s.output = m
}

// InputIndex returns the position of a named input.
func (s *Session) InputIndex(name string) (int, bool) {
	for i, n := range s.inputNames {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

func (s *Session) InputNames() []string { return s.inputNames }

func (s *Session) InputSizes() []int { return s.inputSizes }

func (s *Session) Output() compute.Mem { return s.output }

// Close releases the active slot. Device allocations are left to process
// exit.
func (s *Session) Close() {
	s.record = false
	s.ic.Deactivate(s)
}

// Float32Bytes views f as raw bytes.
func Float32Bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(f))), len(f)*4)
}
