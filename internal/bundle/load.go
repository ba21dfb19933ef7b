package bundle

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/metrics"
)

// Target is the session a package is loaded into.
type Target interface {
	API() compute.API
	Context() compute.Context
	Device() compute.DeviceID
	Queue() compute.Queue
	DebugLevel() int

	AddInput(name string, m compute.Mem, size int, mapped []byte)
	SetOutput(m compute.Mem)
	AddKernel(name string, program compute.Program, workDim int, global, local []int, args [][]byte, argsSize []int) error
}

// loader carries the transient state of one Load: the token to handle table
// and the payload cursor.
type loader struct {
	t     Target
	api   compute.API
	debug int

	mems     map[uint64]compute.Mem
	programs map[string]compute.Program

	payload []byte
	cursor  int
}

// Load rebuilds memory objects, programs, inputs, the output and the kernel
// queue of a package into t, then finishes the queue.
func Load(t Target, p *Package) error {
	start := time.Now()
	l := &loader{
		t:        t,
		api:      t.API(),
		debug:    t.DebugLevel(),
		mems:     map[uint64]compute.Mem{0: 0},
		programs: make(map[string]compute.Program),
		payload:  p.Payload,
	}
	m := &p.Manifest

	steps := []struct {
		name string
		fn   func(*Manifest) error
	}{
		{"objects", l.loadObjects},
		{"programs", l.loadPrograms},
		{"inputs", l.loadInputs},
		{"outputs", l.loadOutputs},
		{"binaries", l.loadBinaries},
		{"kernels", l.loadKernels},
	}
	for _, step := range steps {
		if err := step.fn(m); err != nil {
			return fmt.Errorf("load %s: %w", step.name, err)
		}
	}

	if err := l.api.Finish(t.Queue()); err != nil {
		return fmt.Errorf("load: finish: %w", err)
	}
	metrics.RecordLoad(time.Since(start))
	logger.Log.Info("package loaded",
		"objects", len(m.Objects),
		"programs", len(l.programs),
		"inputs", len(m.Inputs),
		"kernels", len(m.Kernels),
		"payload_used", l.cursor,
		"duration", time.Since(start))
	return nil
}

// next takes n bytes from the payload region.
func (l *loader) next(n int) ([]byte, error) {
	if n < 0 || l.cursor+n > len(l.payload) {
		return nil, fmt.Errorf("%w: need %d payload bytes at offset %d, have %d",
			ErrShortPackage, n, l.cursor, len(l.payload)-l.cursor)
	}
	b := l.payload[l.cursor : l.cursor+n]
	l.cursor += n
	return b, nil
}

func (l *loader) resolve(token RawBytes) (compute.Mem, error) {
	tok, err := token.Token()
	if err != nil {
		return 0, err
	}
	mem, ok := l.mems[tok]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrMissingToken, tok)
	}
	return mem, nil
}

func (l *loader) loadObjects(m *Manifest) error {
	ctx := l.t.Context()
	for i, obj := range m.Objects {
		var mem compute.Mem
		if len(obj.BufferID) > 0 {
			if obj.NeedsLoad {
				return fmt.Errorf("object %d: %w", i, ErrAliasWithLoad)
			}
			var err error
			if mem, err = l.resolve(obj.BufferID); err != nil {
				return fmt.Errorf("object %d buffer_id: %w", i, err)
			}
		} else {
			var host []byte
			if obj.NeedsLoad {
				var err error
				if host, err = l.next(obj.Size); err != nil {
					return fmt.Errorf("object %d: %w", i, err)
				}
				metrics.RecordPackageBytes("object", obj.Size)
				if l.debug >= 1 {
					logger.Log.Debug("loading", "object", i, "size", obj.Size, "offset", l.cursor-obj.Size)
				}
			} else {
				host = make([]byte, obj.Size)
			}
			var err error
			mem, err = l.api.CreateBuffer(ctx, compute.MemCopyHostPtr|compute.MemReadWrite, obj.Size, host)
			if err != nil {
				return fmt.Errorf("object %d: create buffer of %d bytes: %w", i, obj.Size, err)
			}
		}

		if compute.IsImageType(obj.ArgType) {
			img, err := l.createImage(obj, mem)
			if err != nil {
				return fmt.Errorf("object %d: %w", i, err)
			}
			mem = img
		}

		tok, err := obj.ID.Token()
		if err != nil {
			return fmt.Errorf("object %d id: %w", i, err)
		}
		l.mems[tok] = mem
	}
	return nil
}

// createImage wraps buf as an image. The buffer stays alive as the image's
// backing store.
func (l *loader) createImage(obj Object, buf compute.Mem) (compute.Mem, error) {
	if obj.Size != obj.Height*obj.RowPitch {
		return 0, fmt.Errorf("%w: image size %d != height %d * row_pitch %d",
			ErrSizeMismatch, obj.Size, obj.Height, obj.RowPitch)
	}
	desc := compute.ImageDesc{
		Type:     compute.MemObjectImage1DBuffer,
		Width:    obj.Width,
		Height:   obj.Height,
		RowPitch: obj.RowPitch,
		Buffer:   buf,
	}
	if obj.ArgType == compute.ArgTypeImage2D {
		desc.Type = compute.MemObjectImage2D
	}
	format := compute.ImageFormat{Order: compute.ChannelRGBA, Type: compute.ChannelHalfFloat}
	if obj.Float32 {
		format.Type = compute.ChannelFloat
	}
	img, err := l.api.CreateImage(l.t.Context(), compute.MemReadWrite, format, desc, nil)
	if err != nil {
		return 0, fmt.Errorf("create image %dx%d rp %d: %w", obj.Width, obj.Height, obj.RowPitch, err)
	}
	return img, nil
}

func (l *loader) loadPrograms(m *Manifest) error {
	names := make([]string, 0, len(m.Programs))
	for name := range m.Programs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := m.Programs[name]
		if l.debug >= 1 {
			logger.Log.Debug("building", "program", name, "size", len(src))
		}
		p, err := compute.BuildProgramFromSource(l.api, l.t.Context(), l.t.Device(), src, "")
		if err != nil {
			return fmt.Errorf("program %s: %w", name, err)
		}
		l.programs[name] = p
	}
	return nil
}

func (l *loader) loadInputs(m *Manifest) error {
	for i, in := range m.Inputs {
		mem, err := l.resolve(in.BufferID)
		if err != nil {
			return fmt.Errorf("input %d (%s): %w", i, in.Name, err)
		}
		mapped, err := l.api.EnqueueMapBuffer(l.t.Queue(), mem, compute.MapWrite, 0, in.Size)
		if err != nil {
			return fmt.Errorf("input %d (%s): map: %w", i, in.Name, err)
		}
		l.t.AddInput(in.Name, mem, in.Size, mapped)
		logger.Log.Info("adding input", "name", in.Name, "size", in.Size)
	}
	return nil
}

func (l *loader) loadOutputs(m *Manifest) error {
	if len(m.Outputs) > 1 {
		return fmt.Errorf("%w: %d", ErrMultipleOutputs, len(m.Outputs))
	}
	for _, out := range m.Outputs {
		mem, err := l.resolve(out.BufferID)
		if err != nil {
			return err
		}
		if mem == 0 {
			return fmt.Errorf("%w: output resolves to a null buffer", ErrMissingToken)
		}
		l.t.SetOutput(mem)
		logger.Log.Info("adding output", "size", out.Size)
	}
	return nil
}

func (l *loader) loadBinaries(m *Manifest) error {
	for i, bin := range m.Binaries {
		b, err := l.next(bin.Length)
		if err != nil {
			return fmt.Errorf("binary %d (%s): %w", i, bin.Name, err)
		}
		metrics.RecordPackageBytes("binary", bin.Length)
		if l.debug >= 1 {
			logger.Log.Debug("binary", "name", bin.Name, "size", bin.Length)
		}
		p, err := compute.BuildProgramFromBinary(l.api, l.t.Context(), l.t.Device(), b, "")
		if err != nil {
			return fmt.Errorf("binary %s: %w", bin.Name, err)
		}
		l.programs[bin.Name] = p
	}
	return nil
}

func (l *loader) loadKernels(m *Manifest) error {
	for i, k := range m.Kernels {
		program, ok := l.programs[k.Name]
		if !ok {
			return fmt.Errorf("kernel %d: %w %q", i, ErrMissingProgram, k.Name)
		}
		if k.NumArgs != len(k.Args) || k.NumArgs != len(k.ArgsSize) {
			return fmt.Errorf("kernel %d (%s): %w: num_args %d, %d args, %d sizes",
				i, k.Name, ErrSizeMismatch, k.NumArgs, len(k.Args), len(k.ArgsSize))
		}

		args := make([][]byte, k.NumArgs)
		for j, a := range k.Args {
			if k.ArgsSize[j] == 8 && len(a) > 0 {
				mem, err := l.resolve(a)
				if err != nil {
					return fmt.Errorf("kernel %d (%s) arg %d: %w", i, k.Name, j, err)
				}
				args[j] = binary.LittleEndian.AppendUint64(nil, uint64(mem))
				continue
			}
			args[j] = []byte(a)
		}

		if err := l.t.AddKernel(k.Name, program, k.WorkDim, k.GlobalWorkSize, k.LocalWorkSize, args, k.ArgsSize); err != nil {
			return fmt.Errorf("kernel %d: %w", i, err)
		}
	}
	return nil
}
