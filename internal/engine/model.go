package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-thneed/internal/bundle"
	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/config"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/metrics"
	"github.com/23skdu/longbow-thneed/internal/shim"
)

// Model runs a package: the first Execute records, every later one replays.
type Model struct {
	s      *Session
	pkg    *bundle.Package
	inputs [][]float32
	output []float32

	recorded bool
	slow     bool
}

// NewModel loads the package named by cfg into a new session and runs the
// kernel queue once through the compute API to warm it up.
func NewModel(api compute.API, ic *shim.Interceptor, cfg config.Config, opts ...Option) (*Model, error) {
	if err := cfg.NeedsPackage(); err != nil {
		return nil, err
	}
	pkg, err := bundle.ReadFile(cfg.PackagePath)
	if err != nil {
		return nil, err
	}
	m, err := NewModelFromPackage(api, ic, cfg, pkg, opts...)
	if err != nil {
		_ = pkg.Close()
		return nil, err
	}
	return m, nil
}

// NewModelFromPackage is NewModel for an already parsed package.
func NewModelFromPackage(api compute.API, ic *shim.Interceptor, cfg config.Config, pkg *bundle.Package, opts ...Option) (*Model, error) {
	s, err := NewSession(api, ic, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := bundle.Load(s, pkg); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.CLExec(); err != nil {
		s.Close()
		return nil, fmt.Errorf("warm-up: %w", err)
	}
	return &Model{
		s:      s,
		pkg:    pkg,
		inputs: make([][]float32, len(s.inputs)),
		output: make([]float32, cfg.OutputSize),
	}, nil
}

func (m *Model) Session() *Session { return m.s }

func (m *Model) Package() *bundle.Package { return m.pkg }

// SetSlow makes replays wait after every ledger entry instead of only the
// last.
func (m *Model) SetSlow(slow bool) { m.slow = slow }

// SetInput binds the values for a named input. The slice is read on every
// Execute until replaced.
func (m *Model) SetInput(name string, values []float32) error {
	i, ok := m.s.InputIndex(name)
	if !ok {
		return fmt.Errorf("unknown input %q", name)
	}
	m.inputs[i] = values
	return nil
}

// InputBuffer returns the memory object bound to a named input.
func (m *Model) InputBuffer(name string) (compute.Mem, bool) {
	i, ok := m.s.InputIndex(name)
	if !ok {
		return 0, false
	}
	return m.s.inputMems[i], true
}

// Execute runs the model and returns the output slice, which is reused across
// calls.
func (m *Model) Execute() ([]float32, error) {
	in := make([][]byte, len(m.inputs))
	for i, v := range m.inputs {
		in[i] = Float32Bytes(v)
	}
	out := Float32Bytes(m.output)

	if m.recorded {
		if err := m.s.Execute(in, out, m.slow); err != nil {
			return nil, err
		}
		return m.output, nil
	}

	start := time.Now()
	mark := m.s.markLedger()
	fail := func(err error) ([]float32, error) {
		m.s.Stop()
		m.s.rollbackLedger(mark)
		return nil, err
	}
	m.s.StartRecording()
	if err := m.s.CopyInputs(in, false); err != nil {
		return fail(err)
	}
	if err := m.s.CLExec(); err != nil {
		return fail(fmt.Errorf("recording pass: %w", err))
	}
	if err := m.s.CopyOutput(out); err != nil {
		return fail(err)
	}
	m.s.Stop()
	m.recorded = true
	metrics.RecordRecording(time.Since(start))
	logger.Log.Info("recorded", "ledger", len(m.s.cmds), "arena_used", m.s.ram.Used(), "duration", time.Since(start))
	return m.output, nil
}

// Close releases the active slot and the package mapping.
func (m *Model) Close() error {
	m.s.Close()
	return m.pkg.Close()
}
