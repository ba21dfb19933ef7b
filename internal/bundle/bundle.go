// Package bundle reads and writes compiled session packages and loads them
// into a session.
//
// A package is a little-endian int32 manifest length, the JSON manifest, and a
// payload region. Object initializers and precompiled program binaries are
// taken from the payload in manifest order.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

var (
	ErrShortPackage    = errors.New("package truncated")
	ErrMissingToken    = errors.New("unknown memory object token")
	ErrSizeMismatch    = errors.New("size mismatch")
	ErrMultipleOutputs = errors.New("multiple outputs are not supported")
	ErrAliasWithLoad   = errors.New("aliased buffer cannot also need load")
	ErrSchema          = errors.New("manifest failed schema validation")
	ErrMissingProgram  = errors.New("no program for kernel")
)

type Manifest struct {
	Objects  []Object          `json:"objects"`
	Programs map[string]string `json:"programs"`
	Inputs   []Input           `json:"inputs"`
	Outputs  []Output          `json:"outputs"`
	Binaries []Binary          `json:"binaries"`
	Kernels  []Kernel          `json:"kernels"`
}

// Object describes one memory object. BufferID, when set, names an earlier
// object whose buffer this one reuses (the backing store of an image).
type Object struct {
	ID        RawBytes `json:"id"`
	BufferID  RawBytes `json:"buffer_id,omitempty"`
	Size      int      `json:"size"`
	NeedsLoad bool     `json:"needs_load"`
	ArgType   string   `json:"arg_type,omitempty"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	RowPitch  int      `json:"row_pitch,omitempty"`
	Float32   bool     `json:"float32,omitempty"`
}

type Input struct {
	BufferID RawBytes `json:"buffer_id"`
	Size     int      `json:"size"`
	Name     string   `json:"name"`
}

type Output struct {
	BufferID RawBytes `json:"buffer_id"`
	Size     int      `json:"size"`
}

// Binary is a precompiled program of Length bytes taken from the payload.
type Binary struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// Kernel is one dispatch. Eight-byte arguments hold memory object tokens.
type Kernel struct {
	Name           string     `json:"name"`
	WorkDim        int        `json:"work_dim"`
	GlobalWorkSize []int      `json:"global_work_size"`
	LocalWorkSize  []int      `json:"local_work_size"`
	NumArgs        int        `json:"num_args"`
	Args           []RawBytes `json:"args"`
	ArgsSize       []int      `json:"args_size"`
}

// Package is a parsed package. Payload aliases the source bytes.
type Package struct {
	Manifest Manifest
	Raw      []byte
	Payload  []byte

	unmap func() error
}

// Parse splits data into manifest and payload, validates the manifest against
// the package schema and decodes it.
func Parse(data []byte) (*Package, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPackage, len(data))
	}
	n := int(int32(binary.LittleEndian.Uint32(data)))
	if n < 0 || 4+n > len(data) {
		return nil, fmt.Errorf("%w: manifest length %d, package %d bytes", ErrShortPackage, n, len(data))
	}
	raw := data[4 : 4+n]

	if err := Validate(raw); err != nil {
		return nil, err
	}

	p := &Package{Raw: raw, Payload: data[4+n:]}
	if err := json.Unmarshal(raw, &p.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return p, nil
}

// Encode writes a package from a manifest and its payload region.
func Encode(m *Manifest, payload []byte) ([]byte, error) {
	raw, err := json.Marshal(m.normalized())
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if len(raw) > math.MaxInt32 {
		return nil, fmt.Errorf("manifest too large: %d bytes", len(raw))
	}
	out := make([]byte, 4, 4+len(raw)+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	out = append(out, raw...)
	return append(out, payload...), nil
}

// normalized returns a copy with nil collections replaced by empty ones so
// they encode as [] and {} rather than null.
func (m *Manifest) normalized() *Manifest {
	n := *m
	if n.Objects == nil {
		n.Objects = []Object{}
	}
	if n.Programs == nil {
		n.Programs = map[string]string{}
	}
	if n.Inputs == nil {
		n.Inputs = []Input{}
	}
	if n.Outputs == nil {
		n.Outputs = []Output{}
	}
	if n.Binaries == nil {
		n.Binaries = []Binary{}
	}
	n.Kernels = make([]Kernel, len(m.Kernels))
	for i, k := range m.Kernels {
		if k.GlobalWorkSize == nil {
			k.GlobalWorkSize = []int{}
		}
		if k.LocalWorkSize == nil {
			k.LocalWorkSize = []int{}
		}
		args := make([]RawBytes, len(k.Args))
		for j, a := range k.Args {
			if a == nil {
				a = RawBytes{}
			}
			args[j] = a
		}
		k.Args = args
		if k.ArgsSize == nil {
			k.ArgsSize = []int{}
		}
		n.Kernels[i] = k
	}
	return &n
}

// PayloadSize is the payload the manifest consumes: loaded objects plus
// binaries.
func (m *Manifest) PayloadSize() int {
	n := 0
	for _, o := range m.Objects {
		if o.NeedsLoad && len(o.BufferID) == 0 {
			n += o.Size
		}
	}
	for _, b := range m.Binaries {
		n += b.Length
	}
	return n
}

// Close releases the mapping of a package opened with ReadFile.
func (p *Package) Close() error {
	if p.unmap == nil {
		return nil
	}
	err := p.unmap()
	p.unmap = nil
	return err
}
