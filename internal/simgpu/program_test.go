package simgpu

import (
	"testing"

	"github.com/23skdu/longbow-thneed/internal/compute"
)

func TestParseKernels(t *testing.T) {
	sigs := parseKernels(BuiltinSource)
	names := make([]string, len(sigs))
	for i, s := range sigs {
		names[i] = s.name
	}
	want := []string{"copy", "square", "scale", "add", "relu"}
	if len(names) != len(want) {
		t.Fatalf("kernels %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("kernel %d = %s, want %s", i, names[i], want[i])
		}
	}
	if got := len(sigs[3].params); got != 3 {
		t.Errorf("add has %d params", got)
	}
}

func TestParseParam(t *testing.T) {
	tests := []struct {
		raw   string
		want  param
		valid bool
	}{
		{"__global const float *in", param{name: "in", typ: "float*", mem: true}, true},
		{"global half4* restrict out", param{name: "out", typ: "half4*", mem: true}, true},
		{" float factor ", param{name: "factor", typ: "float"}, true},
		{"__local float *tmp", param{name: "tmp", typ: "float*", local: true}, true},
		{"__read_only image2d_t input", param{name: "input", typ: "image2d_t", mem: true}, true},
		{"unsigned int n", param{name: "n", typ: "unsigned int"}, true},
		{"void", param{}, false},
		{"  ", param{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, ok := parseParam(tt.raw)
			if ok != tt.valid {
				t.Fatalf("ok = %v", ok)
			}
			if ok && p != tt.want {
				t.Errorf("got %+v, want %+v", p, tt.want)
			}
		})
	}
}

func TestCheckArg(t *testing.T) {
	mem := param{typ: "float*", mem: true}
	local := param{typ: "float*", local: true}
	scalar := param{typ: "float"}
	custom := param{typ: "my_struct"}

	tests := []struct {
		name  string
		p     param
		size  int
		value []byte
		want  error
	}{
		{"mem ok", mem, 8, make([]byte, 8), nil},
		{"mem wrong size", mem, 4, make([]byte, 4), compute.InvalidArgSize},
		{"mem nil value", mem, 8, nil, compute.InvalidArgValue},
		{"local ok", local, 256, nil, nil},
		{"local with value", local, 4, make([]byte, 4), compute.InvalidArgValue},
		{"local zero size", local, 0, nil, compute.InvalidArgSize},
		{"scalar ok", scalar, 4, make([]byte, 4), nil},
		{"scalar wrong size", scalar, 8, make([]byte, 8), compute.InvalidArgSize},
		{"scalar nil", scalar, 4, nil, compute.InvalidArgValue},
		{"value shorter than size", custom, 12, make([]byte, 8), compute.InvalidArgSize},
		{"unknown type any size", custom, 12, make([]byte, 12), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.checkArg(tt.size, tt.value); err != tt.want {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
