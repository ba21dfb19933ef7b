package simgpu

import (
	"regexp"
	"strings"

	"github.com/23skdu/longbow-thneed/internal/compute"
)

var kernelSignature = regexp.MustCompile(`(?:__)?kernel\s+void\s+(\w+)\s*\(([^)]*)\)`)

var qualifiers = map[string]bool{
	"__global": true, "global": true,
	"__constant": true, "constant": true,
	"__private": true, "private": true,
	"const": true, "restrict": true, "__restrict": true, "volatile": true,
	"__read_only": true, "read_only": true,
	"__write_only": true, "write_only": true,
	"__read_write": true, "read_write": true,
}

type param struct {
	name  string
	typ   string
	mem   bool
	local bool
}

type signature struct {
	name   string
	params []param
}

// parseKernels finds every kernel signature in an OpenCL C source.
func parseKernels(src string) []signature {
	var sigs []signature
	for _, m := range kernelSignature.FindAllStringSubmatch(src, -1) {
		sig := signature{name: m[1]}
		for _, raw := range strings.Split(m[2], ",") {
			if p, ok := parseParam(raw); ok {
				sig.params = append(sig.params, p)
			}
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

func parseParam(raw string) (param, bool) {
	fields := strings.Fields(strings.ReplaceAll(raw, "*", " * "))
	if len(fields) == 0 || (len(fields) == 1 && fields[0] == "void") {
		return param{}, false
	}

	var p param
	p.name = fields[len(fields)-1]
	var typ []string
	pointer := false
	for _, f := range fields[:len(fields)-1] {
		switch {
		case f == "*":
			pointer = true
		case f == "__local" || f == "local":
			p.local = true
		case qualifiers[f]:
		default:
			typ = append(typ, f)
		}
	}
	p.typ = strings.Join(typ, " ")
	if pointer {
		p.typ += "*"
	}
	p.mem = (pointer && !p.local) || strings.HasPrefix(p.typ, "image")
	return p, true
}

var scalarSizes = map[string]int{
	"char": 1, "uchar": 1,
	"short": 2, "ushort": 2, "half": 2,
	"int": 4, "uint": 4, "float": 4,
	"long": 8, "ulong": 8, "double": 8,
	"float2": 8, "int2": 8,
	"float4": 16, "int4": 16,
}

// checkArg validates a binding against the declared parameter.
func (p param) checkArg(size int, value []byte) error {
	switch {
	case p.local:
		if value != nil {
			return compute.InvalidArgValue
		}
		if size <= 0 {
			return compute.InvalidArgSize
		}
	case p.mem:
		if size != 8 {
			return compute.InvalidArgSize
		}
		if value == nil {
			return compute.InvalidArgValue
		}
	default:
		if value == nil {
			return compute.InvalidArgValue
		}
		if want, ok := scalarSizes[p.typ]; ok && want != size {
			return compute.InvalidArgSize
		}
	}
	if value != nil && len(value) != size {
		return compute.InvalidArgSize
	}
	return nil
}
