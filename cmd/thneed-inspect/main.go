package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/23skdu/longbow-thneed/internal/bundle"
	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/simgpu"
)

var (
	pkgPath  = flag.String("pkg", "", "Path to a compiled thneed package")
	verbose  = flag.Bool("v", false, "List every kernel argument and program source size")
	demoPath = flag.String("demo", "", "Write the builtin demo package to this path and exit")
)

func main() {
	flag.Parse()
	logger.Setup("warn", "console")

	if *demoPath != "" {
		data, err := simgpu.DemoPackage()
		if err != nil {
			logger.Log.Error("building demo package", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*demoPath, data, 0o644); err != nil {
			logger.Log.Error("writing demo package", "error", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (%d bytes)\n", *demoPath, len(data))
		return
	}

	if *pkgPath == "" {
		fmt.Println("Error: --pkg flag is required")
		flag.Usage()
		os.Exit(1)
	}

	p, err := bundle.ReadFile(*pkgPath)
	if err != nil {
		logger.Log.Error("reading package", "path", *pkgPath, "error", err)
		os.Exit(1)
	}
	defer p.Close()

	if err := describe(os.Stdout, p, *verbose); err != nil {
		logger.Log.Error("describing package", "error", err)
		os.Exit(1)
	}
}

func token(r bundle.RawBytes) string {
	tok, err := r.Token()
	if err != nil {
		return fmt.Sprintf("% x", []byte(r))
	}
	return fmt.Sprintf("%#016x", tok)
}

func describe(w io.Writer, p *bundle.Package, verbose bool) error {
	m := &p.Manifest
	fp, err := bundle.Fingerprint(m)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "fingerprint: %s\n", fp)
	fmt.Fprintf(w, "manifest:    %d bytes\n", len(p.Raw))
	fmt.Fprintf(w, "payload:     %d bytes (%d expected)\n", len(p.Payload), m.PayloadSize())

	total, loaded, images := 0, 0, 0
	for _, o := range m.Objects {
		total += o.Size
		if o.NeedsLoad {
			loaded++
		}
		if compute.IsImageType(o.ArgType) {
			images++
		}
	}
	fmt.Fprintf(w, "objects:     %d (%d bytes, %d loaded from payload, %d images)\n", len(m.Objects), total, loaded, images)

	names := make([]string, 0, len(m.Programs))
	for name := range m.Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "programs:    %d\n", len(names))
	if verbose {
		for _, name := range names {
			fmt.Fprintf(w, "  %-24s %d bytes of source\n", name, len(m.Programs[name]))
		}
	}
	fmt.Fprintf(w, "binaries:    %d\n", len(m.Binaries))
	for _, b := range m.Binaries {
		fmt.Fprintf(w, "  %-24s %d bytes\n", b.Name, b.Length)
	}

	for _, in := range m.Inputs {
		fmt.Fprintf(w, "input:       %s %s (%d bytes)\n", in.Name, token(in.BufferID), in.Size)
	}
	for _, out := range m.Outputs {
		fmt.Fprintf(w, "output:      %s (%d bytes)\n", token(out.BufferID), out.Size)
	}

	fmt.Fprintf(w, "kernels:     %d\n", len(m.Kernels))
	for i, k := range m.Kernels {
		fmt.Fprintf(w, "  %3d %-24s dim=%d global=%v local=%v args=%d\n",
			i, k.Name, k.WorkDim, k.GlobalWorkSize, k.LocalWorkSize, k.NumArgs)
		if !verbose {
			continue
		}
		for j, a := range k.Args {
			size := 0
			if j < len(k.ArgsSize) {
				size = k.ArgsSize[j]
			}
			if len(a) == 8 {
				fmt.Fprintf(w, "        arg %d: size %d %s\n", j, size, token(a))
			} else {
				fmt.Fprintf(w, "        arg %d: size %d % x\n", j, size, []byte(a))
			}
		}
	}
	return nil
}
