package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-thneed/internal/arrow_client"
	"github.com/23skdu/longbow-thneed/internal/bundle"
	"github.com/23skdu/longbow-thneed/internal/compute"
	"github.com/23skdu/longbow-thneed/internal/config"
	"github.com/23skdu/longbow-thneed/internal/engine"
	"github.com/23skdu/longbow-thneed/internal/logger"
	"github.com/23skdu/longbow-thneed/internal/monitoring"
	"github.com/23skdu/longbow-thneed/internal/shim"
	"github.com/23skdu/longbow-thneed/internal/simgpu"
)

type options struct {
	sim    bool
	hold   bool
	inputs []string
}

// run starts the configured servers and the run loop. Servers stop when the
// loop ends unless hold is set, in which case they stop on ctx.
func run(ctx context.Context, cfg config.Config, o options) error {
	hm := monitoring.NewHealthMonitor()
	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServers := context.WithCancel(gctx)
	defer stopServers()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Log.Info("metrics serving", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-srvCtx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	if cfg.HealthAddr != "" {
		g.Go(func() error { return hm.Start(cfg.HealthAddr) })
		g.Go(func() error {
			<-srvCtx.Done()
			return hm.Stop(context.Background())
		})
	}

	g.Go(func() error {
		if !o.hold {
			defer stopServers()
		}
		results, meta, err := execute(gctx, cfg, o, hm)
		if err != nil {
			return err
		}
		return publish(gctx, cfg, results, meta)
	})
	return g.Wait()
}

// openDevice returns the compute API and the interceptor its device requests
// pass through.
func openDevice(sim bool) (compute.API, *shim.Interceptor, error) {
	if sim {
		dev := simgpu.NewDeviceWithBuiltins()
		ic := shim.New(dev)
		return simgpu.NewLibrary(dev, ic), ic, nil
	}
	useDriver()
	api, err := compute.Open()
	if err != nil {
		return nil, nil, err
	}
	return api, shim.Default, nil
}

// openPackage reads cfg.PackagePath. The simulator falls back to the builtin
// demo package when no path is given.
func openPackage(cfg *config.Config, sim bool) (*bundle.Package, error) {
	if cfg.PackagePath != "" {
		return bundle.ReadFile(cfg.PackagePath)
	}
	if !sim {
		return nil, fmt.Errorf("package path is required")
	}
	data, err := simgpu.DemoPackage()
	if err != nil {
		return nil, err
	}
	cfg.PackagePath = "demo"
	if cfg.OutputSize == 0 {
		cfg.OutputSize = simgpu.DemoElements
	}
	return bundle.Parse(data)
}

func execute(ctx context.Context, cfg config.Config, o options, hm *monitoring.HealthMonitor) ([]arrow_client.Run, map[string]string, error) {
	api, ic, err := openDevice(o.sim)
	if err != nil {
		return nil, nil, err
	}
	pkg, err := openPackage(&cfg, o.sim)
	if err != nil {
		return nil, nil, err
	}
	if cfg.OutputSize <= 0 {
		_ = pkg.Close()
		return nil, nil, fmt.Errorf("invalid output_size: %d (must be positive)", cfg.OutputSize)
	}
	fp, err := bundle.Fingerprint(&pkg.Manifest)
	if err != nil {
		_ = pkg.Close()
		return nil, nil, err
	}

	m, err := engine.NewModelFromPackage(api, ic, cfg, pkg)
	if err != nil {
		_ = pkg.Close()
		hm.RecordFailure(err)
		return nil, nil, err
	}
	defer m.Close()
	m.SetSlow(cfg.Slow)

	for _, spec := range o.inputs {
		name, values, err := readInput(spec)
		if err != nil {
			return nil, nil, err
		}
		if err := m.SetInput(name, values); err != nil {
			return nil, nil, err
		}
	}

	logger.Log.Info("package loaded", "path", cfg.PackagePath, "fingerprint", fp,
		"kernels", len(m.Session().Kernels()), "runs", cfg.Runs)
	hm.SetSession(sessionInfo(cfg.PackagePath, fp, m.Session()))

	results := make([]arrow_client.Run, 0, cfg.Runs)
	for i := 0; i < cfg.Runs; i++ {
		if err := ctx.Err(); err != nil {
			logger.Log.Warn("interrupted", "completed", i)
			break
		}
		start := time.Now()
		out, err := m.Execute()
		d := time.Since(start)
		if err != nil {
			hm.RecordFailure(err)
			return nil, nil, fmt.Errorf("run %d: %w", i, err)
		}
		hm.RecordReplay(d)
		hm.SetSession(sessionInfo(cfg.PackagePath, fp, m.Session()))
		results = append(results, arrow_client.Run{
			Index:    i,
			Duration: d,
			Output:   append([]float32(nil), out...),
		})
		logger.Log.Debug("run complete", "run", i, "duration", d, "ledger", m.Session().LedgerLen())
	}

	if n := len(results); n > 0 {
		last := results[n-1].Output
		fmt.Printf("Output (%d values): %v\n", len(last), preview(last, 8))
	}
	return results, map[string]string{"package": cfg.PackagePath, "fingerprint": fp}, nil
}

func sessionInfo(path, fp string, s *engine.Session) monitoring.SessionInfo {
	return monitoring.SessionInfo{
		Loaded:        true,
		PackagePath:   path,
		Fingerprint:   fp,
		Kernels:       len(s.Kernels()),
		LedgerEntries: s.LedgerLen(),
		ArenaUsed:     s.Arena().Used(),
		ArenaSize:     s.Arena().Capacity(),
	}
}

// publish writes the run outputs to the export file and the Flight endpoint,
// whichever are configured.
func publish(ctx context.Context, cfg config.Config, results []arrow_client.Run, meta map[string]string) error {
	if cfg.ExportPath == "" && cfg.FlightAddr == "" {
		return nil
	}
	schema := arrow_client.OutputSchema(meta)
	rec := arrow_client.NewOutputRecord(memory.DefaultAllocator, schema, results)
	defer rec.Release()

	if cfg.ExportPath != "" {
		f, err := os.Create(cfg.ExportPath)
		if err != nil {
			return err
		}
		if err := arrow_client.WriteIPC(f, schema, rec); err != nil {
			f.Close()
			return fmt.Errorf("export %s: %w", cfg.ExportPath, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Log.Info("outputs exported", "path", cfg.ExportPath, "runs", len(results))
	}

	if cfg.FlightAddr != "" {
		fc := arrow_client.NewFlightClientAddr(cfg.FlightAddr)
		if err := fc.Connect(ctx); err != nil {
			return err
		}
		defer fc.Close()
		path := []string{"thneed", filepath.Base(meta["package"])}
		if err := fc.DoPut(ctx, path, schema, rec); err != nil {
			return err
		}
	}
	return nil
}

// readInput parses a name=file argument. The file holds little-endian
// float32 values.
func readInput(spec string) (string, []float32, error) {
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return "", nil, fmt.Errorf("invalid input %q (want name=file)", spec)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	if len(data)%4 != 0 {
		return "", nil, fmt.Errorf("input %s: %d bytes is not a whole number of float32 values", name, len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return name, values, nil
}

func preview(v []float32, n int) []float32 {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
