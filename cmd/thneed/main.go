package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/23skdu/longbow-thneed/internal/config"
	"github.com/23skdu/longbow-thneed/internal/logger"
)

var (
	pkgPath     = flag.String("pkg", "", "Path to a compiled thneed package")
	outputSize  = flag.Int("output-size", 0, "Number of float32 values in the output")
	runs        = flag.Int("runs", 1, "Number of executions (the first one records)")
	slow        = flag.Bool("slow", false, "Wait after every ledger entry during replay")
	sim         = flag.Bool("sim", false, "Run against the simulated device instead of the GPU")
	hold        = flag.Bool("hold", false, "Keep the metrics and health servers up after the last run")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (empty disables)")
	healthAddr  = flag.String("health", "", "Address to serve health and status (empty disables)")
	exportPath  = flag.String("export", "", "Write replay outputs as an Arrow IPC stream to this file")
	flightAddr  = flag.String("flight", "", "Upload replay outputs to this Arrow Flight endpoint")
	debug       = flag.Int("debug", -1, "Engine verbosity 0-2 (overrides THNEED_DEBUG)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "", "Log format: console or json")
)

// inputFlags collects repeated -input name=file arguments.
type inputFlags []string

func (f *inputFlags) String() string { return strings.Join(*f, ",") }

func (f *inputFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var inputs inputFlags
	flag.Var(&inputs, "input", "Input override as name=file of little-endian float32 (repeatable)")
	flag.Parse()

	cfg := config.FromEnv(config.Default())
	cfg.PackagePath = *pkgPath
	cfg.OutputSize = *outputSize
	cfg.Runs = *runs
	cfg.Slow = *slow
	cfg.MetricsAddr = *metricsAddr
	cfg.HealthAddr = *healthAddr
	cfg.ExportPath = *exportPath
	cfg.FlightAddr = *flightAddr
	if *debug >= 0 {
		cfg.Debug = min(*debug, 2)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if !*sim {
		if err := cfg.NeedsPackage(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			flag.Usage()
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, cfg, options{sim: *sim, hold: *hold, inputs: inputs})
	if err != nil {
		logger.Log.Error("thneed failed", "error", err)
		stop()
		os.Exit(1)
	}
}
