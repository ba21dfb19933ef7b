package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalReplays atomic.Int64

var (
	IoctlTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thneed_ioctl_total",
		Help: "Device-control requests observed by the intercept shim",
	}, []string{"request"})

	IoctlErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thneed_ioctl_errors_total",
		Help: "Device-control requests that returned an error",
	}, []string{"request"})

	RecordedCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thneed_recorded_commands_total",
		Help: "GPU command submissions captured into a ledger",
	})

	RecordedSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thneed_recorded_syncs_total",
		Help: "GPU object sync requests captured into a ledger",
	})

	LedgerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thneed_ledger_entries",
		Help: "Entries in the active session ledger",
	})

	ArenaUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thneed_arena_used_bytes",
		Help: "Bytes carved out of the replay arena",
	})

	LoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "thneed_load_duration_seconds",
		Help: "Time to rebuild a session from a package",
	})

	RecordDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "thneed_record_duration_seconds",
		Help: "Duration of the recording pass",
	})

	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thneed_replay_duration_seconds",
		Help:    "Duration of a full ledger replay including input/output copies",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	})

	ReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thneed_replays_total",
		Help: "Completed ledger replays",
	})

	KernelDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thneed_kernel_dispatches_total",
		Help: "Kernels enqueued through the compute-dispatch path",
	}, []string{"kernel"})

	WaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thneed_wait_duration_seconds",
		Help:    "Time blocked waiting for a submitted timestamp",
		Buckets: prometheus.DefBuckets,
	})

	PackageBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thneed_package_bytes_total",
		Help: "Bytes consumed from package payload regions",
	}, []string{"kind"})
)

func RecordIoctl(request string, err error) {
	IoctlTotal.WithLabelValues(request).Inc()
	if err != nil {
		IoctlErrors.WithLabelValues(request).Inc()
	}
}

func RecordCapture(sync bool, ledgerLen int) {
	if sync {
		RecordedSyncs.Inc()
	} else {
		RecordedCommands.Inc()
	}
	LedgerEntries.Set(float64(ledgerLen))
}

func RecordArena(used int) {
	ArenaUsedBytes.Set(float64(used))
}

func RecordLoad(duration time.Duration) {
	LoadDuration.Observe(duration.Seconds())
}

func RecordRecording(duration time.Duration) {
	RecordDuration.Observe(duration.Seconds())
}

func RecordReplay(duration time.Duration) {
	ReplayDuration.Observe(duration.Seconds())
	ReplaysTotal.Inc()
	totalReplays.Add(1)
}

func RecordKernelDispatch(name string) {
	KernelDispatches.WithLabelValues(name).Inc()
}

func RecordWait(duration time.Duration) {
	WaitDuration.Observe(duration.Seconds())
}

func RecordPackageBytes(kind string, n int) {
	PackageBytes.WithLabelValues(kind).Add(float64(n))
}

// TotalReplays returns the process-lifetime replay count.
func TotalReplays() int64 {
	return totalReplays.Load()
}
