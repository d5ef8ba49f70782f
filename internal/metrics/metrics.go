// Package metrics exposes Prometheus counters/gauges for the protocol core
// plus a small HTTP surface (/metrics, /ready), adapted from the CAN-gateway
// counters this codebase was grown from.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/diodedynamics/fixturecore/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_checksum_mismatch_total",
		Help: "Total inbound frames rejected for a checksum mismatch.",
	})
	CommandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_timeout_total",
		Help: "Total commands that timed out waiting for a response.",
	})
	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "command_retry_total",
		Help: "Total commands retried once after a transient failure.",
	})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_dropped_total",
		Help: "Total events dropped from a full subscriber queue (drop-oldest).",
	})
	LiveSamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_sample_dropped_total",
		Help: "Total live-sample frames dropped from a full queue (drop-oldest).",
	})
	ResponsesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "response_discarded_total",
		Help: "Total responses discarded: no live command slot matched.",
	})
	IdentifyAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identify_attempt_total",
		Help: "Total device identification probe attempts across all ports/bauds.",
	})
	IdentifySuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identify_success_total",
		Help: "Total successful device identifications.",
	})
	ReaderPauseDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reader_pause_depth",
		Help: "Current nesting depth of reader task Pause calls (0 = Running).",
	})
	CommandInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "command_inflight",
		Help: "Whether a command is currently in flight on the transport (0 or 1).",
	})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "command_duration_seconds",
		Help:    "Observed latency of Command Channel send() calls.",
		Buckets: prometheus.DefBuckets,
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem/kind.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTransport  = "transport"
	ErrTimeout    = "timeout"
	ErrChecksum   = "checksum"
	ErrProtocol   = "protocol"
	ErrValidation = "validation"
	ErrDeviceBusy = "device_busy"
	ErrIdentify   = "identify"
	ErrCancelled  = "cancelled"
)

// Local mirrored counters for cheap periodic logging without scraping
// Prometheus in-process.
var (
	localChecksumMismatches uint64
	localTimeouts           uint64
	localRetries            uint64
	localEventsDropped      uint64
	localLiveDropped        uint64
	localErrors             uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	ChecksumMismatches uint64
	Timeouts           uint64
	Retries            uint64
	EventsDropped      uint64
	LiveSamplesDropped uint64
	Errors             uint64
}

func Snap() Snapshot {
	return Snapshot{
		ChecksumMismatches: atomic.LoadUint64(&localChecksumMismatches),
		Timeouts:           atomic.LoadUint64(&localTimeouts),
		Retries:            atomic.LoadUint64(&localRetries),
		EventsDropped:      atomic.LoadUint64(&localEventsDropped),
		LiveSamplesDropped: atomic.LoadUint64(&localLiveDropped),
		Errors:             atomic.LoadUint64(&localErrors),
	}
}

func IncChecksumMismatch() {
	ChecksumMismatches.Inc()
	atomic.AddUint64(&localChecksumMismatches, 1)
}

func IncCommandTimeout() {
	CommandTimeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncCommandRetry() {
	CommandRetries.Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncEventDropped() {
	EventsDropped.Inc()
	atomic.AddUint64(&localEventsDropped, 1)
}

func IncLiveSampleDropped() {
	LiveSamplesDropped.Inc()
	atomic.AddUint64(&localLiveDropped, 1)
}

func IncResponseDiscarded() { ResponsesDiscarded.Inc() }

func IncIdentifyAttempt() { IdentifyAttempts.Inc() }
func IncIdentifySuccess() { IdentifySuccesses.Inc() }

func SetReaderPauseDepth(n int) { ReaderPauseDepth.Set(float64(n)) }

func SetCommandInFlight(b bool) {
	if b {
		CommandInFlight.Set(1)
		return
	}
	CommandInFlight.Set(0)
}

func ObserveCommandDuration(seconds float64) { CommandDuration.Observe(seconds) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo pre-registers common error label series so the first error
// of each kind does not incur registration latency, and records version
// metadata as a constant gauge (value always 1) for dashboards.
func InitBuildInfo(version, commit, date string) {
	buildInfo := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	buildInfo.WithLabelValues(version, commit, date).Set(1)

	for _, lbl := range []string{
		ErrTransport, ErrTimeout, ErrChecksum, ErrProtocol,
		ErrValidation, ErrDeviceBusy, ErrIdentify, ErrCancelled,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics and a readiness probe on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
