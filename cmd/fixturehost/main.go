// Command fixturehost wires the protocol core (internal/serialport through
// internal/orchestrator) into a standalone process: it identifies and
// connects to one SMT fixture, optionally runs a YAML SKU TestPlan once at
// startup, and serves Prometheus metrics until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/diodedynamics/fixturecore/internal/config"
	"github.com/diodedynamics/fixturecore/internal/dispatch"
	"github.com/diodedynamics/fixturecore/internal/metrics"
	"github.com/diodedynamics/fixturecore/internal/orchestrator"
	"github.com/diodedynamics/fixturecore/internal/smt"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixturehost: %v\n", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	events, live, progress := initDispatchers()
	logDispatchedFrames(l, events, live)
	ctrl := initController(cfg, events, live)

	if err := ctrl.Connect(ctx); err != nil {
		l.Error("connect_failed", "error", err)
		os.Exit(1)
	}
	l.Info("connected")

	if cfg.SKUPlanPath != "" {
		wg.Add(1)
		go runSKUPlan(ctx, cfg.SKUPlanPath, ctrl, progress, l, &wg)
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })

	var metricsPort int
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		metricsPort = portOf(cfg.MetricsAddr)
	}

	if cfg.MDNSEnable && metricsPort != 0 {
		cleanupMDNS, err := startMDNS(ctx, cfg, metricsPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", metricsPort)
			defer cleanupMDNS()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if err := ctrl.Disconnect(); err != nil {
		l.Warn("disconnect_error", "error", err)
	}
	wg.Wait()
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil {
		return 0
	}
	return n
}

// runSKUPlan loads a YAML SKU TestPlan from path and drives the
// orchestrator through it once. Errors are logged, not fatal: a bad plan
// file should not take down an otherwise-healthy fixturehost process.
func runSKUPlan(ctx context.Context, path string, ctrl *smt.Controller, progress *dispatch.Dispatcher, l *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	plan, err := config.LoadSKUPlan(path)
	if err != nil {
		l.Error("sku_plan_load_failed", "path", path, "error", err)
		return
	}

	result, finalState, err := orchestrator.Run(ctx, ctrl, plan, progress, func() bool { return ctx.Err() != nil })
	if err != nil {
		l.Error("sku_plan_run_failed", "error", err, "state", finalState.String())
		return
	}
	l.Info("sku_plan_complete", "state", finalState.String(), "verdict", result.Verdict())
}
