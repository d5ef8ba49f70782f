package main

import (
	"log/slog"

	"github.com/diodedynamics/fixturecore/internal/config"
	"github.com/diodedynamics/fixturecore/internal/dispatch"
	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/identify"
	"github.com/diodedynamics/fixturecore/internal/metrics"
	"github.com/diodedynamics/fixturecore/internal/smt"
)

// initDispatchers builds the Event and LiveSample dispatchers, wiring each
// one's drop counter to the matching Prometheus metric (spec.md §4.5).
func initDispatchers() (events, live, progress *dispatch.Dispatcher) {
	events = dispatch.New(dispatch.WithDropCounter(metrics.IncEventDropped))
	live = dispatch.New(dispatch.WithDropCounter(metrics.IncLiveSampleDropped))
	progress = dispatch.New()
	return events, live, progress
}

// initController builds the Device Identifier and SMT Controller from cfg.
func initController(cfg *config.Config, events, live *dispatch.Dispatcher) *smt.Controller {
	identifier := identify.New(cfg.CandidatePorts, cfg.DeviceCachePath)
	if len(cfg.BaudProbeList) > 0 {
		identifier.PrimaryBaud = cfg.BaudProbeList[0]
	}
	if len(cfg.BaudProbeList) > 1 {
		identifier.AltBauds = cfg.BaudProbeList[1:]
	}
	identifier.AllowAltBaud = cfg.AllowAltBaud
	return smt.New(identifier, events, live)
}

// logDispatchedFrames subscribes demo loggers to events and live samples so
// a freshly started fixturehost prints something useful to stderr even
// without a downstream consumer attached.
func logDispatchedFrames(l *slog.Logger, events, live *dispatch.Dispatcher) {
	events.Subscribe(func(f frame.Frame) {
		l.Info("event", "payload", f.Payload)
	})
	live.Subscribe(func(f frame.Frame) {
		l.Debug("live_sample", "payload", f.Payload)
	})
}
