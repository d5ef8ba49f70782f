package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/diodedynamics/fixturecore/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"checksum_mismatches", snap.ChecksumMismatches,
					"timeouts", snap.Timeouts,
					"retries", snap.Retries,
					"events_dropped", snap.EventsDropped,
					"live_samples_dropped", snap.LiveSamplesDropped,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
