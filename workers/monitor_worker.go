package workers

import (
	"context"
	"log"
	"time"

	"github.com/botsphere/botsphere/internal/monitor"
)

// MonitorWorker probes storage health on a fixed interval and keeps the
// latest report available for the admin endpoints.
type MonitorWorker struct {
	Monitor  *monitor.Monitor
	Interval time.Duration
}

func NewMonitorWorker(m *monitor.Monitor, interval time.Duration) *MonitorWorker {
	return &MonitorWorker{Monitor: m, Interval: interval}
}

// StartMonitorWorker blocks, probing until the context is cancelled.
func (w *MonitorWorker) StartMonitorWorker(ctx context.Context) {
	log.Printf("Health monitor worker started, probing every %s...", w.Interval)

	// First probe immediately so the report endpoint has data.
	w.probe(ctx)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Health monitor worker stopped")
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

func (w *MonitorWorker) probe(ctx context.Context) {
	report := w.Monitor.Probe(ctx, false)
	if report.Status != monitor.StatusHealthy {
		log.Printf("Health monitor: overall status %s with %d alert(s)", report.Status, len(report.Alerts))
	}
}
