package workers

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/botsphere/botsphere/services"
)

// AggregatorWorker drives the snapshot rebuilds on cron schedules. A failed
// pass is logged and retried on the next tick; it never takes ingestion down
// with it.
type AggregatorWorker struct {
	Analytics *services.AnalyticsService
	cron      *cron.Cron
}

func NewAggregatorWorker(analytics *services.AnalyticsService) *AggregatorWorker {
	return &AggregatorWorker{
		Analytics: analytics,
		cron:      cron.New(),
	}
}

// StartAggregatorWorker registers the hourly and daily rebuild schedules and
// runs an immediate catch-up pass for the previous hour.
func (w *AggregatorWorker) StartAggregatorWorker() error {
	// Top of every hour: rebuild the hour that just closed.
	_, err := w.cron.AddFunc("0 * * * *", func() {
		w.rebuild("hour", time.Now().UTC().Add(-time.Hour))
	})
	if err != nil {
		return err
	}

	// Ten past midnight: rebuild yesterday's daily snapshot.
	_, err = w.cron.AddFunc("10 0 * * *", func() {
		w.rebuild("day", time.Now().UTC().AddDate(0, 0, -1))
	})
	if err != nil {
		return err
	}

	log.Println("Aggregator worker started, rebuilding snapshots on schedule...")
	w.cron.Start()

	// Catch up immediately so a fresh deploy has data to show.
	w.rebuild("hour", time.Now().UTC().Add(-time.Hour))
	w.rebuild("day", time.Now().UTC())

	return nil
}

// Stop waits for any in-flight rebuild to finish.
func (w *AggregatorWorker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

func (w *AggregatorWorker) rebuild(granularity string, periodStart time.Time) {
	if err := w.Analytics.Rebuild(context.Background(), granularity, periodStart); err != nil {
		log.Printf("Aggregator: %s rebuild for %s failed: %v",
			granularity, periodStart.Format(time.RFC3339), err)
	}
}
