package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// monitoredTables are probed in this order on every pass.
var monitoredTables = []string{
	"businesses",
	"channel_integrations",
	"bots",
	"conversations",
	"messages",
	"analytics_snapshots",
}

type ResourceHealth struct {
	Resource  string  `json:"resource"`
	Status    string  `json:"status"`
	LatencyMs int64   `json:"latency_ms"`
	Records   int64   `json:"records"`
	Error     *string `json:"error,omitempty"`
}

type Alert struct {
	Severity string  `json:"severity"` // warning, critical
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
}

type Recommendation struct {
	Priority   string `json:"priority"` // low, medium, high
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

type HealthReport struct {
	Status          string           `json:"status"`
	CheckedAt       time.Time        `json:"checked_at"`
	AvgLatencyMs    float64          `json:"avg_latency_ms"`
	Resources       []ResourceHealth `json:"resources"`
	Alerts          []Alert          `json:"alerts"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Monitor probes the storage tables and redis with bounded-timeout queries
// and classifies each against latency thresholds. Probes are isolated: one
// failing resource degrades the report, never the other probes.
type Monitor struct {
	PG    *sql.DB
	Redis *redis.Client

	ProbeTimeout time.Duration
	WarningMs    int64
	CriticalMs   int64

	mu   sync.RWMutex
	last *HealthReport
}

func New(pg *sql.DB, rdb *redis.Client, probeTimeout time.Duration, warningMs, criticalMs int64) *Monitor {
	return &Monitor{
		PG:           pg,
		Redis:        rdb,
		ProbeTimeout: probeTimeout,
		WarningMs:    warningMs,
		CriticalMs:   criticalMs,
	}
}

// Probe runs one pass over every resource and stores the report as the
// latest. Detailed mode adds recommendations for the slowest resource.
func (m *Monitor) Probe(ctx context.Context, detailed bool) *HealthReport {
	report := &HealthReport{
		Status:    StatusHealthy,
		CheckedAt: time.Now().UTC(),
		Resources: []ResourceHealth{},
		Alerts:    []Alert{},
	}

	for _, table := range monitoredTables {
		report.Resources = append(report.Resources, m.probeTable(ctx, table))
	}
	report.Resources = append(report.Resources, m.probeRedis(ctx))

	var totalLatency int64
	for _, r := range report.Resources {
		totalLatency += r.LatencyMs
		report.Status = worseStatus(report.Status, r.Status)

		switch r.Status {
		case StatusCritical:
			msg := fmt.Sprintf("%s responded in %dms", r.Resource, r.LatencyMs)
			if r.Error != nil {
				msg = fmt.Sprintf("%s probe failed: %s", r.Resource, *r.Error)
			}
			report.Alerts = append(report.Alerts, Alert{
				Severity: "critical",
				Message:  msg,
				Value:    float64(r.LatencyMs),
			})
		case StatusWarning:
			report.Alerts = append(report.Alerts, Alert{
				Severity: "warning",
				Message:  fmt.Sprintf("%s responded in %dms, above the %dms warning threshold", r.Resource, r.LatencyMs, m.WarningMs),
				Value:    float64(r.LatencyMs),
			})
		}
	}
	if len(report.Resources) > 0 {
		report.AvgLatencyMs = float64(totalLatency) / float64(len(report.Resources))
	}

	if detailed {
		report.Recommendations = m.recommend(report)
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// Latest returns the most recent report, or nil when no probe has run yet.
func (m *Monitor) Latest() *HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) probeTable(ctx context.Context, table string) ResourceHealth {
	ctx, cancel := context.WithTimeout(ctx, m.ProbeTimeout)
	defer cancel()

	start := time.Now()
	var count int64
	err := m.PG.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&count)
	latency := time.Since(start).Milliseconds()

	health := ResourceHealth{
		Resource:  table,
		LatencyMs: latency,
		Records:   count,
	}
	if err != nil {
		errMsg := err.Error()
		health.Status = StatusCritical
		health.Error = &errMsg
		return health
	}
	health.Status = m.classify(latency)
	return health
}

func (m *Monitor) probeRedis(ctx context.Context) ResourceHealth {
	health := ResourceHealth{Resource: "redis"}
	if m.Redis == nil {
		errMsg := "redis client not configured"
		health.Status = StatusCritical
		health.Error = &errMsg
		return health
	}

	ctx, cancel := context.WithTimeout(ctx, m.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.Redis.Ping(ctx).Err()
	health.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		errMsg := err.Error()
		health.Status = StatusCritical
		health.Error = &errMsg
		return health
	}
	health.Status = m.classify(health.LatencyMs)
	return health
}

func (m *Monitor) classify(latencyMs int64) string {
	switch {
	case latencyMs >= m.CriticalMs:
		return StatusCritical
	case latencyMs >= m.WarningMs:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// recommend points at the slowest resource when the report is degraded.
func (m *Monitor) recommend(report *HealthReport) []Recommendation {
	recs := []Recommendation{}
	if len(report.Resources) == 0 {
		return recs
	}

	slowest := report.Resources[0]
	for _, r := range report.Resources[1:] {
		if r.LatencyMs > slowest.LatencyMs {
			slowest = r
		}
	}

	switch slowest.Status {
	case StatusCritical:
		suggestion := "Check database load and connection pool saturation"
		if slowest.Error != nil {
			suggestion = "Verify the resource is reachable and credentials are valid"
		}
		recs = append(recs, Recommendation{
			Priority:   "high",
			Message:    fmt.Sprintf("%s is the slowest resource at %dms", slowest.Resource, slowest.LatencyMs),
			Suggestion: suggestion,
		})
	case StatusWarning:
		recs = append(recs, Recommendation{
			Priority:   "medium",
			Message:    fmt.Sprintf("%s is the slowest resource at %dms", slowest.Resource, slowest.LatencyMs),
			Suggestion: "Review indexes and recent query plans for this table",
		})
	default:
		recs = append(recs, Recommendation{
			Priority:   "low",
			Message:    fmt.Sprintf("All resources healthy, slowest is %s at %dms", slowest.Resource, slowest.LatencyMs),
			Suggestion: "No action needed",
		})
	}
	return recs
}

func worseStatus(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
