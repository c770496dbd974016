package modload

import (
	"sync"
	"time"
)

// LoadMetric records one settled module load, successful or not.
type LoadMetric struct {
	ModuleID       string                         `json:"moduleId"`
	StartedAt      time.Time                      `json:"startedAt"`
	CompletedAt    time.Time                      `json:"completedAt"`
	Duration       time.Duration                  `json:"duration"`
	PhaseDurations map[LoadingPhase]time.Duration `json:"phaseDurations,omitempty"`
	RetryCount     int                            `json:"retryCount"`
	CacheHit       bool                           `json:"cacheHit"`
	Success        bool                           `json:"success"`
	Network        NetworkCondition               `json:"network"`
	ErrorCategory  ErrorCategory                  `json:"errorCategory,omitempty"`
}

// MetricsSummary aggregates the retained load metrics.
type MetricsSummary struct {
	TotalLoads      int           `json:"totalLoads"`
	SuccessRate     float64       `json:"successRate"`
	CacheHitRate    float64       `json:"cacheHitRate"`
	AverageDuration time.Duration `json:"averageDuration"`
	TotalRetries    int           `json:"totalRetries"`
}

// metricsKept bounds the retained metric history.
const metricsKept = 100

// MetricsRecorder keeps a bounded history of load metrics.
type MetricsRecorder struct {
	mu      sync.Mutex
	records []LoadMetric
}

// NewMetricsRecorder creates an empty recorder.
func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

// Record appends a metric, dropping the oldest beyond the retention bound.
func (m *MetricsRecorder) Record(metric LoadMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, metric)
	if len(m.records) > metricsKept {
		m.records = m.records[len(m.records)-metricsKept:]
	}
}

// Recent returns a copy of the retained metrics, oldest first.
func (m *MetricsRecorder) Recent() []LoadMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoadMetric, len(m.records))
	copy(out, m.records)
	return out
}

// Summary aggregates the retained metrics.
func (m *MetricsRecorder) Summary() MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := MetricsSummary{TotalLoads: len(m.records)}
	if len(m.records) == 0 {
		return summary
	}

	successes, cacheHits := 0, 0
	var total time.Duration
	for _, rec := range m.records {
		if rec.Success {
			successes++
		}
		if rec.CacheHit {
			cacheHits++
		}
		total += rec.Duration
		summary.TotalRetries += rec.RetryCount
	}
	summary.SuccessRate = float64(successes) / float64(len(m.records))
	summary.CacheHitRate = float64(cacheHits) / float64(len(m.records))
	summary.AverageDuration = total / time.Duration(len(m.records))
	return summary
}
