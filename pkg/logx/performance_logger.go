package logx

import (
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger tracks durations of named control operations
// (solver passes, handover evaluations) and logs the slow ones
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration
	mu            sync.RWMutex
	metrics       map[string]*PerformanceMetric
}

// PerformanceMetric aggregates the timings of one operation
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// Operation is an in-flight timed operation
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger; operations slower than
// slowThreshold are logged at warn level
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	if slowThreshold <= 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// Start begins timing an operation
func (pl *PerformanceLogger) Start(name string) *Operation {
	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the operation outcome and returns its duration
func (op *Operation) Complete(err error) time.Duration {
	duration := time.Since(op.start)
	pl := op.pl

	pl.mu.Lock()
	metric, ok := pl.metrics[op.name]
	if !ok {
		metric = &PerformanceMetric{Name: op.name, MinDuration: duration}
		pl.metrics[op.name] = metric
	}
	metric.Count++
	metric.TotalDuration += duration
	metric.LastExecuted = time.Now()
	if duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	metric.AvgDuration = metric.TotalDuration / time.Duration(metric.Count)
	if err != nil {
		metric.ErrorCount++
	}
	count, errCount := metric.Count, metric.ErrorCount
	pl.mu.Unlock()

	if err != nil {
		pl.logger.Debug("Operation finished with error",
			"operation", op.name,
			"duration", duration.String(),
			"error", err,
			"error_rate", fmt.Sprintf("%.2f%%", float64(errCount)/float64(count)*100))
	} else if duration > pl.slowThreshold {
		pl.logger.Warn("Slow operation",
			"operation", op.name,
			"duration", duration.String(),
			"threshold", pl.slowThreshold.String())
	}
	return duration
}

// GetMetric returns a copy of one metric, or nil
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	metric, ok := pl.metrics[name]
	if !ok {
		return nil
	}
	cp := *metric
	return &cp
}

// GetAllMetrics returns copies of all metrics
func (pl *PerformanceLogger) GetAllMetrics() map[string]*PerformanceMetric {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	out := make(map[string]*PerformanceMetric, len(pl.metrics))
	for name, metric := range pl.metrics {
		cp := *metric
		out[name] = &cp
	}
	return out
}

// LogMetrics writes a summary line per operation
func (pl *PerformanceLogger) LogMetrics() {
	for name, metric := range pl.GetAllMetrics() {
		pl.logger.Info("Performance metric summary",
			"operation", name,
			"count", metric.Count,
			"errors", metric.ErrorCount,
			"avg_duration", metric.AvgDuration.String(),
			"max_duration", metric.MaxDuration.String())
	}
}
