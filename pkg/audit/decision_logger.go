package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// Decision types
const (
	DecisionHandover = "handover"
	DecisionRevert   = "revert"
	DecisionSettle   = "settle"
	DecisionRecolor  = "recolor"
)

// DecisionRecord represents a single decision made by the control loop
type DecisionRecord struct {
	Timestamp     time.Time              `json:"timestamp"`
	DecisionID    string                 `json:"decision_id"`
	DecisionType  string                 `json:"decision_type"` // handover, revert, settle, recolor
	Trigger       string                 `json:"trigger"`
	Station       pkg.StationID          `json:"station,omitempty"`
	FromAP        pkg.APID               `json:"from_ap,omitempty"`
	ToAP          pkg.APID               `json:"to_ap,omitempty"`
	Reasoning     string                 `json:"reasoning"`
	Score         float64                `json:"score,omitempty"`
	Baseline      float64                `json:"baseline,omitempty"`
	Current       float64                `json:"current,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
}

// Sink persists decision records outside the process
type Sink interface {
	Write(ctx context.Context, record *DecisionRecord) error
	Close() error
}

// DecisionLogger keeps the recent decision trail in memory and forwards it
// to an optional sink while enabled
type DecisionLogger struct {
	logger     *logx.Logger
	mu         sync.RWMutex
	records    []*DecisionRecord
	maxRecords int
	sink       Sink
	enabled    bool
	now        func() time.Time
}

// NewDecisionLogger creates a decision logger. sink may be nil.
func NewDecisionLogger(logger *logx.Logger, maxRecords int, sink Sink, enabled bool) *DecisionLogger {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &DecisionLogger{
		logger:     logger,
		records:    make([]*DecisionRecord, 0, maxRecords),
		maxRecords: maxRecords,
		sink:       sink,
		enabled:    enabled,
		now:        time.Now,
	}
}

// LogDecision records a decision in the audit trail. Missing ids and
// timestamps are filled in.
func (dl *DecisionLogger) LogDecision(ctx context.Context, record *DecisionRecord) error {
	dl.mu.Lock()
	if !dl.enabled {
		dl.mu.Unlock()
		return nil
	}
	if record.DecisionID == "" {
		record.DecisionID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = dl.now()
	}

	dl.records = append(dl.records, record)
	if len(dl.records) > dl.maxRecords {
		dl.records = dl.records[len(dl.records)-dl.maxRecords:]
	}
	sink := dl.sink
	dl.mu.Unlock()

	if sink != nil {
		if err := sink.Write(ctx, record); err != nil {
			dl.logger.Error("Failed to write decision to audit sink", "error", err, "decision_id", record.DecisionID)
		}
	}

	dl.logger.Info("Decision recorded",
		"decision_id", record.DecisionID,
		"type", record.DecisionType,
		"trigger", record.Trigger,
		"station", record.Station,
		"success", record.Success,
		"execution_time", record.ExecutionTime.String(),
	)
	return nil
}

// GetRecentDecisions returns decisions newer than since, oldest first
func (dl *DecisionLogger) GetRecentDecisions(since time.Time, limit int) []*DecisionRecord {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var recent []*DecisionRecord
	for i := len(dl.records) - 1; i >= 0 && len(recent) < limit; i-- {
		if dl.records[i].Timestamp.After(since) {
			recent = append(recent, dl.records[i])
		}
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// GetDecisionsByType returns the most recent decisions of one type, oldest first
func (dl *DecisionLogger) GetDecisionsByType(decisionType string, limit int) []*DecisionRecord {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var filtered []*DecisionRecord
	for i := len(dl.records) - 1; i >= 0 && len(filtered) < limit; i-- {
		if dl.records[i].DecisionType == decisionType {
			filtered = append([]*DecisionRecord{dl.records[i]}, filtered...)
		}
	}
	return filtered
}

// GetDecisionByID returns a specific decision by ID
func (dl *DecisionLogger) GetDecisionByID(decisionID string) *DecisionRecord {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	for _, record := range dl.records {
		if record.DecisionID == decisionID {
			return record
		}
	}
	return nil
}

// DecisionStats summarizes the decision trail
type DecisionStats struct {
	TotalDecisions       int            `json:"total_decisions"`
	SuccessfulDecisions  int            `json:"successful_decisions"`
	FailedDecisions      int            `json:"failed_decisions"`
	AverageExecutionTime time.Duration  `json:"average_execution_time"`
	DecisionTypes        map[string]int `json:"decision_types"`
	Triggers             map[string]int `json:"triggers"`
}

// GetDecisionStats returns statistics about decisions newer than since
func (dl *DecisionLogger) GetDecisionStats(since time.Time) *DecisionStats {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	stats := &DecisionStats{
		DecisionTypes: make(map[string]int),
		Triggers:      make(map[string]int),
	}

	var total time.Duration
	for _, record := range dl.records {
		if !record.Timestamp.After(since) {
			continue
		}
		stats.TotalDecisions++
		if record.Success {
			stats.SuccessfulDecisions++
		} else {
			stats.FailedDecisions++
		}
		stats.DecisionTypes[record.DecisionType]++
		if record.Trigger != "" {
			stats.Triggers[record.Trigger]++
		}
		total += record.ExecutionTime
	}
	if stats.TotalDecisions > 0 {
		stats.AverageExecutionTime = total / time.Duration(stats.TotalDecisions)
	}
	return stats
}

func (dl *DecisionLogger) Enable() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.enabled = true
	dl.logger.Info("Decision audit logging enabled")
}

func (dl *DecisionLogger) Disable() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.enabled = false
	dl.logger.Info("Decision audit logging disabled")
}

func (dl *DecisionLogger) IsEnabled() bool {
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return dl.enabled
}

// GetRecordCount returns the current number of stored records
func (dl *DecisionLogger) GetRecordCount() int {
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return len(dl.records)
}

// Close closes the sink
func (dl *DecisionLogger) Close() error {
	dl.mu.Lock()
	sink := dl.sink
	dl.sink = nil
	dl.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Close()
}
