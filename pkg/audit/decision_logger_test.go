package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

type memorySink struct {
	written []*DecisionRecord
	err     error
	closed  bool
}

func (m *memorySink) Write(ctx context.Context, record *DecisionRecord) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, record)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestDecisionLogger_LogDecision(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	sink := &memorySink{}
	dl := NewDecisionLogger(logger, 3, sink, true)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		dl.LogDecision(ctx, &DecisionRecord{
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			DecisionType: DecisionHandover,
			Trigger:      pkg.TriggerLoad,
			Success:      i%2 == 0,
		})
	}

	if dl.GetRecordCount() != 3 {
		t.Errorf("Expected 3 retained records, got %d", dl.GetRecordCount())
	}
	if len(sink.written) != 5 {
		t.Errorf("Expected 5 sink writes, got %d", len(sink.written))
	}
	recent := dl.GetRecentDecisions(base.Add(2*time.Second), 0)
	if len(recent) != 2 || !recent[0].Timestamp.Equal(base.Add(3*time.Second)) {
		t.Errorf("Expected 2 records oldest first, got %v", recent)
	}
	if recent[0].DecisionID == "" {
		t.Error("Expected a generated decision id")
	}
	if dl.GetDecisionByID(recent[1].DecisionID) != recent[1] {
		t.Error("Expected lookup by id")
	}

	stats := dl.GetDecisionStats(time.Time{})
	if stats.TotalDecisions != 3 || stats.SuccessfulDecisions != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.Triggers[pkg.TriggerLoad] != 3 {
		t.Errorf("Expected 3 load triggers, got %d", stats.Triggers[pkg.TriggerLoad])
	}
}

func TestDecisionLogger_Disabled(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	sink := &memorySink{}
	dl := NewDecisionLogger(logger, 10, sink, false)

	dl.LogDecision(context.Background(), &DecisionRecord{DecisionType: DecisionRecolor})
	if dl.GetRecordCount() != 0 || len(sink.written) != 0 {
		t.Error("Expected nothing recorded while disabled")
	}

	dl.Enable()
	dl.LogDecision(context.Background(), &DecisionRecord{DecisionType: DecisionRecolor})
	if got := dl.GetDecisionsByType(DecisionRecolor, 0); len(got) != 1 {
		t.Errorf("Expected 1 recolor decision, got %d", len(got))
	}

	if err := dl.Close(); err != nil || !sink.closed {
		t.Errorf("Expected sink closed, got %v", err)
	}
}

func TestDecisionLogger_SinkErrorIsAbsorbed(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	dl := NewDecisionLogger(logger, 10, &memorySink{err: errors.New("disk full")}, true)

	if err := dl.LogDecision(context.Background(), &DecisionRecord{DecisionType: DecisionRevert}); err != nil {
		t.Fatalf("Expected sink errors to be absorbed, got %v", err)
	}
	if dl.GetRecordCount() != 1 {
		t.Error("Expected the record kept in memory")
	}
}

func TestSQLiteSink_RoundTrip(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit", "decisions.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open audit database: %v", err)
	}
	defer sink.Close()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []*DecisionRecord{
		{DecisionID: "d1", Timestamp: base, DecisionType: DecisionHandover, Trigger: pkg.TriggerRSSI,
			Station: "sta1", FromAP: "ap1", ToAP: "ap2", Score: 1200, Baseline: 35, Success: true,
			ExecutionTime: 3 * time.Millisecond, Context: map[string]interface{}{"rssi": -60.0}},
		{DecisionID: "d2", Timestamp: base.Add(5 * time.Second), DecisionType: DecisionRevert,
			Station: "sta1", FromAP: "ap2", ToAP: "ap1", Baseline: 35, Current: 60, Success: true},
	}
	for _, r := range records {
		if err := sink.Write(ctx, r); err != nil {
			t.Fatalf("Failed to write record: %v", err)
		}
	}

	got, err := sink.Recent(ctx, base.Add(-time.Second), 10)
	if err != nil {
		t.Fatalf("Failed to query records: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].DecisionID != "d1" || got[1].DecisionID != "d2" {
		t.Errorf("Expected oldest first, got %s, %s", got[0].DecisionID, got[1].DecisionID)
	}
	if got[0].ToAP != "ap2" || got[0].ExecutionTime != 3*time.Millisecond {
		t.Errorf("Unexpected decoded record %+v", got[0])
	}
	if got[0].Context["rssi"] != -60.0 {
		t.Errorf("Expected decoded context, got %v", got[0].Context)
	}
	if got[1].Current != 60 {
		t.Errorf("Expected current 60, got %f", got[1].Current)
	}

	if err := sink.Write(ctx, records[0]); err == nil {
		t.Error("Expected duplicate decision id to be rejected")
	}
}
