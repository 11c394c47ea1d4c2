// Package controller runs the single-goroutine control loop that turns
// telemetry into handovers and channel plans.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/audit"
	"github.com/markus-lassfolk/airbalance/pkg/handover"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
	"github.com/markus-lassfolk/airbalance/pkg/metrics"
	"github.com/markus-lassfolk/airbalance/pkg/telem"
)

// ErrNotRunning is returned by RequestSnapshot when Run is not active
var ErrNotRunning = errors.New("control loop not running")

// Config holds the control loop settings
type Config struct {
	TickInterval   time.Duration
	QueueSize      int
	WindowSize     int
	EventCapacity  int
	SustainCount   int
	Channels       []pkg.Channel
	Prune          bool
	PruneThreshold float64
	Handover       *handover.Config
}

// DefaultConfig returns the default loop configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval:  time.Second,
		QueueSize:     1024,
		WindowSize:    telem.DefaultWindowSize,
		EventCapacity: 500,
		SustainCount:  4,
		Channels:      []pkg.Channel{1, 6, 11},
		Handover:      handover.DefaultConfig(),
	}
}

// Options carries the collaborators of a Loop. Topology is required.
type Options struct {
	Logger   *logx.Logger
	Topology pkg.Topology
	Metrics  *metrics.Collector
	Audit    *audit.DecisionLogger
	Persist  Persister
	Now      func() time.Time
}

// Loop serializes inbound events, periodic ticks and snapshot requests on
// one goroutine. The state aggregate is never touched from anywhere else.
type Loop struct {
	config   *Config
	logger   *logx.Logger
	perf     *logx.PerformanceLogger
	topology pkg.Topology
	metrics  *metrics.Collector
	audit    *audit.DecisionLogger
	persist  Persister
	now      func() time.Time

	state *State

	events    chan pkg.Inbound
	snapshots chan chan *Snapshot
	running   atomic.Bool
}

// NewLoop creates a control loop and restores persisted state when a
// persister is configured
func NewLoop(config *Config, opts Options) (*Loop, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if opts.Topology == nil {
		return nil, fmt.Errorf("topology collaborator is required")
	}
	if len(config.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("info", "controller")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		m, err := metrics.NewCollector(prometheus.NewRegistry())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		opts.Metrics = m
	}

	state, err := NewState(config, opts.Logger, opts.Topology, opts.Now)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		config:    config,
		logger:    opts.Logger,
		perf:      logx.NewPerformanceLogger(opts.Logger, 50*time.Millisecond),
		topology:  opts.Topology,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		persist:   opts.Persist,
		now:       opts.Now,
		state:     state,
		events:    make(chan pkg.Inbound, config.QueueSize),
		snapshots: make(chan chan *Snapshot),
	}

	if l.persist != nil {
		if err := state.Restore(l.persist); err != nil {
			l.logger.Warn("Starting without persisted state", "error", err)
		} else {
			l.logger.Info("Persisted state restored",
				"channels", len(state.restored),
				"unsuccessful_handovers", len(state.Handover.Unsuccessful()))
		}
	}
	return l, nil
}

// State exposes the aggregate. Only safe from the control goroutine or
// before Run starts.
func (l *Loop) State() *State {
	return l.state
}

// EventLog returns the control-event ring, safe for concurrent readers
func (l *Loop) EventLog() *telem.EventRing {
	return l.state.Store.EventLog()
}

// PerformanceMetrics returns the timing statistics of control operations
func (l *Loop) PerformanceMetrics() map[string]*logx.PerformanceMetric {
	return l.perf.GetAllMetrics()
}

// Submit queues an inbound event without blocking. It reports false when
// the queue is full and the event was dropped.
func (l *Loop) Submit(ev pkg.Inbound) bool {
	select {
	case l.events <- ev:
		return true
	default:
		l.metrics.EventsDropped.Inc()
		l.logger.Warn("Control queue full, dropping event", "kind", ev.Kind())
		return false
	}
}

// Run processes events, ticks and snapshot requests until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("control loop already running")
	}
	defer l.running.Store(false)

	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	l.logger.Info("Control loop started",
		"tick_interval", l.config.TickInterval.String(),
		"queue_size", l.config.QueueSize,
		"channels", l.config.Channels)

	for {
		select {
		case <-ctx.Done():
			l.saveAssignment()
			l.saveUnsuccessful()
			l.perf.LogMetrics()
			l.logger.Info("Control loop stopped")
			return nil
		case ev := <-l.events:
			if err := l.HandleEvent(ctx, ev); err != nil {
				l.logger.Debug("Event not applied", "kind", ev.Kind(), "error", err)
			}
		case <-ticker.C:
			l.Tick(ctx)
		case reply := <-l.snapshots:
			reply <- l.Snapshot()
		}
	}
}

// RequestSnapshot asks the running loop for a snapshot from another goroutine
func (l *Loop) RequestSnapshot(ctx context.Context) (*Snapshot, error) {
	if !l.running.Load() {
		return nil, ErrNotRunning
	}
	reply := make(chan *Snapshot, 1)
	select {
	case l.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleEvent applies one inbound event and runs the decisions it triggers
func (l *Loop) HandleEvent(ctx context.Context, ev pkg.Inbound) error {
	var err error
	switch e := ev.(type) {
	case pkg.AssociationSample:
		err = l.onAssociation(ctx, e)
	case pkg.UtilizationSample:
		err = l.onUtilization(ctx, e)
	case pkg.ThroughputSample:
		err = l.state.Store.RecordThroughput(e.Station, e.AP, e.TxBps, e.RxBps)
	case pkg.APJoined:
		l.state.addAP(e)
		l.logger.Info("Access point joined", "ap", e.AP, "channel", l.state.Assignment[e.AP], "available", e.AvailableChannels)
	case pkg.APLeft:
		l.state.removeAP(e.AP)
		l.logger.Info("Access point left", "ap", e.AP)
	case pkg.StationJoined:
		if err = l.state.addStation(e); err == nil {
			l.logger.Debug("Station joined", "station", e.Station, "ap", e.InitialAP)
		}
	case pkg.StationLeft:
		l.state.removeStation(e.Station)
		l.logger.Debug("Station left", "station", e.Station)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
	if err != nil {
		return err
	}
	l.metrics.EventsHandled.WithLabelValues(ev.Kind()).Inc()
	return nil
}

// Tick runs the revert supervisor and the forced weak-signal scan
func (l *Loop) Tick(ctx context.Context) {
	if out, ok := l.state.Handover.Supervise(ctx); ok {
		l.settled(ctx, out)
	}
	if ap, ok := l.state.Handover.ForcedDue(); ok {
		l.handover(ctx, ap, pkg.TriggerForcedRSSI)
	}

	l.metrics.QueueDepth.Set(float64(len(l.events)))
	l.metrics.NetworkUtil.Set(l.state.Store.NetworkUtilization())
	l.metrics.SetTopology(len(l.state.Store.APIDs()), len(l.state.Store.StationIDs()), l.state.Graph.EdgeCount())
}

func (l *Loop) onAssociation(ctx context.Context, e pkg.AssociationSample) error {
	at := e.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	pair, err := l.state.Store.RecordAssociation(e.AP, e.Station, e.RSSI, e.Active, at)
	if err != nil || pair == nil {
		return err
	}
	if l.state.Graph.Observe(e.Station, e.AP) {
		l.logger.Debug("Conflict graph updated", "station", e.Station, "ap", e.AP, "edges", l.state.Graph.EdgeCount())
	}
	if l.state.Handover.ObserveSignal(pair) {
		l.logger.Info("Weak serving signal sustained", "station", e.Station, "ap", e.AP, "rssi", e.RSSI)
		l.handover(ctx, e.AP, pkg.TriggerForcedRSSI)
	}
	return nil
}

func (l *Loop) onUtilization(ctx context.Context, e pkg.UtilizationSample) error {
	if _, err := l.state.Store.RecordUtilization(e.AP, e.TxRate, e.RxRate); err != nil {
		return err
	}
	if !l.state.Handover.Ready() {
		return nil
	}

	if v := l.state.Evaluator.Load(l.state.Store.LoadMeans(), e.AP); v.Actionable {
		l.handover(ctx, e.AP, v.Trigger)
		return nil
	}
	if v := l.state.Evaluator.RSSI(l.state.Store.SampleSignal(), e.AP); v.Actionable {
		l.handover(ctx, e.AP, v.Trigger)
		return nil
	}
	if v := l.state.Evaluator.Channel(l.state.Store.SampleChannelLoads()); v.Actionable {
		l.recolor(ctx, v.Trigger)
	}
	return nil
}

func (l *Loop) handover(ctx context.Context, source pkg.APID, trigger string) {
	if !l.state.Handover.Ready() {
		return
	}

	op := l.perf.Start("handover_evaluate")
	cand, found := l.state.Handover.Evaluate(source)
	op.Complete(nil)

	l.state.Evaluator.ResetAP(source)
	if ap, ok := l.state.Store.AP(source); ok {
		l.state.Evaluator.ResetChannel(ap.Channel)
	}
	l.saveUnsuccessful()
	if !found {
		return
	}

	start := l.now()
	rec, err := l.state.Handover.Execute(ctx, cand, trigger)
	decisionRec := &audit.DecisionRecord{
		DecisionType:  audit.DecisionHandover,
		Trigger:       trigger,
		Station:       cand.Station,
		FromAP:        cand.Source,
		ToAP:          cand.Target,
		Score:         cand.Score,
		ExecutionTime: l.now().Sub(start),
		Context: map[string]interface{}{
			"rssi":        cand.RSSI,
			"target_util": cand.TargetUtil,
		},
	}

	if err != nil {
		decisionRec.Error = err.Error()
		decisionRec.Reasoning = "reassignment rejected"
		if errors.Is(err, pkg.ErrReassignmentConflict) {
			l.metrics.HandoverAborts.Inc()
			l.emit(&pkg.Event{
				Type:    pkg.EventHandoverAborted,
				Trigger: trigger,
				Station: cand.Station,
				From:    cand.Source,
				To:      cand.Target,
				Reason:  err.Error(),
			})
		} else {
			l.logger.Warn("Handover failed", "station", cand.Station, "to", cand.Target, "error", err)
		}
		l.record(ctx, decisionRec)
		return
	}

	decisionRec.Success = true
	decisionRec.Baseline = rec.Baseline
	decisionRec.Reasoning = fmt.Sprintf("best candidate score %.1f", cand.Score)
	l.metrics.Handovers.WithLabelValues(trigger).Inc()
	l.metrics.PendingHandovers.Set(1)
	l.emit(&pkg.Event{
		Type:    pkg.EventHandover,
		Trigger: trigger,
		Station: rec.Station,
		From:    rec.From,
		To:      rec.To,
		Data: map[string]interface{}{
			"score":    cand.Score,
			"rssi":     cand.RSSI,
			"baseline": rec.Baseline,
		},
	})
	l.record(ctx, decisionRec)
}

func (l *Loop) settled(ctx context.Context, out *handover.Outcome) {
	l.metrics.Reverts.WithLabelValues(out.Result).Inc()
	l.metrics.PendingHandovers.Set(0)

	rec := out.Record
	decisionRec := &audit.DecisionRecord{
		Trigger:  rec.Trigger,
		Station:  rec.Station,
		Baseline: rec.Baseline,
		Current:  out.Current,
		Context:  map[string]interface{}{"age": l.now().Sub(rec.Start).String()},
	}
	data := map[string]interface{}{"baseline": rec.Baseline, "current": out.Current}

	switch out.Result {
	case handover.OutcomeConfirmed:
		decisionRec.DecisionType = audit.DecisionSettle
		decisionRec.FromAP, decisionRec.ToAP = rec.From, rec.To
		decisionRec.Success = true
		decisionRec.Reasoning = "utilization within revert delta"
		l.emit(&pkg.Event{Type: pkg.EventHandoverConfirmed, Trigger: rec.Trigger, Station: rec.Station, From: rec.From, To: rec.To, Data: data})
	case handover.OutcomeReverted:
		decisionRec.DecisionType = audit.DecisionRevert
		decisionRec.FromAP, decisionRec.ToAP = rec.To, rec.From
		decisionRec.Success = true
		decisionRec.Reasoning = "utilization increased beyond revert delta"
		l.emit(&pkg.Event{Type: pkg.EventHandoverRevert, Trigger: pkg.TriggerRevert, Station: rec.Station, From: rec.To, To: rec.From, Data: data})
		l.saveUnsuccessful()
	case handover.OutcomeRevertFailed:
		decisionRec.DecisionType = audit.DecisionRevert
		decisionRec.FromAP, decisionRec.ToAP = rec.To, rec.From
		decisionRec.Reasoning = "revert rejected"
		if out.Err != nil {
			decisionRec.Error = out.Err.Error()
		}
		l.emit(&pkg.Event{Type: pkg.EventHandoverRevert, Trigger: pkg.TriggerRevert, Station: rec.Station, From: rec.To, To: rec.From, Reason: decisionRec.Error, Data: data})
	}
	l.record(ctx, decisionRec)
}

func (l *Loop) emit(event *pkg.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	l.state.Store.AddEvent(event)
}

func (l *Loop) record(ctx context.Context, rec *audit.DecisionRecord) {
	if l.audit == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if err := l.audit.LogDecision(ctx, rec); err != nil {
		l.logger.Warn("Failed to record decision", "error", err)
	}
}

func (l *Loop) saveAssignment() {
	if l.persist == nil {
		return
	}
	if err := l.persist.SaveAssignment(l.state.Assignment); err != nil {
		l.logger.Warn("Failed to persist channel assignment", "error", err)
	}
}

func (l *Loop) saveUnsuccessful() {
	if l.persist == nil {
		return
	}
	if err := l.persist.SaveUnsuccessful(l.state.Handover.Unsuccessful()); err != nil {
		l.logger.Warn("Failed to persist handover records", "error", err)
	}
}
