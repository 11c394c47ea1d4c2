// Package handover selects, executes and supervises station moves between
// access points.
package handover

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
	"github.com/markus-lassfolk/airbalance/pkg/telem"
)

// Config holds the handover tuning knobs
type Config struct {
	Cooldown       time.Duration `json:"cooldown"`        // minimum gap between handovers
	SettleWindow   time.Duration `json:"settle_window"`   // age at which a pending handover is judged
	RevertDelta    float64       `json:"revert_delta"`    // utilization increase that triggers a revert
	CandidateFloor float64       `json:"candidate_floor"` // weakest acceptable RSSI at the target, dBm
	ForcedRSSI     float64       `json:"forced_rssi"`     // RSSI below which a serving link counts as weak
	ForcedCount    int           `json:"forced_count"`    // consecutive weak samples forcing an evaluation
	MaxRetries     int           `json:"max_retries"`     // considerations before a failed pair is eligible again
}

// DefaultConfig returns the default handover configuration
func DefaultConfig() *Config {
	return &Config{
		Cooldown:       5 * time.Second,
		SettleWindow:   5 * time.Second,
		RevertDelta:    20,
		CandidateFloor: -75,
		ForcedRSSI:     -80,
		ForcedCount:    10,
		MaxRetries:     5,
	}
}

// Record is the single outstanding handover awaiting its settle check
type Record struct {
	Station  pkg.StationID `json:"station"`
	From     pkg.APID      `json:"from"`
	To       pkg.APID      `json:"to"`
	Trigger  string        `json:"trigger"`
	Baseline float64       `json:"baseline"`
	Start    time.Time     `json:"start"`
}

// Unsuccessful remembers a reverted (AP, station) move
type Unsuccessful struct {
	Key        pkg.PairKey `json:"key"`
	Retries    int         `json:"retries"`
	Baseline   float64     `json:"baseline"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Candidate is a scored (station, target) move
type Candidate struct {
	Station    pkg.StationID `json:"station"`
	Source     pkg.APID      `json:"source"`
	Target     pkg.APID      `json:"target"`
	RSSI       float64       `json:"rssi"`
	Score      float64       `json:"score"`
	TargetUtil float64       `json:"target_util"`
}

// Verdict of a settle check
const (
	OutcomeConfirmed    = "confirmed"
	OutcomeReverted     = "reverted"
	OutcomeRevertFailed = "revert_failed"
)

// Outcome is the result of supervising a pending handover
type Outcome struct {
	Record  Record  `json:"record"`
	Result  string  `json:"result"`
	Current float64 `json:"current"`
	Err     error   `json:"-"`
}

// Engine owns the pending handover, the cool-down clock and the failed-move
// records. It is driven from the control goroutine only.
type Engine struct {
	config   *Config
	logger   *logx.Logger
	store    *telem.Store
	topology pkg.Topology
	now      func() time.Time

	pending      *Record
	lastHandover time.Time
	unsuccessful map[pkg.PairKey]*Unsuccessful
	states       map[pkg.StationID]string
}

// NewEngine creates a handover engine
func NewEngine(config *Config, logger *logx.Logger, store *telem.Store, topology pkg.Topology, now func() time.Time) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		config:       config,
		logger:       logger,
		store:        store,
		topology:     topology,
		now:          now,
		unsuccessful: make(map[pkg.PairKey]*Unsuccessful),
		states:       make(map[pkg.StationID]string),
	}
}

// Ready reports whether a new handover may start: nothing pending and the
// cool-down since the last handover or revert has elapsed
func (e *Engine) Ready() bool {
	if e.pending != nil {
		return false
	}
	return e.lastHandover.IsZero() || e.now().Sub(e.lastHandover) >= e.config.Cooldown
}

// Pending returns a copy of the outstanding handover, if any
func (e *Engine) Pending() (Record, bool) {
	if e.pending == nil {
		return Record{}, false
	}
	return *e.pending, true
}

// LastHandover returns the time of the last handover or revert
func (e *Engine) LastHandover() time.Time {
	return e.lastHandover
}

// State returns the handover state of a station
func (e *Engine) State(station pkg.StationID) string {
	if s, ok := e.states[station]; ok {
		return s
	}
	return pkg.StateStable
}

// Evaluate searches the stations on source for the best move. Weak-signal
// counters of every considered pair are reset. Failed pairs are charged one
// retry per consideration and become eligible once retries are exhausted.
func (e *Engine) Evaluate(source pkg.APID) (*Candidate, bool) {
	src, ok := e.store.AP(source)
	if !ok {
		return nil, false
	}
	loads := e.store.ChannelLoads()

	var best *Candidate
	for _, sta := range e.store.Clients(source) {
		for _, target := range e.store.Reachable(sta) {
			key := pkg.PairKey{AP: target, Station: sta}
			pair, ok := e.store.Pair(key)
			if !ok {
				continue
			}
			pair.LowRSSICount = 0

			if target == source || !pair.HasRSSI {
				continue
			}
			dst, ok := e.store.AP(target)
			if !ok {
				continue
			}
			if dst.Utilization >= src.Utilization || pair.RSSI < e.config.CandidateFloor {
				continue
			}
			if rec, failed := e.unsuccessful[key]; failed {
				rec.Retries++
				if rec.Retries < e.config.MaxRetries {
					continue
				}
				delete(e.unsuccessful, key)
				e.logger.Debug("Failed handover pair eligible again", "ap", target, "station", sta)
			}

			cand := &Candidate{
				Station:    sta,
				Source:     source,
				Target:     target,
				RSSI:       pair.RSSI,
				Score:      math.Abs(pair.RSSI) * (loads[dst.Channel] + dst.Utilization),
				TargetUtil: dst.Utilization,
			}
			if cand.RSSI <= e.config.CandidateFloor {
				continue
			}
			if best == nil || cand.Score < best.Score ||
				(cand.Score == best.Score && cand.TargetUtil < best.TargetUtil) {
				best = cand
			}
		}
	}

	if best == nil {
		e.logger.Debug("No handover candidate", "source", source)
		return nil, false
	}
	return best, true
}

// Execute issues the move of one candidate. A conflict from the topology
// aborts without any state change.
func (e *Engine) Execute(ctx context.Context, cand *Candidate, trigger string) (*Record, error) {
	if !e.Ready() {
		return nil, fmt.Errorf("handover of %s not started: another handover is pending or cooling down", cand.Station)
	}
	if err := e.topology.ReassignStation(ctx, cand.Station, cand.Target); err != nil {
		if errors.Is(err, pkg.ErrReassignmentConflict) {
			e.logger.Info("Handover aborted, target in transition",
				"station", cand.Station, "from", cand.Source, "to", cand.Target)
		}
		return nil, fmt.Errorf("reassign %s to %s: %w", cand.Station, cand.Target, err)
	}

	now := e.now()
	rec := &Record{
		Station:  cand.Station,
		From:     cand.Source,
		To:       cand.Target,
		Trigger:  trigger,
		Baseline: e.store.NetworkUtilization(),
		Start:    now,
	}
	e.pending = rec
	e.lastHandover = now
	e.states[cand.Station] = pkg.StatePending
	if err := e.store.MoveStation(cand.Station, cand.Source, cand.Target); err != nil {
		e.logger.Warn("Failed to transfer station bookkeeping", "station", cand.Station, "error", err)
	}

	e.logger.LogStateChange("handover", pkg.StateStable, pkg.StatePending, trigger, map[string]interface{}{
		"station":  cand.Station,
		"from":     cand.Source,
		"to":       cand.Target,
		"score":    cand.Score,
		"rssi":     cand.RSSI,
		"baseline": rec.Baseline,
	})
	return rec, nil
}

// Supervise runs the one-shot settle check of the pending handover once it
// is old enough. The pending record is cleared whatever the verdict.
func (e *Engine) Supervise(ctx context.Context) (*Outcome, bool) {
	if e.pending == nil {
		return nil, false
	}
	now := e.now()
	if now.Sub(e.pending.Start) < e.config.SettleWindow {
		return nil, false
	}

	rec := *e.pending
	e.pending = nil
	current := e.store.NetworkUtilization()
	out := &Outcome{Record: rec, Current: current, Result: OutcomeConfirmed}

	if current-rec.Baseline <= e.config.RevertDelta {
		e.states[rec.Station] = pkg.StateStable
		e.logger.LogStateChange("handover", pkg.StatePending, pkg.StateStable, "settled", map[string]interface{}{
			"station":  rec.Station,
			"baseline": rec.Baseline,
			"current":  current,
		})
		return out, true
	}

	if err := e.topology.ReassignStation(ctx, rec.Station, rec.From); err != nil {
		e.states[rec.Station] = pkg.StateStable
		out.Result = OutcomeRevertFailed
		out.Err = err
		e.logger.Warn("Handover revert failed",
			"station", rec.Station, "from", rec.To, "to", rec.From, "error", err)
		return out, true
	}

	key := pkg.PairKey{AP: rec.To, Station: rec.Station}
	e.unsuccessful[key] = &Unsuccessful{Key: key, Baseline: current, RecordedAt: now}
	e.lastHandover = now
	e.states[rec.Station] = pkg.StateRevertedStable
	if err := e.store.MoveStation(rec.Station, rec.To, rec.From); err != nil {
		e.logger.Warn("Failed to transfer station bookkeeping", "station", rec.Station, "error", err)
	}

	out.Result = OutcomeReverted
	e.logger.LogStateChange("handover", pkg.StatePending, pkg.StateRevertedStable, "utilization increased", map[string]interface{}{
		"station":  rec.Station,
		"from":     rec.To,
		"to":       rec.From,
		"baseline": rec.Baseline,
		"current":  current,
	})
	return out, true
}

// ObserveSignal advances the weak-signal counter of a serving pair and
// reports whether a forced evaluation should fire now. While a handover is
// pending the counter does not advance; during cool-down it saturates.
func (e *Engine) ObserveSignal(pair *telem.PairMetric) bool {
	if pair == nil || !pair.Active {
		return false
	}
	if pair.RSSI >= e.config.ForcedRSSI {
		pair.LowRSSICount = 0
		return false
	}
	if e.pending != nil {
		return false
	}
	if pair.LowRSSICount < e.config.ForcedCount {
		pair.LowRSSICount++
	}
	if pair.LowRSSICount >= e.config.ForcedCount && e.Ready() {
		pair.LowRSSICount = 0
		return true
	}
	return false
}

// ForcedDue returns the first serving AP, by id, with a saturated
// weak-signal counter, when a handover may start
func (e *Engine) ForcedDue() (pkg.APID, bool) {
	if !e.Ready() {
		return "", false
	}
	for _, key := range e.store.Pairs() {
		pair, _ := e.store.Pair(key)
		if pair.Active && pair.LowRSSICount >= e.config.ForcedCount {
			pair.LowRSSICount = 0
			return key.AP, true
		}
	}
	return "", false
}

// Unsuccessful returns the failed-move records ordered by key
func (e *Engine) Unsuccessful() []Unsuccessful {
	out := make([]Unsuccessful, 0, len(e.unsuccessful))
	for _, rec := range e.unsuccessful {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Restore loads previously persisted failed-move records
func (e *Engine) Restore(records []Unsuccessful) {
	for _, rec := range records {
		r := rec
		e.unsuccessful[r.Key] = &r
	}
}

// Forget drops the failed-move records of a departed AP or station
func (e *Engine) Forget(ap pkg.APID, station pkg.StationID) {
	for key := range e.unsuccessful {
		if (ap != "" && key.AP == ap) || (station != "" && key.Station == station) {
			delete(e.unsuccessful, key)
		}
	}
	if station != "" {
		delete(e.states, station)
	}
}
