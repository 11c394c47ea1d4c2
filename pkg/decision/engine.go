// Package decision detects sustained load, signal and channel outliers
// over rolling telemetry statistics.
package decision

import (
	"cmp"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// DefaultSustainCount is the number of consecutive outlier observations
// before a detector becomes actionable
const DefaultSustainCount = 4

// Verdict is the outcome of one detector evaluation
type Verdict[K comparable] struct {
	Trigger    string
	Subject    K
	Breach     bool
	Actionable bool
	Count      int
}

// Evaluator runs the load, RSSI and channel detectors
type Evaluator struct {
	logger  *logx.Logger
	load    *Sustained[pkg.APID]
	rssi    *Sustained[pkg.APID]
	channel *Sustained[pkg.Channel]
}

// Counters is a serializable view of the detector counters
type Counters struct {
	Load    map[pkg.APID]int    `json:"load"`
	RSSI    map[pkg.APID]int    `json:"rssi"`
	Channel map[pkg.Channel]int `json:"channel"`
}

// NewEvaluator creates an evaluator requiring sustain consecutive outlier
// observations per detector
func NewEvaluator(sustain int, logger *logx.Logger) *Evaluator {
	if sustain <= 0 {
		sustain = DefaultSustainCount
	}
	return &Evaluator{
		logger:  logger,
		load:    NewSustained[pkg.APID](sustain),
		rssi:    NewSustained[pkg.APID](sustain),
		channel: NewSustained[pkg.Channel](sustain),
	}
}

// Load tests per-AP rolling mean utilization on behalf of ap
func (e *Evaluator) Load(means map[pkg.APID]float64, ap pkg.APID) Verdict[pkg.APID] {
	return observe(e, e.load, pkg.TriggerLoad, means, ap)
}

// RSSI tests per-AP rolling mean |RSSI| of attached stations on behalf of ap
func (e *Evaluator) RSSI(means map[pkg.APID]float64, ap pkg.APID) Verdict[pkg.APID] {
	return observe(e, e.rssi, pkg.TriggerRSSI, means, ap)
}

// Channel tests per-channel aggregate load; the subject is the most loaded
// channel
func (e *Evaluator) Channel(loads map[pkg.Channel]float64) Verdict[pkg.Channel] {
	subject := Spread(loads).MaxID
	return observe(e, e.channel, pkg.TriggerChannel, loads, subject)
}

// ResetAP zeroes the load and RSSI counters of an AP
func (e *Evaluator) ResetAP(ap pkg.APID) {
	e.load.Reset(ap)
	e.rssi.Reset(ap)
}

// ResetChannel zeroes the counter of a channel
func (e *Evaluator) ResetChannel(ch pkg.Channel) {
	e.channel.Reset(ch)
}

// Counters returns a copy of every non-zero counter
func (e *Evaluator) Counters() Counters {
	return Counters{
		Load:    e.load.Counters(),
		RSSI:    e.rssi.Counters(),
		Channel: e.channel.Counters(),
	}
}

func observe[K cmp.Ordered](e *Evaluator, s *Sustained[K], trigger string, values map[K]float64, subject K) Verdict[K] {
	actionable, res := s.Observe(values, subject)
	v := Verdict[K]{
		Trigger:    trigger,
		Subject:    subject,
		Breach:     res.Breach && res.MaxID == subject,
		Actionable: actionable,
		Count:      s.Count(subject),
	}

	if v.Breach && e.logger != nil {
		e.logger.LogDebugVerbose("outlier_observed", map[string]interface{}{
			"trigger":    trigger,
			"subject":    subject,
			"max":        res.Max,
			"min":        res.Min,
			"median":     res.Median,
			"stddev":     res.StdDev,
			"count":      v.Count,
			"actionable": actionable,
		})
	}
	return v
}
