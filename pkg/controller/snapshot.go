package controller

import (
	"sort"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/decision"
	"github.com/markus-lassfolk/airbalance/pkg/graph"
	"github.com/markus-lassfolk/airbalance/pkg/handover"
)

// Snapshot is a JSON-serializable view of the controller state
type Snapshot struct {
	Timestamp          time.Time                `json:"timestamp"`
	NetworkUtilization float64                  `json:"network_utilization"`
	Graph              graph.Graph              `json:"graph"`
	Components         [][]pkg.APID             `json:"components"`
	Assignment         map[pkg.APID]pkg.Channel `json:"assignment"`
	Pending            *handover.Record         `json:"pending,omitempty"`
	LastHandover       time.Time                `json:"last_handover,omitempty"`
	Unsuccessful       []handover.Unsuccessful  `json:"unsuccessful"`
	Counters           decision.Counters        `json:"counters"`
	AccessPoints       []APStats                `json:"access_points"`
	Stations           []StationStats           `json:"stations"`
	Channels           []ChannelStats           `json:"channels"`
}

// APStats summarizes one access point
type APStats struct {
	ID          pkg.APID        `json:"id"`
	Channel     pkg.Channel     `json:"channel"`
	Available   []pkg.Channel   `json:"available,omitempty"`
	Utilization float64         `json:"utilization"`
	LoadMean    float64         `json:"load_mean"`
	LoadTrend   float64         `json:"load_trend"`
	SignalMean  float64         `json:"signal_mean"`
	Conflicts   int             `json:"conflicts"`
	Clients     []pkg.StationID `json:"clients"`
}

// StationStats summarizes one station and its pairs
type StationStats struct {
	ID           pkg.StationID `json:"id"`
	AP           pkg.APID      `json:"ap"`
	State        string        `json:"state"`
	InTransition bool          `json:"in_transition"`
	Pairs        []PairStats   `json:"pairs"`
}

// transitionReporter is implemented by topologies that track outstanding
// commands per station
type transitionReporter interface {
	InTransition(station pkg.StationID) bool
}

// PairStats is the signal relation to one AP
type PairStats struct {
	AP           pkg.APID `json:"ap"`
	RSSI         float64  `json:"rssi"`
	RSSIMean     float64  `json:"rssi_mean"`
	Active       bool     `json:"active"`
	LowRSSICount int      `json:"low_rssi_count"`
}

// ChannelStats is the aggregate load of a channel
type ChannelStats struct {
	Channel pkg.Channel `json:"channel"`
	Load    float64     `json:"load"`
	Mean    float64     `json:"mean"`
}

// Snapshot builds a snapshot. Call it from the control goroutine; other
// goroutines use RequestSnapshot.
func (l *Loop) Snapshot() *Snapshot {
	s := l.state
	snap := &Snapshot{
		Timestamp:          l.now(),
		NetworkUtilization: s.Store.NetworkUtilization(),
		Graph:              s.Graph.Full(),
		Components:         s.Graph.Components(),
		Assignment:         make(map[pkg.APID]pkg.Channel, len(s.Assignment)),
		LastHandover:       s.Handover.LastHandover(),
		Unsuccessful:       s.Handover.Unsuccessful(),
		Counters:           s.Evaluator.Counters(),
	}
	for ap, ch := range s.Assignment {
		snap.Assignment[ap] = ch
	}
	if rec, ok := s.Handover.Pending(); ok {
		snap.Pending = &rec
	}

	for _, id := range s.Store.APIDs() {
		ap, _ := s.Store.AP(id)
		snap.AccessPoints = append(snap.AccessPoints, APStats{
			ID:          id,
			Channel:     ap.Channel,
			Available:   ap.Channels,
			Utilization: ap.Utilization,
			LoadMean:    ap.Load.Mean(),
			LoadTrend:   ap.Load.Trend(),
			SignalMean:  ap.Signal.Mean(),
			Conflicts:   snap.Graph.Degree(id),
			Clients:     s.Store.Clients(id),
		})
	}

	transitions, _ := l.topology.(transitionReporter)
	for _, id := range s.Store.StationIDs() {
		st, _ := s.Store.Station(id)
		stats := StationStats{ID: id, AP: st.AP, State: s.Handover.State(id)}
		if transitions != nil {
			stats.InTransition = transitions.InTransition(id)
		}
		for _, ap := range s.Store.Reachable(id) {
			pair, ok := s.Store.Pair(pkg.PairKey{AP: ap, Station: id})
			if !ok {
				continue
			}
			stats.Pairs = append(stats.Pairs, PairStats{
				AP:           ap,
				RSSI:         pair.RSSI,
				RSSIMean:     pair.History.Mean(),
				Active:       pair.Active,
				LowRSSICount: pair.LowRSSICount,
			})
		}
		snap.Stations = append(snap.Stations, stats)
	}

	for ch, load := range s.Store.ChannelLoads() {
		stats := ChannelStats{Channel: ch, Load: load}
		if w, ok := s.Store.ChannelWindow(ch); ok {
			stats.Mean = w.Mean()
		}
		snap.Channels = append(snap.Channels, stats)
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Channel < snap.Channels[j].Channel })
	return snap
}
