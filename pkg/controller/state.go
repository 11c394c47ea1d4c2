package controller

import (
	"fmt"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/decision"
	"github.com/markus-lassfolk/airbalance/pkg/graph"
	"github.com/markus-lassfolk/airbalance/pkg/handover"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
	"github.com/markus-lassfolk/airbalance/pkg/telem"
)

// Persister stores the state that outlives a restart
type Persister interface {
	SaveAssignment(assignment map[pkg.APID]pkg.Channel) error
	LoadAssignment() (map[pkg.APID]pkg.Channel, error)
	SaveUnsuccessful(records []handover.Unsuccessful) error
	LoadUnsuccessful() ([]handover.Unsuccessful, error)
}

// State is the single aggregate owned by the control goroutine. Nothing in
// it is safe for concurrent use.
type State struct {
	Store      *telem.Store
	Graph      *graph.Builder
	Evaluator  *decision.Evaluator
	Handover   *handover.Engine
	Assignment map[pkg.APID]pkg.Channel

	// channels restored from disk, applied to APs that join without one
	restored map[pkg.APID]pkg.Channel
}

// NewState builds an empty aggregate from the loop configuration
func NewState(config *Config, logger *logx.Logger, topology pkg.Topology, now func() time.Time) (*State, error) {
	store, err := telem.NewStore(config.WindowSize, config.EventCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry store: %w", err)
	}
	return &State{
		Store:      store,
		Graph:      graph.NewBuilder(),
		Evaluator:  decision.NewEvaluator(config.SustainCount, logger),
		Handover:   handover.NewEngine(config.Handover, logger, store, topology, now),
		Assignment: make(map[pkg.APID]pkg.Channel),
		restored:   make(map[pkg.APID]pkg.Channel),
	}, nil
}

// Restore loads persisted state. A missing or unreadable database only
// costs the previous plan, so errors are returned for logging only.
func (s *State) Restore(p Persister) error {
	assignment, err := p.LoadAssignment()
	if err != nil {
		return fmt.Errorf("failed to load channel assignment: %w", err)
	}
	for ap, ch := range assignment {
		s.restored[ap] = ch
	}

	records, err := p.LoadUnsuccessful()
	if err != nil {
		return fmt.Errorf("failed to load handover records: %w", err)
	}
	s.Handover.Restore(records)
	return nil
}

func (s *State) addAP(ev pkg.APJoined) {
	ch := ev.Channel
	if ch == 0 {
		ch = s.restored[ev.AP]
	}
	s.Store.AddAP(ev.AP, ch, ev.AvailableChannels)
	s.Graph.AddAP(ev.AP)
	if ch != 0 {
		s.Assignment[ev.AP] = ch
	}
}

func (s *State) removeAP(ap pkg.APID) {
	s.Store.RemoveAP(ap)
	s.Graph.RemoveAP(ap)
	s.Handover.Forget(ap, "")
	s.Evaluator.ResetAP(ap)
	delete(s.Assignment, ap)
}

func (s *State) addStation(ev pkg.StationJoined) error {
	if err := s.Store.AddStation(ev.Station, ev.InitialAP); err != nil {
		return err
	}
	s.Graph.Observe(ev.Station, ev.InitialAP)
	return nil
}

func (s *State) removeStation(station pkg.StationID) {
	s.Store.RemoveStation(station)
	s.Graph.RemoveStation(station)
	s.Handover.Forget("", station)
}

// domains returns the per-AP channel restrictions of the given APs
func (s *State) domains(aps []pkg.APID) map[pkg.APID][]pkg.Channel {
	out := make(map[pkg.APID][]pkg.Channel)
	for _, id := range aps {
		if ap, ok := s.Store.AP(id); ok && len(ap.Channels) > 0 {
			out[id] = ap.Channels
		}
	}
	return out
}

func (s *State) utilization() map[pkg.APID]float64 {
	out := make(map[pkg.APID]float64)
	for _, id := range s.Store.APIDs() {
		out[id] = s.Store.Utilization(id)
	}
	return out
}
