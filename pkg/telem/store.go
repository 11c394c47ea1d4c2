package telem

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markus-lassfolk/airbalance/pkg"
)

// Store holds the latest and rolling telemetry per AP, station and
// (AP, station) pair. It is owned by the control loop and is not safe for
// concurrent use.
type Store struct {
	windowSize int

	aps      map[pkg.APID]*APRecord
	stations map[pkg.StationID]*StationRecord
	pairs    map[pkg.PairKey]*PairMetric
	channels map[pkg.Channel]*RollingWindow

	events *EventRing
}

// APRecord is the bookkeeping of one access point
type APRecord struct {
	ID          pkg.APID
	Channel     pkg.Channel
	Channels    []pkg.Channel // channels the AP may use; empty means any
	Utilization float64       // latest tx+rx rate
	Load        *RollingWindow
	Signal      *RollingWindow // mean |RSSI| of attached stations, per evaluation
	Clients     map[pkg.StationID]struct{}
	Counters    map[pkg.StationID]*Throughput
}

// StationRecord is the bookkeeping of one station
type StationRecord struct {
	ID        pkg.StationID
	AP        pkg.APID // empty while detached
	Reachable map[pkg.APID]struct{}
}

// PairMetric is the signal relation between an AP and a station
type PairMetric struct {
	Key          pkg.PairKey
	RSSI         float64
	HasRSSI      bool
	Active       bool // station is associated to this AP
	LowRSSICount int
	History      *RollingWindow
	UpdatedAt    time.Time
}

// Throughput holds per-station byte counters on its AP
type Throughput struct {
	Tx *RollingWindow
	Rx *RollingWindow
}

// NewStore creates an empty telemetry store
func NewStore(windowSize, eventCapacity int) (*Store, error) {
	if windowSize < 1 || windowSize > 1000 {
		return nil, fmt.Errorf("window size must be between 1 and 1000")
	}
	if eventCapacity < 1 {
		return nil, fmt.Errorf("event capacity must be positive")
	}
	return &Store{
		windowSize: windowSize,
		aps:        make(map[pkg.APID]*APRecord),
		stations:   make(map[pkg.StationID]*StationRecord),
		pairs:      make(map[pkg.PairKey]*PairMetric),
		channels:   make(map[pkg.Channel]*RollingWindow),
		events:     NewEventRing(eventCapacity),
	}, nil
}

// AddAP registers an AP, or refreshes its channel list if already known
func (s *Store) AddAP(id pkg.APID, channel pkg.Channel, available []pkg.Channel) *APRecord {
	chs := append([]pkg.Channel(nil), available...)
	sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })

	if ap, ok := s.aps[id]; ok {
		ap.Channels = chs
		if channel != 0 {
			ap.Channel = channel
			s.trackChannel(channel)
		}
		return ap
	}

	ap := &APRecord{
		ID:       id,
		Channel:  channel,
		Channels: chs,
		Load:     NewRollingWindow(s.windowSize),
		Signal:   NewRollingWindow(s.windowSize),
		Clients:  make(map[pkg.StationID]struct{}),
		Counters: make(map[pkg.StationID]*Throughput),
	}
	s.aps[id] = ap
	if channel != 0 {
		s.trackChannel(channel)
	}
	return ap
}

// RemoveAP drops an AP with its pairs; attached stations become detached
func (s *Store) RemoveAP(id pkg.APID) {
	ap, ok := s.aps[id]
	if !ok {
		return
	}
	for sta := range ap.Clients {
		if st, ok := s.stations[sta]; ok && st.AP == id {
			st.AP = ""
		}
	}
	for _, st := range s.stations {
		delete(st.Reachable, id)
	}
	for key := range s.pairs {
		if key.AP == id {
			delete(s.pairs, key)
		}
	}
	delete(s.aps, id)
}

// AddStation registers a station associated to its initial AP
func (s *Store) AddStation(id pkg.StationID, ap pkg.APID) error {
	rec, ok := s.aps[ap]
	if !ok {
		return fmt.Errorf("station %s joined %s: %w", id, ap, pkg.ErrUnknownAP)
	}

	st, ok := s.stations[id]
	if !ok {
		st = &StationRecord{ID: id, Reachable: make(map[pkg.APID]struct{})}
		s.stations[id] = st
	}
	if st.AP != "" && st.AP != ap {
		s.detach(st)
	}
	st.AP = ap
	st.Reachable[ap] = struct{}{}
	rec.Clients[id] = struct{}{}
	if _, ok := rec.Counters[id]; !ok {
		rec.Counters[id] = s.newThroughput()
	}

	key := pkg.PairKey{AP: ap, Station: id}
	if _, ok := s.pairs[key]; !ok {
		s.pairs[key] = &PairMetric{Key: key, History: NewRollingWindow(s.windowSize)}
	}
	s.refreshActive(id)
	return nil
}

// RemoveStation drops a station and all of its pairs
func (s *Store) RemoveStation(id pkg.StationID) {
	st, ok := s.stations[id]
	if !ok {
		return
	}
	s.detach(st)
	for key := range s.pairs {
		if key.Station == id {
			delete(s.pairs, key)
		}
	}
	delete(s.stations, id)
}

// RecordAssociation applies an RSSI observation of station by ap. An
// inactive observation deletes the pair and returns nil.
func (s *Store) RecordAssociation(ap pkg.APID, station pkg.StationID, rssi float64, active bool, at time.Time) (*PairMetric, error) {
	key := pkg.PairKey{AP: ap, Station: station}
	if !active {
		delete(s.pairs, key)
		return nil, nil
	}
	if _, ok := s.aps[ap]; !ok {
		return nil, fmt.Errorf("association sample from %s: %w", ap, pkg.ErrUnknownAP)
	}
	st, ok := s.stations[station]
	if !ok {
		return nil, fmt.Errorf("association sample for %s: %w", station, pkg.ErrUnknownStation)
	}

	pair, ok := s.pairs[key]
	if !ok {
		pair = &PairMetric{Key: key, History: NewRollingWindow(s.windowSize)}
		s.pairs[key] = pair
	}
	pair.RSSI = rssi
	pair.HasRSSI = true
	pair.Active = st.AP == ap
	pair.UpdatedAt = at
	pair.History.Add(rssi)

	st.Reachable[ap] = struct{}{}
	return pair, nil
}

// RecordUtilization applies an AP airtime sample and returns the AP's new
// current utilization. An AP without attached stations reports zero and
// its window is left untouched.
func (s *Store) RecordUtilization(ap pkg.APID, txRate, rxRate float64) (float64, error) {
	rec, ok := s.aps[ap]
	if !ok {
		return 0, fmt.Errorf("utilization sample from %s: %w", ap, pkg.ErrUnknownAP)
	}
	if len(rec.Clients) == 0 {
		rec.Utilization = 0
		return 0, nil
	}
	rec.Utilization = txRate + rxRate
	rec.Load.Add(rec.Utilization)
	return rec.Utilization, nil
}

// RecordThroughput applies per-station counters. Samples from an AP the
// station is not attached to are ignored.
func (s *Store) RecordThroughput(station pkg.StationID, ap pkg.APID, txBps, rxBps float64) error {
	rec, ok := s.aps[ap]
	if !ok {
		return fmt.Errorf("throughput sample from %s: %w", ap, pkg.ErrUnknownAP)
	}
	st, ok := s.stations[station]
	if !ok {
		return fmt.Errorf("throughput sample for %s: %w", station, pkg.ErrUnknownStation)
	}
	if st.AP != ap {
		return nil
	}
	cnt, ok := rec.Counters[station]
	if !ok {
		cnt = s.newThroughput()
		rec.Counters[station] = cnt
	}
	cnt.Tx.Add(txBps)
	cnt.Rx.Add(rxBps)
	return nil
}

// MoveStation transfers a station's bookkeeping from one AP to another
func (s *Store) MoveStation(station pkg.StationID, from, to pkg.APID) error {
	st, ok := s.stations[station]
	if !ok {
		return fmt.Errorf("move %s: %w", station, pkg.ErrUnknownStation)
	}
	dst, ok := s.aps[to]
	if !ok {
		return fmt.Errorf("move %s to %s: %w", station, to, pkg.ErrUnknownAP)
	}
	if src, ok := s.aps[from]; ok {
		delete(src.Clients, station)
		delete(src.Counters, station)
	}
	dst.Clients[station] = struct{}{}
	dst.Counters[station] = s.newThroughput()
	st.AP = to
	st.Reachable[to] = struct{}{}
	s.refreshActive(station)
	return nil
}

// SetChannel records an AP's new channel
func (s *Store) SetChannel(ap pkg.APID, channel pkg.Channel) error {
	rec, ok := s.aps[ap]
	if !ok {
		return fmt.Errorf("set channel on %s: %w", ap, pkg.ErrUnknownAP)
	}
	rec.Channel = channel
	s.trackChannel(channel)
	return nil
}

func (s *Store) AP(id pkg.APID) (*APRecord, bool) {
	ap, ok := s.aps[id]
	return ap, ok
}

func (s *Store) Station(id pkg.StationID) (*StationRecord, bool) {
	st, ok := s.stations[id]
	return st, ok
}

func (s *Store) Pair(key pkg.PairKey) (*PairMetric, bool) {
	p, ok := s.pairs[key]
	return p, ok
}

// APIDs returns all AP ids in ascending order
func (s *Store) APIDs() []pkg.APID {
	ids := make([]pkg.APID, 0, len(s.aps))
	for id := range s.aps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StationIDs returns all station ids in ascending order
func (s *Store) StationIDs() []pkg.StationID {
	ids := make([]pkg.StationID, 0, len(s.stations))
	for id := range s.stations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clients returns the stations attached to an AP in ascending order
func (s *Store) Clients(ap pkg.APID) []pkg.StationID {
	rec, ok := s.aps[ap]
	if !ok {
		return nil
	}
	ids := make([]pkg.StationID, 0, len(rec.Clients))
	for id := range rec.Clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reachable returns every AP the station was ever observed by, ascending
func (s *Store) Reachable(station pkg.StationID) []pkg.APID {
	st, ok := s.stations[station]
	if !ok {
		return nil
	}
	ids := make([]pkg.APID, 0, len(st.Reachable))
	for id := range st.Reachable {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pairs returns all pair keys in ascending order
func (s *Store) Pairs() []pkg.PairKey {
	keys := make([]pkg.PairKey, 0, len(s.pairs))
	for k := range s.pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Utilization returns the current utilization of an AP
func (s *Store) Utilization(ap pkg.APID) float64 {
	if rec, ok := s.aps[ap]; ok {
		return rec.Utilization
	}
	return 0
}

// ChannelLoads sums the current utilization of the APs on each known channel
func (s *Store) ChannelLoads() map[pkg.Channel]float64 {
	loads := make(map[pkg.Channel]float64, len(s.channels))
	for ch := range s.channels {
		loads[ch] = 0
	}
	for _, ap := range s.aps {
		if ap.Channel != 0 {
			loads[ap.Channel] += ap.Utilization
		}
	}
	return loads
}

// NetworkUtilization is the mean per-channel aggregate utilization
func (s *Store) NetworkUtilization() float64 {
	loads := s.ChannelLoads()
	if len(loads) == 0 {
		return 0
	}
	var total float64
	for _, l := range loads {
		total += l
	}
	return total / float64(len(loads))
}

// AttachedSignal is the mean |RSSI| of the stations attached to an AP that
// have reported a sample; 0 when none have
func (s *Store) AttachedSignal(ap pkg.APID) float64 {
	rec, ok := s.aps[ap]
	if !ok {
		return 0
	}
	var sum float64
	var n int
	for sta := range rec.Clients {
		if p, ok := s.pairs[pkg.PairKey{AP: ap, Station: sta}]; ok && p.HasRSSI {
			sum += math.Abs(p.RSSI)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SampleSignal pushes every AP's current attached signal into its signal
// window and returns the per-AP rolling means
func (s *Store) SampleSignal() map[pkg.APID]float64 {
	out := make(map[pkg.APID]float64, len(s.aps))
	for id, ap := range s.aps {
		ap.Signal.Add(s.AttachedSignal(id))
		out[id] = ap.Signal.Mean()
	}
	return out
}

// SampleChannelLoads pushes every channel's aggregate utilization into its
// window and returns the per-channel rolling means
func (s *Store) SampleChannelLoads() map[pkg.Channel]float64 {
	loads := s.ChannelLoads()
	out := make(map[pkg.Channel]float64, len(loads))
	for ch, load := range loads {
		w := s.channelWindow(ch)
		w.Add(load)
		out[ch] = w.Mean()
	}
	return out
}

// LoadMeans returns the per-AP rolling mean utilization
func (s *Store) LoadMeans() map[pkg.APID]float64 {
	out := make(map[pkg.APID]float64, len(s.aps))
	for id, ap := range s.aps {
		out[id] = ap.Load.Mean()
	}
	return out
}

// ChannelWindow returns the rolling load window of a channel, if tracked
func (s *Store) ChannelWindow(ch pkg.Channel) (*RollingWindow, bool) {
	w, ok := s.channels[ch]
	return w, ok
}

// AddEvent appends a control event to the event ring
func (s *Store) AddEvent(event *pkg.Event) {
	s.events.Add(event)
}

// Events returns control events newer than since, oldest first, at most limit
func (s *Store) Events(since time.Time, limit int) []*pkg.Event {
	return s.events.Since(since, limit)
}

// EventLog exposes the event ring for readers outside the control goroutine
func (s *Store) EventLog() *EventRing {
	return s.events
}

// SetEventCallback registers a callback for real-time event publishing
func (s *Store) SetEventCallback(cb func(*pkg.Event)) {
	s.events.SetCallback(cb)
}

func (s *Store) detach(st *StationRecord) {
	if ap, ok := s.aps[st.AP]; ok {
		delete(ap.Clients, st.ID)
		delete(ap.Counters, st.ID)
	}
	st.AP = ""
}

func (s *Store) refreshActive(station pkg.StationID) {
	st, ok := s.stations[station]
	if !ok {
		return
	}
	for key, p := range s.pairs {
		if key.Station == station {
			p.Active = key.AP == st.AP
		}
	}
}

func (s *Store) trackChannel(ch pkg.Channel) {
	s.channelWindow(ch)
}

func (s *Store) channelWindow(ch pkg.Channel) *RollingWindow {
	w, ok := s.channels[ch]
	if !ok {
		w = NewRollingWindow(s.windowSize)
		s.channels[ch] = w
	}
	return w
}

func (s *Store) newThroughput() *Throughput {
	return &Throughput{Tx: NewRollingWindow(s.windowSize), Rx: NewRollingWindow(s.windowSize)}
}
