package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/audit"
	"github.com/markus-lassfolk/airbalance/pkg/coloring"
	"github.com/markus-lassfolk/airbalance/pkg/handover"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
	"github.com/markus-lassfolk/airbalance/pkg/metrics"
)

type fakeTopology struct {
	reassigned []pkg.PairKey
	channels   map[pkg.APID]pkg.Channel
	busy       map[pkg.APID]bool
}

func (f *fakeTopology) ReassignStation(ctx context.Context, station pkg.StationID, target pkg.APID) error {
	f.reassigned = append(f.reassigned, pkg.PairKey{AP: target, Station: station})
	return nil
}

func (f *fakeTopology) SetAPChannel(ctx context.Context, ap pkg.APID, channel pkg.Channel) error {
	if f.busy[ap] {
		return pkg.ErrReassignmentConflict
	}
	if f.channels == nil {
		f.channels = make(map[pkg.APID]pkg.Channel)
	}
	f.channels[ap] = channel
	return nil
}

func (f *fakeTopology) InTransition(station pkg.StationID) bool {
	for _, k := range f.reassigned {
		if k.Station == station {
			return true
		}
	}
	return false
}

type fakePersister struct {
	assignment   map[pkg.APID]pkg.Channel
	unsuccessful []handover.Unsuccessful
	saves        int
}

func (f *fakePersister) SaveAssignment(a map[pkg.APID]pkg.Channel) error {
	f.assignment = make(map[pkg.APID]pkg.Channel, len(a))
	for k, v := range a {
		f.assignment[k] = v
	}
	f.saves++
	return nil
}

func (f *fakePersister) LoadAssignment() (map[pkg.APID]pkg.Channel, error) {
	return f.assignment, nil
}

func (f *fakePersister) SaveUnsuccessful(r []handover.Unsuccessful) error {
	f.unsuccessful = append([]handover.Unsuccessful(nil), r...)
	f.saves++
	return nil
}

func (f *fakePersister) LoadUnsuccessful() ([]handover.Unsuccessful, error) {
	return f.unsuccessful, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	loop     *Loop
	topology *fakeTopology
	clock    *fakeClock
	metrics  *metrics.Collector
	audit    *audit.DecisionLogger
	persist  *fakePersister
}

func newHarness(t *testing.T, config *Config) *harness {
	t.Helper()
	logger := logx.NewLogger("error", "test")
	m, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	h := &harness{
		topology: &fakeTopology{},
		clock:    &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		metrics:  m,
		audit:    audit.NewDecisionLogger(logger, 100, nil, true),
		persist:  &fakePersister{},
	}
	h.loop, err = NewLoop(config, Options{
		Logger:   logger,
		Topology: h.topology,
		Metrics:  m,
		Audit:    h.audit,
		Persist:  h.persist,
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) apply(t *testing.T, events ...pkg.Inbound) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, h.loop.HandleEvent(context.Background(), ev), "event %s", ev.Kind())
	}
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, e := range h.loop.EventLog().Since(time.Time{}, 0) {
		out = append(out, e.Type)
	}
	return out
}

func assoc(ap pkg.APID, sta pkg.StationID, rssi float64) pkg.AssociationSample {
	return pkg.AssociationSample{AP: ap, Station: sta, RSSI: rssi, Active: true}
}

func util(ap pkg.APID, v float64) pkg.UtilizationSample {
	return pkg.UtilizationSample{AP: ap, TxRate: v}
}

// setupThree builds X, Y, Z on channels 1, 6, 11 with one station each.
// sx on X is also heard by Y.
func setupThree(t *testing.T, h *harness) {
	h.apply(t,
		pkg.APJoined{AP: "X", Channel: 1},
		pkg.APJoined{AP: "Y", Channel: 6},
		pkg.APJoined{AP: "Z", Channel: 11},
		pkg.StationJoined{Station: "sx", InitialAP: "X"},
		pkg.StationJoined{Station: "sy", InitialAP: "Y"},
		pkg.StationJoined{Station: "sz", InitialAP: "Z"},
		assoc("X", "sx", -50),
		assoc("Y", "sx", -60),
		assoc("Y", "sy", -50),
		assoc("Z", "sz", -50),
		util("Y", 10),
		util("Z", 10),
	)
}

func TestLoop_SustainedLoadOutlierHandsOverOnFourthSample(t *testing.T) {
	h := newHarness(t, nil)
	setupThree(t, h)

	for i := 1; i <= 3; i++ {
		h.apply(t, util("X", 60))
		require.Empty(t, h.topology.reassigned, "no handover expected after sample %d", i)
	}
	h.apply(t, util("X", 60))
	require.Equal(t, []pkg.PairKey{{AP: "Y", Station: "sx"}}, h.topology.reassigned)

	// Further samples while pending do nothing
	h.apply(t, util("X", 60), util("X", 60), util("X", 60), util("X", 60))
	assert.Len(t, h.topology.reassigned, 1)

	snap := h.loop.Snapshot()
	require.NotNil(t, snap.Pending)
	assert.Equal(t, pkg.TriggerLoad, snap.Pending.Trigger)
	assert.InDelta(t, 80.0/3, snap.Pending.Baseline, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Handovers.WithLabelValues(pkg.TriggerLoad)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PendingHandovers))

	// Settle check before the window does nothing
	h.clock.Advance(4 * time.Second)
	h.loop.Tick(context.Background())
	require.NotNil(t, h.loop.Snapshot().Pending)

	h.clock.Advance(time.Second)
	h.loop.Tick(context.Background())
	snap = h.loop.Snapshot()
	assert.Nil(t, snap.Pending)
	assert.Equal(t, []string{pkg.EventHandover, pkg.EventHandoverConfirmed}, h.eventTypes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reverts.WithLabelValues(handover.OutcomeConfirmed)))
	assert.Len(t, h.audit.GetDecisionsByType(audit.DecisionSettle, 0), 1)
}

func TestLoop_RevertRecordsUnsuccessfulPair(t *testing.T) {
	h := newHarness(t, nil)
	setupThree(t, h)
	for i := 0; i < 4; i++ {
		h.apply(t, util("X", 60))
	}
	require.Len(t, h.topology.reassigned, 1)

	// Y now serves sx and sy and its load jumps
	h.apply(t, util("Y", 200))
	h.clock.Advance(5 * time.Second)
	h.loop.Tick(context.Background())

	require.Len(t, h.topology.reassigned, 2)
	assert.Equal(t, pkg.PairKey{AP: "X", Station: "sx"}, h.topology.reassigned[1])

	snap := h.loop.Snapshot()
	require.Len(t, snap.Unsuccessful, 1)
	assert.Equal(t, pkg.PairKey{AP: "Y", Station: "sx"}, snap.Unsuccessful[0].Key)
	assert.Equal(t, 0, snap.Unsuccessful[0].Retries)
	assert.Equal(t, pkg.StateRevertedStable, h.loop.State().Handover.State("sx"))
	assert.Equal(t, h.loop.State().Handover.Unsuccessful(), h.persist.unsuccessful)

	st, ok := h.loop.State().Store.Station("sx")
	require.True(t, ok)
	assert.Equal(t, pkg.APID("X"), st.AP)
	assert.Contains(t, h.eventTypes(), pkg.EventHandoverRevert)
}

func TestLoop_ForcedWeakSignalFiresOnTenthSample(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t,
		pkg.APJoined{AP: "X", Channel: 1},
		pkg.APJoined{AP: "Y", Channel: 6},
		pkg.StationJoined{Station: "sx", InitialAP: "X"},
		pkg.StationJoined{Station: "sy", InitialAP: "Y"},
		assoc("Y", "sx", -60),
		assoc("Y", "sy", -50),
		util("Y", 10),
		util("X", 60),
	)

	for i := 1; i <= 9; i++ {
		h.apply(t, assoc("X", "sx", -85))
		require.Empty(t, h.topology.reassigned, "no handover expected after sample %d", i)
	}
	h.apply(t, assoc("X", "sx", -85))
	require.Equal(t, []pkg.PairKey{{AP: "Y", Station: "sx"}}, h.topology.reassigned)

	rec, ok := h.loop.State().Handover.Pending()
	require.True(t, ok)
	assert.Equal(t, pkg.TriggerForcedRSSI, rec.Trigger)
}

func TestLoop_RecolorSkipsIsolatedAPs(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t,
		pkg.APJoined{AP: "A", Channel: 1},
		pkg.APJoined{AP: "B", Channel: 1},
		pkg.APJoined{AP: "C", Channel: 1},
		pkg.StationJoined{Station: "s1", InitialAP: "A"},
		pkg.StationJoined{Station: "s2", InitialAP: "C"},
		assoc("B", "s1", -60),
	)

	res, changes := h.loop.Recolor(context.Background())
	require.True(t, res.Feasible)
	assert.NotContains(t, res.Assignment, pkg.APID("C"))
	require.Len(t, changes, 1)
	assert.Equal(t, pkg.APID("B"), changes[0].AP)
	assert.Equal(t, pkg.Channel(6), changes[0].To)

	assert.Equal(t, map[pkg.APID]pkg.Channel{"B": 6}, h.topology.channels)
	assert.Equal(t, map[pkg.APID]pkg.Channel{"A": 1, "B": 6, "C": 1}, h.loop.Snapshot().Assignment)
	assert.Equal(t, pkg.Channel(6), h.persist.assignment["B"])

	ap, _ := h.loop.State().Store.AP("B")
	assert.Equal(t, pkg.Channel(6), ap.Channel)
}

func TestLoop_InfeasibleRecolorKeepsAssignment(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t,
		pkg.APJoined{AP: "A", Channel: 1},
		pkg.APJoined{AP: "B", Channel: 6},
		pkg.APJoined{AP: "C", Channel: 11},
		pkg.APJoined{AP: "D", Channel: 1},
		pkg.StationJoined{Station: "s", InitialAP: "A"},
		assoc("B", "s", -60),
		assoc("C", "s", -60),
		assoc("D", "s", -60),
	)

	res, changes := h.loop.Recolor(context.Background())
	assert.False(t, res.Feasible)
	assert.Empty(t, changes)
	assert.Empty(t, h.topology.channels)
	assert.Equal(t, map[pkg.APID]pkg.Channel{"A": 1, "B": 6, "C": 11, "D": 1}, h.loop.Snapshot().Assignment)
	assert.Equal(t, []string{pkg.EventRecolorInfeasible}, h.eventTypes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Recolorings.WithLabelValues("infeasible")))
}

func TestLoop_RecolorCommitsWholePlanWhenSwitchRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.topology.busy = map[pkg.APID]bool{"A": true}
	h.apply(t,
		pkg.APJoined{AP: "A", Channel: 6},
		pkg.APJoined{AP: "B", Channel: 1},
		pkg.APJoined{AP: "C", Channel: 11},
		pkg.StationJoined{Station: "s", InitialAP: "A"},
		assoc("B", "s", -60),
		assoc("C", "s", -60),
	)

	res, changes := h.loop.Recolor(context.Background())
	require.True(t, res.Feasible)
	require.Len(t, changes, 2)

	// A rejected its switch, B did not
	assert.Equal(t, map[pkg.APID]pkg.Channel{"B": 6}, h.topology.channels)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SwitchFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ChannelSwitches))

	snap := h.loop.Snapshot()
	assert.Equal(t, res.Assignment, snap.Assignment)
	assert.True(t, coloring.Valid(h.loop.State().Graph.SolverInput(), snap.Assignment),
		"stored assignment must stay conflict-free: %v", snap.Assignment)
	assert.Equal(t, snap.Assignment, h.persist.assignment)

	ap, _ := h.loop.State().Store.AP("A")
	assert.Equal(t, res.Assignment["A"], ap.Channel)
	for _, stats := range snap.AccessPoints {
		assert.Equal(t, 2, stats.Conflicts, "ap %s", stats.ID)
	}

	decisions := h.audit.GetDecisionsByType(audit.DecisionRecolor, 0)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Success)
	assert.Equal(t, []pkg.APID{"A"}, decisions[0].Context["failed"])
}

// setupSharedChannel puts X and Y on channel 1 and Z on 11. sx on X is
// heard by Y, so X and Y conflict.
func setupSharedChannel(t *testing.T, h *harness) {
	h.apply(t,
		pkg.APJoined{AP: "X", Channel: 1},
		pkg.APJoined{AP: "Y", Channel: 1},
		pkg.APJoined{AP: "Z", Channel: 11},
		pkg.StationJoined{Station: "sx", InitialAP: "X"},
		pkg.StationJoined{Station: "sy", InitialAP: "Y"},
		pkg.StationJoined{Station: "sz", InitialAP: "Z"},
		assoc("X", "sx", -50),
		assoc("Y", "sx", -60),
		assoc("Y", "sy", -50),
		assoc("Z", "sz", -50),
		util("Y", 10),
		util("Z", 10),
	)
}

func TestLoop_LoadOutlierTakesPriorityOverChannelOutlier(t *testing.T) {
	h := newHarness(t, nil)
	setupSharedChannel(t, h)

	for i := 1; i <= 3; i++ {
		h.apply(t, util("X", 60))
	}
	require.Equal(t, 3, h.loop.State().Evaluator.Counters().Channel[1], "channel 1 should be a sustained outlier")
	require.Equal(t, 3, h.loop.State().Evaluator.Counters().Load["X"])

	// Both detectors are due on this sample; the load handover wins
	h.apply(t, util("X", 60))
	require.Equal(t, []pkg.PairKey{{AP: "Y", Station: "sx"}}, h.topology.reassigned)
	assert.Empty(t, h.topology.channels)
	assert.NotContains(t, h.eventTypes(), pkg.EventRecolor)
	assert.Zero(t, h.loop.State().Evaluator.Counters().Channel[1])

	rec, ok := h.loop.State().Handover.Pending()
	require.True(t, ok)
	assert.Equal(t, pkg.TriggerLoad, rec.Trigger)

	for _, st := range h.loop.Snapshot().Stations {
		assert.Equal(t, st.ID == "sx", st.InTransition, "station %s", st.ID)
	}
}

func TestLoop_RecolorSkippedWhileHandoverPending(t *testing.T) {
	h := newHarness(t, nil)
	setupSharedChannel(t, h)
	for i := 0; i < 4; i++ {
		h.apply(t, util("X", 60))
	}
	_, pending := h.loop.State().Handover.Pending()
	require.True(t, pending)

	res, changes := h.loop.Recolor(context.Background())
	assert.False(t, res.Feasible)
	assert.Empty(t, changes)
	assert.Empty(t, h.topology.channels)
	assert.Equal(t, pkg.Channel(1), h.loop.Snapshot().Assignment["Y"])
	assert.Zero(t, testutil.ToFloat64(h.metrics.Recolorings.WithLabelValues("applied")))

	// Once the handover settles the conflict is resolved
	h.clock.Advance(5 * time.Second)
	h.loop.Tick(context.Background())
	require.Nil(t, h.loop.Snapshot().Pending)

	res, changes = h.loop.Recolor(context.Background())
	require.True(t, res.Feasible)
	require.Len(t, changes, 1)
	assert.NotEqual(t, h.loop.Snapshot().Assignment["X"], h.loop.Snapshot().Assignment["Y"])
}

func TestLoop_SustainedChannelOutlierRecolors(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t,
		pkg.APJoined{AP: "A", Channel: 1},
		pkg.APJoined{AP: "B", Channel: 1},
		pkg.APJoined{AP: "C", Channel: 1},
		pkg.APJoined{AP: "D", Channel: 6},
		pkg.APJoined{AP: "E", Channel: 11},
		pkg.StationJoined{Station: "sa", InitialAP: "A"},
		pkg.StationJoined{Station: "sb", InitialAP: "B"},
		pkg.StationJoined{Station: "sc", InitialAP: "C"},
		pkg.StationJoined{Station: "sd", InitialAP: "D"},
		pkg.StationJoined{Station: "se", InitialAP: "E"},
		assoc("A", "sa", -50),
		assoc("B", "sb", -50),
		assoc("C", "sc", -50),
		assoc("D", "sd", -50),
		assoc("E", "se", -50),
		assoc("B", "sa", -70),
		assoc("C", "sa", -70),
	)

	// Every AP carries the same load, only channel 1 stands out
	h.apply(t, util("A", 30), util("B", 30), util("C", 30))
	require.Empty(t, h.topology.channels)
	require.NotContains(t, h.eventTypes(), pkg.EventRecolor)
	require.Equal(t, 3, h.loop.State().Evaluator.Counters().Channel[1])

	h.apply(t, util("D", 30))
	assert.Empty(t, h.topology.reassigned)
	require.NotEmpty(t, h.topology.channels)

	var recolor *pkg.Event
	for _, e := range h.loop.EventLog().Since(time.Time{}, 0) {
		if e.Type == pkg.EventRecolor {
			recolor = e
		}
	}
	require.NotNil(t, recolor)
	assert.Equal(t, pkg.TriggerChannel, recolor.Trigger)

	snap := h.loop.Snapshot()
	assert.True(t, coloring.Valid(h.loop.State().Graph.SolverInput(), snap.Assignment))
	assert.Equal(t, pkg.Channel(6), snap.Assignment["D"])
	assert.Equal(t, pkg.Channel(11), snap.Assignment["E"])

	decisions := h.audit.GetDecisionsByType(audit.DecisionRecolor, 0)
	require.Len(t, decisions, 1)
	assert.Equal(t, pkg.TriggerChannel, decisions[0].Trigger)
}

func TestLoop_RestoresPersistedState(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	persist := &fakePersister{
		assignment: map[pkg.APID]pkg.Channel{"A": 11},
		unsuccessful: []handover.Unsuccessful{
			{Key: pkg.PairKey{AP: "A", Station: "s"}, Retries: 2, Baseline: 40},
		},
	}
	loop, err := NewLoop(nil, Options{Logger: logger, Topology: &fakeTopology{}, Persist: persist})
	require.NoError(t, err)

	require.NoError(t, loop.HandleEvent(context.Background(), pkg.APJoined{AP: "A"}))
	snap := loop.Snapshot()
	assert.Equal(t, pkg.Channel(11), snap.Assignment["A"])
	require.Len(t, snap.Unsuccessful, 1)
	assert.Equal(t, 2, snap.Unsuccessful[0].Retries)
}

func TestLoop_HandleEventErrors(t *testing.T) {
	h := newHarness(t, nil)

	err := h.loop.HandleEvent(context.Background(), pkg.StationJoined{Station: "s", InitialAP: "nope"})
	assert.True(t, errors.Is(err, pkg.ErrUnknownAP))

	err = h.loop.HandleEvent(context.Background(), util("nope", 1))
	assert.True(t, errors.Is(err, pkg.ErrUnknownAP))

	// Stale samples for unknown pairs are dropped silently
	assert.NoError(t, h.loop.HandleEvent(context.Background(), pkg.AssociationSample{AP: "nope", Station: "s"}))
}

func TestLoop_SubmitDropsWhenFull(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 1
	h := newHarness(t, config)

	assert.True(t, h.loop.Submit(pkg.APJoined{AP: "A", Channel: 1}))
	assert.False(t, h.loop.Submit(pkg.APJoined{AP: "B", Channel: 6}))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped))
}

func TestLoop_RunServesSnapshots(t *testing.T) {
	config := DefaultConfig()
	config.TickInterval = 10 * time.Millisecond
	loop, err := NewLoop(config, Options{Logger: logx.NewLogger("error", "test"), Topology: &fakeTopology{}})
	require.NoError(t, err)

	_, err = loop.RequestSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.True(t, loop.Submit(pkg.APJoined{AP: "A", Channel: 1}))
	require.Eventually(t, func() bool {
		reqCtx, reqCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer reqCancel()
		snap, err := loop.RequestSnapshot(reqCtx)
		return err == nil && len(snap.AccessPoints) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Control loop did not stop")
	}
}
