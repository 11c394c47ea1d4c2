package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/controller"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

type published struct {
	topic   string
	payload interface{}
}

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]pkg.Handler
	published []published
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]pkg.Handler)}
}

func (b *fakeBus) Subscribe(topic string, handler pkg.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Publish(topic string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic, payload})
	return nil
}

func (b *fakeBus) deliver(topic string, payload string) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(topic, []byte(payload))
	}
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type recordingSink struct {
	events []pkg.Inbound
}

func (s *recordingSink) Submit(ev pkg.Inbound) bool {
	s.events = append(s.events, ev)
	return true
}

func TestBridge_DecodesAndSubmits(t *testing.T) {
	bus := newFakeBus()
	sink := &recordingSink{}
	bridge := NewBridge(bus, sink, "ab", logx.NewLogger("error", "test"))
	if err := bridge.Start(); err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	if len(bus.handlers) != 7 {
		t.Fatalf("Expected 7 subscriptions, got %d", len(bus.handlers))
	}

	bus.deliver("ab/telemetry/association", `{"ap":"A","station":"s","rssi":-61.5,"active":true}`)
	bus.deliver("ab/topology/ap_joined", `{"ap":"B","channel":6,"available_channels":[1,6,11]}`)
	bus.deliver("ab/telemetry/utilization", `{"ap":"A","tx_rate":30,"rx_rate":12}`)

	if len(sink.events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(sink.events))
	}
	a, ok := sink.events[0].(pkg.AssociationSample)
	if !ok || a.RSSI != -61.5 || !a.Active || a.Station != "s" {
		t.Errorf("Unexpected association %+v", sink.events[0])
	}
	j, ok := sink.events[1].(pkg.APJoined)
	if !ok || j.Channel != 6 || len(j.AvailableChannels) != 3 {
		t.Errorf("Unexpected ap_joined %+v", sink.events[1])
	}

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"malformed", "ab/telemetry/utilization", `{"ap":`},
		{"missing_station", "ab/telemetry/association", `{"ap":"A","rssi":-60}`},
		{"missing_ap", "ab/topology/ap_left", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(sink.events)
			bus.deliver(tt.topic, tt.payload)
			if len(sink.events) != before {
				t.Errorf("Expected message to be rejected")
			}
		})
	}
	if bridge.Rejected() != 3 {
		t.Errorf("Expected 3 rejected messages, got %d", bridge.Rejected())
	}
}

func TestCommander_TransitionWindow(t *testing.T) {
	bus := newFakeBus()
	config := DefaultConfig()
	config.TopicPrefix = "ab"
	config.TransitionWindow = 3 * time.Second
	cmd := NewCommander(bus, config, logx.NewLogger("error", "test"))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd.now = func() time.Time { return now }
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start commander: %v", err)
	}
	ctx := context.Background()

	if err := cmd.ReassignStation(ctx, "s", "B"); err != nil {
		t.Fatalf("Expected first command to succeed, got %v", err)
	}
	if bus.count() != 1 || bus.published[0].topic != "ab/command/reassign" {
		t.Fatalf("Expected reassign command published, got %v", bus.published)
	}

	err := cmd.ReassignStation(ctx, "s", "C")
	if !errors.Is(err, pkg.ErrReassignmentConflict) {
		t.Errorf("Expected conflict for station in transition, got %v", err)
	}

	if err := cmd.SetAPChannel(ctx, "C", 11); err != nil {
		t.Fatalf("Expected channel command to succeed, got %v", err)
	}
	if err := cmd.ReassignStation(ctx, "s2", "C"); !errors.Is(err, pkg.ErrReassignmentConflict) {
		t.Errorf("Expected conflict for AP in transition, got %v", err)
	}

	bus.deliver("ab/command/ack", `{"station":"s"}`)
	if cmd.InTransition("s") {
		t.Error("Expected acknowledgement to clear the transition")
	}

	now = now.Add(3 * time.Second)
	if err := cmd.ReassignStation(ctx, "s2", "C"); err != nil {
		t.Errorf("Expected transition window to expire, got %v", err)
	}
}

func TestCommander_DryRun(t *testing.T) {
	bus := newFakeBus()
	config := DefaultConfig()
	config.DryRun = true
	cmd := NewCommander(bus, config, logx.NewLogger("error", "test"))

	if err := cmd.ReassignStation(context.Background(), "s", "B"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := cmd.SetAPChannel(context.Background(), "B", 6); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bus.count() != 0 {
		t.Errorf("Expected nothing published in dry run, got %d", bus.count())
	}
	if !cmd.InTransition("s") {
		t.Error("Expected dry-run command to be tracked")
	}
}

type staticSource struct{ snap *controller.Snapshot }

func (s staticSource) RequestSnapshot(ctx context.Context) (*controller.Snapshot, error) {
	return s.snap, nil
}

func TestPublisher_EventRateLimit(t *testing.T) {
	bus := newFakeBus()
	pub := NewPublisher(bus, "ab", 1, logx.NewLogger("error", "test"))

	for i := 0; i < 5; i++ {
		pub.PublishEvent(&pkg.Event{Type: pkg.EventHandover})
	}
	// burst of 2
	if pub.Dropped() != 3 {
		t.Errorf("Expected 3 dropped events, got %d", pub.Dropped())
	}
	if bus.count() != 0 {
		t.Errorf("Expected events to wait for Run, got %d published", bus.count())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Run(ctx, staticSource{snap: &controller.Snapshot{}}, time.Hour)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for bus.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if bus.count() != 2 {
		t.Errorf("Expected 2 events published, got %d", bus.count())
	}
	if bus.published[0].topic != "ab/events" {
		t.Errorf("Expected events topic, got %s", bus.published[0].topic)
	}
}

// stalledBus accepts subscriptions but holds every publish until released
type stalledBus struct {
	*fakeBus
	entered chan struct{}
	release chan struct{}
}

func (b *stalledBus) Publish(topic string, payload interface{}) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.fakeBus.Publish(topic, payload)
}

func TestPublisher_EventsDoNotWaitForBroker(t *testing.T) {
	bus := &stalledBus{fakeBus: newFakeBus(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	pub := NewPublisher(bus, "ab", 10000, logx.NewLogger("error", "test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Run(ctx, staticSource{snap: &controller.Snapshot{}}, time.Hour)
		close(done)
	}()
	defer func() {
		close(bus.release)
		cancel()
		<-done
	}()

	pub.PublishEvent(&pkg.Event{Type: pkg.EventRecolor})
	select {
	case <-bus.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to pick up the first event")
	}

	// The broker is stuck; the callback must still return immediately
	returned := make(chan struct{})
	go func() {
		for i := 0; i < eventQueueSize+10; i++ {
			pub.PublishEvent(&pkg.Event{Type: pkg.EventChannelSwitch})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("PublishEvent blocked on a stalled broker")
	}
	if pub.Dropped() != 10 {
		t.Errorf("Expected 10 events dropped by the full queue, got %d", pub.Dropped())
	}
}

type stalledToken struct{ done chan struct{} }

func (t *stalledToken) Wait() bool { <-t.done; return true }
func (t *stalledToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *stalledToken) Done() <-chan struct{} { return t.done }
func (t *stalledToken) Error() error          { return nil }

// stalledBroker is a connected paho client whose publishes never complete
type stalledBroker struct {
	MQTT.Client
	token *stalledToken
}

func (b *stalledBroker) IsConnected() bool { return true }
func (b *stalledBroker) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	return b.token
}

func newStalledClient(t *testing.T, timeout time.Duration) *Client {
	t.Helper()
	config := DefaultConfig()
	config.Enabled = true
	config.PublishTimeout = timeout
	c := NewClient(config, logx.NewLogger("error", "test"))
	token := &stalledToken{done: make(chan struct{})}
	t.Cleanup(func() { close(token.done) })
	c.client = &stalledBroker{token: token}
	c.connected = true
	return c
}

func TestClient_PublishTimesOut(t *testing.T) {
	c := newStalledClient(t, 20*time.Millisecond)

	start := time.Now()
	err := c.Publish("ab/events", map[string]string{"type": "recolor"})
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("Expected ErrPublishTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish took %s with a 20ms timeout", elapsed)
	}
	if !c.GetLastPublish().IsZero() {
		t.Error("Expected a timed out publish not to count as published")
	}
}

func TestCommander_StalledBrokerReleasesStation(t *testing.T) {
	c := newStalledClient(t, 20*time.Millisecond)
	config := DefaultConfig()
	config.TopicPrefix = "ab"
	cmd := NewCommander(c, config, logx.NewLogger("error", "test"))

	err := cmd.ReassignStation(context.Background(), "s", "B")
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("Expected ErrPublishTimeout, got %v", err)
	}
	if cmd.InTransition("s") {
		t.Error("Expected the station to be released after a failed publish")
	}
	if err := cmd.SetAPChannel(context.Background(), "B", 6); !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("Expected ErrPublishTimeout for channel command, got %v", err)
	}
}

func TestPublisher_RunPublishesSnapshots(t *testing.T) {
	bus := newFakeBus()
	pub := NewPublisher(bus, "ab", 100, logx.NewLogger("error", "test"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Run(ctx, staticSource{snap: &controller.Snapshot{NetworkUtilization: 12}}, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if bus.count() == 0 {
		t.Fatal("Expected a snapshot to be published")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.published[0].topic != "ab/snapshot" {
		t.Errorf("Expected snapshot topic, got %s", bus.published[0].topic)
	}
}
