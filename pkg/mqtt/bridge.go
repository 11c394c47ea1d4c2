package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// Submitter accepts inbound events for the control loop
type Submitter interface {
	Submit(ev pkg.Inbound) bool
}

// Bridge decodes telemetry and topology messages and queues them for the
// control loop. Handlers run on the MQTT goroutine and never block.
type Bridge struct {
	source pkg.TelemetrySource
	sink   Submitter
	prefix string
	logger *logx.Logger

	decoders map[string]func([]byte) (pkg.Inbound, error)
	rejected atomic.Int64
}

// NewBridge creates a telemetry bridge
func NewBridge(source pkg.TelemetrySource, sink Submitter, prefix string, logger *logx.Logger) *Bridge {
	return &Bridge{
		source: source,
		sink:   sink,
		prefix: prefix,
		logger: logger,
		decoders: map[string]func([]byte) (pkg.Inbound, error){
			TopicAssociation:   decode[pkg.AssociationSample],
			TopicUtilization:   decode[pkg.UtilizationSample],
			TopicThroughput:    decode[pkg.ThroughputSample],
			TopicAPJoined:      decode[pkg.APJoined],
			TopicAPLeft:        decode[pkg.APLeft],
			TopicStationJoined: decode[pkg.StationJoined],
			TopicStationLeft:   decode[pkg.StationLeft],
		},
	}
}

// Start subscribes to every telemetry and topology topic
func (b *Bridge) Start() error {
	for suffix := range b.decoders {
		if err := b.source.Subscribe(Topic(b.prefix, suffix), b.Handle); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", suffix, err)
		}
	}
	b.logger.Info("Telemetry bridge started", "prefix", b.prefix, "topics", len(b.decoders))
	return nil
}

// Handle decodes one message and submits it
func (b *Bridge) Handle(topic string, payload []byte) {
	suffix := strings.TrimPrefix(topic, strings.TrimSuffix(b.prefix, "/")+"/")
	dec, ok := b.decoders[suffix]
	if !ok {
		b.logger.Debug("Ignoring message on unknown topic", "topic", topic)
		return
	}
	ev, err := dec(payload)
	if err == nil {
		err = validate(ev)
	}
	if err != nil {
		b.rejected.Add(1)
		b.logger.Warn("Rejected telemetry message", "topic", topic, "error", err)
		return
	}
	b.sink.Submit(ev)
}

// Rejected returns the number of undecodable messages
func (b *Bridge) Rejected() int64 {
	return b.rejected.Load()
}

func decode[T pkg.Inbound](payload []byte) (pkg.Inbound, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Kind(), err)
	}
	return ev, nil
}

func validate(ev pkg.Inbound) error {
	var ap pkg.APID
	var station pkg.StationID
	needStation := true
	switch e := ev.(type) {
	case pkg.AssociationSample:
		ap, station = e.AP, e.Station
	case pkg.ThroughputSample:
		ap, station = e.AP, e.Station
	case pkg.StationJoined:
		ap, station = e.InitialAP, e.Station
	case pkg.UtilizationSample:
		ap, needStation = e.AP, false
	case pkg.APJoined:
		ap, needStation = e.AP, false
	case pkg.APLeft:
		ap, needStation = e.AP, false
	case pkg.StationLeft:
		return requireID("station", string(e.Station))
	}
	if err := requireID("ap", string(ap)); err != nil {
		return err
	}
	if needStation {
		return requireID("station", string(station))
	}
	return nil
}

func requireID(field, id string) error {
	if id == "" {
		return fmt.Errorf("missing %s id", field)
	}
	return nil
}
