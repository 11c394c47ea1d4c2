package mqtt

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/controller"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// SnapshotSource produces controller snapshots from outside the control
// goroutine
type SnapshotSource interface {
	RequestSnapshot(ctx context.Context) (*controller.Snapshot, error)
}

// eventQueueSize bounds the control events waiting for the broker
const eventQueueSize = 256

// Publisher pushes control events and periodic snapshots to the broker.
// Events over the rate limit or beyond the queue are dropped; snapshots
// wait for a token. Only Run talks to the broker.
type Publisher struct {
	bus     Bus
	prefix  string
	logger  *logx.Logger
	limiter *rate.Limiter
	events  chan *pkg.Event
	dropped atomic.Int64
}

// NewPublisher creates a publisher allowing perSecond messages with a
// burst of twice that
func NewPublisher(bus Bus, prefix string, perSecond float64, logger *logx.Logger) *Publisher {
	if perSecond <= 0 {
		perSecond = 10
	}
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return &Publisher{
		bus:     bus,
		prefix:  prefix,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		events:  make(chan *pkg.Event, eventQueueSize),
	}
}

// PublishEvent queues one control event for Run. It is the event ring
// callback, runs on the control goroutine and never blocks.
func (p *Publisher) PublishEvent(event *pkg.Event) {
	if !p.limiter.Allow() {
		p.dropped.Add(1)
		return
	}
	select {
	case p.events <- event:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped by the rate limit or a full
// queue
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run publishes queued events and a snapshot every interval until ctx is
// done
func (p *Publisher) Run(ctx context.Context, source SnapshotSource, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-p.events:
			if err := p.bus.Publish(Topic(p.prefix, TopicEvents), event); err != nil {
				p.logger.Warn("Failed to publish control event", "type", event.Type, "error", err)
			}
		case <-ticker.C:
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			p.publishSnapshot(ctx, source, interval)
		}
	}
}

func (p *Publisher) publishSnapshot(ctx context.Context, source SnapshotSource, timeout time.Duration) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap, err := source.RequestSnapshot(reqCtx)
	if err != nil {
		p.logger.Debug("Snapshot unavailable", "error", err)
		return
	}
	if err := p.bus.Publish(Topic(p.prefix, TopicSnapshot), snap); err != nil {
		p.logger.Warn("Failed to publish snapshot", "error", err)
	}
}
