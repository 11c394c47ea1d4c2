package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// ReassignCommand asks the AP fabric to move a station
type ReassignCommand struct {
	ID       string        `json:"id"`
	Station  pkg.StationID `json:"station"`
	TargetAP pkg.APID      `json:"target_ap"`
	IssuedAt time.Time     `json:"issued_at"`
}

// ChannelCommand asks an AP to switch channel
type ChannelCommand struct {
	ID       string      `json:"id"`
	AP       pkg.APID    `json:"ap"`
	Channel  pkg.Channel `json:"channel"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Ack confirms a command was carried out. Either field may be set.
type Ack struct {
	Station pkg.StationID `json:"station,omitempty"`
	AP      pkg.APID      `json:"ap,omitempty"`
}

// Commander implements pkg.Topology by publishing commands. A station or
// AP with an unacknowledged command younger than the transition window is
// mid-transition and new commands touching it are refused.
type Commander struct {
	bus    Bus
	prefix string
	logger *logx.Logger
	dryRun bool
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	stations map[pkg.StationID]time.Time
	aps      map[pkg.APID]time.Time
}

// NewCommander creates a topology commander
func NewCommander(bus Bus, config *Config, logger *logx.Logger) *Commander {
	return &Commander{
		bus:      bus,
		prefix:   config.TopicPrefix,
		logger:   logger,
		dryRun:   config.DryRun,
		window:   config.TransitionWindow,
		now:      time.Now,
		stations: make(map[pkg.StationID]time.Time),
		aps:      make(map[pkg.APID]time.Time),
	}
}

// Start subscribes to command acknowledgements
func (c *Commander) Start() error {
	return c.bus.Subscribe(Topic(c.prefix, TopicAck), c.handleAck)
}

// ReassignStation publishes a reassign command
func (c *Commander) ReassignStation(ctx context.Context, station pkg.StationID, target pkg.APID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	now := c.now()
	if c.busy(c.stations[station], now) {
		c.mu.Unlock()
		return fmt.Errorf("station %s: %w", station, pkg.ErrReassignmentConflict)
	}
	if c.busy(c.aps[target], now) {
		c.mu.Unlock()
		return fmt.Errorf("ap %s: %w", target, pkg.ErrReassignmentConflict)
	}
	c.stations[station] = now
	c.mu.Unlock()

	cmd := ReassignCommand{ID: uuid.NewString(), Station: station, TargetAP: target, IssuedAt: now}
	if c.dryRun {
		c.logger.Info("DRY RUN: Would reassign station", "station", station, "target", target, "command_id", cmd.ID)
		return nil
	}
	if err := c.bus.Publish(Topic(c.prefix, TopicReassign), cmd); err != nil {
		c.clearStation(station)
		return fmt.Errorf("failed to publish reassign command: %w", err)
	}
	c.logger.Info("Reassign command issued", "station", station, "target", target, "command_id", cmd.ID)
	return nil
}

// SetAPChannel publishes a channel command
func (c *Commander) SetAPChannel(ctx context.Context, ap pkg.APID, channel pkg.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	now := c.now()
	if c.busy(c.aps[ap], now) {
		c.mu.Unlock()
		return fmt.Errorf("ap %s: %w", ap, pkg.ErrReassignmentConflict)
	}
	c.aps[ap] = now
	c.mu.Unlock()

	cmd := ChannelCommand{ID: uuid.NewString(), AP: ap, Channel: channel, IssuedAt: now}
	if c.dryRun {
		c.logger.Info("DRY RUN: Would switch channel", "ap", ap, "channel", channel, "command_id", cmd.ID)
		return nil
	}
	if err := c.bus.Publish(Topic(c.prefix, TopicChannel), cmd); err != nil {
		c.mu.Lock()
		delete(c.aps, ap)
		c.mu.Unlock()
		return fmt.Errorf("failed to publish channel command: %w", err)
	}
	c.logger.Info("Channel command issued", "ap", ap, "channel", channel, "command_id", cmd.ID)
	return nil
}

// InTransition reports whether a station has an outstanding command
func (c *Commander) InTransition(station pkg.StationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy(c.stations[station], c.now())
}

func (c *Commander) handleAck(topic string, payload []byte) {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.logger.Warn("Rejected command acknowledgement", "topic", topic, "error", err)
		return
	}
	c.mu.Lock()
	if ack.Station != "" {
		delete(c.stations, ack.Station)
	}
	if ack.AP != "" {
		delete(c.aps, ack.AP)
	}
	c.mu.Unlock()
	c.logger.Debug("Command acknowledged", "station", ack.Station, "ap", ack.AP)
}

func (c *Commander) clearStation(station pkg.StationID) {
	c.mu.Lock()
	delete(c.stations, station)
	c.mu.Unlock()
}

func (c *Commander) busy(issued, now time.Time) bool {
	return !issued.IsZero() && now.Sub(issued) < c.window
}
