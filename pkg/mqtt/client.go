// Package mqtt connects the controller to the access points over an MQTT
// broker: telemetry and topology events in, station and channel commands
// out, and snapshots and control events published for observers.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
)

// Topic suffixes below the configured prefix
const (
	TopicAssociation   = "telemetry/association"
	TopicUtilization   = "telemetry/utilization"
	TopicThroughput    = "telemetry/throughput"
	TopicAPJoined      = "topology/ap_joined"
	TopicAPLeft        = "topology/ap_left"
	TopicStationJoined = "topology/station_joined"
	TopicStationLeft   = "topology/station_left"
	TopicReassign      = "command/reassign"
	TopicChannel       = "command/channel"
	TopicAck           = "command/ack"
	TopicSnapshot      = "snapshot"
	TopicEvents        = "events"
)

// ErrPublishTimeout means the broker did not confirm a publish in time
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Bus is the publish/subscribe surface the adapters need
type Bus interface {
	pkg.TelemetrySource
	Publish(topic string, payload interface{}) error
}

// Config holds MQTT configuration
type Config struct {
	Broker           string        `json:"broker"`
	Port             int           `json:"port"`
	ClientID         string        `json:"client_id"`
	Username         string        `json:"username"`
	Password         string        `json:"password"`
	TopicPrefix      string        `json:"topic_prefix"`
	QoS              int           `json:"qos"`
	Retain           bool          `json:"retain"`
	Enabled          bool          `json:"enabled"`
	DryRun           bool          `json:"dry_run"`
	TransitionWindow time.Duration `json:"transition_window"`
	PublishTimeout   time.Duration `json:"publish_timeout"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	PublishRate      float64       `json:"publish_rate"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:           "localhost",
		Port:             1883,
		ClientID:         "airbalanced",
		TopicPrefix:      "airbalance",
		QoS:              1,
		TransitionWindow: 3 * time.Second,
		PublishTimeout:   2 * time.Second,
		SnapshotInterval: 10 * time.Second,
		PublishRate:      10,
	}
}

// Topic joins the prefix and a suffix
func Topic(prefix, suffix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + suffix
}

// Client is a paho-backed Bus. Subscriptions are remembered and restored
// after a reconnect.
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	mu          sync.RWMutex
	connected   bool
	lastPublish time.Time
	handlers    map[string]pkg.Handler
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		logger:   logger,
		config:   config,
		handlers: make(map[string]pkg.Handler),
	}
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// paho keeps retrying; subscriptions are made in onConnect
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.config.Broker)
		return nil
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("MQTT client disconnected")
	}
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	handlers := make(map[string]pkg.Handler, len(c.handlers))
	for topic, h := range c.handlers {
		handlers[topic] = h
	}
	c.mu.Unlock()

	c.logger.Info("MQTT connection established", "subscriptions", len(handlers))
	for topic, h := range handlers {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Error("Failed to restore MQTT subscription", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", map[string]interface{}{
		"error": err.Error(),
	})
}

// Subscribe registers handler for topic. Registration succeeds while
// disconnected; the subscription is made on the next connect.
func (c *Client) Subscribe(topic string, handler pkg.Handler) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	connected := c.connected
	c.mu.Unlock()

	if !c.config.Enabled || !connected {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler pkg.Handler) error {
	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}

// Publish marshals payload to JSON and publishes it, waiting at most
// PublishTimeout for the broker
func (c *Client) Publish(topic string, payload interface{}) error {
	if !c.config.Enabled {
		return nil
	}
	if !c.IsConnected() {
		return fmt.Errorf("mqtt not connected, dropping %s", topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	timeout := c.config.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PublishTimeout
	}
	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to topic %s: %w after %s", topic, ErrPublishTimeout, timeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Enabled && c.connected && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPublish
}
