// Package uci loads the airbalance daemon configuration from an OpenWrt UCI
// file (/etc/config/airbalance) or from the uci command line tool.
package uci

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultConfigPath is the UCI config file of the daemon
const DefaultConfigPath = "/etc/config/airbalance"

// Config holds the complete daemon configuration
type Config struct {
	// airbalance 'main'
	Enable         bool   `json:"enable"`
	LogLevel       string `json:"log_level"`
	TickIntervalMS int    `json:"tick_interval_ms"`
	QueueSize      int    `json:"queue_size"`
	EventCapacity  int    `json:"event_capacity"`
	DryRun         bool   `json:"dry_run"`
	AuditLog       bool   `json:"audit_log"`
	AuditDBPath    string `json:"audit_db_path"`
	AuditRecords   int    `json:"audit_records"`
	StateDBPath    string `json:"state_db_path"`

	// thresholds 'main'
	WindowSize         int     `json:"window_size"`
	SustainCount       int     `json:"sustain_count"`
	CooldownMS         int     `json:"cooldown_ms"`
	SettleWindowMS     int     `json:"settle_window_ms"`
	RevertDelta        float64 `json:"revert_delta"`
	CandidateRSSIFloor float64 `json:"candidate_rssi_floor"`
	ForcedRSSILimit    float64 `json:"forced_rssi_limit"`
	ForcedRSSICount    int     `json:"forced_rssi_count"`
	MaxRetries         int     `json:"max_retries"`
	Prune              bool    `json:"prune"`
	PruneThreshold     float64 `json:"prune_threshold"`

	// channels 'main'
	Channels  []int  `json:"channels"`
	RegDomain string `json:"reg_domain"`
	Band      string `json:"band"`
	UseDFS    bool   `json:"use_dfs"`

	MQTT    MQTTConfig   `json:"mqtt"`
	API     ListenConfig `json:"api"`
	Metrics ListenConfig `json:"metrics"`
}

// MQTTConfig is the mqtt 'main' section
type MQTTConfig struct {
	Enabled            bool    `json:"enabled"`
	Broker             string  `json:"broker"`
	Port               int     `json:"port"`
	ClientID           string  `json:"client_id"`
	Username           string  `json:"username"`
	Password           string  `json:"-"`
	TopicPrefix        string  `json:"topic_prefix"`
	QoS                int     `json:"qos"`
	TransitionWindowMS int     `json:"transition_window_ms"`
	PublishTimeoutMS   int     `json:"publish_timeout_ms"`
	SnapshotIntervalS  int     `json:"snapshot_interval_s"`
	PublishRate        float64 `json:"publish_rate"`
}

// ListenConfig is an api or metrics section
type ListenConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// Default values
const (
	DefaultTickIntervalMS     = 1000
	DefaultQueueSize          = 1024
	DefaultEventCapacity      = 500
	DefaultWindowSize         = 10
	DefaultSustainCount       = 4
	DefaultCooldownMS         = 5000
	DefaultSettleWindowMS     = 5000
	DefaultRevertDelta        = 20
	DefaultCandidateRSSIFloor = -75
	DefaultForcedRSSILimit    = -80
	DefaultForcedRSSICount    = 10
	DefaultMaxRetries         = 5
)

// LoadConfig loads and validates the configuration. The default path is
// read through the uci tool when available; any other path is parsed as a
// file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if path == DefaultConfigPath {
		if cfg, err := NewUCI(nil).LoadConfig(context.Background()); err == nil {
			return cfg, nil
		}
	}
	return loadConfigFromFile(path)
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = "info"
	c.TickIntervalMS = DefaultTickIntervalMS
	c.QueueSize = DefaultQueueSize
	c.EventCapacity = DefaultEventCapacity
	c.AuditDBPath = "/tmp/airbalance_audit.db"
	c.AuditRecords = 1000
	c.StateDBPath = "/var/lib/airbalance/state.db"

	c.WindowSize = DefaultWindowSize
	c.SustainCount = DefaultSustainCount
	c.CooldownMS = DefaultCooldownMS
	c.SettleWindowMS = DefaultSettleWindowMS
	c.RevertDelta = DefaultRevertDelta
	c.CandidateRSSIFloor = DefaultCandidateRSSIFloor
	c.ForcedRSSILimit = DefaultForcedRSSILimit
	c.ForcedRSSICount = DefaultForcedRSSICount
	c.MaxRetries = DefaultMaxRetries

	c.RegDomain = "ETSI"
	c.Band = "2.4"

	c.MQTT = MQTTConfig{
		Enabled:            true,
		Broker:             "localhost",
		Port:               1883,
		ClientID:           "airbalanced",
		TopicPrefix:        "airbalance",
		QoS:                1,
		TransitionWindowMS: 3000,
		PublishTimeoutMS:   2000,
		SnapshotIntervalS:  10,
		PublishRate:        10,
	}
	c.API = ListenConfig{Enabled: true, Listen: ":8088"}
	c.Metrics = ListenConfig{Enabled: true, Listen: ":9101"}
}

// parseUCI parses a UCI text file. Options outside a known section are
// ignored.
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sectionType, sectionName string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "config":
			sectionType, sectionName = "", ""
			if len(parts) >= 2 {
				sectionType = parts[1]
			}
			if len(parts) >= 3 {
				sectionName = unquote(parts[2])
			}
		case "option", "list":
			if len(parts) < 3 {
				continue
			}
			value := unquote(strings.Join(parts[2:], " "))
			if parts[0] == "list" {
				c.parseList(sectionType, parts[1], value)
				continue
			}
			c.parseOption(sectionType, sectionName, parts[1], value)
		}
	}
	return nil
}

// parseOption routes options to their section parser
func (c *Config) parseOption(sectionType, sectionName, option, value string) {
	if sectionName != "" && sectionName != "main" {
		return
	}
	switch sectionType {
	case "airbalance":
		c.parseMainOption(option, value)
	case "thresholds":
		c.parseThresholdsOption(option, value)
	case "channels":
		c.parseChannelsOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "api":
		parseListenOption(&c.API, option, value)
	case "metrics":
		parseListenOption(&c.Metrics, option, value)
	}
}

// parseList handles list entries. An empty channel list means the channels
// of the regulatory domain.
func (c *Config) parseList(sectionType, option, value string) {
	if sectionType != "channels" || option != "channel" {
		return
	}
	for _, field := range strings.Fields(value) {
		if ch, err := strconv.Atoi(unquote(field)); err == nil && ch > 0 {
			c.Channels = append(c.Channels, ch)
		}
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "enable", "enabled":
		c.Enable = parseBool(value)
	case "log_level":
		if isValidLogLevel(value) {
			c.LogLevel = value
		}
	case "tick_interval_ms":
		setInt(&c.TickIntervalMS, value)
	case "queue_size":
		setInt(&c.QueueSize, value)
	case "event_capacity":
		setInt(&c.EventCapacity, value)
	case "dry_run":
		c.DryRun = parseBool(value)
	case "audit_log":
		c.AuditLog = parseBool(value)
	case "audit_db_path":
		c.AuditDBPath = value
	case "audit_records":
		setInt(&c.AuditRecords, value)
	case "state_db_path":
		c.StateDBPath = value
	}
}

func (c *Config) parseThresholdsOption(option, value string) {
	switch option {
	case "window_size":
		setInt(&c.WindowSize, value)
	case "sustain_count":
		setInt(&c.SustainCount, value)
	case "cooldown_ms":
		setInt(&c.CooldownMS, value)
	case "settle_window_ms":
		setInt(&c.SettleWindowMS, value)
	case "revert_delta":
		setFloat(&c.RevertDelta, value)
	case "candidate_rssi_floor":
		setFloat(&c.CandidateRSSIFloor, value)
	case "forced_rssi_limit":
		setFloat(&c.ForcedRSSILimit, value)
	case "forced_rssi_count":
		setInt(&c.ForcedRSSICount, value)
	case "max_retries":
		setInt(&c.MaxRetries, value)
	case "prune":
		c.Prune = parseBool(value)
	case "prune_threshold":
		setFloat(&c.PruneThreshold, value)
	}
}

func (c *Config) parseChannelsOption(option, value string) {
	switch option {
	case "reg_domain":
		c.RegDomain = strings.ToUpper(value)
	case "band":
		c.Band = value
	case "use_dfs":
		c.UseDFS = parseBool(value)
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled", "enable":
		c.MQTT.Enabled = parseBool(value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		setInt(&c.MQTT.Port, value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = strings.TrimSuffix(value, "/")
	case "qos":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 && v <= 2 {
			c.MQTT.QoS = v
		}
	case "transition_window_ms":
		setInt(&c.MQTT.TransitionWindowMS, value)
	case "publish_timeout_ms":
		setInt(&c.MQTT.PublishTimeoutMS, value)
	case "snapshot_interval_s":
		setInt(&c.MQTT.SnapshotIntervalS, value)
	case "publish_rate":
		setFloat(&c.MQTT.PublishRate, value)
	}
}

func parseListenOption(l *ListenConfig, option, value string) {
	switch option {
	case "enabled", "enable":
		l.Enabled = parseBool(value)
	case "listen":
		l.Listen = value
	}
}

// validate checks the ranges of the numeric options
func (c *Config) validate() error {
	if c.TickIntervalMS < 100 || c.TickIntervalMS > 60000 {
		return fmt.Errorf("tick_interval_ms must be between 100 and 60000")
	}
	if c.WindowSize < 1 || c.WindowSize > 1000 {
		return fmt.Errorf("window_size must be between 1 and 1000")
	}
	if c.SustainCount < 1 {
		return fmt.Errorf("sustain_count must be at least 1")
	}
	if c.RevertDelta <= 0 {
		return fmt.Errorf("revert_delta must be positive")
	}
	if c.CandidateRSSIFloor > 0 || c.ForcedRSSILimit > 0 {
		return fmt.Errorf("RSSI limits must be expressed in negative dBm")
	}
	if c.ForcedRSSICount < 1 || c.MaxRetries < 1 {
		return fmt.Errorf("forced_rssi_count and max_retries must be at least 1")
	}
	if c.Prune && c.PruneThreshold <= 0 {
		return fmt.Errorf("prune_threshold must be positive when prune is enabled")
	}
	for _, ch := range c.Channels {
		if ch < 1 || ch > 196 {
			return fmt.Errorf("invalid channel %d", ch)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	return nil
}

func setInt(dst *int, value string) {
	if v, err := strconv.Atoi(value); err == nil && v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, value string) {
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		*dst = v
	}
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

func unquote(s string) string {
	return strings.Trim(s, "'\"")
}
