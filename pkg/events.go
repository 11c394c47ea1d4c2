package pkg

import "time"

// Inbound is implemented by every event the control loop accepts
type Inbound interface {
	Kind() string
}

// AssociationSample reports the RSSI a station is heard with by an AP.
// Active is false when the station is no longer live/reachable via that AP.
type AssociationSample struct {
	AP        APID      `json:"ap"`
	Station   StationID `json:"station"`
	RSSI      float64   `json:"rssi"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// UtilizationSample reports the tx/rx airtime of an AP
type UtilizationSample struct {
	AP        APID      `json:"ap"`
	TxRate    float64   `json:"tx_rate"`
	RxRate    float64   `json:"rx_rate"`
	Timestamp time.Time `json:"timestamp"`
}

// ThroughputSample reports per-station byte counters on an AP
type ThroughputSample struct {
	Station   StationID `json:"station"`
	AP        APID      `json:"ap"`
	TxBps     float64   `json:"tx_bps"`
	RxBps     float64   `json:"rx_bps"`
	Timestamp time.Time `json:"timestamp"`
}

// APJoined announces a new AP. Channel is its current channel; zero means unknown.
type APJoined struct {
	AP                APID      `json:"ap"`
	Channel           Channel   `json:"channel,omitempty"`
	AvailableChannels []Channel `json:"available_channels"`
}

// APLeft announces an AP going away
type APLeft struct {
	AP APID `json:"ap"`
}

// StationJoined announces a station associating to its first AP
type StationJoined struct {
	Station   StationID `json:"station"`
	InitialAP APID      `json:"initial_ap"`
}

// StationLeft announces a station leaving the network
type StationLeft struct {
	Station StationID `json:"station"`
}

func (AssociationSample) Kind() string { return "association" }
func (UtilizationSample) Kind() string { return "utilization" }
func (ThroughputSample) Kind() string  { return "throughput" }
func (APJoined) Kind() string          { return "ap_joined" }
func (APLeft) Kind() string            { return "ap_left" }
func (StationJoined) Kind() string     { return "station_joined" }
func (StationLeft) Kind() string       { return "station_left" }
