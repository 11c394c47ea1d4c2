// Package pkg holds the identifiers, events and collaborator interfaces shared
// by every airbalance component.
package pkg

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// APID identifies an access point (its BSSID / radio block address)
type APID string

// StationID identifies a station (client MAC address)
type StationID string

// Channel is an IEEE 802.11 channel number
type Channel int

// PairKey is the composite key of an (AP, station) relation
type PairKey struct {
	AP      APID      `json:"ap"`
	Station StationID `json:"station"`
}

// String renders the key for logs and JSON map keys
func (k PairKey) String() string {
	return fmt.Sprintf("%s/%s", k.AP, k.Station)
}

// Less orders keys by AP then station
func (k PairKey) Less(o PairKey) bool {
	if k.AP != o.AP {
		return k.AP < o.AP
	}
	return k.Station < o.Station
}

// Handover states of a station
const (
	StateStable         = "stable"
	StatePending        = "pending"
	StateRevertedStable = "reverted_stable"
)

// Control event types recorded in the telemetry store
const (
	EventHandover          = "handover"
	EventHandoverAborted   = "handover_aborted"
	EventHandoverRevert    = "handover_revert"
	EventHandoverConfirmed = "handover_confirmed"
	EventRecolor           = "recolor"
	EventRecolorInfeasible = "recolor_infeasible"
	EventChannelSwitch     = "channel_switch"
)

// Triggers that lead to a decision
const (
	TriggerLoad       = "load_outlier"
	TriggerRSSI       = "rssi_outlier"
	TriggerChannel    = "channel_outlier"
	TriggerForcedRSSI = "forced_rssi"
	TriggerRevert     = "revert"
)

// Errors surfaced by collaborators and the core
var (
	// ErrReassignmentConflict means the station or target AP is mid-transition
	ErrReassignmentConflict = errors.New("reassignment conflict")
	// ErrSolverInfeasible means no conflict-free channel assignment exists
	ErrSolverInfeasible = errors.New("channel assignment infeasible")
	ErrUnknownAP        = errors.New("unknown access point")
	ErrUnknownStation   = errors.New("unknown station")
)

// Event is a control event kept in the telemetry store event ring
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Trigger   string                 `json:"trigger,omitempty"`
	Station   StationID              `json:"station,omitempty"`
	From      APID                   `json:"from,omitempty"`
	To        APID                   `json:"to,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Topology is the outbound collaborator that mutates the live network.
// Calls return as soon as the command is issued; confirmation is observed
// through telemetry.
type Topology interface {
	// ReassignStation moves a station to the target AP. It returns
	// ErrReassignmentConflict when the station or AP is mid-transition.
	ReassignStation(ctx context.Context, station StationID, target APID) error
	// SetAPChannel switches an AP to a new channel; attached stations follow.
	SetAPChannel(ctx context.Context, ap APID, channel Channel) error
}

// Handler consumes raw telemetry payloads delivered on a topic
type Handler func(topic string, payload []byte)

// TelemetrySource is the subscription capability offered by the telemetry collaborator
type TelemetrySource interface {
	Subscribe(topic string, handler Handler) error
}
