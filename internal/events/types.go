// Package events provides the event bus that fans out coordinator state
// changes to the Broadcast API's subscribers.
package events

import (
	"encoding/json"
)

// EventType discriminates the tagged union of messages delivered to
// subscribers.
type EventType string

const (
	// EventInitial is sent once, immediately after a subscriber connects.
	EventInitial EventType = "Initial"
	// EventConfigChanged fires whenever a new config snapshot is published.
	EventConfigChanged EventType = "ConfigChanged"
	// EventHostStatus fires whenever the prober's observed online map changes.
	EventHostStatus EventType = "HostStatus"
	// EventLeaseUpdate fires whenever a host's complete lease set changes.
	EventLeaseUpdate EventType = "LeaseUpdate"
)

// Event is the closed tagged-union payload passed through the event bus and
// serialized to subscribers as `{"type": ..., "payload": ...}`. Exactly one
// of the typed fields is populated, matching Type. Messages are
// self-contained (full lease sets, full status maps) so subscribers can
// recover from a missed message without requesting a delta.
type Event struct {
	Type    EventType
	Initial *InitialPayload
	Config  *ConfigChangedPayload
	Status  *HostStatusPayload
	Lease   *LeaseUpdatePayload
}

// InitialPayload is sent once per subscription, immediately after connect.
type InitialPayload struct {
	Hosts   []string            `json:"hosts"`
	Clients []string            `json:"clients"`
	Status  map[string]bool     `json:"status"`
	Leases  map[string][]string `json:"leases"`
	Version string              `json:"version"`
}

// ConfigChangedPayload reports the newly-published set of declared hosts and
// clients.
type ConfigChangedPayload struct {
	Hosts   []string `json:"hosts"`
	Clients []string `json:"clients"`
}

// HostStatusPayload reports the complete observed online/offline map.
type HostStatusPayload struct {
	Status map[string]bool `json:"status"`
}

// LeaseUpdatePayload reports a single host's complete current lease set —
// never a delta.
type LeaseUpdatePayload struct {
	Host   string   `json:"host"`
	Leases []string `json:"leases"`
}

// NewInitial builds an EventInitial message.
func NewInitial(p InitialPayload) Event { return Event{Type: EventInitial, Initial: &p} }

// NewConfigChanged builds an EventConfigChanged message.
func NewConfigChanged(p ConfigChangedPayload) Event {
	return Event{Type: EventConfigChanged, Config: &p}
}

// NewHostStatus builds an EventHostStatus message.
func NewHostStatus(p HostStatusPayload) Event { return Event{Type: EventHostStatus, Status: &p} }

// NewLeaseUpdate builds an EventLeaseUpdate message.
func NewLeaseUpdate(p LeaseUpdatePayload) Event { return Event{Type: EventLeaseUpdate, Lease: &p} }

// MarshalJSON renders the tagged union as `{"type": ..., "payload": ...}`,
// the wire shape expected by WebSocket/SSE subscribers.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Type {
	case EventInitial:
		payload = e.Initial
	case EventConfigChanged:
		payload = e.Config
	case EventHostStatus:
		payload = e.Status
	case EventLeaseUpdate:
		payload = e.Lease
	}
	return json.Marshal(struct {
		Type    EventType   `json:"type"`
		Payload interface{} `json:"payload"`
	}{Type: e.Type, Payload: payload})
}
