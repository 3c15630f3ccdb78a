// Package types holds the JSON payloads shared by the HTTP API and the
// terminal dashboard, so both sides agree on one wire shape.
package types

import "time"

// StatusResponse is the JSON payload returned by the /status endpoint.
type StatusResponse struct {
	NodeID    string     `json:"node_id"`
	Enabled   bool       `json:"enabled"`
	Role      string     `json:"role"`
	Term      uint64     `json:"term"`
	LeaderID  string     `json:"leader_id"`
	Votes     int        `json:"votes,omitempty"`
	Pending   bool       `json:"election_pending"`
	Pool      PoolStatus `json:"pool"`
	Ranging   PoolStatus `json:"ranging"`
	Connected []string   `json:"connected"`
	Available []string   `json:"available"`
	Routes    int        `json:"routes"`
}

// PoolStatus counts the slots of one pool.
type PoolStatus struct {
	Capacity  int     `json:"capacity"`
	Occupied  int     `json:"occupied"`
	Reserved  int     `json:"reserved"`
	Available int     `json:"available"`
	Evicting  int     `json:"evicting"`
	Load      float64 `json:"load"`
}

// SlotStatus describes one slot.
type SlotStatus struct {
	Index      int    `json:"index"`
	State      string `json:"state"`
	PeerID     string `json:"peer_id,omitempty"`
	Priority   string `json:"priority,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// SlotsResponse is the payload of /pool/slots.
type SlotsResponse struct {
	Connection []SlotStatus `json:"connection"`
	Ranging    []SlotStatus `json:"ranging"`
}

// ReputationStatus is one peer's trust record.
type ReputationStatus struct {
	PeerID                string    `json:"peer_id"`
	TrustScore            float64   `json:"trust_score"`
	TrustLevel            string    `json:"trust_level"`
	SuccessfulConnections uint64    `json:"successful_connections"`
	FailedConnections     uint64    `json:"failed_connections"`
	SuccessfulDeliveries  uint64    `json:"successful_deliveries"`
	FailedDeliveries      uint64    `json:"failed_deliveries"`
	LastUpdated           time.Time `json:"last_updated"`
}

// NextHopStatus is one relay toward a destination.
type NextHopStatus struct {
	PeerID   string `json:"peer_id"`
	HopCount uint32 `json:"hop_count"`
}

// RouteStatus is one routing table entry.
type RouteStatus struct {
	Destination string          `json:"destination"`
	HopCount    uint32          `json:"hop_count"`
	NextHops    []NextHopStatus `json:"next_hops"`
	LastRefresh time.Time       `json:"last_refresh"`
}

// PeerStatus tracks what we know about a peer.
type PeerStatus struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Connected  bool      `json:"connected"`
	TrustScore float64   `json:"trust_score"`
	TrustLevel string    `json:"trust_level"`
	LatencyMs  float64   `json:"latency_ms,omitempty"`
	Slot       string    `json:"slot,omitempty"`
	Ranging    string    `json:"ranging,omitempty"`
	Evicting   bool      `json:"evicting,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// NetworkState is the payload of /network.
type NetworkState struct {
	ConnectedPeers   []string  `json:"connected_peers"`
	AvailablePeers   []string  `json:"available_peers"`
	NetworkLoad      float64   `json:"network_load"`
	BatteryLevel     float64   `json:"battery_level"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
	TakenAt          time.Time `json:"taken_at"`
}

// SwapStatus is one replacement made by an optimization pass.
type SwapStatus struct {
	Evicted       string  `json:"evicted"`
	EvictedScore  float64 `json:"evicted_score"`
	Admitted      string  `json:"admitted"`
	AdmittedScore float64 `json:"admitted_score"`
	Idle          bool    `json:"idle"`
}

// OptimizeResponse is the payload of POST /optimize.
type OptimizeResponse struct {
	Swaps []SwapStatus `json:"swaps"`
}

// EnabledRequest is the body of POST /enabled.
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// BatteryRequest is the body of POST /battery.
type BatteryRequest struct {
	Level float64 `json:"level"`
}

// ErrorResponse carries an API error message.
type ErrorResponse struct {
	Error string `json:"error"`
}
