// Package tui provides the terminal dashboard for watching and steering
// tether mesh nodes: election state, both slot pools, peer trust, routes and
// the advisory recommendations.
package tui

import (
	"time"

	"github.com/salahayoub/tether/pkg/types"
)

// NodeSnapshot is everything the dashboard shows about one node, captured
// in a single refresh.
type NodeSnapshot struct {
	Status          types.StatusResponse
	Slots           types.SlotsResponse
	Peers           []types.PeerStatus
	Routes          []types.RouteStatus
	Network         types.NetworkState
	Recommendations []string
	FetchedAt       time.Time
}

// IsLeader reports whether the node considers itself leader.
func (s *NodeSnapshot) IsLeader() bool {
	return s != nil && s.Status.LeaderID != "" && s.Status.LeaderID == s.Status.NodeID
}

// DataFetcher retrieves node data and issues commands.
// Abstracted as an interface so the dashboard can run against an in-process
// mesh, a remote node over HTTP, or a test double.
type DataFetcher interface {
	// NodeID returns the id of the node behind this fetcher.
	NodeID() string

	// FetchSnapshot retrieves the node's current state.
	FetchSnapshot() (*NodeSnapshot, error)

	// ForceElection starts an election immediately.
	ForceElection() error

	// Optimize runs one connection optimization pass.
	Optimize() (*types.OptimizeResponse, error)

	// SetEnabled toggles mesh coordination.
	SetEnabled(enabled bool) error

	// SetBattery reports the device battery level in [0, 1].
	SetBattery(level float64) error

	// IsConnected returns whether the fetcher can reach the node.
	IsConnected() bool

	// Reconnect attempts to reach the node again.
	Reconnect() error
}
