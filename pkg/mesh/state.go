package mesh

import (
	"fmt"
	"time"

	"github.com/salahayoub/tether/pkg/election"
	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/registry"
	"github.com/salahayoub/tether/pkg/reputation"
	"github.com/salahayoub/tether/pkg/routing"
)

// Recommendation thresholds.
const (
	LowBatteryThreshold  = 0.2
	HighLatencyThreshold = 500.0 // ms
	SaturatedLoad        = 1.0
)

// NetworkState is an immutable snapshot of the device's view of the mesh,
// recomputed every coordination tick.
type NetworkState struct {
	ConnectedPeers   []string  `json:"connected_peers"`
	AvailablePeers   []string  `json:"available_peers"`
	NetworkLoad      float64   `json:"network_load"`  // Connection pool load in [0, 1]
	BatteryLevel     float64   `json:"battery_level"` // [0, 1]
	AverageLatencyMs float64   `json:"average_latency_ms"`
	TakenAt          time.Time `json:"taken_at"`
}

// Status summarizes the orchestrator.
type Status struct {
	ID        string         `json:"id"`
	Enabled   bool           `json:"enabled"`
	Election  election.State `json:"election"`
	Pool      pool.Status    `json:"pool"`
	Ranging   pool.Status    `json:"ranging"`
	Connected []string       `json:"connected"`
	Available []string       `json:"available"`
	Routes    int            `json:"routes"`
}

// IsLeader reports whether the device leads its component.
func (s Status) IsLeader() bool { return s.Election.Leader == s.ID && s.ID != "" }

// PeerInfo joins what the registry, reputation and pools know about a peer.
type PeerInfo struct {
	ID         string            `json:"id"`
	State      registry.State    `json:"state"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	TrustScore float64           `json:"trust_score"`
	TrustLevel reputation.Level  `json:"trust_level"`
	LatencyMs  float64           `json:"latency_ms,omitempty"`
	Slot       *pool.SlotState   `json:"slot,omitempty"`
	Evicting   bool              `json:"evicting,omitempty"`
	Ranging    *pool.SlotState   `json:"ranging,omitempty"`
	Routes     []routing.NextHop `json:"routes,omitempty"`
}

// Enabled reports whether coordination is on.
func (m *Mesh) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Status returns a summary of the orchestrator state.
func (m *Mesh) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.registry.Snapshot()
	return Status{
		ID:        m.cfg.ID,
		Enabled:   m.enabled,
		Election:  m.election.State(),
		Pool:      m.pool.Status(),
		Ranging:   m.ranging.Status(),
		Connected: snap.Connected,
		Available: snap.Available,
		Routes:    m.routes.Len(),
	}
}

// Term returns the current election term.
func (m *Mesh) Term() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.election.Term()
}

// Leader returns the known leader, possibly this device, or "".
func (m *Mesh) Leader() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.election.Leader()
}

// PoolStatus returns the connection pool counts.
func (m *Mesh) PoolStatus() pool.Status { return m.pool.Status() }

// RangingStatus returns the ranging pool counts.
func (m *Mesh) RangingStatus() pool.Status { return m.ranging.Status() }

// PoolSlots describes every connection slot.
func (m *Mesh) PoolSlots() []pool.SlotInfo { return m.pool.Slots(m.now()) }

// RangingSlots describes every ranging slot.
func (m *Mesh) RangingSlots() []pool.SlotInfo { return m.ranging.Slots(m.now()) }

// TopReputations returns up to limit records, best first. limit <= 0
// returns all of them.
func (m *Mesh) TopReputations(limit int) []reputation.Reputation {
	return m.rep.TopPeers(limit)
}

// Reputation returns the record of one peer.
func (m *Mesh) Reputation(peer string) (reputation.Reputation, bool) {
	return m.rep.Get(peer)
}

// IsReachable reports whether dest is directly connected or routable.
func (m *Mesh) IsReachable(dest string) bool {
	return m.registry.IsConnected(dest) || m.routes.IsReachable(dest)
}

// NextHops returns the relays toward dest, best first.
func (m *Mesh) NextHops(dest string) []routing.NextHop { return m.routes.NextHops(dest) }

// Routes returns every routing table entry.
func (m *Mesh) Routes() []routing.Entry { return m.routes.Entries() }

// Peers returns every known peer ordered by id.
func (m *Mesh) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.registry.Records()
	out := make([]PeerInfo, 0, len(records))
	for _, r := range records {
		score := m.rep.Score(r.ID)
		info := PeerInfo{
			ID:         r.ID,
			State:      r.State,
			FirstSeen:  r.FirstSeen,
			LastSeen:   r.LastSeen,
			TrustScore: score,
			TrustLevel: reputation.LevelFor(score),
			LatencyMs:  m.latency[r.ID],
			Evicting:   m.pool.IsEvicting(r.ID),
			Routes:     m.routes.NextHops(r.ID),
		}
		if st, ok := m.pool.Holds(r.ID); ok {
			info.Slot = &st
		}
		if st, ok := m.ranging.Holds(r.ID); ok {
			info.Ranging = &st
		}
		out = append(out, info)
	}
	return out
}

// NetworkState returns the snapshot taken by the last tick.
func (m *Mesh) NetworkState() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.netState
}

// Recommendations returns plain-text advisories derived from the current
// snapshot.
func (m *Mesh) Recommendations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recommendations()
}

func (m *Mesh) computeNetworkState(now time.Time) NetworkState {
	snap := m.registry.Snapshot()
	var sum float64
	var n int
	for _, peer := range snap.Connected {
		if ms, ok := m.latency[peer]; ok {
			sum += ms
			n++
		}
	}
	avg := 0.0
	if n > 0 {
		avg = sum / float64(n)
	}
	return NetworkState{
		ConnectedPeers:   snap.Connected,
		AvailablePeers:   snap.Available,
		NetworkLoad:      m.pool.Status().Load(),
		BatteryLevel:     m.battery,
		AverageLatencyMs: avg,
		TakenAt:          now,
	}
}

func (m *Mesh) recommendations() []string {
	st := m.netState
	var out []string
	if !m.enabled {
		out = append(out, "Mesh coordination is disabled; connections and routes are not managed")
	}
	if st.BatteryLevel < LowBatteryThreshold {
		out = append(out, fmt.Sprintf("Battery low (%.0f%%); reduce ranging sessions and discovery", st.BatteryLevel*100))
	}
	if st.NetworkLoad >= SaturatedLoad {
		ps := m.pool.Status()
		out = append(out, fmt.Sprintf("Connection pool saturated (%d/%d); consider optimizing connections", ps.InUse(), ps.Capacity))
	}
	if m.enabled && m.election.Leader() == "" {
		out = append(out, "No leader elected")
	}
	if st.AverageLatencyMs > HighLatencyThreshold {
		out = append(out, fmt.Sprintf("High average latency (%.0fms)", st.AverageLatencyMs))
	}
	if len(st.AvailablePeers) > 0 && len(st.ConnectedPeers) == 0 {
		out = append(out, fmt.Sprintf("%d peers available but none connected", len(st.AvailablePeers)))
	}
	if n := len(st.ConnectedPeers); n > 0 {
		weak := 0
		for _, peer := range st.ConnectedPeers {
			if reputation.LevelFor(m.rep.Score(peer)) <= reputation.Low {
				weak++
			}
		}
		if weak*2 > n {
			out = append(out, fmt.Sprintf("%d of %d connected peers have low trust; consider optimizing connections", weak, n))
		}
	}
	return out
}
