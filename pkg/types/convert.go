package types

import (
	"time"

	"github.com/salahayoub/tether/pkg/mesh"
	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/registry"
	"github.com/salahayoub/tether/pkg/reputation"
	"github.com/salahayoub/tether/pkg/routing"
)

// NewStatusResponse converts an orchestrator status.
func NewStatusResponse(st mesh.Status) StatusResponse {
	return StatusResponse{
		NodeID:    st.ID,
		Enabled:   st.Enabled,
		Role:      st.Election.Role.String(),
		Term:      st.Election.Term,
		LeaderID:  st.Election.Leader,
		Votes:     st.Election.Votes,
		Pending:   st.Election.ElectionPending,
		Pool:      NewPoolStatus(st.Pool),
		Ranging:   NewPoolStatus(st.Ranging),
		Connected: nonNil(st.Connected),
		Available: nonNil(st.Available),
		Routes:    st.Routes,
	}
}

// NewPoolStatus converts pool counts.
func NewPoolStatus(st pool.Status) PoolStatus {
	return PoolStatus{
		Capacity:  st.Capacity,
		Occupied:  st.Occupied,
		Reserved:  st.Reserved,
		Available: st.Available,
		Evicting:  st.Evicting,
		Load:      st.Load(),
	}
}

// NewSlotStatuses converts slot descriptions.
func NewSlotStatuses(slots []pool.SlotInfo) []SlotStatus {
	out := make([]SlotStatus, 0, len(slots))
	for _, s := range slots {
		ss := SlotStatus{
			Index:      s.Index,
			State:      s.State.String(),
			PeerID:     s.PeerID,
			DurationMs: s.Duration.Milliseconds(),
		}
		if s.State != pool.Available {
			ss.Priority = s.Priority.String()
		}
		out = append(out, ss)
	}
	return out
}

// NewReputationStatuses converts reputation records.
func NewReputationStatuses(records []reputation.Reputation) []ReputationStatus {
	out := make([]ReputationStatus, 0, len(records))
	for _, r := range records {
		out = append(out, ReputationStatus{
			PeerID:                r.PeerID,
			TrustScore:            r.TrustScore,
			TrustLevel:            r.Level().String(),
			SuccessfulConnections: r.SuccessfulConnections,
			FailedConnections:     r.FailedConnections,
			SuccessfulDeliveries:  r.SuccessfulDeliveries,
			FailedDeliveries:      r.FailedDeliveries,
			LastUpdated:           r.LastUpdated,
		})
	}
	return out
}

// NewNextHopStatuses converts next hops.
func NewNextHopStatuses(hops []routing.NextHop) []NextHopStatus {
	out := make([]NextHopStatus, 0, len(hops))
	for _, h := range hops {
		out = append(out, NextHopStatus{PeerID: h.PeerID, HopCount: h.HopCount})
	}
	return out
}

// NewRouteStatuses converts routing table entries.
func NewRouteStatuses(entries []routing.Entry) []RouteStatus {
	out := make([]RouteStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, RouteStatus{
			Destination: e.Destination,
			HopCount:    e.HopCount,
			NextHops:    NewNextHopStatuses(e.NextHops),
			LastRefresh: e.LastRefresh,
		})
	}
	return out
}

// NewPeerStatuses converts peer descriptions.
func NewPeerStatuses(peers []mesh.PeerInfo) []PeerStatus {
	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		ps := PeerStatus{
			ID:         p.ID,
			State:      p.State.String(),
			Connected:  p.State == registry.Connected,
			TrustScore: p.TrustScore,
			TrustLevel: p.TrustLevel.String(),
			LatencyMs:  p.LatencyMs,
			Evicting:   p.Evicting,
			LastSeen:   p.LastSeen,
		}
		if p.Slot != nil {
			ps.Slot = p.Slot.String()
		}
		if p.Ranging != nil {
			ps.Ranging = p.Ranging.String()
		}
		out = append(out, ps)
	}
	return out
}

// NewNetworkState converts a network snapshot.
func NewNetworkState(st mesh.NetworkState) NetworkState {
	return NetworkState{
		ConnectedPeers:   nonNil(st.ConnectedPeers),
		AvailablePeers:   nonNil(st.AvailablePeers),
		NetworkLoad:      st.NetworkLoad,
		BatteryLevel:     st.BatteryLevel,
		AverageLatencyMs: st.AverageLatencyMs,
		TakenAt:          st.TakenAt,
	}
}

// NewOptimizeResponse converts optimization swaps.
func NewOptimizeResponse(swaps []mesh.Swap) OptimizeResponse {
	out := OptimizeResponse{Swaps: make([]SwapStatus, 0, len(swaps))}
	for _, s := range swaps {
		out.Swaps = append(out.Swaps, SwapStatus(s))
	}
	return out
}

// Age returns how long ago t was, relative to now, or 0 for a zero t.
func Age(t, now time.Time) time.Duration {
	if t.IsZero() || now.Before(t) {
		return 0
	}
	return now.Sub(t)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
