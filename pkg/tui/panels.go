package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/salahayoub/tether/pkg/types"
)

// maxRows bounds the peer and route tables.
const maxRows = 12

// StatusPanel renders election and network state.
type StatusPanel struct{}

// NewStatusPanel creates a new StatusPanel.
func NewStatusPanel() *StatusPanel {
	return &StatusPanel{}
}

// Render outputs the status panel content.
func (p *StatusPanel) Render(snap *NodeSnapshot) string {
	if snap == nil {
		return "No node state available"
	}
	st := snap.Status

	var sb strings.Builder
	mode := "enabled"
	if !st.Enabled {
		mode = "DISABLED"
	}
	leader := st.LeaderID
	if leader == "" {
		leader = "(none)"
	}
	sb.WriteString(fmt.Sprintf("Node: %s [%s]\n", st.NodeID, mode))
	sb.WriteString(fmt.Sprintf("Role: %s  Term: %d  Leader: %s\n", st.Role, st.Term, leader))
	if st.Role == "Candidate" {
		sb.WriteString(fmt.Sprintf("Votes: %d\n", st.Votes))
	}
	if st.Pending {
		sb.WriteString("Election pending\n")
	}

	n := snap.Network
	sb.WriteString(fmt.Sprintf("Peers: %d connected, %d available  Routes: %d\n",
		len(n.ConnectedPeers), len(n.AvailablePeers), st.Routes))
	sb.WriteString(fmt.Sprintf("Load: %.0f%%  Battery: %.0f%%  Latency: %.0fms\n",
		n.NetworkLoad*100, n.BatteryLevel*100, n.AverageLatencyMs))

	for _, r := range snap.Recommendations {
		sb.WriteString("! " + r + "\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// PoolPanel renders both slot pools.
type PoolPanel struct {
	bar *ProgressBar
}

// NewPoolPanel creates a new PoolPanel.
func NewPoolPanel(unicodeSupport bool) *PoolPanel {
	return &PoolPanel{bar: NewProgressBar(10, unicodeSupport)}
}

// Render outputs the pool panel content.
func (p *PoolPanel) Render(snap *NodeSnapshot) string {
	if snap == nil {
		return "No node state available"
	}

	var sb strings.Builder
	p.renderPool(&sb, "Connections", snap.Status.Pool, snap.Slots.Connection)
	sb.WriteString("\n")
	p.renderPool(&sb, "Ranging", snap.Status.Ranging, snap.Slots.Ranging)
	return strings.TrimSuffix(sb.String(), "\n")
}

func (p *PoolPanel) renderPool(sb *strings.Builder, name string, st types.PoolStatus, slots []types.SlotStatus) {
	inUse := st.Occupied + st.Reserved
	sb.WriteString(fmt.Sprintf("%-12s %s", name, p.bar.Render(inUse, st.Capacity)))
	if st.Evicting > 0 {
		sb.WriteString(fmt.Sprintf("  evicting %d", st.Evicting))
	}
	sb.WriteString("\n")
	for _, s := range slots {
		if s.PeerID == "" {
			sb.WriteString(fmt.Sprintf("  #%d %s\n", s.Index, s.State))
			continue
		}
		sb.WriteString(fmt.Sprintf("  #%d %-9s %-12s %-10s %s\n",
			s.Index, s.State, s.PeerID, s.Priority, formatDuration(time.Duration(s.DurationMs)*time.Millisecond)))
	}
}

// PeersPanel renders known peers with their trust.
type PeersPanel struct{}

// NewPeersPanel creates a new PeersPanel.
func NewPeersPanel() *PeersPanel {
	return &PeersPanel{}
}

// Render outputs the peers table, connected peers first.
func (p *PeersPanel) Render(snap *NodeSnapshot) string {
	if snap == nil {
		return "No node state available"
	}
	if len(snap.Peers) == 0 {
		return "No peers discovered"
	}

	peers := append([]types.PeerStatus(nil), snap.Peers...)
	sortPeers(peers)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-14s %-12s %6s %-10s %8s %s\n", "PEER", "STATE", "TRUST", "LEVEL", "LATENCY", "SLOT"))
	for i, ps := range peers {
		if i == maxRows {
			sb.WriteString(fmt.Sprintf("... %d more\n", len(peers)-maxRows))
			break
		}
		slot := ps.Slot
		if ps.Evicting {
			slot = "Evicting"
		}
		if ps.Ranging != "" {
			slot += " +ranging"
		}
		latency := "-"
		if ps.LatencyMs > 0 {
			latency = fmt.Sprintf("%.0fms", ps.LatencyMs)
		}
		sb.WriteString(fmt.Sprintf("%-14s %-12s %6.1f %-10s %8s %s\n",
			ps.ID, ps.State, ps.TrustScore, ps.TrustLevel, latency, slot))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// sortPeers orders connected peers first, then by trust descending.
func sortPeers(peers []types.PeerStatus) {
	sort.SliceStable(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		if a.Connected != b.Connected {
			return a.Connected
		}
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		return a.ID < b.ID
	})
}

// RoutesPanel renders the multi-hop routing table.
type RoutesPanel struct{}

// NewRoutesPanel creates a new RoutesPanel.
func NewRoutesPanel() *RoutesPanel {
	return &RoutesPanel{}
}

// Render outputs one line per destination with its next hops.
func (p *RoutesPanel) Render(snap *NodeSnapshot) string {
	if snap == nil {
		return "No node state available"
	}
	if len(snap.Routes) == 0 {
		return "No multi-hop routes"
	}

	var sb strings.Builder
	for i, r := range snap.Routes {
		if i == maxRows {
			sb.WriteString(fmt.Sprintf("... %d more\n", len(snap.Routes)-maxRows))
			break
		}
		via := make([]string, 0, len(r.NextHops))
		for _, h := range r.NextHops {
			via = append(via, fmt.Sprintf("%s(%d)", h.PeerID, h.HopCount))
		}
		sb.WriteString(fmt.Sprintf("%-14s %d hops via %s\n", r.Destination, r.HopCount, strings.Join(via, ", ")))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// CommandPanel renders the command input, its result and the activity log.
type CommandPanel struct{}

// NewCommandPanel creates a new CommandPanel.
func NewCommandPanel() *CommandPanel {
	return &CommandPanel{}
}

// Render outputs the command panel content.
func (p *CommandPanel) Render(input, output, errorMsg string, events []Event) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("> %s\n", input))

	if errorMsg != "" {
		sb.WriteString(fmt.Sprintf("Error: %s\n", errorMsg))
	}
	if output != "" {
		sb.WriteString(fmt.Sprintf("Output: %s\n", output))
	}
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("%s %s\n", ev.At.Format("15:04:05"), ev.Message))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
