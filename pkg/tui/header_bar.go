package tui

import (
	"fmt"
	"strings"
	"time"
)

// HeaderBar renders the mesh overview header.
type HeaderBar struct {
	unicodeSupport bool
}

// NewHeaderBar creates a header bar renderer.
func NewHeaderBar(unicodeSupport bool) *HeaderBar {
	return &HeaderBar{unicodeSupport: unicodeSupport}
}

// Render outputs the header line.
// Format: "Node X/N (id) | Leader: L | Term: T | 1:★ 2:● 3:○(12s)"
// The health indicators are omitted for a single node.
func (h *HeaderBar) Render(model *MultiNodeModel, now time.Time) string {
	if model == nil {
		return ""
	}
	leader := model.ClusterLeaderID
	if leader == "" {
		leader = "(none)"
	}
	base := fmt.Sprintf("Node %d/%d (%s) | Leader: %s | Term: %d",
		model.ActiveNodeNumber(), model.TotalNodes(), model.ActiveNodeID, leader, model.ClusterTerm)

	if model.TotalNodes() <= 1 {
		return base
	}
	indicators := make([]string, 0, model.TotalNodes())
	for i, id := range model.NodeIDs {
		indicators = append(indicators, h.indicator(model, i+1, id, now))
	}
	return base + " | " + strings.Join(indicators, " ")
}

func (h *HeaderBar) indicator(model *MultiNodeModel, num int, id string, now time.Time) string {
	health := model.Health[id]
	connected := health != nil && health.Connected
	symbol := h.symbol(connected, model.ClusterLeaderID == id)

	if d := model.DisconnectedFor(id, now); d > 0 {
		return fmt.Sprintf("%d:%s(%s)", num, symbol, formatDuration(d))
	}
	return fmt.Sprintf("%d:%s", num, symbol)
}

func (h *HeaderBar) symbol(connected, leader bool) string {
	switch {
	case leader && h.unicodeSupport:
		return SymbolLeader
	case leader:
		return SymbolLeaderASCII
	case connected && h.unicodeSupport:
		return SymbolConnected
	case connected:
		return SymbolConnectedASCII
	case h.unicodeSupport:
		return SymbolDisconnected
	default:
		return SymbolDisconnectedASCII
	}
}

// formatDuration formats a duration for display.
// Shows seconds for < 60s, minutes for < 60m, hours otherwise.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	return fmt.Sprintf("%dh", minutes/60)
}
