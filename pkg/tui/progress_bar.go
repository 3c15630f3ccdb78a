package tui

import (
	"fmt"
	"strings"
)

// Color names for text-mode rendering.
const (
	ColorGreen  = "green"
	ColorYellow = "yellow"
	ColorRed    = "red"
)

// ProgressBar renders slot occupancy as a bar.
type ProgressBar struct {
	width          int
	unicodeSupport bool
}

// NewProgressBar creates a progress bar renderer.
// width is the number of cells between the brackets.
func NewProgressBar(width int, unicodeSupport bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{
		width:          width,
		unicodeSupport: unicodeSupport,
	}
}

// Render outputs a bar for used of capacity slots.
// Format: "[██████░░░░] 3/5"
func (p *ProgressBar) Render(used, capacity int) string {
	frac := fraction(used, capacity)
	filled := int(frac * float64(p.width))
	full, empty := "█", "░"
	if !p.unicodeSupport {
		full, empty = "#", "."
	}

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strings.Repeat(full, filled))
	sb.WriteString(strings.Repeat(empty, p.width-filled))
	sb.WriteString("]")
	sb.WriteString(fmt.Sprintf(" %d/%d", used, capacity))
	return sb.String()
}

// GetColor returns the color for a load fraction, matching LoadStyle.
func (p *ProgressBar) GetColor(load float64) string {
	switch {
	case load >= 1:
		return ColorRed
	case load >= 0.6:
		return ColorYellow
	default:
		return ColorGreen
	}
}

func fraction(used, capacity int) float64 {
	if capacity <= 0 || used <= 0 {
		return 0
	}
	if used >= capacity {
		return 1
	}
	return float64(used) / float64(capacity)
}
