package tui

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gdamore/tcell/v2"
)

// BorderStyle defines the characters used for panel borders.
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
}

// NormalBorder is the border for unfocused panels (┌─┐│└┘).
var NormalBorder = BorderStyle{
	TopLeft:     "┌",
	TopRight:    "┐",
	BottomLeft:  "└",
	BottomRight: "┘",
	Horizontal:  "─",
	Vertical:    "│",
}

// FocusedBorder is the border for the focused panel (╔═╗║╚╝).
var FocusedBorder = BorderStyle{
	TopLeft:     "╔",
	TopRight:    "╗",
	BottomLeft:  "╚",
	BottomRight: "╝",
	Horizontal:  "═",
	Vertical:    "║",
}

// Line is one styled row of dashboard output.
type Line struct {
	Text  string
	Style tcell.Style
}

// View handles rendering the model to the terminal.
type View struct {
	header       *HeaderBar
	footer       *FooterBar
	statusPanel  *StatusPanel
	poolPanel    *PoolPanel
	peersPanel   *PeersPanel
	routesPanel  *RoutesPanel
	commandPanel *CommandPanel
}

// NewView creates a new View with all panel renderers initialized.
func NewView(unicodeSupport bool) *View {
	return &View{
		header:       NewHeaderBar(unicodeSupport),
		footer:       NewFooterBar(80),
		statusPanel:  NewStatusPanel(),
		poolPanel:    NewPoolPanel(unicodeSupport),
		peersPanel:   NewPeersPanel(),
		routesPanel:  NewRoutesPanel(),
		commandPanel: NewCommandPanel(),
	}
}

// PanelContent returns the unbordered content of one panel.
func (v *View) PanelContent(panel PanelType, model *MultiNodeModel) string {
	snap := model.Snapshot
	switch panel {
	case PanelStatus:
		return v.statusPanel.Render(snap)
	case PanelPool:
		return v.poolPanel.Render(snap)
	case PanelPeers:
		return v.peersPanel.Render(snap)
	case PanelRoutes:
		return v.routesPanel.Render(snap)
	case PanelCommand:
		return v.commandPanel.Render(model.CommandInput, model.CommandOutput, model.ErrorMessage, model.Events)
	default:
		return "Unknown panel type"
	}
}

// Lines renders the whole dashboard as styled rows.
func (v *View) Lines(model *MultiNodeModel, width int, now time.Time) []Line {
	styles := CurrentStyles
	lines := []Line{{Text: v.header.Render(model, now), Style: styles.Header}}

	if !model.Connected {
		lines = append(lines, Line{Text: RenderConnectionStatus(model.Model), Style: styles.Error})
	}

	for _, panel := range PanelOrder {
		focused := model.ActivePanel == panel
		border := styles.Border
		if focused {
			border = styles.BorderFocus
		}
		boxed := strings.Split(strings.TrimSuffix(
			RenderPanelWithBorder(v.PanelContent(panel, model), panel.String(), focused), "\n"), "\n")
		for i, text := range boxed {
			style := border
			if i > 0 && i < len(boxed)-1 {
				style = contentStyle(panel, text, model.Snapshot)
			}
			lines = append(lines, Line{Text: text, Style: style})
		}
	}

	v.footer.SetWidth(width)
	lines = append(lines, Line{
		Text:  v.footer.Render(model.TotalNodes(), model.ActivePanel == PanelCommand),
		Style: styles.Muted,
	})
	return lines
}

// Render returns the dashboard as plain text.
func (v *View) Render(model *MultiNodeModel, width int, now time.Time) string {
	var sb strings.Builder
	for _, l := range v.Lines(model, width, now) {
		sb.WriteString(l.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Draw paints the dashboard into a buffer of the given size.
func (v *View) Draw(model *MultiNodeModel, width, height int, now time.Time) *Buffer {
	buf := NewBuffer(width, height)
	for y, l := range v.Lines(model, width, now) {
		buf.DrawString(0, y, l.Text, l.Style)
	}
	return buf
}

// contentStyle picks the style for one row inside a panel.
func contentStyle(panel PanelType, text string, snap *NodeSnapshot) tcell.Style {
	body := strings.TrimSpace(strings.Trim(text, "│║"))
	switch {
	case strings.HasPrefix(body, "! "), strings.HasPrefix(body, "... "):
		return CurrentStyles.Warning
	case strings.HasPrefix(body, "Error:"):
		return CurrentStyles.Error
	}
	if snap == nil {
		return CurrentStyles.Normal
	}
	switch panel {
	case PanelStatus:
		if strings.HasPrefix(body, "Role:") {
			return RoleStyle(snap.Status.Role)
		}
	case PanelPool:
		if strings.HasPrefix(body, "Connections") {
			return LoadStyle(snap.Status.Pool.Load)
		}
		if strings.HasPrefix(body, "Ranging") {
			return LoadStyle(snap.Status.Ranging.Load)
		}
	case PanelPeers:
		for _, p := range snap.Peers {
			if strings.HasPrefix(body, p.ID+" ") {
				return TrustStyle(p.TrustLevel)
			}
		}
	}
	return CurrentStyles.Normal
}

// RenderPanelWithBorder wraps panel content with a titled border.
func RenderPanelWithBorder(content string, title string, focused bool) string {
	border := NormalBorder
	if focused {
		border = FocusedBorder
	}

	lines := strings.Split(content, "\n")

	maxWidth := utf8.RuneCountInString(title) + 4
	for _, line := range lines {
		if n := utf8.RuneCountInString(line); n > maxWidth {
			maxWidth = n
		}
	}
	maxWidth += 2

	var sb strings.Builder

	titleLen := utf8.RuneCountInString(title)
	titlePadding := (maxWidth - titleLen - 2) / 2
	sb.WriteString(border.TopLeft)
	sb.WriteString(strings.Repeat(border.Horizontal, titlePadding))
	sb.WriteString(" " + title + " ")
	sb.WriteString(strings.Repeat(border.Horizontal, maxWidth-titlePadding-titleLen-2))
	sb.WriteString(border.TopRight)
	sb.WriteString("\n")

	for _, line := range lines {
		sb.WriteString(border.Vertical)
		sb.WriteString(" ")
		sb.WriteString(line)
		if padding := maxWidth - utf8.RuneCountInString(line) - 1; padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}
		sb.WriteString(border.Vertical)
		sb.WriteString("\n")
	}

	sb.WriteString(border.BottomLeft)
	sb.WriteString(strings.Repeat(border.Horizontal, maxWidth))
	sb.WriteString(border.BottomRight)
	sb.WriteString("\n")

	return sb.String()
}

// RenderConnectionStatus renders the disconnected banner with the number of
// reconnection attempts so far.
func RenderConnectionStatus(model *Model) string {
	if model.Connected {
		return ""
	}
	s := "*** DISCONNECTED ***"
	if model.ReconnectAttempts > 0 {
		s += " reconnection attempts: " + strings.Repeat(".", model.ReconnectAttempts)
	}
	return s
}
