package tui

import "fmt"

// FooterBar renders the keyboard shortcuts footer.
type FooterBar struct {
	terminalWidth int
}

// NewFooterBar creates a footer bar renderer.
func NewFooterBar(width int) *FooterBar {
	return &FooterBar{terminalWidth: width}
}

// SetWidth updates the terminal width for the footer bar.
func (f *FooterBar) SetWidth(width int) {
	f.terminalWidth = width
}

// Render outputs the footer bar content. The node switch hint only appears
// when there is more than one node.
func (f *FooterBar) Render(totalNodes int, inCommandPanel bool) string {
	narrow := f.terminalWidth < 80
	if inCommandPanel {
		if narrow {
			return "Enter:Exec Esc:Clear Tab:Panel"
		}
		return "Enter: Execute | Esc: Clear | Tab: Next Panel | elect, optimize, enable, disable, battery N, node N"
	}

	nodes := ""
	if totalNodes > 1 {
		if narrow {
			nodes = fmt.Sprintf("1-%d:Node ", totalNodes)
		} else {
			nodes = fmt.Sprintf("1-%d: Switch Node | ", totalNodes)
		}
	}
	if narrow {
		return nodes + "Tab:Panel r:Ref q:Quit"
	}
	return nodes + "Tab: Next Panel | r: Refresh | q: Quit"
}
