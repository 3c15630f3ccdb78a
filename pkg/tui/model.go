package tui

import (
	"time"
)

// PanelType identifies which panel has focus.
type PanelType int

const (
	PanelStatus PanelType = iota
	PanelPool
	PanelPeers
	PanelRoutes
	PanelCommand
)

// String returns a human-readable representation of the PanelType.
func (p PanelType) String() string {
	switch p {
	case PanelStatus:
		return "Status"
	case PanelPool:
		return "Slots"
	case PanelPeers:
		return "Peers"
	case PanelRoutes:
		return "Routes"
	case PanelCommand:
		return "Command"
	default:
		return "Unknown"
	}
}

// PanelCount is the total number of panels for navigation.
const PanelCount = 5

// PanelOrder is the top-to-bottom layout and Tab order.
var PanelOrder = []PanelType{PanelStatus, PanelPool, PanelPeers, PanelRoutes, PanelCommand}

// maxEvents bounds the activity log.
const maxEvents = 10

// Event is one line in the activity log: a leader change, a command result.
type Event struct {
	At      time.Time
	NodeID  string
	Message string
}

// Model holds the application state for the TUI.
type Model struct {
	// Snapshot of the node in view.
	Snapshot *NodeSnapshot
	Events   []Event

	// UI state
	ActivePanel   PanelType
	CommandInput  string
	CommandOutput string
	ErrorMessage  string

	// Connection state
	Connected         bool
	ReconnectAttempts int
	LastReconnect     time.Time

	RefreshInterval time.Duration
}

// NewModel creates a new Model with default values.
func NewModel() *Model {
	return &Model{
		ActivePanel:     PanelStatus,
		Connected:       true,
		RefreshInterval: time.Second,
		Events:          make([]Event, 0, maxEvents),
	}
}

// NextPanel moves focus to the next panel in circular order.
func (m *Model) NextPanel() {
	m.ActivePanel = PanelType((int(m.ActivePanel) + 1) % PanelCount)
}

// PrevPanel moves focus to the previous panel in circular order.
func (m *Model) PrevPanel() {
	m.ActivePanel = PanelType((int(m.ActivePanel) - 1 + PanelCount) % PanelCount)
}

// AddEvent appends to the activity log, dropping the oldest entry when full.
func (m *Model) AddEvent(ev Event) {
	if len(m.Events) >= maxEvents {
		m.Events = m.Events[1:]
	}
	m.Events = append(m.Events, ev)
}
