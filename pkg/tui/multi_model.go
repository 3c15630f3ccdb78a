package tui

import (
	"fmt"
	"time"
)

// NodeHealth tracks whether the dashboard can reach a node.
type NodeHealth struct {
	Connected      bool
	LastResponse   time.Time
	LastError      error
	ResponseTimeMs int64
}

// MultiNodeModel extends Model with one snapshot per node. A single-node
// dashboard is a MultiNodeModel with one id.
//
// MultiNodeModel is not safe for concurrent use; App serializes access.
type MultiNodeModel struct {
	*Model

	NodeIDs      []string
	Snapshots    map[string]*NodeSnapshot
	Health       map[string]*NodeHealth
	ActiveNodeID string

	// Mesh-wide view derived from all snapshots.
	ClusterLeaderID string
	ClusterTerm     uint64

	ColorSupport   bool
	UnicodeSupport bool
}

// NewMultiNodeModel creates a model for the given nodes, first node active.
func NewMultiNodeModel(nodeIDs []string) *MultiNodeModel {
	m := &MultiNodeModel{
		Model:          NewModel(),
		NodeIDs:        append([]string(nil), nodeIDs...),
		Snapshots:      make(map[string]*NodeSnapshot),
		Health:         make(map[string]*NodeHealth),
		ColorSupport:   true,
		UnicodeSupport: true,
	}
	for _, id := range nodeIDs {
		m.Health[id] = &NodeHealth{}
	}
	if len(nodeIDs) > 0 {
		m.ActiveNodeID = nodeIDs[0]
	}
	return m
}

// TotalNodes returns the number of nodes on the dashboard.
func (m *MultiNodeModel) TotalNodes() int {
	return len(m.NodeIDs)
}

// SetActiveNodeByNumber switches the view to the num-th node (1-based).
func (m *MultiNodeModel) SetActiveNodeByNumber(num int) bool {
	if num < 1 || num > len(m.NodeIDs) {
		return false
	}
	m.ActiveNodeID = m.NodeIDs[num-1]
	m.Model.Snapshot = m.Snapshots[m.ActiveNodeID]
	if h := m.Health[m.ActiveNodeID]; h != nil {
		m.Model.Connected = h.Connected
	}
	return true
}

// ActiveNodeNumber returns the 1-based position of the active node.
func (m *MultiNodeModel) ActiveNodeNumber() int {
	for i, id := range m.NodeIDs {
		if id == m.ActiveNodeID {
			return i + 1
		}
	}
	return 0
}

// Apply folds a round of fetch results into the model and logs leader
// changes.
func (m *MultiNodeModel) Apply(results map[string]FetchResult, now time.Time) {
	for id, r := range results {
		h := m.Health[id]
		if h == nil {
			h = &NodeHealth{}
			m.Health[id] = h
		}
		if r.Err != nil {
			h.Connected = false
			h.LastError = r.Err
		} else {
			h.Connected = true
			h.LastError = nil
			h.LastResponse = now
			h.ResponseTimeMs = r.ResponseTime.Milliseconds()
		}
		if r.Snapshot != nil {
			m.Snapshots[id] = r.Snapshot
		}
	}

	leader, term := LeaderID(results)
	if leader != m.ClusterLeaderID && leader != "" {
		m.AddEvent(Event{At: now, NodeID: leader, Message: fmt.Sprintf("leader elected: %s (term %d)", leader, term)})
	} else if leader == "" && m.ClusterLeaderID != "" {
		m.AddEvent(Event{At: now, Message: fmt.Sprintf("leader lost: %s", m.ClusterLeaderID)})
	}
	m.ClusterLeaderID = leader
	if term > 0 {
		m.ClusterTerm = term
	}

	m.Model.Snapshot = m.Snapshots[m.ActiveNodeID]
	if h := m.Health[m.ActiveNodeID]; h != nil {
		m.Model.Connected = h.Connected
		if h.LastError != nil {
			m.Model.ErrorMessage = fmt.Sprintf("Failed to fetch %s: %v", m.ActiveNodeID, h.LastError)
		}
	}
}

// DisconnectedFor returns how long a node has been unreachable, 0 when it
// is reachable or was never reached.
func (m *MultiNodeModel) DisconnectedFor(nodeID string, now time.Time) time.Duration {
	h := m.Health[nodeID]
	if h == nil || h.Connected || h.LastResponse.IsZero() {
		return 0
	}
	return now.Sub(h.LastResponse)
}
