package mesh

import (
	"fmt"
	"sort"
	"time"

	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/reputation"
)

// Swap is one replacement made by OptimizeConnections.
type Swap struct {
	Evicted       string  `json:"evicted"`
	EvictedScore  float64 `json:"evicted_score"`
	Admitted      string  `json:"admitted"`
	AdmittedScore float64 `json:"admitted_score"`
	Idle          bool    `json:"idle"` // The victim was chosen for inactivity
}

// SetEnabled turns coordination on or off. While disabled no admission,
// election or routing decisions are made: pending reservations are
// cancelled, the election is reset and the routing table is cleared. Peers
// stay tracked and existing connections stay up. Enabling adopts the peers
// connected in the meantime and schedules an election.
func (m *Mesh) SetEnabled(enabled bool) error {
	return m.exec(func() { m.setEnabled(enabled, m.now()) })
}

func (m *Mesh) setEnabled(enabled bool, now time.Time) {
	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	if !enabled {
		m.log.Printf("[mesh %s] coordination disabled", m.cfg.ID)
		for _, peer := range m.pool.CancelReservations() {
			m.disconnect(peer)
			m.registry.OnDisconnected(peer, now)
		}
		m.ranging.CancelReservations()
		m.election.SetConnected(nil, now)
		m.election.Reset()
		m.routes.Clear()
		m.netState = m.computeNetworkState(now)
		return
	}

	m.log.Printf("[mesh %s] coordination enabled", m.cfg.ID)
	for _, peer := range m.registry.Snapshot().Connected {
		m.placeConnected(peer, now)
	}
	m.election.SetConnected(m.registry.Snapshot().Connected, now)
	m.election.Schedule(now)
	m.lastAdvertised = time.Time{}
	m.netState = m.computeNetworkState(now)
}

// ForceElection starts an election immediately.
func (m *Mesh) ForceElection() error {
	var err error
	execErr := m.exec(func() {
		if !m.enabled {
			err = ErrDisabled
			return
		}
		m.send(m.election.ForceElection(m.now()))
		m.metrics.ElectionStarted()
		m.log.Printf("[mesh %s] forced election for term %d", m.cfg.ID, m.election.Term())
		m.persistTerm()
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// Connect asks for a connection to peer at Manual priority, preempting a
// lower-priority occupant when the pool is full.
func (m *Mesh) Connect(peer string) (pool.Decision, error) {
	var (
		d   pool.Decision
		err error
	)
	execErr := m.exec(func() {
		now := m.now()
		switch {
		case !m.enabled:
			err = ErrDisabled
		case peer == m.cfg.ID:
			err = fmt.Errorf("connect to self: %w", ErrUnknownPeer)
		default:
			if _, known := m.registry.State(peer); !known {
				err = fmt.Errorf("connect %s: %w", peer, ErrUnknownPeer)
				return
			}
			m.manual[peer] = true
			d = m.admit(peer, pool.Manual, now)
		}
	})
	if execErr != nil {
		return pool.Decision{}, execErr
	}
	return d, err
}

// OptimizeConnections replaces weak or idle occupants with better
// discovered peers. Candidates are discovered, unconnected peers at level
// Trusted or above, best first. A victim is an occupant at level Low or
// below, or one idle longer than IdleTimeout, and is replaced only when the
// candidate outscores it by more than OptimizeMargin.
func (m *Mesh) OptimizeConnections() ([]Swap, error) {
	var (
		swaps []Swap
		err   error
	)
	execErr := m.exec(func() {
		if !m.enabled {
			err = ErrDisabled
			return
		}
		swaps = m.optimize(m.now())
	})
	if execErr != nil {
		return nil, execErr
	}
	return swaps, err
}

type scored struct {
	id    string
	score float64
	idle  bool
}

func (m *Mesh) optimize(now time.Time) []Swap {
	var candidates []scored
	for _, peer := range m.registry.Snapshot().Available {
		if _, held := m.pool.Holds(peer); held || m.pool.IsEvicting(peer) {
			continue
		}
		s := m.rep.Score(peer)
		if reputation.LevelFor(s) >= reputation.Trusted {
			candidates = append(candidates, scored{id: peer, score: s})
		}
	}
	sortScored(candidates, true)

	var victims []scored
	for _, peer := range m.pool.Occupants() {
		s := m.rep.Score(peer)
		weak := reputation.LevelFor(s) <= reputation.Low
		idle := false
		if seen, ok := m.registry.LastSeen(peer); ok && now.Sub(seen) > m.cfg.IdleTimeout {
			idle = true
		}
		if weak || idle {
			victims = append(victims, scored{id: peer, score: s, idle: idle && !weak})
		}
	}
	sortScored(victims, false)

	var swaps []Swap
	used := make(map[string]bool)
	for _, c := range candidates {
		for _, v := range victims {
			if used[v.id] || c.score <= v.score+m.cfg.OptimizeMargin {
				continue
			}
			if !m.pool.Replace(v.id, c.id, m.priorityFor(c.id), now) {
				continue
			}
			m.lastAttempt[c.id] = now
			m.registry.OnConnecting(c.id, now)
			if err := m.trans.Connect(c.id); err != nil {
				// The victim keeps its slot and may serve another candidate.
				m.log.Printf("[mesh %s] optimizing: connect to %s failed, keeping %s: %v", m.cfg.ID, c.id, v.id, err)
				m.pool.Restore(v.id, c.id)
				m.onConnectFailed(c.id, now)
				break
			}
			used[v.id] = true
			m.log.Printf("[mesh %s] optimizing: %s (%.0f) replaces %s (%.0f)", m.cfg.ID, c.id, c.score, v.id, v.score)
			m.evict(v.id)
			swaps = append(swaps, Swap{
				Evicted:       v.id,
				EvictedScore:  v.score,
				Admitted:      c.id,
				AdmittedScore: c.score,
				Idle:          v.idle,
			})
			break
		}
	}
	return swaps
}

// sortScored orders by score, then id.
func sortScored(s []scored, desc bool) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			if desc {
				return s[i].score > s[j].score
			}
			return s[i].score < s[j].score
		}
		return s[i].id < s[j].id
	})
}

// RequestRanging asks for a UWB ranging session slot with a connected peer.
func (m *Mesh) RequestRanging(peer string, priority pool.Priority) (pool.Decision, error) {
	var (
		d   pool.Decision
		err error
	)
	execErr := m.exec(func() {
		if !m.enabled {
			err = ErrDisabled
			return
		}
		if !m.registry.IsConnected(peer) {
			err = fmt.Errorf("ranging with %s: %w", peer, ErrNotConnected)
			return
		}
		d = m.ranging.RequestSlot(peer, priority, m.now())
		m.metrics.Admission(rangingPool, d.Outcome.String())
		if d.Outcome == pool.Preempted {
			// Ranging sessions have no transport teardown.
			m.ranging.Release(d.Evicted)
			m.log.Printf("[mesh %s] ranging session with %s preempted by %s", m.cfg.ID, d.Evicted, peer)
		}
	})
	if execErr != nil {
		return pool.Decision{}, execErr
	}
	return d, err
}

// ConfirmRanging marks a reserved ranging session as running.
func (m *Mesh) ConfirmRanging(peer string) error {
	var err error
	execErr := m.exec(func() {
		if err = m.ranging.Confirm(peer, m.now()); err != nil {
			err = fmt.Errorf("confirm ranging with %s: %w", peer, err)
		}
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// EndRanging frees the ranging slot of peer. It reports whether one was held.
func (m *Mesh) EndRanging(peer string) (bool, error) {
	var released bool
	err := m.exec(func() { released = m.ranging.Release(peer) })
	return released, err
}

// ReportDelivery records the outcome of an application-level delivery to
// peer.
func (m *Mesh) ReportDelivery(peer string, ok bool) error {
	return m.exec(func() { m.recordDelivery(peer, ok, m.now()) })
}

// SetBatteryLevel records the device battery level in [0, 1].
func (m *Mesh) SetBatteryLevel(level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return m.exec(func() {
		m.battery = level
		m.netState = m.computeNetworkState(m.now())
	})
}
