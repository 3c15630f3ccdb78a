// Package pool implements fixed-capacity admission control for scarce radio
// resources such as direct connections and ranging sessions.
//
// A Pool owns exactly Capacity slots. A slot is Available, Reserved for a
// peer that is being dialed, or Occupied by a connected peer. When the pool
// is full, a candidate may preempt the lowest-priority occupant only if its
// priority is strictly higher; equal priorities never displace each other.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/salahayoub/tether/pkg/reputation"
)

const (
	DefaultCapacity           = 5
	DefaultReservationTimeout = 10 * time.Second
	DefaultEvictionGrace      = 2 * time.Second
)

var (
	// ErrNotReserved is returned by Confirm when the peer holds no reservation.
	ErrNotReserved = errors.New("peer has no reserved slot")
)

// Priority orders admission claims. Higher values win.
type Priority int

const (
	Background Priority = iota
	Discovered
	Trusted
	Manual
)

// String returns a human-readable representation of the Priority.
func (p Priority) String() string {
	switch p {
	case Background:
		return "Background"
	case Discovered:
		return "Discovered"
	case Trusted:
		return "Trusted"
	case Manual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// SlotState is the occupancy of one slot.
type SlotState int

const (
	Available SlotState = iota
	Reserved
	Occupied
)

// String returns a human-readable representation of the SlotState.
func (s SlotState) String() string {
	switch s {
	case Available:
		return "Available"
	case Reserved:
		return "Reserved"
	case Occupied:
		return "Occupied"
	default:
		return "Unknown"
	}
}

// Outcome is the result of a slot request.
type Outcome int

const (
	Admitted Outcome = iota
	Preempted
	Rejected
)

// String returns a human-readable representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "Admitted"
	case Preempted:
		return "Preempted"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Decision is returned by RequestSlot. Evicted is set only when Outcome is
// Preempted.
type Decision struct {
	Outcome Outcome
	Evicted string
}

// Status counts slots by state.
type Status struct {
	Capacity  int `json:"capacity"`
	Occupied  int `json:"occupied"`
	Reserved  int `json:"reserved"`
	Available int `json:"available"`
	Evicting  int `json:"evicting"`
}

// InUse returns the number of slots held by a peer.
func (s Status) InUse() int { return s.Occupied + s.Reserved }

// Load returns the fraction of capacity in use.
func (s Status) Load() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.InUse()) / float64(s.Capacity)
}

// SlotInfo describes one slot for observability.
type SlotInfo struct {
	Index    int           `json:"index"`
	State    SlotState     `json:"state"`
	PeerID   string        `json:"peer_id,omitempty"`
	Priority Priority      `json:"priority"`
	Duration time.Duration `json:"duration"`
}

// Config defines the pool size and its deadlines.
type Config struct {
	Capacity           int
	ReservationTimeout time.Duration
	EvictionGrace      time.Duration
}

// DefaultConfig returns the connection pool defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:           DefaultCapacity,
		ReservationTimeout: DefaultReservationTimeout,
		EvictionGrace:      DefaultEvictionGrace,
	}
}

type slot struct {
	state       SlotState
	peer        string
	priority    Priority
	reservedAt  time.Time
	connectedAt time.Time
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	scorer reputation.Scorer

	mu        sync.RWMutex
	slots     []slot
	evictions map[string]time.Time // peer -> grace deadline
	replaced  map[string]slot      // candidate -> occupant it replaced
}

// New creates a pool. Zero config fields take their defaults. scorer may be
// nil, in which case every peer scores neutral.
func New(cfg Config, scorer reputation.Scorer) *Pool {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = def.ReservationTimeout
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = def.EvictionGrace
	}
	return &Pool{
		cfg:       cfg,
		scorer:    scorer,
		slots:     make([]slot, cfg.Capacity),
		evictions: make(map[string]time.Time),
		replaced:  make(map[string]slot),
	}
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// RequestSlot asks for a slot on behalf of peerID.
func (p *Pool) RequestSlot(peerID string, priority Priority, now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.checkLocked()

	if p.indexLocked(peerID) >= 0 {
		return Decision{Outcome: Admitted}
	}

	if i := p.freeIndexLocked(); i >= 0 {
		p.reserveLocked(i, peerID, priority, now)
		return Decision{Outcome: Admitted}
	}

	victim := p.victimIndexLocked()
	if victim < 0 || priority <= p.slots[victim].priority {
		return Decision{Outcome: Rejected}
	}

	evicted := p.slots[victim].peer
	p.evictions[evicted] = now.Add(p.cfg.EvictionGrace)
	p.reserveLocked(victim, peerID, priority, now)
	return Decision{Outcome: Preempted, Evicted: evicted}
}

// Confirm moves the peer's reservation to Occupied. Confirming an occupied
// slot is a no-op.
func (p *Pool) Confirm(peerID string, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(peerID)
	if i < 0 {
		return fmt.Errorf("confirm %s: %w", peerID, ErrNotReserved)
	}
	s := &p.slots[i]
	if s.state == Reserved {
		s.state = Occupied
		s.connectedAt = now
	}
	delete(p.replaced, peerID)
	return nil
}

// Release frees the peer's slot and cancels any pending eviction of it. It
// reports whether anything was released.
func (p *Pool) Release(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	released := false
	if i := p.indexLocked(peerID); i >= 0 {
		p.slots[i] = slot{}
		released = true
	}
	delete(p.replaced, peerID)
	if _, ok := p.evictions[peerID]; ok {
		delete(p.evictions, peerID)
		released = true
	}
	return released
}

// Replace evicts victim and reserves its slot for candidate regardless of
// priority. It reports false when victim holds no occupied slot or candidate
// already holds one.
func (p *Pool) Replace(victim, candidate string, priority Priority, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.checkLocked()
	i := p.indexLocked(victim)
	if i < 0 || p.slots[i].state != Occupied || p.indexLocked(candidate) >= 0 {
		return false
	}
	p.evictions[victim] = now.Add(p.cfg.EvictionGrace)
	p.replaced[candidate] = p.slots[i]
	p.reserveLocked(i, candidate, priority, now)
	return true
}

// Restore undoes a Replace whose candidate never started connecting: the
// candidate's reservation goes back to victim, unchanged, and the eviction
// is cancelled. It reports false when the slot has moved on since.
func (p *Pool) Restore(victim, candidate string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.checkLocked()
	prev, ok := p.replaced[candidate]
	delete(p.replaced, candidate)
	if !ok || prev.peer != victim {
		return false
	}
	i := p.indexLocked(candidate)
	if i < 0 || p.slots[i].state != Reserved {
		return false
	}
	if _, evicting := p.evictions[victim]; !evicting {
		return false
	}
	delete(p.evictions, victim)
	p.slots[i] = prev
	return true
}

// Expire frees reservations older than ReservationTimeout and returns them,
// along with evicted peers whose grace period has elapsed. Overdue evictions
// are dropped from the eviction list; the caller must tear them down.
func (p *Pool) Expire(now time.Time) (expired, overdue []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		s := &p.slots[i]
		if s.state == Reserved && now.Sub(s.reservedAt) >= p.cfg.ReservationTimeout {
			expired = append(expired, s.peer)
			delete(p.replaced, s.peer)
			*s = slot{}
		}
	}
	for peer, deadline := range p.evictions {
		if !now.Before(deadline) {
			overdue = append(overdue, peer)
			delete(p.evictions, peer)
		}
	}
	sort.Strings(expired)
	sort.Strings(overdue)
	return expired, overdue
}

// CancelReservations frees every Reserved slot and returns the peers that
// held them.
func (p *Pool) CancelReservations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for i := range p.slots {
		if p.slots[i].state == Reserved {
			out = append(out, p.slots[i].peer)
			delete(p.replaced, p.slots[i].peer)
			p.slots[i] = slot{}
		}
	}
	sort.Strings(out)
	return out
}

// Holds reports the state of the peer's slot, if it has one.
func (p *Pool) Holds(peerID string) (SlotState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := p.indexLocked(peerID)
	if i < 0 {
		return Available, false
	}
	return p.slots[i].state, true
}

// IsEvicting reports whether the peer is waiting out its eviction grace.
func (p *Pool) IsEvicting(peerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.evictions[peerID]
	return ok
}

// Occupants returns the peers in Occupied slots, sorted.
func (p *Pool) Occupants() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, s := range p.slots {
		if s.state == Occupied {
			out = append(out, s.peer)
		}
	}
	sort.Strings(out)
	return out
}

// ConnectedAt returns when the peer's slot became Occupied.
func (p *Pool) ConnectedAt(peerID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := p.indexLocked(peerID)
	if i < 0 || p.slots[i].state != Occupied {
		return time.Time{}, false
	}
	return p.slots[i].connectedAt, true
}

// Status counts slots by state.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{Capacity: p.cfg.Capacity, Evicting: len(p.evictions)}
	for _, s := range p.slots {
		switch s.state {
		case Occupied:
			st.Occupied++
		case Reserved:
			st.Reserved++
		default:
			st.Available++
		}
	}
	return st
}

// Slots returns every slot in index order. Duration is time since connection
// for Occupied slots and time since reservation for Reserved slots.
func (p *Pool) Slots(now time.Time) []SlotInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		info := SlotInfo{Index: i, State: s.state, PeerID: s.peer, Priority: s.priority}
		switch s.state {
		case Occupied:
			info.Duration = now.Sub(s.connectedAt)
		case Reserved:
			info.Duration = now.Sub(s.reservedAt)
		}
		out[i] = info
	}
	return out
}

func (p *Pool) reserveLocked(i int, peerID string, priority Priority, now time.Time) {
	delete(p.evictions, peerID)
	p.slots[i] = slot{state: Reserved, peer: peerID, priority: priority, reservedAt: now}
}

func (p *Pool) indexLocked(peerID string) int {
	if peerID == "" {
		return -1
	}
	for i := range p.slots {
		if p.slots[i].state != Available && p.slots[i].peer == peerID {
			return i
		}
	}
	return -1
}

func (p *Pool) freeIndexLocked() int {
	for i := range p.slots {
		if p.slots[i].state == Available {
			return i
		}
	}
	return -1
}

// victimIndexLocked picks the occupied slot to preempt: lowest priority, then
// lowest reputation, then oldest connection, then peer id.
func (p *Pool) victimIndexLocked() int {
	victim := -1
	var victimScore float64
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != Occupied {
			continue
		}
		score := p.score(s.peer)
		if victim < 0 {
			victim, victimScore = i, score
			continue
		}
		v := &p.slots[victim]
		switch {
		case s.priority != v.priority:
			if s.priority < v.priority {
				victim, victimScore = i, score
			}
		case score != victimScore:
			if score < victimScore {
				victim, victimScore = i, score
			}
		case !s.connectedAt.Equal(v.connectedAt):
			if s.connectedAt.Before(v.connectedAt) {
				victim, victimScore = i, score
			}
		case s.peer < v.peer:
			victim, victimScore = i, score
		}
	}
	return victim
}

func (p *Pool) score(peerID string) float64 {
	if p.scorer == nil {
		return reputation.NeutralScore
	}
	return p.scorer.Score(peerID)
}

// checkLocked panics if slot bookkeeping is corrupted.
func (p *Pool) checkLocked() {
	if len(p.slots) != p.cfg.Capacity {
		panic(fmt.Sprintf("pool: %d slots for capacity %d", len(p.slots), p.cfg.Capacity))
	}
	seen := make(map[string]struct{}, len(p.slots))
	for _, s := range p.slots {
		if s.state == Available {
			continue
		}
		if _, dup := seen[s.peer]; dup {
			panic(fmt.Sprintf("pool: peer %s holds more than one slot", s.peer))
		}
		seen[s.peer] = struct{}{}
	}
}
