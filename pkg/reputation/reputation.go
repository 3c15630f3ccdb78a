// Package reputation keeps a bounded trust score for every peer the device has
// interacted with.
//
// Scores move by fixed deltas on connection and delivery outcomes and decay a
// fixed step toward the neutral midpoint on every Decay call, so a peer that
// misbehaved once can recover. Records are never deleted.
package reputation

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// MinScore and MaxScore bound every trust score.
	MinScore = 0.0
	MaxScore = 100.0
	// NeutralScore is the starting score of new peers and the decay target.
	NeutralScore = 50.0

	connectDelta  = 10.0
	deliveryDelta = connectDelta / 2

	defaultDecayStep = 1.0
)

// Outcome is an observed interaction result.
type Outcome int

const (
	ConnectSuccess Outcome = iota
	ConnectFailure
	DeliverySuccess
	DeliveryFailure
)

// String returns a human-readable representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case ConnectSuccess:
		return "ConnectSuccess"
	case ConnectFailure:
		return "ConnectFailure"
	case DeliverySuccess:
		return "DeliverySuccess"
	case DeliveryFailure:
		return "DeliveryFailure"
	default:
		return "Unknown"
	}
}

// delta returns the score change for the outcome.
func (o Outcome) delta() float64 {
	switch o {
	case ConnectSuccess:
		return connectDelta
	case ConnectFailure:
		return -connectDelta
	case DeliverySuccess:
		return deliveryDelta
	case DeliveryFailure:
		return -deliveryDelta
	default:
		return 0
	}
}

// Level is the trust tier derived from a score.
type Level int

const (
	Untrusted Level = iota
	Low
	Neutral
	Trusted
	Verified
)

// String returns a human-readable representation of the Level.
func (l Level) String() string {
	switch l {
	case Untrusted:
		return "Untrusted"
	case Low:
		return "Low"
	case Neutral:
		return "Neutral"
	case Trusted:
		return "Trusted"
	case Verified:
		return "Verified"
	default:
		return "Unknown"
	}
}

// LevelFor maps a score to its tier. It is the only source of Level values.
func LevelFor(score float64) Level {
	switch {
	case score < 30:
		return Untrusted
	case score < 50:
		return Low
	case score < 70:
		return Neutral
	case score < 85:
		return Trusted
	default:
		return Verified
	}
}

// Reputation is a point-in-time copy of one peer's record.
type Reputation struct {
	PeerID                string    `json:"peer_id"`
	TrustScore            float64   `json:"trust_score"`
	SuccessfulConnections uint64    `json:"successful_connections"`
	FailedConnections     uint64    `json:"failed_connections"`
	SuccessfulDeliveries  uint64    `json:"successful_deliveries"`
	FailedDeliveries      uint64    `json:"failed_deliveries"`
	LastUpdated           time.Time `json:"last_updated"`
}

// Level returns the tier for the record's score.
func (r Reputation) Level() Level {
	return LevelFor(r.TrustScore)
}

// Scorer is the read-only view other components use.
type Scorer interface {
	Score(peerID string) float64
}

// Config controls decay.
type Config struct {
	// DecayStep is how far each Decay call moves a score toward NeutralScore.
	DecayStep float64
}

// DefaultConfig returns the default reputation configuration.
func DefaultConfig() Config {
	return Config{DecayStep: defaultDecayStep}
}

// Manager tracks peer reputations. It is safe for concurrent use.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*Reputation
}

// NewManager returns an empty reputation tracker.
func NewManager(cfg Config) *Manager {
	if cfg.DecayStep <= 0 {
		cfg.DecayStep = defaultDecayStep
	}
	return &Manager{cfg: cfg, records: make(map[string]*Reputation)}
}

// RecordOutcome applies the outcome's delta and returns the updated record.
func (m *Manager) RecordOutcome(peerID string, outcome Outcome, now time.Time) Reputation {
	if peerID == "" {
		return Reputation{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureRecordLocked(peerID, now)
	rec.TrustScore = clamp(rec.TrustScore + outcome.delta())
	switch outcome {
	case ConnectSuccess:
		rec.SuccessfulConnections++
	case ConnectFailure:
		rec.FailedConnections++
	case DeliverySuccess:
		rec.SuccessfulDeliveries++
	case DeliveryFailure:
		rec.FailedDeliveries++
	}
	rec.LastUpdated = now
	return *rec
}

// Touch creates a neutral record for peerID if none exists.
func (m *Manager) Touch(peerID string, now time.Time) {
	if peerID == "" {
		return
	}
	m.mu.Lock()
	m.ensureRecordLocked(peerID, now)
	m.mu.Unlock()
}

// Decay moves every score one step toward NeutralScore without crossing it.
func (m *Manager) Decay(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step := m.cfg.DecayStep
	for _, rec := range m.records {
		switch {
		case rec.TrustScore > NeutralScore:
			rec.TrustScore = math.Max(NeutralScore, rec.TrustScore-step)
		case rec.TrustScore < NeutralScore:
			rec.TrustScore = math.Min(NeutralScore, rec.TrustScore+step)
		default:
			continue
		}
		rec.LastUpdated = now
	}
}

// Score returns the peer's score, or NeutralScore for unknown peers.
func (m *Manager) Score(peerID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[peerID]; ok {
		return rec.TrustScore
	}
	return NeutralScore
}

// Get returns a copy of the peer's record.
func (m *Manager) Get(peerID string) (Reputation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[peerID]
	if !ok {
		return Reputation{}, false
	}
	return *rec, true
}

// TopPeers returns up to limit records sorted by descending score, ties by id.
// A non-positive limit returns every record.
func (m *Manager) TopPeers(limit int) []Reputation {
	out := m.Snapshot()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrustScore == out[j].TrustScore {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].TrustScore > out[j].TrustScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot returns a copy of every record in unspecified order.
func (m *Manager) Snapshot() []Reputation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Reputation, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// Restore loads persisted records, replacing any existing record for the same
// peer. Scores are clamped on the way in.
func (m *Manager) Restore(records []Reputation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.PeerID == "" {
			continue
		}
		rec := r
		rec.TrustScore = clamp(rec.TrustScore)
		m.records[r.PeerID] = &rec
	}
}

// Len returns the number of tracked peers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Manager) ensureRecordLocked(peerID string, now time.Time) *Reputation {
	rec := m.records[peerID]
	if rec == nil {
		rec = &Reputation{PeerID: peerID, TrustScore: NeutralScore, LastUpdated: now}
		m.records[peerID] = rec
	}
	return rec
}

func clamp(score float64) float64 {
	if math.IsNaN(score) {
		return NeutralScore
	}
	return math.Max(MinScore, math.Min(MaxScore, score))
}
