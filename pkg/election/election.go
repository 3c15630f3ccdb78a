// Package election implements term-based leader election among the peers a
// device is currently connected to.
//
// There is no replicated log: the only agreed fact is which peer coordinates
// the visible component for a given term. Majority is relative to the
// connected set, so a lone device elects itself and merging partitions
// triggers a fresh election.
//
// Election is a pure state machine. Every method takes the current time and
// returns the messages to send; the caller delivers them fire-and-forget and
// drives expiry through Tick. It is not safe for concurrent use; the mesh
// orchestrator serializes all calls.
package election

import (
	"math/rand"
	"sort"
	"time"

	"github.com/salahayoub/tether/pkg/wire"
)

// Role is the current position of this device in the election protocol.
// Transitions: Follower → Candidate (timeout, topology change, force) → Leader
// (majority). Any role → Follower on a higher term or a valid heartbeat.
type Role int

const (
	Follower  Role = iota // Tracks the known leader, grants votes for newer terms
	Candidate             // Collecting votes for its own term
	Leader                // Broadcasts heartbeats
)

// String returns a human-readable representation of the Role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Config holds election timing.
type Config struct {
	ID string // This device's peer id

	// HeartbeatInterval is how often a Leader broadcasts heartbeats.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a Follower waits without a heartbeat
	// before starting an election. Randomized to [T, 2T] on every reset.
	HeartbeatTimeout time.Duration

	// ElectionTimeout is how long a Candidate waits for a majority before
	// abandoning the term.
	ElectionTimeout time.Duration

	// ElectionBackoff bounds the random delay in [0, ElectionBackoff) before
	// a scheduled election starts. It absorbs bursts of topology changes and
	// breaks split votes.
	ElectionBackoff time.Duration
}

// DefaultConfig returns the default timing for the given device id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                id,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  3 * time.Second,
		ElectionTimeout:   2 * time.Second,
		ElectionBackoff:   time.Second,
	}
}

// MaxHeartbeatHops bounds how many times a heartbeat is forwarded between
// followers.
const MaxHeartbeatHops = 8

// Outbound is a message the caller must send. An empty To means broadcast to
// every connected peer.
type Outbound struct {
	To      string
	Payload wire.Message
}

// State is a copy of the election state for observability.
type State struct {
	Term             uint64    `json:"term"`
	Leader           string    `json:"leader,omitempty"`
	Role             Role      `json:"role"`
	VotedFor         string    `json:"voted_for,omitempty"`
	Votes            int       `json:"votes"`
	ElectionDeadline time.Time `json:"election_deadline,omitempty"`
	ElectionPending  bool      `json:"election_pending"`
}

// Election holds the protocol state of one device.
type Election struct {
	cfg Config
	rng *rand.Rand

	currentTerm uint64
	votedFor    string
	role        Role
	leaderID    string

	// Candidate bookkeeping for electionTerm
	votesReceived map[string]bool
	electionTerm  uint64
	deadline      time.Time

	heartbeatDeadline time.Time // Follower: start an election when passed
	nextHeartbeat     time.Time // Leader: next broadcast

	pending   bool      // An election is scheduled
	pendingAt time.Time // When the scheduled election starts

	relayTerm   uint64 // Term and leader of the last forwarded heartbeat
	relayLeader string
	relayedAt   time.Time

	connected map[string]struct{}
}

// New creates an Election starting as Follower at term. term is normally the
// persisted value so terms stay monotonic across restarts. A nil rng uses a
// time-seeded source.
func New(cfg Config, term uint64, rng *rand.Rand) *Election {
	def := DefaultConfig(cfg.ID)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = def.ElectionTimeout
	}
	if cfg.ElectionBackoff <= 0 {
		cfg.ElectionBackoff = def.ElectionBackoff
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Election{
		cfg:           cfg,
		rng:           rng,
		currentTerm:   term,
		role:          Follower,
		votesReceived: make(map[string]bool),
		connected:     make(map[string]struct{}),
	}
}

// Term returns the current term.
func (e *Election) Term() uint64 { return e.currentTerm }

// Leader returns the known leader id, which may be this device, or "".
func (e *Election) Leader() string { return e.leaderID }

// Role returns the current role.
func (e *Election) Role() Role { return e.role }

// State returns a copy of the election state.
func (e *Election) State() State {
	st := State{
		Term:            e.currentTerm,
		Leader:          e.leaderID,
		Role:            e.role,
		VotedFor:        e.votedFor,
		ElectionPending: e.pending,
	}
	if e.role == Candidate {
		st.Votes = e.countVotes()
		st.ElectionDeadline = e.deadline
	}
	return st
}

// SetConnected replaces the connected peer set. If the set changed, any
// in-flight election is abandoned, a leader that left is forgotten, and an
// election is scheduled after a random backoff. Bursts of changes coalesce
// into one scheduled election.
func (e *Election) SetConnected(peers []string, now time.Time) {
	next := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p != e.cfg.ID {
			next[p] = struct{}{}
		}
	}
	if sameSet(e.connected, next) {
		return
	}
	e.connected = next

	if e.leaderID != "" && e.leaderID != e.cfg.ID {
		if _, ok := next[e.leaderID]; !ok {
			e.leaderID = ""
		}
	}
	if e.role == Candidate {
		e.role = Follower
		e.votesReceived = make(map[string]bool)
	}
	e.schedule(now)
}

// Connected returns the sorted connected set the election counts against.
func (e *Election) Connected() []string {
	out := make([]string, 0, len(e.connected))
	for p := range e.connected {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ForceElection starts an election immediately.
func (e *Election) ForceElection(now time.Time) []Outbound {
	return e.startElection(now)
}

// Schedule arranges an election after a random backoff unless one is
// already scheduled.
func (e *Election) Schedule(now time.Time) {
	e.schedule(now)
}

// Reset cancels any in-flight or scheduled election and forgets the leader.
// The term is kept.
func (e *Election) Reset() {
	e.role = Follower
	e.leaderID = ""
	e.votesReceived = make(map[string]bool)
	e.pending = false
	e.heartbeatDeadline = time.Time{}
}

// Tick advances timers. It must be called periodically.
func (e *Election) Tick(now time.Time) []Outbound {
	switch e.role {
	case Leader:
		if e.pending && !now.Before(e.pendingAt) {
			return e.startElection(now)
		}
		if !now.Before(e.nextHeartbeat) {
			e.nextHeartbeat = now.Add(e.cfg.HeartbeatInterval)
			return []Outbound{{Payload: &wire.Heartbeat{Term: e.currentTerm, LeaderID: e.cfg.ID}}}
		}
	case Candidate:
		if !now.Before(e.deadline) {
			// No majority in time: abandon the term and retry after backoff.
			e.role = Follower
			e.votesReceived = make(map[string]bool)
			e.schedule(now)
		}
	case Follower:
		if e.pending {
			if !now.Before(e.pendingAt) {
				return e.startElection(now)
			}
			return nil
		}
		if e.heartbeatDeadline.IsZero() {
			e.resetHeartbeatDeadline(now)
			return nil
		}
		if !now.Before(e.heartbeatDeadline) {
			e.leaderID = ""
			return e.startElection(now)
		}
	}
	return nil
}

// HandleVoteRequest processes a VoteRequest. A request for a newer term is
// adopted and granted. Since granting adopts the term, at most one vote is
// cast per term. A request for the current or an older term is refused and,
// when a leader is known, answered with a heartbeat naming it.
func (e *Election) HandleVoteRequest(from string, req *wire.VoteRequest, now time.Time) []Outbound {
	if req == nil {
		return nil
	}
	if req.Term <= e.currentTerm {
		return e.announceLeader(from)
	}
	candidate := req.CandidateID
	if candidate == "" {
		candidate = from
	}
	e.stepDown(req.Term, now)
	e.votedFor = candidate
	return []Outbound{{To: from, Payload: &wire.VoteGrant{Term: req.Term, VoterID: e.cfg.ID}}}
}

// HandleVoteGrant counts a vote for the current election and becomes Leader
// on a majority.
func (e *Election) HandleVoteGrant(from string, grant *wire.VoteGrant, now time.Time) []Outbound {
	if grant == nil {
		return nil
	}
	if grant.Term > e.currentTerm {
		e.stepDown(grant.Term, now)
		return nil
	}
	if e.role != Candidate || grant.Term != e.electionTerm {
		return nil
	}
	voter := grant.VoterID
	if voter == "" {
		voter = from
	}
	e.votesReceived[voter] = true
	if e.hasQuorum() {
		return e.becomeLeader(now)
	}
	return nil
}

// HandleHeartbeat accepts a leader for a term at least as new as ours and
// forwards the heartbeat to the rest of the connected set, so followers out
// of the leader's radio range keep hearing from it.
//
// An older heartbeat is answered with the leader of the current term, which
// makes an outdated leader step down. A Leader that hears of another leader
// in its own term keeps its role but schedules a new election; the higher
// term settles which of them coordinates.
func (e *Election) HandleHeartbeat(from string, hb *wire.Heartbeat, now time.Time) []Outbound {
	if hb == nil {
		return nil
	}
	if hb.Term < e.currentTerm {
		return e.announceLeader(from)
	}
	leader := hb.LeaderID
	if leader == "" {
		leader = from
	}
	if leader == e.cfg.ID {
		return nil
	}
	if hb.Term == e.currentTerm && e.role == Leader {
		e.schedule(now)
		return nil
	}
	if hb.Term > e.currentTerm {
		e.votedFor = ""
	}
	e.currentTerm = hb.Term
	e.role = Follower
	e.leaderID = leader
	e.votesReceived = make(map[string]bool)
	e.pending = false
	e.resetHeartbeatDeadline(now)
	return e.relay(from, hb, now)
}

// announceLeader tells peer who leads the current term. Nothing is sent
// while no leader is known.
func (e *Election) announceLeader(peer string) []Outbound {
	if e.leaderID == "" || e.leaderID == peer {
		return nil
	}
	return []Outbound{{To: peer, Payload: &wire.Heartbeat{Term: e.currentTerm, LeaderID: e.leaderID, Hops: 1}}}
}

// relay forwards an accepted heartbeat to every connected peer except its
// sender and the leader. The same leader and term are forwarded at most once
// every half heartbeat interval, and never beyond MaxHeartbeatHops.
func (e *Election) relay(from string, hb *wire.Heartbeat, now time.Time) []Outbound {
	if hb.Hops >= MaxHeartbeatHops {
		return nil
	}
	if e.relayTerm == e.currentTerm && e.relayLeader == e.leaderID && now.Sub(e.relayedAt) < e.cfg.HeartbeatInterval/2 {
		return nil
	}
	fwd := &wire.Heartbeat{Term: e.currentTerm, LeaderID: e.leaderID, Hops: hb.Hops + 1}
	var out []Outbound
	for _, peer := range e.Connected() {
		if peer == from || peer == e.leaderID {
			continue
		}
		out = append(out, Outbound{To: peer, Payload: fwd})
	}
	if len(out) > 0 {
		e.relayTerm = e.currentTerm
		e.relayLeader = e.leaderID
		e.relayedAt = now
	}
	return out
}

// startElection transitions to Candidate for a new term, votes for self and
// broadcasts a VoteRequest. With no connected peers the self-vote is a
// majority and the device becomes Leader at once.
func (e *Election) startElection(now time.Time) []Outbound {
	e.currentTerm++
	e.role = Candidate
	e.leaderID = ""
	e.votedFor = e.cfg.ID
	e.votesReceived = map[string]bool{e.cfg.ID: true}
	e.electionTerm = e.currentTerm
	e.deadline = now.Add(e.cfg.ElectionTimeout)
	e.pending = false

	out := []Outbound{{Payload: &wire.VoteRequest{Term: e.currentTerm, CandidateID: e.cfg.ID}}}
	if e.hasQuorum() {
		out = append(out, e.becomeLeader(now)...)
	}
	return out
}

func (e *Election) becomeLeader(now time.Time) []Outbound {
	e.role = Leader
	e.leaderID = e.cfg.ID
	e.nextHeartbeat = now.Add(e.cfg.HeartbeatInterval)
	return []Outbound{{Payload: &wire.Heartbeat{Term: e.currentTerm, LeaderID: e.cfg.ID}}}
}

// stepDown adopts a newer term as a Follower with no known leader.
func (e *Election) stepDown(term uint64, now time.Time) {
	e.currentTerm = term
	e.votedFor = ""
	e.role = Follower
	e.leaderID = ""
	e.votesReceived = make(map[string]bool)
	e.pending = false
	e.resetHeartbeatDeadline(now)
}

func (e *Election) schedule(now time.Time) {
	if e.pending {
		return
	}
	e.pending = true
	e.pendingAt = now.Add(e.jitter(e.cfg.ElectionBackoff))
}

// resetHeartbeatDeadline picks a deadline in [T, 2T] from now.
func (e *Election) resetHeartbeatDeadline(now time.Time) {
	base := e.cfg.HeartbeatTimeout
	e.heartbeatDeadline = now.Add(base + e.jitter(base))
}

func (e *Election) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int63n(int64(max)))
}

// countVotes counts votes from this device and currently connected peers.
func (e *Election) countVotes() int {
	n := 0
	for voter := range e.votesReceived {
		if voter == e.cfg.ID {
			n++
			continue
		}
		if _, ok := e.connected[voter]; ok {
			n++
		}
	}
	return n
}

func (e *Election) hasQuorum() bool {
	return e.countVotes() >= calculateQuorum(len(e.connected)+1)
}

// calculateQuorum returns the minimum number of votes for a majority of n.
func calculateQuorum(n int) int {
	return n/2 + 1
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
