// Package registry tracks which peers have been discovered over the radio and
// which of them currently hold a direct transport connection.
package registry

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a non-connected peer may stay silent before Purge
// forgets it.
const DefaultTTL = 2 * time.Minute

// State is the lifecycle position of a peer.
type State int

const (
	Discovered State = iota
	Connecting
	Connected
	Disconnected
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case Discovered:
		return "Discovered"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Record is a copy of what the registry knows about one peer.
type Record struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Snapshot partitions the known peers. Both slices are sorted.
type Snapshot struct {
	Connected []string
	Available []string
}

// Registry is safe for concurrent use.
type Registry struct {
	ttl time.Duration

	mu    sync.RWMutex
	peers map[string]*Record
}

// New returns an empty registry. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{ttl: ttl, peers: make(map[string]*Record)}
}

// OnDiscovered records a radio sighting. A connected peer stays connected.
// It reports whether the peer was previously unknown.
func (r *Registry) OnDiscovered(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, isNew := r.ensureLocked(id, now)
	if rec.State == Disconnected {
		rec.State = Discovered
	}
	rec.LastSeen = now
	return isNew
}

// OnConnecting marks a dial in progress. A dial is local activity, so
// LastSeen is left alone.
func (r *Registry) OnConnecting(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, _ := r.ensureLocked(id, now)
	if rec.State != Connected {
		rec.State = Connecting
	}
}

// OnDialFailed returns a peer whose dial failed or timed out to
// Disconnected without refreshing LastSeen, so repeated retries do not keep
// a vanished peer from being purged.
func (r *Registry) OnDialFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[id]; ok && rec.State != Connected {
		rec.State = Disconnected
	}
}

// OnConnected marks the peer as holding a live connection. It reports whether
// the peer was not already connected.
func (r *Registry) OnConnected(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, _ := r.ensureLocked(id, now)
	changed := rec.State != Connected
	rec.State = Connected
	rec.LastSeen = now
	return changed
}

// OnDisconnected marks the connection as gone and reports whether the peer had
// been connected. The record is kept so the peer remains available.
func (r *Registry) OnDisconnected(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return false
	}
	was := rec.State == Connected
	rec.State = Disconnected
	rec.LastSeen = now
	return was
}

// Touch refreshes lastSeen for a known peer.
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.Lock()
	if rec, ok := r.peers[id]; ok {
		rec.LastSeen = now
	}
	r.mu.Unlock()
}

// Snapshot returns the sorted connected and available peer ids.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Snapshot
	for id, rec := range r.peers {
		if rec.State == Connected {
			s.Connected = append(s.Connected, id)
		} else {
			s.Available = append(s.Available, id)
		}
	}
	sort.Strings(s.Connected)
	sort.Strings(s.Available)
	return s
}

// Purge forgets non-connected peers silent for longer than the TTL and returns
// their ids in sorted order.
func (r *Registry) Purge(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged []string
	for id, rec := range r.peers {
		if rec.State == Connected {
			continue
		}
		if now.Sub(rec.LastSeen) > r.ttl {
			delete(r.peers, id)
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	return purged
}

// State returns the peer's state and whether it is known.
func (r *Registry) State(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return 0, false
	}
	return rec.State, true
}

// IsConnected reports whether the peer holds a live connection.
func (r *Registry) IsConnected(id string) bool {
	s, ok := r.State(id)
	return ok && s == Connected
}

// LastSeen returns the last activity time of a known peer.
func (r *Registry) LastSeen(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return time.Time{}, false
	}
	return rec.LastSeen, true
}

// Records returns copies of every record sorted by id.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) ensureLocked(id string, now time.Time) (*Record, bool) {
	rec, ok := r.peers[id]
	if ok {
		return rec, false
	}
	rec = &Record{ID: id, State: Discovered, FirstSeen: now, LastSeen: now}
	r.peers[id] = rec
	return rec, true
}
