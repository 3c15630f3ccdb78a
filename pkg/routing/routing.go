// Package routing computes multi-hop reachability from the destination lists
// connected peers advertise.
//
// Each connected peer periodically tells us which destinations it can reach
// and in how many hops. A destination reachable through peer P in H hops is
// reachable from us in H+1 hops with P as next hop. Only next hops at the
// best known hop count are kept. Entries expire when not refreshed, and an
// advertisement that omits a destination withdraws it from that peer.
package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/salahayoub/tether/pkg/reputation"
	"github.com/salahayoub/tether/pkg/wire"
)

const (
	DefaultMaxHops = 4
	// DefaultAdvertisementPeriod is how often peers exchange destination lists.
	DefaultAdvertisementPeriod = 2 * time.Second
	// DefaultRouteTTL is three advertisement periods.
	DefaultRouteTTL = 3 * DefaultAdvertisementPeriod
)

// Config bounds routes.
type Config struct {
	Self    string
	MaxHops uint32
	TTL     time.Duration
}

// DefaultConfig returns the default routing configuration for self.
func DefaultConfig(self string) Config {
	return Config{Self: self, MaxHops: DefaultMaxHops, TTL: DefaultRouteTTL}
}

// NextHop is one way of reaching a destination.
type NextHop struct {
	PeerID    string    `json:"peer_id"`
	HopCount  uint32    `json:"hop_count"`
	Refreshed time.Time `json:"refreshed"`
}

// Entry is a copy of one routing table entry.
type Entry struct {
	Destination string    `json:"destination"`
	HopCount    uint32    `json:"hop_count"`
	NextHops    []NextHop `json:"next_hops"`
	LastRefresh time.Time `json:"last_refresh"`
}

type entry struct {
	hops map[string]*NextHop // next hop peer -> route via it
}

func (e *entry) best() uint32 {
	var best uint32
	for _, h := range e.hops {
		if best == 0 || h.HopCount < best {
			best = h.HopCount
		}
	}
	return best
}

func (e *entry) lastRefresh() time.Time {
	var last time.Time
	for _, h := range e.hops {
		if h.Refreshed.After(last) {
			last = h.Refreshed
		}
	}
	return last
}

// Table is safe for concurrent use.
type Table struct {
	cfg    Config
	scorer reputation.Scorer

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty table. scorer is used to order equal-cost next hops
// and may be nil.
func New(cfg Config, scorer reputation.Scorer) *Table {
	if cfg.MaxHops == 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRouteTTL
	}
	return &Table{cfg: cfg, scorer: scorer, entries: make(map[string]*entry)}
}

// ApplyAdvertisement merges the destination list advertised by a connected
// peer. direct reports whether an id is directly connected to us; the
// advertiser must be. It returns the number of entries whose best hop count
// changed.
func (t *Table) ApplyAdvertisement(from string, ad *wire.RouteAdvertisement, direct func(string) bool, now time.Time) int {
	if ad == nil || from == t.cfg.Self || !direct(from) {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	offered := make(map[string]struct{}, len(ad.Destinations))
	for _, d := range ad.Destinations {
		dest := d.PeerID
		if dest == "" || dest == t.cfg.Self || dest == from || direct(dest) {
			continue
		}
		hops := d.HopCount + 1
		if d.HopCount == 0 || hops > t.cfg.MaxHops {
			continue
		}
		offered[dest] = struct{}{}

		e := t.entries[dest]
		if e == nil {
			e = &entry{hops: make(map[string]*NextHop)}
			t.entries[dest] = e
		}
		before := e.best()
		if h, ok := e.hops[from]; ok {
			h.HopCount = hops
			h.Refreshed = now
		} else if before == 0 || hops <= before {
			e.hops[from] = &NextHop{PeerID: from, HopCount: hops, Refreshed: now}
		}
		trimLocked(e)
		if e.best() != before {
			changed++
		}
	}

	// Implicit withdrawal of destinations from no longer offers.
	for dest, e := range t.entries {
		if _, ok := e.hops[from]; !ok {
			continue
		}
		if _, ok := offered[dest]; ok {
			continue
		}
		before := e.best()
		delete(e.hops, from)
		if len(e.hops) == 0 {
			delete(t.entries, dest)
		}
		if e.best() != before {
			changed++
		}
	}
	t.checkLocked()
	return changed
}

// trimLocked keeps only next hops at the best hop count.
func trimLocked(e *entry) {
	best := e.best()
	for id, h := range e.hops {
		if h.HopCount > best {
			delete(e.hops, id)
		}
	}
}

// IsReachable reports whether dest has a route.
func (t *Table) IsReachable(dest string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dest]
	return ok && len(e.hops) > 0
}

// NextHops returns the routes to dest ordered by hop count, then reputation
// descending, then peer id.
func (t *Table) NextHops(dest string) []NextHop {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dest]
	if !ok {
		return nil
	}
	return t.sortedHopsLocked(e)
}

func (t *Table) sortedHopsLocked(e *entry) []NextHop {
	out := make([]NextHop, 0, len(e.hops))
	for _, h := range e.hops {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HopCount != out[j].HopCount {
			return out[i].HopCount < out[j].HopCount
		}
		si, sj := t.score(out[i].PeerID), t.score(out[j].PeerID)
		if si != sj {
			return si > sj
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Entries returns every entry sorted by destination.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for dest, e := range t.entries {
		out = append(out, Entry{
			Destination: dest,
			HopCount:    e.best(),
			NextHops:    t.sortedHopsLocked(e),
			LastRefresh: e.lastRefresh(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Len returns the number of destinations with a route.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Expire drops next hops not refreshed within the TTL and returns the
// destinations that lost their last route.
func (t *Table) Expire(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []string
	for dest, e := range t.entries {
		for id, h := range e.hops {
			if now.Sub(h.Refreshed) > t.cfg.TTL {
				delete(e.hops, id)
			}
		}
		if len(e.hops) == 0 {
			delete(t.entries, dest)
			lost = append(lost, dest)
		}
	}
	sort.Strings(lost)
	return lost
}

// RemoveNextHop drops every route through peer and returns the destinations
// that became unreachable.
func (t *Table) RemoveNextHop(peer string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []string
	for dest, e := range t.entries {
		delete(e.hops, peer)
		if len(e.hops) == 0 {
			delete(t.entries, dest)
			lost = append(lost, dest)
		}
	}
	sort.Strings(lost)
	return lost
}

// Remove deletes the entry for dest, used when dest becomes directly
// connected.
func (t *Table) Remove(dest string) {
	t.mu.Lock()
	delete(t.entries, dest)
	t.mu.Unlock()
}

// Clear drops every entry.
func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
}

// Advertisement builds the destination list to send to peer: every direct
// peer at hop 1 plus every table entry at its best hop count, minus peer
// itself and minus destinations whose best next hops are all peer.
func (t *Table) Advertisement(peer string, direct []string) *wire.RouteAdvertisement {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{}, len(direct))
	ad := &wire.RouteAdvertisement{}
	for _, d := range direct {
		if d == peer || d == t.cfg.Self {
			continue
		}
		seen[d] = struct{}{}
		ad.Destinations = append(ad.Destinations, wire.Destination{PeerID: d, HopCount: 1})
	}
	for dest, e := range t.entries {
		if dest == peer {
			continue
		}
		if _, ok := seen[dest]; ok {
			continue
		}
		if _, only := e.hops[peer]; only && len(e.hops) == 1 {
			continue
		}
		ad.Destinations = append(ad.Destinations, wire.Destination{PeerID: dest, HopCount: e.best()})
	}
	sort.Slice(ad.Destinations, func(i, j int) bool {
		return ad.Destinations[i].PeerID < ad.Destinations[j].PeerID
	})
	return ad
}

func (t *Table) score(peer string) float64 {
	if t.scorer == nil {
		return reputation.NeutralScore
	}
	return t.scorer.Score(peer)
}

// checkLocked panics if the table holds a route to self or a zero-hop route.
func (t *Table) checkLocked() {
	if _, ok := t.entries[t.cfg.Self]; ok {
		panic(fmt.Sprintf("routing: entry for self %q", t.cfg.Self))
	}
	for dest, e := range t.entries {
		for _, h := range e.hops {
			if h.HopCount < 1 {
				panic(fmt.Sprintf("routing: zero hop route to %q", dest))
			}
		}
	}
}
