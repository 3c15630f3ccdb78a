package routing

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/salahayoub/tether/pkg/wire"
)

type scores map[string]float64

func (s scores) Score(p string) float64 {
	if v, ok := s[p]; ok {
		return v
	}
	return 50
}

func directSet(ids ...string) func(string) bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func ad(dests ...wire.Destination) *wire.RouteAdvertisement {
	return &wire.RouteAdvertisement{Destinations: dests}
}

func TestApplyAdvertisementFilters(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(Config{Self: "me", MaxHops: 3}, nil)
	direct := directSet("p", "q")

	tbl.ApplyAdvertisement("p", ad(
		wire.Destination{PeerID: "me", HopCount: 1},   // self
		wire.Destination{PeerID: "q", HopCount: 1},    // direct
		wire.Destination{PeerID: "far", HopCount: 3},  // exceeds max hops
		wire.Destination{PeerID: "zero", HopCount: 0}, // invalid
		wire.Destination{PeerID: "d", HopCount: 1},
	), direct, now)

	if got := tbl.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1: %+v", got, tbl.Entries())
	}
	hops := tbl.NextHops("d")
	if len(hops) != 1 || hops[0].PeerID != "p" || hops[0].HopCount != 2 {
		t.Fatalf("NextHops(d) = %+v", hops)
	}

	// Advertisements from peers that are not connected are ignored.
	if n := tbl.ApplyAdvertisement("stranger", ad(wire.Destination{PeerID: "x", HopCount: 1}), direct, now); n != 0 {
		t.Fatalf("advertisement from stranger applied")
	}
	if tbl.IsReachable("x") {
		t.Fatal("x reachable through a stranger")
	}
}

func TestWorseNextHopIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(DefaultConfig("me"), nil)
	direct := directSet("p", "q")

	tbl.ApplyAdvertisement("p", ad(wire.Destination{PeerID: "d", HopCount: 1}), direct, now)
	tbl.ApplyAdvertisement("q", ad(wire.Destination{PeerID: "d", HopCount: 2}), direct, now)
	hops := tbl.NextHops("d")
	if len(hops) != 1 || hops[0].PeerID != "p" {
		t.Fatalf("NextHops(d) = %+v, want only p", hops)
	}

	// Equal cost adds a second next hop.
	tbl.ApplyAdvertisement("q", ad(wire.Destination{PeerID: "d", HopCount: 1}), direct, now)
	if hops := tbl.NextHops("d"); len(hops) != 2 {
		t.Fatalf("NextHops(d) = %+v, want two next hops", hops)
	}

	// An existing next hop that gets worse is dropped in favour of the better one.
	tbl.ApplyAdvertisement("p", ad(wire.Destination{PeerID: "d", HopCount: 3}), direct, now)
	hops = tbl.NextHops("d")
	if len(hops) != 1 || hops[0].PeerID != "q" || hops[0].HopCount != 2 {
		t.Fatalf("NextHops(d) = %+v, want q at 2", hops)
	}
}

func TestNextHopOrdering(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(DefaultConfig("me"), scores{"b": 80, "c": 80, "a": 20})
	direct := directSet("a", "b", "c")
	for _, p := range []string{"a", "b", "c"} {
		tbl.ApplyAdvertisement(p, ad(wire.Destination{PeerID: "d", HopCount: 2}), direct, now)
	}
	var order []string
	for _, h := range tbl.NextHops("d") {
		order = append(order, h.PeerID)
	}
	if fmt.Sprint(order) != "[b c a]" {
		t.Fatalf("order = %v, want [b c a]", order)
	}
}

func TestImplicitWithdrawal(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(DefaultConfig("me"), nil)
	direct := directSet("p")
	tbl.ApplyAdvertisement("p", ad(
		wire.Destination{PeerID: "d1", HopCount: 1},
		wire.Destination{PeerID: "d2", HopCount: 1},
	), direct, now)
	tbl.ApplyAdvertisement("p", ad(wire.Destination{PeerID: "d1", HopCount: 1}), direct, now)
	if tbl.IsReachable("d2") {
		t.Fatal("withdrawn destination still reachable")
	}
	if !tbl.IsReachable("d1") {
		t.Fatal("d1 lost")
	}
}

func TestExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(Config{Self: "me", TTL: 6 * time.Second}, nil)
	direct := directSet("p", "q")
	tbl.ApplyAdvertisement("p", ad(wire.Destination{PeerID: "d", HopCount: 1}), direct, now)
	tbl.ApplyAdvertisement("q", ad(wire.Destination{PeerID: "d", HopCount: 1}), direct, now.Add(5*time.Second))

	if lost := tbl.Expire(now.Add(7 * time.Second)); len(lost) != 0 {
		t.Fatalf("lost %v too early", lost)
	}
	if hops := tbl.NextHops("d"); len(hops) != 1 || hops[0].PeerID != "q" {
		t.Fatalf("stale next hop kept: %+v", hops)
	}
	if lost := tbl.Expire(now.Add(12 * time.Second)); fmt.Sprint(lost) != "[d]" {
		t.Fatalf("Expire lost = %v, want [d]", lost)
	}
}

func TestRemoveNextHopAndRemove(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(DefaultConfig("me"), nil)
	direct := directSet("p", "q")
	tbl.ApplyAdvertisement("p", ad(wire.Destination{PeerID: "d", HopCount: 1}, wire.Destination{PeerID: "e", HopCount: 1}), direct, now)
	tbl.ApplyAdvertisement("q", ad(wire.Destination{PeerID: "d", HopCount: 1}), direct, now)

	lost := tbl.RemoveNextHop("p")
	if fmt.Sprint(lost) != "[e]" {
		t.Fatalf("RemoveNextHop lost = %v, want [e]", lost)
	}
	if !tbl.IsReachable("d") {
		t.Fatal("d should remain reachable through q")
	}
	tbl.Remove("d")
	if tbl.IsReachable("d") {
		t.Fatal("Remove did not delete d")
	}
}

func TestAdvertisementSplitHorizon(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := New(DefaultConfig("me"), nil)
	direct := []string{"p", "q"}
	tbl.ApplyAdvertisement("p", ad(wire.Destination{PeerID: "d", HopCount: 1}), directSet(direct...), now)

	toP := tbl.Advertisement("p", direct)
	if fmt.Sprint(toP.Destinations) != "[{q 1}]" {
		t.Fatalf("advertisement to p = %v", toP.Destinations)
	}
	toQ := tbl.Advertisement("q", direct)
	if fmt.Sprint(toQ.Destinations) != "[{d 2} {p 1}]" {
		t.Fatalf("advertisement to q = %v", toQ.Destinations)
	}
}

// mesh runs synchronous advertisement rounds over a fixed topology.
type mesh struct {
	adj    map[string][]string
	tables map[string]*Table
}

func newMesh(adj map[string][]string, maxHops uint32) *mesh {
	m := &mesh{adj: adj, tables: make(map[string]*Table)}
	for id := range adj {
		m.tables[id] = New(Config{Self: id, MaxHops: maxHops}, nil)
	}
	return m
}

func (m *mesh) round(now time.Time) {
	type delivery struct {
		from, to string
		ad       *wire.RouteAdvertisement
	}
	var out []delivery
	for id, peers := range m.adj {
		for _, p := range peers {
			out = append(out, delivery{id, p, m.tables[id].Advertisement(p, peers)})
		}
	}
	for _, d := range out {
		m.tables[d.to].ApplyAdvertisement(d.from, d.ad, directSet(m.adj[d.to]...), now)
	}
}

func bfs(adj map[string][]string, src string) map[string]int {
	dist := map[string]int{src: 0}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj[cur] {
			if _, ok := dist[n]; !ok {
				dist[n] = dist[cur] + 1
				queue = append(queue, n)
			}
		}
	}
	return dist
}

func TestRoutingConvergesOnLine(t *testing.T) {
	adj := map[string][]string{
		"a": {"b"},
		"b": {"a", "c"},
		"c": {"b", "d"},
		"d": {"c", "e"},
		"e": {"d"},
	}
	m := newMesh(adj, 3)
	now := time.Unix(1000, 0)
	for i := 0; i < 6; i++ {
		m.round(now)
	}
	a := m.tables["a"]
	if hops := a.NextHops("d"); len(hops) != 1 || hops[0].HopCount != 3 || hops[0].PeerID != "b" {
		t.Fatalf("a -> d = %+v", hops)
	}
	if a.IsReachable("e") {
		t.Fatal("e is beyond max hops but reachable")
	}
}

func TestRoutingConvergenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 7).Draw(t, "nodes")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("n%d", i)
		}
		adj := make(map[string][]string, n)
		for _, id := range ids {
			adj[id] = nil
		}
		link := func(a, b string) {
			for _, x := range adj[a] {
				if x == b {
					return
				}
			}
			adj[a] = append(adj[a], b)
			adj[b] = append(adj[b], a)
		}
		// Random spanning tree plus extra edges keeps the graph connected.
		for i := 1; i < n; i++ {
			link(ids[i], ids[rapid.IntRange(0, i-1).Draw(t, "parent")])
		}
		extra := rapid.IntRange(0, n).Draw(t, "extra")
		for i := 0; i < extra; i++ {
			a := rapid.IntRange(0, n-1).Draw(t, "a")
			b := rapid.IntRange(0, n-1).Draw(t, "b")
			if a != b {
				link(ids[a], ids[b])
			}
		}
		for id := range adj {
			sort.Strings(adj[id])
		}

		maxHops := uint32(rapid.IntRange(2, 5).Draw(t, "maxHops"))
		m := newMesh(adj, maxHops)
		now := time.Unix(1000, 0)
		for i := 0; i < n+2; i++ {
			m.round(now)
		}

		for _, src := range ids {
			dist := bfs(adj, src)
			tbl := m.tables[src]
			for _, dst := range ids {
				d := dist[dst]
				if d <= 1 {
					if tbl.IsReachable(dst) {
						t.Fatalf("%s stores a route to self or direct peer %s", src, dst)
					}
					continue
				}
				reachable := tbl.IsReachable(dst)
				if uint32(d) > maxHops {
					if reachable {
						t.Fatalf("%s -> %s reachable beyond max hops", src, dst)
					}
					continue
				}
				if !reachable {
					t.Fatalf("%s -> %s (distance %d) unreachable", src, dst, d)
				}
				hops := tbl.NextHops(dst)
				if hops[0].HopCount != uint32(d) {
					t.Fatalf("%s -> %s hop count %d, want %d", src, dst, hops[0].HopCount, d)
				}
			}
		}
	})
}
