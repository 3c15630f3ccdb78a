package mesh

import (
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/salahayoub/tether/pkg/election"
	"github.com/salahayoub/tether/pkg/metrics"
	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/registry"
	"github.com/salahayoub/tether/pkg/reputation"
	"github.com/salahayoub/tether/pkg/transport"
	"github.com/salahayoub/tether/pkg/wire"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type delivery struct {
	from, to string
	msg      wire.Message
}

// fakeNet carries messages between fake transports until pumped.
type fakeNet struct {
	queue []delivery
	nodes map[string]*Mesh
}

func (n *fakeNet) pump(now time.Time) {
	for len(n.queue) > 0 {
		d := n.queue[0]
		n.queue = n.queue[1:]
		if m, ok := n.nodes[d.to]; ok {
			m.handleEvent(transport.Event{Type: transport.MessageReceived, PeerID: d.from, Payload: d.msg}, now)
		}
	}
}

// fakeTransport records what the mesh asks of the radio layer.
type fakeTransport struct {
	id  string
	net *fakeNet

	mu          sync.Mutex
	events      chan transport.Event
	links       map[string]bool
	connects    []string
	disconnects []string
	sent        []delivery
	connectErr  map[string]error
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, events: make(chan transport.Event, 64), links: make(map[string]bool)}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) LocalID() string                { return f.id }

func (f *fakeTransport) Connect(peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, peer)
	return f.connectErr[peer]
}

func (f *fakeTransport) Disconnect(peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, peer)
	return nil
}

func (f *fakeTransport) Send(peer string, msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.links[peer] {
		return transport.ErrNotConnected
	}
	d := delivery{from: f.id, to: peer, msg: msg}
	f.sent = append(f.sent, d)
	if f.net != nil {
		f.net.queue = append(f.net.queue, d)
	}
	return nil
}

func (f *fakeTransport) Broadcast(msg wire.Message) error {
	f.mu.Lock()
	peers := make([]string, 0, len(f.links))
	for p, up := range f.links {
		if up {
			peers = append(peers, p)
		}
	}
	f.mu.Unlock()
	for _, p := range peers {
		_ = f.Send(p, msg)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setLink(peer string, up bool) {
	f.mu.Lock()
	f.links[peer] = up
	f.mu.Unlock()
}

// failConnect makes Connect to peer return err; nil clears it.
func (f *fakeTransport) failConnect(peer string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr == nil {
		f.connectErr = make(map[string]error)
	}
	f.connectErr[peer] = err
}

func (f *fakeTransport) sentTo(peer string) []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Message
	for _, d := range f.sent {
		if d.to == peer {
			out = append(out, d.msg)
		}
	}
	return out
}

func (f *fakeTransport) connectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *fakeTransport) disconnectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

// memStore is an in-memory StateStore.
type memStore struct {
	term        uint64
	reputations map[string]reputation.Reputation
	saves       int
}

func newMemStore() *memStore {
	return &memStore{reputations: make(map[string]reputation.Reputation)}
}

func (s *memStore) LoadTerm() (uint64, error) { return s.term, nil }

func (s *memStore) SaveTerm(term uint64) error {
	if term > s.term {
		s.term = term
	}
	return nil
}

func (s *memStore) LoadReputations() ([]reputation.Reputation, error) {
	out := make([]reputation.Reputation, 0, len(s.reputations))
	for _, r := range s.reputations {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) SaveReputations(records []reputation.Reputation) error {
	s.saves++
	for _, r := range records {
		s.reputations[r.PeerID] = r
	}
	return nil
}

type node struct {
	*Mesh
	tr    *fakeTransport
	clock *fakeClock
}

func newNode(t *testing.T, id string, clock *fakeClock, store StateStore, tweak func(*Config)) *node {
	t.Helper()
	tr := newFakeTransport(id)
	cfg := DefaultConfig(id)
	cfg.Now = clock.Now
	cfg.Rand = rand.New(rand.NewSource(1))
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := New(cfg, tr, store)
	require.NoError(t, err)
	return &node{Mesh: m, tr: tr, clock: clock}
}

func (n *node) event(typ transport.EventType, peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handleEvent(transport.Event{Type: typ, PeerID: peer}, n.clock.Now())
}

func (n *node) message(from string, msg wire.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handleEvent(transport.Event{Type: transport.MessageReceived, PeerID: from, Payload: msg}, n.clock.Now())
}

func (n *node) runTick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tick(n.clock.Now())
}

// connect walks a peer through discovery and connection.
func (n *node) connect(peer string) {
	n.event(transport.PeerDiscovered, peer)
	n.tr.setLink(peer, true)
	n.event(transport.PeerConnected, peer)
}

func (n *node) drop(peer string) {
	n.tr.setLink(peer, false)
	n.event(transport.PeerDisconnected, peer)
}

func TestNewRejectsMismatchedID(t *testing.T) {
	_, err := New(DefaultConfig("a"), newFakeTransport("b"), nil)
	require.Error(t, err)

	_, err = New(DefaultConfig("a"), nil, nil)
	require.Error(t, err)

	m, err := New(Config{}, newFakeTransport("c"), nil)
	require.NoError(t, err)
	require.Equal(t, "c", m.ID())
}

// TestAdmissionPreemptsLowestReputation covers a capacity-2 pool with two
// Discovered occupants and a Manual request from a third peer.
func TestAdmissionPreemptsLowestReputation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, func(c *Config) { c.Pool.Capacity = 2 })

	n.connect("A")
	require.Equal(t, 1, n.PoolStatus().Occupied)
	n.connect("B")
	require.Equal(t, 2, n.PoolStatus().Occupied)

	require.NoError(t, n.ReportDelivery("A", false))
	require.NoError(t, n.ReportDelivery("A", false))

	// A Discovered newcomer does not outrank the occupants.
	n.event(transport.PeerDiscovered, "C")
	require.NotContains(t, n.tr.connectCalls(), "C")
	require.Equal(t, 2, n.PoolStatus().Occupied)

	d, err := n.Connect("C")
	require.NoError(t, err)
	require.Equal(t, pool.Preempted, d.Outcome)
	require.Equal(t, "A", d.Evicted)
	require.Contains(t, n.tr.disconnectCalls(), "A")
	require.Contains(t, n.tr.connectCalls(), "C")

	st := n.PoolStatus()
	require.Equal(t, 2, st.InUse())
	require.Equal(t, 1, st.Reserved)
	require.Equal(t, 1, st.Evicting)

	n.drop("A")
	require.Equal(t, 0, n.PoolStatus().Evicting)

	n.tr.setLink("C", true)
	n.event(transport.PeerConnected, "C")
	st = n.PoolStatus()
	require.Equal(t, 2, st.Occupied)
	require.Equal(t, 0, st.Reserved)
	require.ElementsMatch(t, []string{"B", "C"}, n.Status().Connected)
}

func TestInboundConnectionRejectedWhenFull(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, func(c *Config) { c.Pool.Capacity = 1 })

	n.connect("A")
	n.tr.setLink("B", true)
	n.event(transport.PeerConnected, "B")

	require.Contains(t, n.tr.disconnectCalls(), "B")
	st := n.PoolStatus()
	require.Equal(t, 1, st.Occupied)
	_, held := n.pool.Holds("B")
	require.False(t, held)
}

// TestRejectedInboundEarnsNoTrust has B dial in twice while the only slot
// is taken.
func TestRejectedInboundEarnsNoTrust(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, func(c *Config) { c.Pool.Capacity = 1 })
	n.connect("A")

	for attempt := 0; attempt < 2; attempt++ {
		n.tr.setLink("B", true)
		n.event(transport.PeerConnected, "B")
		n.drop("B")
	}

	require.Equal(t, reputation.NeutralScore, n.rep.Score("B"))
	_, held := n.pool.Holds("B")
	require.False(t, held)
	require.False(t, n.pool.IsEvicting("A"))
	require.Equal(t, []string{"A"}, n.Status().Connected)

	// A duplicate connected event for a kept peer counts once.
	n.event(transport.PeerConnected, "A")
	require.Equal(t, 60.0, n.rep.Score("A"))
}

func TestRediscoveryRespectsBackoff(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMemStore()
	store.reputations["U"] = reputation.Reputation{PeerID: "U", TrustScore: 20}
	n := newNode(t, "self", clock, store, nil)

	n.event(transport.PeerDiscovered, "A")
	n.event(transport.ConnectFailed, "A")
	n.event(transport.PeerDiscovered, "A")
	require.Equal(t, []string{"A"}, n.tr.connectCalls())

	clock.Advance(DefaultRetryBackoff)
	n.event(transport.PeerDiscovered, "A")
	require.Equal(t, []string{"A", "A"}, n.tr.connectCalls())

	// Untrusted peers are dialed only on request.
	n.event(transport.PeerDiscovered, "U")
	require.NotContains(t, n.tr.connectCalls(), "U")
	_, err := n.Connect("U")
	require.NoError(t, err)
	require.Contains(t, n.tr.connectCalls(), "U")
}

func TestDialRetriesDoNotKeepPeerAlive(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)
	n.event(transport.PeerDiscovered, "A")
	n.event(transport.ConnectFailed, "A")

	dials := len(n.tr.connectCalls())
	for i := 0; i < 20; i++ {
		clock.Advance(DefaultRetryBackoff)
		n.runTick()
		if got := len(n.tr.connectCalls()); got > dials {
			dials = got
			n.event(transport.ConnectFailed, "A")
		}
	}

	require.GreaterOrEqual(t, dials, 3)
	_, known := n.registry.State("A")
	require.False(t, known, "a peer only reached through failed dials should be purged")
}

func TestReservationTimeoutCountsAsFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)

	n.event(transport.PeerDiscovered, "A")
	require.Equal(t, []string{"A"}, n.tr.connectCalls())
	require.Equal(t, 1, n.PoolStatus().Reserved)

	clock.Advance(pool.DefaultReservationTimeout)
	n.runTick()

	require.Equal(t, 0, n.PoolStatus().Reserved)
	rec, ok := n.Reputation("A")
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.FailedConnections)
	require.Equal(t, 40.0, rec.TrustScore)
	state, _ := n.registry.State("A")
	require.Equal(t, registry.Disconnected, state)
}

func TestConnectFailedReleasesSlot(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)

	n.event(transport.PeerDiscovered, "A")
	n.event(transport.ConnectFailed, "A")
	require.Equal(t, 0, n.PoolStatus().InUse())
	require.Equal(t, 40.0, n.rep.Score("A"))

	// The tick retries only after the backoff.
	n.runTick()
	require.Len(t, n.tr.connectCalls(), 1)
	clock.Advance(DefaultRetryBackoff)
	n.runTick()
	require.Len(t, n.tr.connectCalls(), 2)
}

func TestOverdueEvictionForcesCascade(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, func(c *Config) { c.Pool.Capacity = 1 })

	n.connect("A")
	n.event(transport.PeerDiscovered, "B")
	_, err := n.Connect("B")
	require.NoError(t, err)
	require.Equal(t, 1, n.PoolStatus().Evicting)

	// The transport never reports A gone.
	clock.Advance(pool.DefaultEvictionGrace)
	n.runTick()
	require.Equal(t, 0, n.PoolStatus().Evicting)
	require.False(t, n.registry.IsConnected("A"))
}

func TestEvictingPeerIsNotANextHop(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, func(c *Config) { c.Pool.Capacity = 1 })
	ad := &wire.RouteAdvertisement{Destinations: []wire.Destination{{PeerID: "D", HopCount: 1}}}

	n.connect("A")
	n.message("A", ad)
	require.True(t, n.IsReachable("D"))

	n.event(transport.PeerDiscovered, "B")
	d, err := n.Connect("B")
	require.NoError(t, err)
	require.Equal(t, pool.Preempted, d.Outcome)
	require.True(t, n.pool.IsEvicting("A"))
	require.False(t, n.IsReachable("D"))

	// A is still connected during its grace period, but its offers are ignored.
	clock.Advance(time.Second)
	n.message("A", ad)
	require.False(t, n.IsReachable("D"))
	require.Empty(t, n.NextHops("D"))
}

func TestDisconnectCascade(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)

	n.connect("B")
	n.connect("C")
	n.message("B", &wire.Heartbeat{Term: 5, LeaderID: "B"})
	require.Equal(t, "B", n.Leader())
	require.Equal(t, uint64(5), n.Term())

	n.message("B", &wire.RouteAdvertisement{Destinations: []wire.Destination{{PeerID: "D", HopCount: 1}}})
	require.True(t, n.IsReachable("D"))
	require.Equal(t, "B", n.NextHops("D")[0].PeerID)

	d, err := n.RequestRanging("B", pool.Manual)
	require.NoError(t, err)
	require.Equal(t, pool.Admitted, d.Outcome)

	n.drop("B")

	require.False(t, n.IsReachable("D"))
	require.Empty(t, n.Leader())
	require.True(t, n.Status().Election.ElectionPending)
	require.Equal(t, 1, n.PoolStatus().Occupied)
	require.Equal(t, 0, n.RangingStatus().InUse())
	require.Equal(t, []string{"C"}, n.Status().Connected)
}

// TestElectionAcrossMesh forces an election on X among three mutually
// connected devices.
func TestElectionAcrossMesh(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	net := &fakeNet{nodes: make(map[string]*Mesh)}
	ids := []string{"X", "Y", "Z"}
	nodes := make(map[string]*node)
	for _, id := range ids {
		n := newNode(t, id, clock, nil, nil)
		n.tr.net = net
		net.nodes[id] = n.Mesh
		nodes[id] = n
	}
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				nodes[a].connect(b)
			}
		}
	}

	require.NoError(t, nodes["X"].ForceElection())
	net.pump(clock.Now())

	require.Equal(t, election.Leader, nodes["X"].Status().Election.Role)
	for _, id := range ids {
		require.Equal(t, "X", nodes[id].Leader(), id)
		require.Equal(t, uint64(1), nodes[id].Term(), id)
	}
	require.True(t, nodes["X"].Status().IsLeader())

	// A stale request is refused and answered with the current leader.
	nodes["Y"].message("Z", &wire.VoteRequest{Term: 1, CandidateID: "Z"})
	require.Equal(t, "X", nodes["Y"].Leader())
	replies := nodes["Y"].tr.sentTo("Z")
	require.Equal(t, &wire.Heartbeat{Term: 1, LeaderID: "X", Hops: 1}, replies[len(replies)-1])
	net.pump(clock.Now())
	require.Equal(t, "X", nodes["Z"].Leader())
}

// TestStaleLeaderStepsDown has a leader left behind at term 1 hear back from
// a follower that moved on to term 2.
func TestStaleLeaderStepsDown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	net := &fakeNet{nodes: make(map[string]*Mesh)}
	hub := newNode(t, "hub", clock, nil, nil)
	old := newNode(t, "old", clock, nil, nil)
	for _, n := range []*node{hub, old} {
		n.tr.net = net
		net.nodes[n.ID()] = n.Mesh
	}
	hub.connect("old")
	hub.connect("far")
	old.connect("hub")

	hub.message("far", &wire.Heartbeat{Term: 2, LeaderID: "far"})
	require.NoError(t, old.ForceElection())
	net.queue = nil
	old.message("hub", &wire.VoteGrant{Term: 1, VoterID: "hub"})
	require.Equal(t, election.Leader, old.Status().Election.Role)

	// old's heartbeat reaches hub, which answers with the newer leader.
	hub.message("old", &wire.Heartbeat{Term: 1, LeaderID: "old"})
	net.pump(clock.Now())

	require.Equal(t, election.Follower, old.Status().Election.Role)
	require.Equal(t, "far", old.Leader())
	require.Equal(t, uint64(2), old.Term())
	require.Equal(t, "far", hub.Leader())
}

func TestDisabledMakesNoDecisions(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)
	n.connect("A")

	require.NoError(t, n.SetEnabled(false))
	require.False(t, n.Enabled())
	require.ErrorIs(t, n.ForceElection(), ErrDisabled)
	_, err := n.OptimizeConnections()
	require.ErrorIs(t, err, ErrDisabled)

	n.event(transport.PeerDiscovered, "B")
	require.NotContains(t, n.tr.connectCalls(), "B")

	n.message("A", &wire.RouteAdvertisement{Destinations: []wire.Destination{{PeerID: "D", HopCount: 1}}})
	require.False(t, n.IsReachable("D"))

	// Connections made while disabled are tracked, not admitted.
	n.tr.setLink("B", true)
	n.event(transport.PeerConnected, "B")
	require.True(t, n.registry.IsConnected("B"))
	_, held := n.pool.Holds("B")
	require.False(t, held)

	n.runTick()
	require.Contains(t, n.Recommendations(), "Mesh coordination is disabled; connections and routes are not managed")

	require.NoError(t, n.SetEnabled(true))
	state, held := n.pool.Holds("B")
	require.True(t, held)
	require.Equal(t, pool.Occupied, state)
	require.True(t, n.Status().Election.ElectionPending)
}

func TestOptimizeConnections(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMemStore()
	for id, score := range map[string]float64{"A": 75, "B": 75, "C": 90} {
		store.reputations[id] = reputation.Reputation{PeerID: id, TrustScore: score}
	}
	n := newNode(t, "self", clock, store, func(c *Config) { c.Pool.Capacity = 2 })

	n.connect("A")
	n.connect("B")
	for i := 0; i < 10; i++ {
		require.NoError(t, n.ReportDelivery("B", false))
	}
	require.Equal(t, reputation.Low, reputation.LevelFor(n.rep.Score("B")))

	// C is Trusted like the occupants, so discovery cannot preempt.
	n.event(transport.PeerDiscovered, "C")
	require.NotContains(t, n.tr.connectCalls(), "C")

	swaps, err := n.OptimizeConnections()
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, "B", swaps[0].Evicted)
	require.Equal(t, "C", swaps[0].Admitted)
	require.False(t, swaps[0].Idle)
	require.Contains(t, n.tr.disconnectCalls(), "B")
	require.Contains(t, n.tr.connectCalls(), "C")

	// Both occupants are idle, but E's lead over them is within the margin.
	n.drop("B")
	n.tr.setLink("C", true)
	n.event(transport.PeerConnected, "C")
	n.event(transport.PeerDiscovered, "E")
	for i := 0; i < 8; i++ {
		require.NoError(t, n.ReportDelivery("E", true))
	}
	require.Equal(t, 90.0, n.rep.Score("E"))
	clock.Advance(DefaultIdleTimeout + time.Second)
	swaps, err = n.OptimizeConnections()
	require.NoError(t, err)
	require.Empty(t, swaps)
}

func TestOptimizeKeepsVictimWhenDialFails(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMemStore()
	for id, score := range map[string]float64{"A": 75, "B": 75, "C": 90} {
		store.reputations[id] = reputation.Reputation{PeerID: id, TrustScore: score}
	}
	n := newNode(t, "self", clock, store, func(c *Config) { c.Pool.Capacity = 2 })
	n.connect("A")
	n.connect("B")
	for i := 0; i < 10; i++ {
		require.NoError(t, n.ReportDelivery("B", false))
	}
	n.event(transport.PeerDiscovered, "C")
	n.tr.failConnect("C", errors.New("radio busy"))

	swaps, err := n.OptimizeConnections()
	require.NoError(t, err)
	require.Empty(t, swaps)
	require.Contains(t, n.tr.connectCalls(), "C")
	require.NotContains(t, n.tr.disconnectCalls(), "B")
	state, held := n.pool.Holds("B")
	require.True(t, held)
	require.Equal(t, pool.Occupied, state)
	require.False(t, n.pool.IsEvicting("B"))
	_, held = n.pool.Holds("C")
	require.False(t, held)
	require.Equal(t, 80.0, n.rep.Score("C"))

	n.tr.failConnect("C", nil)
	swaps, err = n.OptimizeConnections()
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	require.Equal(t, "B", swaps[0].Evicted)
	require.Contains(t, n.tr.disconnectCalls(), "B")
}

func TestTermAndReputationPersisted(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMemStore()
	n := newNode(t, "solo", clock, store, nil)

	require.NoError(t, n.ForceElection())
	require.Equal(t, "solo", n.Leader())
	require.Equal(t, uint64(1), store.term)

	n.connect("A")
	require.NoError(t, n.Stop())
	require.Equal(t, 60.0, store.reputations["A"].TrustScore)
	require.ErrorIs(t, n.SetEnabled(false), ErrStopped)

	again := newNode(t, "solo", clock, store, nil)
	require.Equal(t, uint64(1), again.Term())
	require.Equal(t, 60.0, again.rep.Score("A"))
}

func scrape(t *testing.T, g prometheus.Gatherer) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler(g).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestInboundRateLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	reg := prometheus.NewRegistry()
	n := newNode(t, "self", clock, nil, func(c *Config) {
		c.MessageRate = 1
		c.MessageBurst = 2
		c.Metrics = metrics.New(reg, "self")
	})
	n.connect("A")

	for i := 0; i < 5; i++ {
		n.message("A", &wire.Heartbeat{Term: 1, LeaderID: "A"})
	}
	n.message("ghost", &wire.Heartbeat{Term: 9, LeaderID: "ghost"})

	out := scrape(t, reg)
	require.Contains(t, out, `tether_discarded_messages_total{node="self",reason="rate-limited"} 3`)
	require.Contains(t, out, `tether_discarded_messages_total{node="self",reason="not-connected"} 1`)
	require.Contains(t, out, `tether_messages_total{direction="in",kind="Heartbeat",node="self"} 2`)
	require.Equal(t, "A", n.Leader())
}

func TestTickAdvertisesRoutes(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)
	n.connect("A")
	n.connect("B")
	n.message("A", &wire.RouteAdvertisement{Destinations: []wire.Destination{{PeerID: "D", HopCount: 1}}})

	n.runTick()

	var toB *wire.RouteAdvertisement
	for _, d := range n.tr.sent {
		if ad, ok := d.msg.(*wire.RouteAdvertisement); ok && d.to == "B" {
			toB = ad
		}
	}
	require.NotNil(t, toB)
	hops := make(map[string]uint32)
	for _, dest := range toB.Destinations {
		hops[dest.PeerID] = dest.HopCount
	}
	require.Equal(t, uint32(1), hops["A"])
	require.Equal(t, uint32(2), hops["D"])
	_, self := hops["B"]
	require.False(t, self)

	clock.Advance(routingTTL(n) + time.Second)
	n.runTick()
	require.False(t, n.IsReachable("D"))
}

func routingTTL(n *node) time.Duration {
	if n.cfg.Routing.TTL > 0 {
		return n.cfg.Routing.TTL
	}
	return 3 * n.cfg.AdvertisementPeriod
}

func TestNetworkStateAndRecommendations(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, func(c *Config) { c.Pool.Capacity = 1 })

	n.event(transport.PeerDiscovered, "A")
	n.event(transport.ConnectFailed, "A")
	require.NoError(t, n.SetBatteryLevel(0.1))
	n.runTick()

	recs := n.Recommendations()
	require.Contains(t, recs, "Battery low (10%); reduce ranging sessions and discovery")
	require.Contains(t, recs, "No leader elected")
	require.Contains(t, recs, "1 peers available but none connected")

	n.tr.setLink("A", true)
	n.event(transport.PeerConnected, "A")
	n.mu.Lock()
	n.handleEvent(transport.Event{Type: transport.LatencySample, PeerID: "A", Latency: 800 * time.Millisecond}, clock.Now())
	n.mu.Unlock()
	require.NoError(t, n.ReportDelivery("A", false))
	require.NoError(t, n.SetBatteryLevel(2))
	n.runTick()

	st := n.NetworkState()
	require.Equal(t, []string{"A"}, st.ConnectedPeers)
	require.Equal(t, 1.0, st.NetworkLoad)
	require.Equal(t, 1.0, st.BatteryLevel)
	require.Equal(t, 800.0, st.AverageLatencyMs)
	require.True(t, st.TakenAt.Equal(clock.Now()))

	recs = n.Recommendations()
	require.Contains(t, recs, "Connection pool saturated (1/1); consider optimizing connections")
	require.Contains(t, recs, "High average latency (800ms)")
	require.Contains(t, recs, "1 of 1 connected peers have low trust; consider optimizing connections")
}

func TestRangingPoolIndependentOfConnections(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)
	for _, p := range []string{"A", "B", "C"} {
		n.connect(p)
	}

	_, err := n.RequestRanging("ghost", pool.Manual)
	require.True(t, errors.Is(err, ErrNotConnected))

	for _, p := range []string{"A", "B"} {
		d, err := n.RequestRanging(p, pool.Discovered)
		require.NoError(t, err)
		require.Equal(t, pool.Admitted, d.Outcome)
		require.NoError(t, n.ConfirmRanging(p))
	}
	d, err := n.RequestRanging("C", pool.Discovered)
	require.NoError(t, err)
	require.Equal(t, pool.Rejected, d.Outcome)

	d, err = n.RequestRanging("C", pool.Manual)
	require.NoError(t, err)
	require.Equal(t, pool.Preempted, d.Outcome)
	require.NoError(t, n.ConfirmRanging("C"))
	require.ErrorIs(t, n.ConfirmRanging("ghost"), pool.ErrNotReserved)

	released, err := n.EndRanging("C")
	require.NoError(t, err)
	require.True(t, released)
	require.Equal(t, 3, n.PoolStatus().Occupied)
	require.Equal(t, 2, n.cfg.Ranging.Capacity)
}

func TestPeersJoinsComponents(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	n := newNode(t, "self", clock, nil, nil)
	n.connect("A")
	n.event(transport.PeerDiscovered, "B")

	peers := n.Peers()
	require.Len(t, peers, 2)
	require.Equal(t, "A", peers[0].ID)
	require.Equal(t, registry.Connected, peers[0].State)
	require.NotNil(t, peers[0].Slot)
	require.Equal(t, pool.Occupied, *peers[0].Slot)
	require.Equal(t, 60.0, peers[0].TrustScore)
	require.Equal(t, registry.Connecting, peers[1].State)
	require.Equal(t, pool.Reserved, *peers[1].Slot)
}
