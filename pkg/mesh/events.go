package mesh

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/salahayoub/tether/pkg/election"
	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/reputation"
	"github.com/salahayoub/tether/pkg/transport"
	"github.com/salahayoub/tether/pkg/wire"
)

// Pool labels used in metrics and logs.
const (
	connectionPool = "connection"
	rangingPool    = "ranging"
)

// handleEvent applies one transport event. Callers hold m.mu.
func (m *Mesh) handleEvent(ev transport.Event, now time.Time) {
	if ev.PeerID == "" || ev.PeerID == m.cfg.ID {
		return
	}
	switch ev.Type {
	case transport.PeerDiscovered:
		m.onDiscovered(ev.PeerID, now)
	case transport.PeerConnected:
		m.onConnected(ev.PeerID, now)
	case transport.PeerDisconnected:
		m.onDisconnected(ev.PeerID, now)
	case transport.ConnectFailed:
		m.onConnectFailed(ev.PeerID, now)
	case transport.DeliveryResult:
		m.recordDelivery(ev.PeerID, ev.OK, now)
	case transport.LatencySample:
		m.onLatency(ev.PeerID, ev.Latency)
	case transport.MessageReceived:
		m.onMessage(ev.PeerID, ev.Payload, now)
	}
	m.persistTerm()
}

func (m *Mesh) onDiscovered(peer string, now time.Time) {
	if m.registry.OnDiscovered(peer, now) {
		m.log.Printf("[mesh %s] discovered %s", m.cfg.ID, peer)
	}
	m.rep.Touch(peer, now)
	if m.enabled && m.mayDial(peer, now) {
		m.admit(peer, m.priorityFor(peer), now)
	}
}

// mayDial reports whether the mesh may dial peer on its own initiative: its
// last attempt is older than the retry backoff and it is not Untrusted,
// unless the user asked for it.
func (m *Mesh) mayDial(peer string, now time.Time) bool {
	if last, ok := m.lastAttempt[peer]; ok && now.Sub(last) < m.cfg.RetryBackoff {
		return false
	}
	return m.manual[peer] || reputation.LevelFor(m.rep.Score(peer)) != reputation.Untrusted
}

// admit asks the connection pool for a slot and starts connecting on
// success. A peer that is connected, connecting or being evicted is left
// alone.
func (m *Mesh) admit(peer string, priority pool.Priority, now time.Time) pool.Decision {
	if _, held := m.pool.Holds(peer); held || m.pool.IsEvicting(peer) || m.registry.IsConnected(peer) {
		return pool.Decision{Outcome: pool.Admitted}
	}
	d := m.pool.RequestSlot(peer, priority, now)
	m.metrics.Admission(connectionPool, d.Outcome.String())
	switch d.Outcome {
	case pool.Rejected:
		return d
	case pool.Preempted:
		m.log.Printf("[mesh %s] evicting %s in favor of %s (%s)", m.cfg.ID, d.Evicted, peer, priority)
		m.evict(d.Evicted)
	}
	m.lastAttempt[peer] = now
	m.registry.OnConnecting(peer, now)
	if err := m.trans.Connect(peer); err != nil {
		m.log.Printf("[mesh %s] connect to %s failed: %v", m.cfg.ID, peer, err)
		m.onConnectFailed(peer, now)
	}
	return d
}

// onConnected tracks a new connection. Only a connection that is kept
// counts as a ConnectSuccess, and only once per connection.
func (m *Mesh) onConnected(peer string, now time.Time) {
	changed := m.registry.OnConnected(peer, now)
	delete(m.lastAttempt, peer)

	if m.enabled && !m.placeConnected(peer, now) {
		return
	}
	if changed {
		m.rep.RecordOutcome(peer, reputation.ConnectSuccess, now)
		m.reputationSave = true
		m.log.Printf("[mesh %s] connected to %s", m.cfg.ID, peer)
	}
	if _, ok := m.limiters[peer]; !ok {
		m.limiters[peer] = rate.NewLimiter(rate.Limit(m.cfg.MessageRate), m.cfg.MessageBurst)
	}
	m.routes.Remove(peer)
	m.syncElection(now)
}

// placeConnected makes sure a connected peer holds an Occupied slot. An
// inbound connection is admitted like a discovery; a rejected one is
// disconnected and placeConnected returns false.
func (m *Mesh) placeConnected(peer string, now time.Time) bool {
	if state, held := m.pool.Holds(peer); held {
		if state == pool.Reserved {
			if err := m.pool.Confirm(peer, now); err != nil {
				m.log.Printf("[mesh %s] confirm %s: %v", m.cfg.ID, peer, err)
			}
		}
		return true
	}
	if m.pool.IsEvicting(peer) {
		return true
	}
	d := m.pool.RequestSlot(peer, m.priorityFor(peer), now)
	m.metrics.Admission(connectionPool, d.Outcome.String())
	switch d.Outcome {
	case pool.Rejected:
		m.log.Printf("[mesh %s] no slot for inbound %s, disconnecting", m.cfg.ID, peer)
		m.disconnect(peer)
		return false
	case pool.Preempted:
		m.log.Printf("[mesh %s] evicting %s in favor of inbound %s", m.cfg.ID, d.Evicted, peer)
		m.evict(d.Evicted)
	}
	if err := m.pool.Confirm(peer, now); err != nil {
		m.log.Printf("[mesh %s] confirm %s: %v", m.cfg.ID, peer, err)
	}
	return true
}

func (m *Mesh) onDisconnected(peer string, now time.Time) {
	if m.registry.OnDisconnected(peer, now) {
		m.log.Printf("[mesh %s] disconnected from %s", m.cfg.ID, peer)
	}
	m.cascade(peer, now)
}

// cascade removes every trace of a peer that is no longer connected: its
// connection and ranging slots, routes through it, its inbound budget and
// its place in the election's connected set.
func (m *Mesh) cascade(peer string, now time.Time) {
	m.pool.Release(peer)
	if m.ranging.Release(peer) {
		m.log.Printf("[mesh %s] ranging session with %s ended", m.cfg.ID, peer)
	}
	if lost := m.routes.RemoveNextHop(peer); len(lost) > 0 {
		m.log.Printf("[mesh %s] lost %d routes through %s", m.cfg.ID, len(lost), peer)
	}
	delete(m.limiters, peer)
	delete(m.latency, peer)
	m.syncElection(now)
}

func (m *Mesh) onConnectFailed(peer string, now time.Time) {
	m.registry.OnDialFailed(peer)
	m.lastAttempt[peer] = now
	m.rep.RecordOutcome(peer, reputation.ConnectFailure, now)
	m.reputationSave = true
	m.pool.Release(peer)
	m.ranging.Release(peer)
}

func (m *Mesh) recordDelivery(peer string, ok bool, now time.Time) {
	outcome := reputation.DeliverySuccess
	if !ok {
		outcome = reputation.DeliveryFailure
	}
	m.rep.RecordOutcome(peer, outcome, now)
	m.reputationSave = true
}

func (m *Mesh) onLatency(peer string, d time.Duration) {
	if d <= 0 || !m.registry.IsConnected(peer) {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	if prev, ok := m.latency[peer]; ok {
		ms = prev*(1-latencyWeight) + ms*latencyWeight
	}
	m.latency[peer] = ms
}

func (m *Mesh) onMessage(from string, msg wire.Message, now time.Time) {
	if msg == nil {
		return
	}
	kind := msg.Kind().String()
	if !m.registry.IsConnected(from) {
		m.metrics.Discarded("not-connected")
		return
	}
	if lim, ok := m.limiters[from]; ok && !lim.AllowN(now, 1) {
		m.metrics.Discarded("rate-limited")
		return
	}
	m.registry.Touch(from, now)
	m.rep.Touch(from, now)
	m.metrics.Message("in", kind)
	if !m.enabled {
		m.metrics.Discarded("disabled")
		return
	}

	switch p := msg.(type) {
	case *wire.VoteRequest:
		// A stale request is refused but may still be answered with the
		// current leader.
		if p.Term <= m.election.Term() {
			m.metrics.Discarded("stale")
		}
		m.send(m.election.HandleVoteRequest(from, p, now))
	case *wire.VoteGrant:
		m.send(m.election.HandleVoteGrant(from, p, now))
	case *wire.Heartbeat:
		if p.Term < m.election.Term() {
			m.metrics.Discarded("stale")
		}
		m.send(m.election.HandleHeartbeat(from, p, now))
	case *wire.RouteAdvertisement:
		m.routes.ApplyAdvertisement(from, p, m.isDirect, now)
	}
}

// isDirect reports whether peer can serve as a next hop: connected and not
// on its way out of the connection pool.
func (m *Mesh) isDirect(peer string) bool {
	return m.registry.IsConnected(peer) && !m.pool.IsEvicting(peer)
}

// send delivers election output fire-and-forget.
func (m *Mesh) send(out []election.Outbound) {
	for _, o := range out {
		var err error
		if o.To == "" {
			err = m.trans.Broadcast(o.Payload)
		} else {
			err = m.trans.Send(o.To, o.Payload)
		}
		if err != nil {
			continue
		}
		m.metrics.Message("out", o.Payload.Kind().String())
	}
}

// disconnect asks the transport to tear down a connection. The cascade runs
// when PeerDisconnected arrives, or from the tick once an eviction is
// overdue.
func (m *Mesh) disconnect(peer string) {
	if err := m.trans.Disconnect(peer); err != nil {
		m.log.Printf("[mesh %s] disconnect %s: %v", m.cfg.ID, peer, err)
	}
}

// evict tears down a peer whose slot is now Evicting. Routes through it are
// dropped at once since it no longer counts as a direct peer.
func (m *Mesh) evict(peer string) {
	m.routes.RemoveNextHop(peer)
	m.disconnect(peer)
}

// syncElection hands the current connected set to the election.
func (m *Mesh) syncElection(now time.Time) {
	if !m.enabled {
		return
	}
	m.election.SetConnected(m.registry.Snapshot().Connected, now)
}

// priorityFor derives the admission priority of a peer from explicit user
// requests and its trust level.
func (m *Mesh) priorityFor(peer string) pool.Priority {
	if m.manual[peer] {
		return pool.Manual
	}
	switch reputation.LevelFor(m.rep.Score(peer)) {
	case reputation.Trusted, reputation.Verified:
		return pool.Trusted
	case reputation.Untrusted:
		return pool.Background
	default:
		return pool.Discovered
	}
}
