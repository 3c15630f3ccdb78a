package mesh

import (
	"sort"
	"time"
)

// tick runs one coordination round. Every timeout in the mesh is a deadline
// checked here. Callers hold m.mu.
func (m *Mesh) tick(now time.Time) {
	start := time.Now()

	m.expireSlots(now)
	for _, peer := range m.registry.Purge(now) {
		delete(m.lastAttempt, peer)
		delete(m.manual, peer)
	}

	if m.enabled {
		termBefore := m.election.Term()
		out := m.election.Tick(now)
		if m.election.Term() > termBefore && m.election.State().VotedFor == m.cfg.ID {
			m.metrics.ElectionStarted()
			m.log.Printf("[mesh %s] starting election for term %d", m.cfg.ID, m.election.Term())
		}
		m.send(out)

		for _, dest := range m.routes.Expire(now) {
			m.log.Printf("[mesh %s] route to %s expired", m.cfg.ID, dest)
		}
		if now.Sub(m.lastAdvertised) >= m.cfg.AdvertisementPeriod {
			m.advertise()
			m.lastAdvertised = now
		}
		m.fillSlots(now)
	}

	if now.Sub(m.lastDecay) >= m.cfg.DecayInterval {
		m.rep.Decay(now)
		m.lastDecay = now
		m.reputationSave = true
	}
	m.persistTerm()
	if now.Sub(m.lastPersist) >= m.cfg.PersistInterval {
		if err := m.persistReputations(now); err != nil {
			m.log.Printf("[mesh %s] %v", m.cfg.ID, err)
		}
	}

	m.netState = m.computeNetworkState(now)
	m.record()
	m.metrics.Tick(time.Since(start))
}

// expireSlots resolves reservation and eviction deadlines in both pools.
func (m *Mesh) expireSlots(now time.Time) {
	expired, overdue := m.pool.Expire(now)
	for _, peer := range expired {
		m.log.Printf("[mesh %s] reservation for %s timed out", m.cfg.ID, peer)
		m.disconnect(peer)
		m.onConnectFailed(peer, now)
	}
	for _, peer := range overdue {
		// The transport never confirmed the teardown; force it locally.
		m.log.Printf("[mesh %s] eviction of %s overdue, dropping", m.cfg.ID, peer)
		m.disconnect(peer)
		m.registry.OnDisconnected(peer, now)
		m.cascade(peer, now)
	}

	expired, overdue = m.ranging.Expire(now)
	for _, peer := range append(expired, overdue...) {
		m.log.Printf("[mesh %s] ranging slot for %s released", m.cfg.ID, peer)
	}
}

// advertise sends every connected peer its split-horizon view of the
// routing table.
func (m *Mesh) advertise() {
	direct := m.registry.Snapshot().Connected
	for _, peer := range direct {
		ad := m.routes.Advertisement(peer, direct)
		if err := m.trans.Send(peer, ad); err != nil {
			continue
		}
		m.metrics.Message("out", ad.Kind().String())
	}
}

// fillSlots uses free connection slots for known peers that are neither
// connected nor connecting, best reputation first. It never preempts.
func (m *Mesh) fillSlots(now time.Time) {
	if m.pool.Status().Available == 0 {
		return
	}
	var candidates []string
	for _, peer := range m.registry.Snapshot().Available {
		if _, held := m.pool.Holds(peer); held || m.pool.IsEvicting(peer) {
			continue
		}
		if !m.mayDial(peer, now) {
			continue
		}
		candidates = append(candidates, peer)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := m.rep.Score(candidates[i]), m.rep.Score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i] < candidates[j]
	})
	for _, peer := range candidates {
		if m.pool.Status().Available == 0 {
			return
		}
		m.admit(peer, m.priorityFor(peer), now)
	}
}

// record publishes the current state to metrics.
func (m *Mesh) record() {
	if m.metrics == nil {
		return
	}
	st := m.pool.Status()
	m.metrics.PoolStatus(connectionPool, st.Occupied, st.Reserved, st.Available)
	rs := m.ranging.Status()
	m.metrics.PoolStatus(rangingPool, rs.Occupied, rs.Reserved, rs.Available)

	snap := m.registry.Snapshot()
	m.metrics.Peers(len(snap.Connected), len(snap.Available))
	m.metrics.Routes(m.routes.Len())
	m.metrics.Election(m.election.Term(), m.election.Leader() == m.cfg.ID)
	for _, peer := range snap.Connected {
		m.metrics.TrustScore(peer, m.rep.Score(peer))
	}
	m.metrics.AverageLatency(m.netState.AverageLatencyMs)
	m.metrics.Recommendations(len(m.recommendations()))
}
