package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/salahayoub/tether/pkg/wire"
)

type link struct{ a, b string }

func makeLink(x, y string) link {
	if x > y {
		x, y = y, x
	}
	return link{x, y}
}

// MemoryNetwork simulates a radio neighbourhood inside one process. Devices
// join the network, come in and out of each other's radio range, and connect
// only to peers in range. Payloads are encoded and decoded on every hop.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	inRange   map[link]bool
	links     map[link]bool
	latency   time.Duration
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		inRange:   make(map[link]bool),
		links:     make(map[link]bool),
	}
}

// SetLatency makes every Send report a LatencySample of d to the sender.
func (n *MemoryNetwork) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// Join adds a device to the network. Joining an existing id returns an error.
func (n *MemoryNetwork) Join(id string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, fmt.Errorf("join %s: id already in use", id)
	}
	t := &MemoryTransport{id: id, net: n, inbox: newInbox()}
	n.endpoints[id] = t
	return t, nil
}

// SetInRange moves two devices in or out of radio range. Coming into range
// reports PeerDiscovered to both; leaving range drops their connection.
func (n *MemoryNetwork) SetInRange(a, b string, in bool) {
	n.mu.Lock()
	ta, tb := n.endpoints[a], n.endpoints[b]
	if ta == nil || tb == nil || a == b {
		n.mu.Unlock()
		return
	}
	l := makeLink(a, b)
	was := n.inRange[l]
	n.inRange[l] = in
	dropped := false
	if !in && n.links[l] {
		delete(n.links, l)
		dropped = true
	}
	n.mu.Unlock()

	switch {
	case in && !was:
		ta.inbox.push(Event{Type: PeerDiscovered, PeerID: b})
		tb.inbox.push(Event{Type: PeerDiscovered, PeerID: a})
	case dropped:
		ta.inbox.push(Event{Type: PeerDisconnected, PeerID: b})
		tb.inbox.push(Event{Type: PeerDisconnected, PeerID: a})
	}
}

// SetAllInRange puts every joined device in range of every other.
func (n *MemoryNetwork) SetAllInRange() {
	ids := n.IDs()
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			n.SetInRange(ids[i], ids[j], true)
		}
	}
}

// IDs returns the joined device ids, sorted.
func (n *MemoryNetwork) IDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.endpoints))
	for id := range n.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Linked reports whether a and b hold a connection.
func (n *MemoryNetwork) Linked(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[makeLink(a, b)]
}

// MemoryTransport is one device's endpoint on a MemoryNetwork.
type MemoryTransport struct {
	id    string
	net   *MemoryNetwork
	inbox *inbox

	mu     sync.Mutex
	closed bool
}

// Events returns the inbound event channel.
func (t *MemoryTransport) Events() <-chan Event { return t.inbox.out }

// LocalID returns the device id.
func (t *MemoryTransport) LocalID() string { return t.id }

// Connect links to a peer in radio range.
func (t *MemoryTransport) Connect(peerID string) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	n := t.net
	n.mu.Lock()
	peer := n.endpoints[peerID]
	if peer == nil {
		n.mu.Unlock()
		return fmt.Errorf("connect %s: %w", peerID, ErrUnknownPeer)
	}
	l := makeLink(t.id, peerID)
	if !n.inRange[l] {
		n.mu.Unlock()
		t.inbox.push(Event{Type: ConnectFailed, PeerID: peerID})
		return nil
	}
	if n.links[l] {
		n.mu.Unlock()
		return nil
	}
	n.links[l] = true
	n.mu.Unlock()

	t.inbox.push(Event{Type: PeerConnected, PeerID: peerID})
	peer.inbox.push(Event{Type: PeerConnected, PeerID: t.id})
	return nil
}

// Disconnect drops the link to peerID, if any.
func (t *MemoryTransport) Disconnect(peerID string) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	n := t.net
	n.mu.Lock()
	l := makeLink(t.id, peerID)
	peer := n.endpoints[peerID]
	if !n.links[l] {
		n.mu.Unlock()
		return nil
	}
	delete(n.links, l)
	n.mu.Unlock()

	t.inbox.push(Event{Type: PeerDisconnected, PeerID: peerID})
	if peer != nil {
		peer.inbox.push(Event{Type: PeerDisconnected, PeerID: t.id})
	}
	return nil
}

// Send delivers msg to a linked peer.
func (t *MemoryTransport) Send(peerID string, msg wire.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	b, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	n := t.net
	n.mu.Lock()
	peer := n.endpoints[peerID]
	linked := n.links[makeLink(t.id, peerID)]
	latency := n.latency
	n.mu.Unlock()
	if peer == nil || !linked {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}

	decoded, err := wire.Unmarshal(b)
	if err != nil {
		t.inbox.push(Event{Type: DeliveryResult, PeerID: peerID, OK: false})
		return nil
	}
	peer.inbox.push(Event{Type: MessageReceived, PeerID: t.id, Payload: decoded})
	if latency > 0 {
		t.inbox.push(Event{Type: LatencySample, PeerID: peerID, Latency: latency})
	}
	return nil
}

// Broadcast sends msg to every linked peer.
func (t *MemoryTransport) Broadcast(msg wire.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	for _, peer := range t.linkedPeers() {
		_ = t.Send(peer, msg)
	}
	return nil
}

// Close leaves the network, dropping every link.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	n := t.net
	n.mu.Lock()
	var peers []*MemoryTransport
	for l := range n.links {
		if l.a != t.id && l.b != t.id {
			continue
		}
		delete(n.links, l)
		other := l.a
		if other == t.id {
			other = l.b
		}
		if p := n.endpoints[other]; p != nil {
			peers = append(peers, p)
		}
	}
	for l := range n.inRange {
		if l.a == t.id || l.b == t.id {
			delete(n.inRange, l)
		}
	}
	delete(n.endpoints, t.id)
	n.mu.Unlock()

	for _, p := range peers {
		p.inbox.push(Event{Type: PeerDisconnected, PeerID: t.id})
	}
	t.inbox.close()
	return nil
}

func (t *MemoryTransport) linkedPeers() []string {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for l := range n.links {
		switch t.id {
		case l.a:
			out = append(out, l.b)
		case l.b:
			out = append(out, l.a)
		}
	}
	sort.Strings(out)
	return out
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Compile-time check that MemoryTransport implements Transport interface.
var _ Transport = (*MemoryTransport)(nil)
