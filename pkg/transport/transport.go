// Package transport connects the mesh core to the radio layer. It defines the
// Transport interface, the events a transport reports, and two
// implementations: an in-memory radio network for tests and simulation, and
// a gRPC transport for real multi-process meshes.
//
// Thread Safety: Implementations of Transport must be safe for concurrent use
// by multiple goroutines. No method blocks on the network: connection set-up
// and message delivery complete asynchronously and report back as events.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/salahayoub/tether/pkg/wire"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrConnectionFailed is returned when a connection to a peer cannot be established.
	ErrConnectionFailed = errors.New("failed to connect to peer")
	// ErrUnknownPeer is returned when the peer id has no known address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNotConnected is returned when sending to a peer without a live connection.
	ErrNotConnected = errors.New("peer is not connected")
)

// EventType identifies what an Event reports.
type EventType int

const (
	PeerDiscovered EventType = iota
	PeerConnected
	PeerDisconnected
	MessageReceived
	ConnectFailed
	DeliveryResult
	LatencySample
)

// String returns a human-readable representation of the EventType.
func (t EventType) String() string {
	switch t {
	case PeerDiscovered:
		return "PeerDiscovered"
	case PeerConnected:
		return "PeerConnected"
	case PeerDisconnected:
		return "PeerDisconnected"
	case MessageReceived:
		return "MessageReceived"
	case ConnectFailed:
		return "ConnectFailed"
	case DeliveryResult:
		return "DeliveryResult"
	case LatencySample:
		return "LatencySample"
	default:
		return "Unknown"
	}
}

// Event is reported by a transport on its Events channel.
type Event struct {
	Type   EventType
	PeerID string

	Payload wire.Message  // MessageReceived
	OK      bool          // DeliveryResult
	Latency time.Duration // LatencySample
}

// Transport is the radio layer as seen by the mesh orchestrator.
type Transport interface {
	// Events returns the channel of inbound events. It is closed by Close.
	Events() <-chan Event

	// LocalID returns this device's peer id.
	LocalID() string

	// Connect starts establishing a connection. The outcome is reported as
	// PeerConnected or ConnectFailed.
	Connect(peerID string) error

	// Disconnect tears down a connection. PeerDisconnected is reported if a
	// connection existed.
	Disconnect(peerID string) error

	// Send queues msg for a connected peer.
	Send(peerID string, msg wire.Message) error

	// Broadcast queues msg for every connected peer.
	Broadcast(msg wire.Message) error

	// Close shuts down the transport and releases all resources.
	Close() error
}

// inbox is an unbounded, ordered event queue feeding a channel. push never
// blocks, so transports can report events from any goroutine, including the
// consumer's own.
type inbox struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	closed chan struct{}
	once   sync.Once
}

func newInbox() *inbox {
	b := &inbox{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		closed: make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *inbox) push(ev Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) pump() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			select {
			case <-b.signal:
				continue
			case <-b.closed:
				return
			}
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.out <- ev:
		case <-b.closed:
			return
		}
	}
}

func (b *inbox) close() {
	b.once.Do(func() { close(b.closed) })
}
