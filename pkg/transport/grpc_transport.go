package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/salahayoub/tether/pkg/wire"
)

const (
	defaultDialTimeout = 3 * time.Second
	defaultSendTimeout = 2 * time.Second
)

// GRPCConfig configures a GRPCTransport.
type GRPCConfig struct {
	ID         string
	ListenAddr string
	// AdvertiseAddr is sent to peers in hello frames. Defaults to the
	// listener address.
	AdvertiseAddr string
	// Peers maps peer id to address. Each entry is reported as discovered.
	Peers map[string]string

	DialTimeout time.Duration
	SendTimeout time.Duration
}

// GRPCTransport implements Transport over a unary gRPC Deliver call. A
// connection is a logical link established by a hello frame and torn down by
// a goodbye frame or a failed delivery.
// It is safe for concurrent use by multiple goroutines.
type GRPCTransport struct {
	cfg       GRPCConfig
	localAddr string
	inbox     *inbox

	// Connection pool: map[peerID]*grpc.ClientConn
	connPool sync.Map

	mu     sync.Mutex
	book   map[string]string // peer id -> address
	linked map[string]bool

	server   *grpc.Server
	listener net.Listener

	// Shutdown coordination
	shutdown   chan struct{}
	shutdownMu sync.Mutex
	wg         sync.WaitGroup
}

// NewGRPCTransport listens on cfg.ListenAddr and starts serving.
func NewGRPCTransport(cfg GRPCConfig) (*GRPCTransport, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("grpc transport: empty id")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		cfg:       cfg,
		localAddr: listener.Addr().String(),
		inbox:     newInbox(),
		book:      make(map[string]string),
		linked:    make(map[string]bool),
		listener:  listener,
		shutdown:  make(chan struct{}),
	}
	if t.cfg.AdvertiseAddr == "" {
		t.cfg.AdvertiseAddr = t.localAddr
	}

	t.server = grpc.NewServer(grpc.ForceServerCodec(frameCodec{}))
	t.server.RegisterService(&meshServiceDesc, t)

	go func() {
		_ = t.server.Serve(listener)
	}()

	for id, addr := range cfg.Peers {
		t.AddPeer(id, addr)
	}
	return t, nil
}

// Events returns the inbound event channel.
func (t *GRPCTransport) Events() <-chan Event { return t.inbox.out }

// LocalID returns this device's id.
func (t *GRPCTransport) LocalID() string { return t.cfg.ID }

// LocalAddr returns the address on which this transport listens.
func (t *GRPCTransport) LocalAddr() string { return t.localAddr }

// AddPeer records a peer address and reports it as discovered.
func (t *GRPCTransport) AddPeer(id, addr string) {
	if id == "" || id == t.cfg.ID {
		return
	}
	t.mu.Lock()
	prev, known := t.book[id]
	t.book[id] = addr
	t.mu.Unlock()
	if known && prev != addr {
		t.dropConn(id)
	}
	t.inbox.push(Event{Type: PeerDiscovered, PeerID: id})
}

// Peers returns the address book ids, sorted.
func (t *GRPCTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.book))
	for id := range t.book {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connect sends a hello frame in the background.
func (t *GRPCTransport) Connect(peerID string) error {
	if t.isShutdown() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	_, known := t.book[peerID]
	already := t.linked[peerID]
	t.mu.Unlock()
	if !known {
		return fmt.Errorf("connect %s: %w", peerID, ErrUnknownPeer)
	}
	if already {
		return nil
	}

	t.goDeliver(func() {
		hello := &Frame{From: t.cfg.ID, Kind: FrameHello, Addr: t.cfg.AdvertiseAddr}
		if _, err := t.deliver(peerID, hello, t.cfg.DialTimeout); err != nil {
			t.inbox.push(Event{Type: ConnectFailed, PeerID: peerID})
			t.dropConn(peerID)
			return
		}
		if t.setLinked(peerID, true) {
			t.inbox.push(Event{Type: PeerConnected, PeerID: peerID})
		}
	})
	return nil
}

// Disconnect sends a goodbye frame and reports the link as gone.
func (t *GRPCTransport) Disconnect(peerID string) error {
	if t.isShutdown() {
		return ErrTransportClosed
	}
	if !t.setLinked(peerID, false) {
		return nil
	}
	t.inbox.push(Event{Type: PeerDisconnected, PeerID: peerID})
	t.goDeliver(func() {
		_, _ = t.deliver(peerID, &Frame{From: t.cfg.ID, Kind: FrameGoodbye}, t.cfg.SendTimeout)
	})
	return nil
}

// Send delivers msg to a linked peer in the background. A failed delivery
// is reported as DeliveryResult with OK false followed by PeerDisconnected.
func (t *GRPCTransport) Send(peerID string, msg wire.Message) error {
	if t.isShutdown() {
		return ErrTransportClosed
	}
	if !t.isLinked(peerID) {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	t.goDeliver(func() {
		f := &Frame{From: t.cfg.ID, Kind: FramePayload, Payload: payload}
		rtt, err := t.deliver(peerID, f, t.cfg.SendTimeout)
		if err != nil {
			t.inbox.push(Event{Type: DeliveryResult, PeerID: peerID, OK: false})
			if t.setLinked(peerID, false) {
				t.inbox.push(Event{Type: PeerDisconnected, PeerID: peerID})
			}
			return
		}
		t.inbox.push(Event{Type: LatencySample, PeerID: peerID, Latency: rtt})
	})
	return nil
}

// Broadcast sends msg to every linked peer.
func (t *GRPCTransport) Broadcast(msg wire.Message) error {
	if t.isShutdown() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	peers := make([]string, 0, len(t.linked))
	for id := range t.linked {
		peers = append(peers, id)
	}
	t.mu.Unlock()
	for _, id := range peers {
		_ = t.Send(id, msg)
	}
	return nil
}

// Deliver handles an inbound frame (implements meshServer).
func (t *GRPCTransport) Deliver(ctx context.Context, f *Frame) (*Ack, error) {
	if t.isShutdown() {
		return nil, status.Error(codes.Unavailable, ErrTransportClosed.Error())
	}
	if f.From == "" || f.From == t.cfg.ID {
		return nil, status.Error(codes.InvalidArgument, "bad sender")
	}

	switch f.Kind {
	case FrameHello:
		if f.Addr != "" {
			t.mu.Lock()
			prev, known := t.book[f.From]
			t.book[f.From] = f.Addr
			t.mu.Unlock()
			if !known {
				t.inbox.push(Event{Type: PeerDiscovered, PeerID: f.From})
			} else if prev != f.Addr {
				t.dropConn(f.From)
			}
		}
		if t.setLinked(f.From, true) {
			t.inbox.push(Event{Type: PeerConnected, PeerID: f.From})
		}
	case FrameGoodbye:
		if t.setLinked(f.From, false) {
			t.inbox.push(Event{Type: PeerDisconnected, PeerID: f.From})
		}
	case FramePayload:
		if !t.isLinked(f.From) {
			return nil, status.Error(codes.FailedPrecondition, ErrNotConnected.Error())
		}
		msg, err := wire.Unmarshal(f.Payload)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		t.inbox.push(Event{Type: MessageReceived, PeerID: f.From, Payload: msg})
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown frame kind %d", f.Kind)
	}
	return &Ack{}, nil
}

// deliver performs one Deliver call and returns its round-trip time.
func (t *GRPCTransport) deliver(peerID string, f *Frame, timeout time.Duration) (time.Duration, error) {
	conn, err := t.getOrCreateConn(peerID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	if err := conn.Invoke(ctx, deliverMethod, f, &Ack{}, grpc.ForceCodec(frameCodec{})); err != nil {
		return 0, fmt.Errorf("deliver to %s: %w", peerID, err)
	}
	return time.Since(start), nil
}

// getOrCreateConn returns an existing connection from the pool or creates a new one.
// Uses LoadOrStore to handle the race condition where multiple goroutines try to
// connect to the same peer simultaneously - only one connection is kept.
func (t *GRPCTransport) getOrCreateConn(peerID string) (*grpc.ClientConn, error) {
	if t.isShutdown() {
		return nil, ErrTransportClosed
	}
	if val, ok := t.connPool.Load(peerID); ok {
		return val.(*grpc.ClientConn), nil
	}

	t.mu.Lock()
	addr, ok := t.book[peerID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", peerID, ErrUnknownPeer)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peerID, ErrConnectionFailed)
	}

	actual, loaded := t.connPool.LoadOrStore(peerID, conn)
	if loaded {
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}
	return conn, nil
}

func (t *GRPCTransport) dropConn(peerID string) {
	if val, ok := t.connPool.LoadAndDelete(peerID); ok {
		val.(*grpc.ClientConn).Close()
	}
}

// goDeliver runs fn on a tracked goroutine unless the transport is closing.
func (t *GRPCTransport) goDeliver(fn func()) {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()
	if t.isShutdown() {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// setLinked updates the link state and reports whether it changed.
func (t *GRPCTransport) setLinked(peerID string, up bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.linked[peerID] == up {
		return false
	}
	if up {
		t.linked[peerID] = true
	} else {
		delete(t.linked, peerID)
	}
	return true
}

func (t *GRPCTransport) isLinked(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linked[peerID]
}

func (t *GRPCTransport) isShutdown() bool {
	select {
	case <-t.shutdown:
		return true
	default:
		return false
	}
}

// Close says goodbye to linked peers, stops the gRPC server gracefully,
// closes all pooled connections and closes the event channel. This method is
// safe to call multiple times.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	peers := make([]string, 0, len(t.linked))
	for id := range t.linked {
		peers = append(peers, id)
	}
	t.linked = make(map[string]bool)
	t.mu.Unlock()

	var goodbyes sync.WaitGroup
	for _, id := range peers {
		goodbyes.Add(1)
		go func(id string) {
			defer goodbyes.Done()
			_, _ = t.deliver(id, &Frame{From: t.cfg.ID, Kind: FrameGoodbye}, 500*time.Millisecond)
		}(id)
	}
	goodbyes.Wait()

	t.shutdownMu.Lock()
	select {
	case <-t.shutdown:
		t.shutdownMu.Unlock()
		return nil
	default:
	}
	close(t.shutdown)
	t.shutdownMu.Unlock()

	t.wg.Wait()

	// Stop gRPC server gracefully (this also closes the listener)
	if t.server != nil {
		t.server.GracefulStop()
	}

	t.connPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		t.connPool.Delete(key)
		return true
	})

	t.inbox.close()
	return nil
}

// Compile-time check that GRPCTransport implements Transport interface.
var _ Transport = (*GRPCTransport)(nil)
