// Package mesh implements the coordination core of a device in an ad hoc
// mesh: it consumes transport events, decides which peers hold connection
// slots, runs leader election among connected peers and maintains the
// multi-hop routing table.
//
// # Thread Safety Guarantees
//
// Mesh is safe for concurrent use by multiple goroutines. All state changes
// happen on a single goroutine running the main loop, which selects over the
// stop channel, the coordination ticker, the transport event channel and a
// command channel. Public commands are closures executed by that loop; public
// reads acquire a read lock and return copies.
//
// Commands issued before Start, or on a Mesh that was never started, run
// inline under the write lock.
//
// File Organization:
//   - mesh.go: Config, Mesh struct, New, Start/Stop, main loop, command plumbing
//   - events.go: transport event handling and the disconnect cascade
//   - tick.go: the coordination tick
//   - commands.go: public commands (enable, elections, optimize, ranging)
//   - state.go: public reads, network snapshot and recommendations
package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/salahayoub/tether/pkg/election"
	"github.com/salahayoub/tether/pkg/metrics"
	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/registry"
	"github.com/salahayoub/tether/pkg/reputation"
	"github.com/salahayoub/tether/pkg/routing"
	"github.com/salahayoub/tether/pkg/transport"
)

// Sentinel errors for mesh operations.
var (
	ErrStopped      = errors.New("mesh is stopped")
	ErrDisabled     = errors.New("mesh coordination is disabled")
	ErrNotConnected = errors.New("peer is not connected")
	ErrUnknownPeer  = errors.New("unknown peer")
)

// Logger is the logging surface used by the mesh. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// StateStore persists the state that must survive restarts.
// storage.BoltStore implements it.
type StateStore interface {
	LoadTerm() (uint64, error)
	SaveTerm(term uint64) error
	LoadReputations() ([]reputation.Reputation, error)
	SaveReputations(records []reputation.Reputation) error
}

// Default orchestrator settings.
const (
	DefaultTickInterval    = time.Second
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultOptimizeMargin  = 10.0
	DefaultDecayInterval   = 30 * time.Second
	DefaultPersistInterval = 30 * time.Second
	DefaultRetryBackoff    = 10 * time.Second
	DefaultRangingCapacity = 2
	DefaultMessageRate     = 20.0
	DefaultMessageBurst    = 40

	// latencyWeight is the EWMA weight of a new latency sample.
	latencyWeight = 0.2
)

// Config holds the configuration of one mesh node.
type Config struct {
	ID string // This device's peer id; must match the transport's LocalID

	TickInterval        time.Duration // Coordination tick period
	AdvertisementPeriod time.Duration // Route advertisement period
	IdleTimeout         time.Duration // Occupants silent this long are optimization victims
	OptimizeMargin      float64       // Score advantage a candidate needs over its victim
	DecayInterval       time.Duration // Period of reputation decay toward neutral
	PersistInterval     time.Duration // Period of reputation persistence
	RetryBackoff        time.Duration // Minimum delay between connection attempts to one peer

	// MessageRate and MessageBurst bound inbound protocol messages per peer.
	// Excess messages are discarded.
	MessageRate  float64
	MessageBurst int

	Pool        pool.Config // Connection pool
	Ranging     pool.Config // UWB ranging session pool
	Election    election.Config
	Routing     routing.Config
	Reputation  reputation.Config
	RegistryTTL time.Duration

	// Start disabled; SetEnabled(true) turns coordination on.
	StartDisabled bool

	Now     func() time.Time // Clock; defaults to time.Now
	Rand    *rand.Rand       // Election jitter source; nil seeds from the clock
	Logger  Logger           // Defaults to a no-op logger
	Metrics *metrics.Metrics // May be nil
}

// DefaultConfig returns the defaults for the given device id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                  id,
		TickInterval:        DefaultTickInterval,
		AdvertisementPeriod: routing.DefaultAdvertisementPeriod,
		IdleTimeout:         DefaultIdleTimeout,
		OptimizeMargin:      DefaultOptimizeMargin,
		DecayInterval:       DefaultDecayInterval,
		PersistInterval:     DefaultPersistInterval,
		RetryBackoff:        DefaultRetryBackoff,
		MessageRate:         DefaultMessageRate,
		MessageBurst:        DefaultMessageBurst,
		Pool:                pool.DefaultConfig(),
		Ranging: pool.Config{
			Capacity:           DefaultRangingCapacity,
			ReservationTimeout: pool.DefaultReservationTimeout,
			EvictionGrace:      pool.DefaultEvictionGrace,
		},
		Election:    election.DefaultConfig(id),
		Routing:     routing.DefaultConfig(id),
		Reputation:  reputation.DefaultConfig(),
		RegistryTTL: registry.DefaultTTL,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig(c.ID)
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.AdvertisementPeriod <= 0 {
		c.AdvertisementPeriod = def.AdvertisementPeriod
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.OptimizeMargin <= 0 {
		c.OptimizeMargin = def.OptimizeMargin
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = def.DecayInterval
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = def.PersistInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MessageRate <= 0 {
		c.MessageRate = def.MessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = def.MessageBurst
	}
	if c.Ranging.Capacity <= 0 {
		c.Ranging.Capacity = def.Ranging.Capacity
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = def.RegistryTTL
	}
	c.Election.ID = c.ID
	c.Routing.Self = c.ID
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return c
}

// Mesh is the orchestrator of one device.
type Mesh struct {
	cfg     Config
	trans   transport.Transport
	store   StateStore
	log     Logger
	metrics *metrics.Metrics
	now     func() time.Time

	registry *registry.Registry
	rep      *reputation.Manager
	pool     *pool.Pool
	ranging  *pool.Pool
	routes   *routing.Table
	election *election.Election

	mu sync.RWMutex

	enabled        bool
	battery        float64
	latency        map[string]float64       // Peer -> EWMA latency in ms
	limiters       map[string]*rate.Limiter // Inbound message budget per connected peer
	manual         map[string]bool          // Peers the user asked to connect
	lastAttempt    map[string]time.Time     // Last outbound connection attempt
	persistedTerm  uint64
	lastAdvertised time.Time
	lastDecay      time.Time
	lastPersist    time.Time
	reputationSave bool // Reputation changed since the last persist
	netState       NetworkState

	cmdChan  chan func()
	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
	stopped  bool
	stopOnce sync.Once
}

// New creates a mesh node over trans. store may be nil, in which case nothing
// is persisted. The persisted term and reputation records are loaded here.
func New(cfg Config, trans transport.Transport, store StateStore) (*Mesh, error) {
	if trans == nil {
		return nil, errors.New("mesh: transport is required")
	}
	if cfg.ID == "" {
		cfg.ID = trans.LocalID()
	}
	if cfg.ID != trans.LocalID() {
		return nil, fmt.Errorf("mesh: config id %q does not match transport id %q", cfg.ID, trans.LocalID())
	}
	cfg = cfg.withDefaults()

	rep := reputation.NewManager(cfg.Reputation)
	var term uint64
	if store != nil {
		t, err := store.LoadTerm()
		if err != nil {
			return nil, fmt.Errorf("failed to load term: %w", err)
		}
		term = t
		records, err := store.LoadReputations()
		if err != nil {
			return nil, fmt.Errorf("failed to load reputations: %w", err)
		}
		rep.Restore(records)
	}

	now := cfg.Now()
	m := &Mesh{
		cfg:           cfg,
		trans:         trans,
		store:         store,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		registry:      registry.New(cfg.RegistryTTL),
		rep:           rep,
		pool:          pool.New(cfg.Pool, rep),
		ranging:       pool.New(cfg.Ranging, rep),
		routes:        routing.New(cfg.Routing, rep),
		election:      election.New(cfg.Election, term, cfg.Rand),
		enabled:       !cfg.StartDisabled,
		battery:       1,
		latency:       make(map[string]float64),
		limiters:      make(map[string]*rate.Limiter),
		manual:        make(map[string]bool),
		lastAttempt:   make(map[string]time.Time),
		persistedTerm: term,
		lastDecay:     now,
		lastPersist:   now,
		cmdChan:       make(chan func()),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
	m.netState = m.computeNetworkState(now)
	return m, nil
}

// ID returns this device's peer id.
func (m *Mesh) ID() string { return m.cfg.ID }

// Start runs the main loop until Stop is called or ctx is done.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return nil
	}
	m.running = true
	if m.enabled {
		m.election.Schedule(m.now())
	}
	go m.run(ctx)
	return nil
}

// Stop shuts down the main loop and persists the term and reputation records.
// It does not close the transport.
func (m *Mesh) Stop() error {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.stopped = true
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopChan) })
	if wasRunning {
		<-m.doneChan
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistTerm()
	return m.persistReputations(m.now())
}

// run is the main loop that handles every state change through a select
// statement.
func (m *Mesh) run(ctx context.Context) {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	events := m.trans.Events()

	for {
		select {
		case <-m.stopChan:
			return

		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.stopped = true
			m.mu.Unlock()
			return

		case <-ticker.C:
			m.mu.Lock()
			m.tick(m.now())
			m.mu.Unlock()

		case ev, ok := <-events:
			if !ok {
				m.log.Printf("[mesh %s] transport event channel closed", m.cfg.ID)
				events = nil
				continue
			}
			m.mu.Lock()
			m.handleEvent(ev, m.now())
			m.mu.Unlock()

		case cmd := <-m.cmdChan:
			m.mu.Lock()
			cmd()
			m.mu.Unlock()
		}
	}
}

// exec runs fn with the write lock held: on the main loop when it is
// running, inline otherwise.
func (m *Mesh) exec(fn func()) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if !m.running {
		fn()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	done := make(chan struct{})
	select {
	case m.cmdChan <- func() { fn(); close(done) }:
	case <-m.doneChan:
		return ErrStopped
	}
	<-done
	return nil
}

// persistTerm saves the election term when it changed.
func (m *Mesh) persistTerm() {
	term := m.election.Term()
	if m.store == nil || term == m.persistedTerm {
		return
	}
	if err := m.store.SaveTerm(term); err != nil {
		m.log.Printf("[mesh %s] failed to persist term %d: %v", m.cfg.ID, term, err)
		return
	}
	m.persistedTerm = term
}

func (m *Mesh) persistReputations(now time.Time) error {
	m.lastPersist = now
	if m.store == nil || !m.reputationSave {
		return nil
	}
	if err := m.store.SaveReputations(m.rep.Snapshot()); err != nil {
		return fmt.Errorf("failed to persist reputations: %w", err)
	}
	m.reputationSave = false
	return nil
}
