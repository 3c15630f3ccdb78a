// Package main provides the tether daemon. It runs one mesh node over gRPC,
// or several simulated nodes over an in-memory radio, and exposes them
// through the HTTP API or the terminal dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/salahayoub/tether/pkg/mesh"
	"github.com/salahayoub/tether/pkg/metrics"
	"github.com/salahayoub/tether/pkg/storage"
	"github.com/salahayoub/tether/pkg/transport"
	"github.com/salahayoub/tether/pkg/tui"
)

const (
	// stateDBFilename is the name of the BoltDB file holding term and reputation.
	stateDBFilename = "tether.db"
	// simulatedLatency is the one-way delay of the simulated radio.
	simulatedLatency = 5 * time.Millisecond

	logMaxSizeMB  = 50
	logMaxBackups = 3
	logMaxAgeDays = 28
)

func main() {
	// Parse command-line flags
	cfg, err := ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	logOut := setupLogging(cfg)

	var exitCode int
	if cfg.IsSimulation() {
		exitCode = runSimulation(cfg)
	} else {
		exitCode = runNode(cfg)
	}
	logOut.Close()
	os.Exit(exitCode)
}

// setupLogging points the standard logger at a rotating file when one is
// configured. The dashboard owns the terminal, so TUI mode without a log
// file discards log output.
func setupLogging(cfg *ServerConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		log.SetOutput(lj)
		return lj
	}
	if cfg.TUI {
		log.SetOutput(io.Discard)
	}
	return io.NopCloser(nil)
}

// meshConfig builds the mesh configuration of node id from the daemon
// settings.
func meshConfig(cfg *ServerConfig, id string, m *metrics.Metrics) mesh.Config {
	mc := mesh.DefaultConfig(id)
	if cfg.Capacity > 0 {
		mc.Pool.Capacity = cfg.Capacity
	}
	if cfg.RangingCapacity > 0 {
		mc.Ranging.Capacity = cfg.RangingCapacity
	}
	if cfg.TickInterval > 0 {
		mc.TickInterval = cfg.TickInterval
	}
	mc.StartDisabled = cfg.StartDisabled
	mc.Logger = log.Default()
	mc.Metrics = m
	return mc
}

// openStore creates dir if needed and opens the state database in it.
func openStore(dir, filename string) (*storage.BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return storage.NewBoltStore(filepath.Join(dir, filename))
}

// runNode runs a single node over gRPC until a signal arrives or the
// dashboard exits. It returns the process exit code.
func runNode(cfg *ServerConfig) int {
	boltStore, err := openStore(cfg.DataDir, stateDBFilename)
	if err != nil {
		log.Fatalf("Failed to initialize BoltStore: %v", err)
	}
	// Note: boltStore.Close() is called in gracefulShutdown
	log.Printf("Initialized BoltStore at %s", boltStore.Path())

	// Initialize GRPCTransport on specified port
	grpcTransport, err := transport.NewGRPCTransport(transport.GRPCConfig{
		ID:         cfg.ID,
		ListenAddr: fmt.Sprintf(":%d", cfg.Port),
		Peers:      cfg.Peers,
	})
	if err != nil {
		boltStore.Close()
		log.Fatalf("Failed to initialize GRPCTransport on port %d: %v", cfg.Port, err)
	}
	// Note: grpcTransport.Close() is called in gracefulShutdown
	log.Printf("Initialized GRPCTransport listening on %s", grpcTransport.LocalAddr())

	node, err := mesh.New(meshConfig(cfg, cfg.ID, metrics.New(prometheus.DefaultRegisterer, cfg.ID)), grpcTransport, boltStore)
	if err != nil {
		grpcTransport.Close()
		boltStore.Close()
		log.Fatalf("Failed to create mesh node: %v", err)
	}
	log.Printf("Created mesh node with ID=%s, Peers=%v", cfg.ID, cfg.PeerIDs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start mesh node: %v", err)
	}
	log.Printf("Started mesh coordination loop")

	if cfg.TUI {
		log.Printf("Starting TUI dashboard mode...")
		runDashboard(tui.NewSingleNodeApp(tui.NewLocalFetcher(node)))
		return gracefulShutdown(nil, node, grpcTransport, boltStore)
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := newHTTPServer(httpAddr, NewAPIHandler(node, nil).Router())

	// Start HTTP server in a goroutine
	go func() {
		log.Printf("Starting HTTP server on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Block until we receive a signal
	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	return gracefulShutdown(httpServer, node, grpcTransport, boltStore)
}

// runDashboard runs app until it exits or a signal arrives.
func runDashboard(app *tui.App) {
	tuiErrChan := make(chan error, 1)
	go func() {
		tuiErrChan <- app.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-tuiErrChan:
		if err != nil {
			log.Printf("TUI error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("Received signal %v, stopping TUI...", sig)
		app.Stop()
		<-tuiErrChan // Wait for TUI to finish
	}
}

// gracefulShutdown performs an orderly shutdown of all components.
// It stops accepting new HTTP requests when a server is given, stops the
// mesh loop, closes the gRPC transport, and closes the BoltStore.
// Returns 0 on successful shutdown, 1 on error.
func gracefulShutdown(httpServer *http.Server, node *mesh.Mesh, grpcTransport *transport.GRPCTransport, boltStore *storage.BoltStore) int {
	exitCode := 0
	step := 1

	// Stop accepting new HTTP requests
	if httpServer != nil {
		log.Printf("%d. Stopping HTTP server...", step)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
			exitCode = 1
		} else {
			log.Printf("HTTP server stopped")
		}
		step++
	}

	// Stop the coordination loop; this persists the term and reputations
	log.Printf("%d. Stopping mesh coordination loop...", step)
	if err := node.Stop(); err != nil {
		log.Printf("Error stopping mesh: %v", err)
		exitCode = 1
	} else {
		log.Printf("Mesh coordination loop stopped")
	}
	step++

	// Close the GRPCTransport and release network resources
	log.Printf("%d. Closing gRPC transport...", step)
	if err := grpcTransport.Close(); err != nil {
		log.Printf("Error closing gRPC transport: %v", err)
		exitCode = 1
	} else {
		log.Printf("gRPC transport closed")
	}
	step++

	// Close the BoltStore and flush pending writes
	log.Printf("%d. Closing BoltStore...", step)
	if err := boltStore.Close(); err != nil {
		log.Printf("Error closing BoltStore: %v", err)
		exitCode = 1
	} else {
		log.Printf("BoltStore closed")
	}

	if exitCode == 0 {
		log.Printf("Graceful shutdown completed successfully")
	} else {
		log.Printf("Graceful shutdown completed with errors")
	}
	return exitCode
}

// simNode is one in-process node of a simulation.
type simNode struct {
	mesh      *mesh.Mesh
	transport *transport.MemoryTransport
	store     *storage.BoltStore // nil without --dir
}

// simulation holds the nodes sharing one simulated radio.
type simulation struct {
	network *transport.MemoryNetwork
	nodes   []*simNode
	cancel  context.CancelFunc
}

// simulatedID returns the id of the i-th simulated node, starting at 1.
func simulatedID(i int) string {
	return fmt.Sprintf("node%d", i)
}

// startSimulation starts cfg.Simulate nodes over a memory network with every
// pair in radio range. Node metrics register with reg. When cfg.DataDir is
// set each node persists to its own database in it.
func startSimulation(cfg *ServerConfig, reg prometheus.Registerer) (*simulation, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sim := &simulation{network: transport.NewMemoryNetwork(), cancel: cancel}
	sim.network.SetLatency(simulatedLatency)

	for i := 1; i <= cfg.Simulate; i++ {
		id := simulatedID(i)
		tr, err := sim.network.Join(id)
		if err != nil {
			sim.stop()
			return nil, fmt.Errorf("join %s: %w", id, err)
		}
		n := &simNode{transport: tr}
		sim.nodes = append(sim.nodes, n)

		var store mesh.StateStore
		if cfg.DataDir != "" {
			n.store, err = openStore(cfg.DataDir, id+".db")
			if err != nil {
				sim.stop()
				return nil, err
			}
			store = n.store
		}

		n.mesh, err = mesh.New(meshConfig(cfg, id, metrics.New(reg, id)), tr, store)
		if err != nil {
			sim.stop()
			return nil, fmt.Errorf("create %s: %w", id, err)
		}
		if err := n.mesh.Start(ctx); err != nil {
			sim.stop()
			return nil, fmt.Errorf("start %s: %w", id, err)
		}
		log.Printf("Started simulated node %s", id)
	}

	sim.network.SetAllInRange()
	return sim, nil
}

// fetcherPool returns a dashboard fetcher for every node in start order.
func (s *simulation) fetcherPool() *tui.FetcherPool {
	pool := tui.NewFetcherPool()
	for _, n := range s.nodes {
		pool.AddFetcher(tui.NewLocalFetcher(n.mesh))
	}
	return pool
}

// stop shuts every node down and reports the first error.
func (s *simulation) stop() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, n := range s.nodes {
		if n.mesh != nil {
			keep(n.mesh.Stop())
		}
		keep(n.transport.Close())
		if n.store != nil {
			keep(n.store.Close())
		}
	}
	s.cancel()
	return firstErr
}

// runSimulation runs the simulated nodes under the dashboard.
func runSimulation(cfg *ServerConfig) int {
	log.Printf("Starting simulation with %d nodes...", cfg.Simulate)

	sim, err := startSimulation(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to start simulation: %v", err)
	}

	runDashboard(tui.NewApp(sim.fetcherPool()))

	return gracefulShutdownSimulation(sim)
}

// gracefulShutdownSimulation stops every simulated node.
// Returns 0 on successful shutdown, 1 on error.
func gracefulShutdownSimulation(sim *simulation) int {
	log.Printf("1. Stopping %d simulated nodes...", len(sim.nodes))
	if err := sim.stop(); err != nil {
		log.Printf("Error stopping simulated nodes: %v", err)
		log.Printf("Simulation shutdown completed with errors")
		return 1
	}
	log.Printf("Simulation shutdown completed successfully")
	return 0
}
