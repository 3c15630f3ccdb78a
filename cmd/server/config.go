package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the daemon configuration. Flags override values from
// the optional YAML file.
type ServerConfig struct {
	ID       string            `yaml:"id"`        // Node identifier (--id, defaults to a random UUID)
	Port     int               `yaml:"port"`      // gRPC port (--port)
	DataDir  string            `yaml:"data_dir"`  // BoltDB storage path (--dir)
	Peers    map[string]string `yaml:"peers"`     // Static peer address book (--peers id=addr,...)
	HTTPPort int               `yaml:"http_port"` // HTTP API port (--http-port, defaults to port+1000)
	TUI      bool              `yaml:"tui"`       // Launch TUI dashboard mode (--tui)
	LogFile  string            `yaml:"log_file"`  // Rotating log file (--log-file); stderr when empty
	Simulate int               `yaml:"simulate"`  // In-process nodes over a simulated radio (--simulate, 2-9)

	// Capacity and RangingCapacity size the two slot pools.
	Capacity        int           `yaml:"capacity"`
	RangingCapacity int           `yaml:"ranging_capacity"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	StartDisabled   bool          `yaml:"start_disabled"`

	ConfigFile string `yaml:"-"` // --config
}

// ParseFlags parses command-line flags into ServerConfig.
// It uses the provided flag.FlagSet to allow testing with custom arguments.
func ParseFlags(fs *flag.FlagSet, args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	var peersStr string

	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.ID, "id", "", "Node identifier (defaults to a random UUID)")
	fs.IntVar(&cfg.Port, "port", 0, "gRPC port (required unless --simulate)")
	fs.StringVar(&cfg.DataDir, "dir", "", "Data directory path (required unless --simulate)")
	fs.StringVar(&peersStr, "peers", "", "Comma-separated peer address book: id=host:port,...")
	fs.IntVar(&cfg.HTTPPort, "http-port", 0, "HTTP API port (defaults to port+1000)")
	fs.BoolVar(&cfg.TUI, "tui", false, "Launch TUI dashboard mode")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	fs.IntVar(&cfg.Simulate, "simulate", 0, "Run N in-process nodes over a simulated radio (2-9, requires --tui)")
	fs.IntVar(&cfg.Capacity, "capacity", 0, "Connection pool capacity (default 5)")
	fs.IntVar(&cfg.RangingCapacity, "ranging-capacity", 0, "Concurrent ranging sessions (default 2)")
	fs.DurationVar(&cfg.TickInterval, "tick", 0, "Coordination tick interval (default 1s)")
	fs.BoolVar(&cfg.StartDisabled, "disabled", false, "Start with mesh coordination disabled")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if peersStr != "" {
		peers, err := parsePeers(peersStr)
		if err != nil {
			return nil, err
		}
		cfg.Peers = peers
	}

	if cfg.ConfigFile != "" {
		file, err := LoadConfigFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		cfg.overlay(file, set)
	}

	if cfg.ID == "" && cfg.Simulate == 0 {
		cfg.ID = uuid.NewString()
	}

	// Set default HTTP port if not specified
	if cfg.HTTPPort == 0 && cfg.Port > 0 {
		cfg.HTTPPort = cfg.Port + 1000
	}

	return cfg, nil
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// overlay copies values from file for every flag that was not set.
func (c *ServerConfig) overlay(file *ServerConfig, set map[string]bool) {
	if !set["id"] && file.ID != "" {
		c.ID = file.ID
	}
	if !set["port"] && file.Port != 0 {
		c.Port = file.Port
	}
	if !set["dir"] && file.DataDir != "" {
		c.DataDir = file.DataDir
	}
	if !set["peers"] && len(file.Peers) > 0 {
		c.Peers = file.Peers
	}
	if !set["http-port"] && file.HTTPPort != 0 {
		c.HTTPPort = file.HTTPPort
	}
	if !set["tui"] && file.TUI {
		c.TUI = true
	}
	if !set["log-file"] && file.LogFile != "" {
		c.LogFile = file.LogFile
	}
	if !set["simulate"] && file.Simulate != 0 {
		c.Simulate = file.Simulate
	}
	if !set["capacity"] && file.Capacity != 0 {
		c.Capacity = file.Capacity
	}
	if !set["ranging-capacity"] && file.RangingCapacity != 0 {
		c.RangingCapacity = file.RangingCapacity
	}
	if !set["tick"] && file.TickInterval != 0 {
		c.TickInterval = file.TickInterval
	}
	if !set["disabled"] && file.StartDisabled {
		c.StartDisabled = true
	}
}

// parsePeers parses "node1=localhost:5001,node2=localhost:5002" into an
// id to address map.
func parsePeers(peersStr string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, p := range strings.Split(peersStr, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		id, addr, ok := strings.Cut(trimmed, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: expected id=host:port", trimmed)
		}
		peers[id] = addr
	}
	return peers, nil
}

// PeerIDs returns the address book ids in sorted order.
func (c *ServerConfig) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that all required fields are present.
// Returns an error listing every problem found.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.IsSimulation() {
		if c.Simulate < 2 || c.Simulate > 9 {
			errs = append(errs, "--simulate must be between 2 and 9")
		}
		if !c.TUI {
			errs = append(errs, "--simulate requires --tui flag")
		}
	} else {
		if c.ID == "" {
			errs = append(errs, "missing required flag: --id")
		}
		if c.Port == 0 {
			errs = append(errs, "missing required flag: --port")
		}
		if c.DataDir == "" {
			errs = append(errs, "missing required flag: --dir")
		}
		if _, ok := c.Peers[c.ID]; ok && c.ID != "" {
			errs = append(errs, "--peers must not contain the node's own id")
		}
	}
	if c.Capacity < 0 {
		errs = append(errs, "--capacity must be positive")
	}
	if c.RangingCapacity < 0 {
		errs = append(errs, "--ranging-capacity must be positive")
	}
	if c.TickInterval < 0 {
		errs = append(errs, "--tick must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// IsSimulation returns true if the daemon should run simulated nodes.
func (c *ServerConfig) IsSimulation() bool {
	return c.Simulate > 0
}
