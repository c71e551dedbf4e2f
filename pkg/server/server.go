// Package server implements the Confab conferencing server.
package server

import (
	"context"
	"net"
	"time"

	"github.com/confab-io/confab/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string // TCP bind address (e.g. ":9500")
	MetricsAddr string // HTTP bind address for /metrics endpoint (empty = disabled)
	DBPath      string // SQLite credential database path
	UsersFile   string // YAML file seeding users on startup (empty = none)

	MaxClients     int // active client cap (0 = unlimited)
	MaxConferences int // active conference cap (0 = unlimited)

	IdleTimeout   time.Duration // inactivity threshold before the reaper evicts a client
	SweepInterval time.Duration // how often the reaper scans; much coarser than IdleTimeout
	SendTimeout   time.Duration // per-send write deadline, bounds fan-out to slow receivers

	// ExcludeSender drops the sender from its own broadcasts. Off by
	// default: every member of a conference, sender included, receives
	// each session message.
	ExcludeSender bool

	// CLI-only actions (run and exit)
	ExportUsers bool // export all users as YAML and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store store.DataStore
}

// DefaultConfig returns a config with sensible defaults. Capacity limits
// default to 100 clients and 100 conferences.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":9500",
		MetricsAddr:    ":9502",
		DBPath:         "confab.db",
		MaxClients:     100,
		MaxConferences: 100,
		IdleTimeout:    5 * time.Minute,
		SweepInterval:  10 * time.Second,
		SendTimeout:    2 * time.Second,
	}
}

// Server is the main Confab server: one acceptor goroutine, one worker
// goroutine per logged-in client, one reaper, all sharing the Registry.
type Server struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	store    store.DataStore
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg, metrics),
		metrics:  metrics,
		store:    deps.Store,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Addr returns the bound listener address, or nil before StartListener.
// Useful when ListenAddr requests an ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the shared client/conference registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
