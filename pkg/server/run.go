package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.store.Close() }()

	// Seed users from YAML config if provided
	if s.cfg.UsersFile != "" {
		if err := LoadUsersFromYAML(s.cfg.UsersFile, s.store); err != nil {
			slog.Error("failed to load users config", "err", err)
		}
	}

	if err := s.StartListener(); err != nil {
		return err
	}
	s.startReaper()

	slog.Info("Confab server running",
		"listen", s.cfg.ListenAddr,
		"idle_timeout", s.cfg.IdleTimeout,
		"sweep_interval", s.cfg.SweepInterval,
	)

	// Start metrics HTTP endpoint and periodic metrics logging (every 60s)
	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// StartListener opens the TCP listener and starts the accept loop.
// Every accepted connection gets its own worker goroutine, which
// performs the login handshake before entering the message loop.
func (s *Server) StartListener() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	slog.Info("listening", "addr", s.cfg.ListenAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(conn)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
