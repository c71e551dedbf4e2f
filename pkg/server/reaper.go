package server

import (
	"log/slog"
	"time"
)

// startReaper launches the periodic idle-client sweep. Each tick evicts
// every client whose last activity is older than IdleTimeout; eviction
// shares the worker's Deregister path, so a client racing its own
// logout or disconnect is cleaned up exactly once.
func (s *Server) startReaper() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		slog.Warn("reaper disabled", "sweep_interval", interval)
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				evicted := s.registry.EvictStale(time.Now(), s.cfg.IdleTimeout)
				if len(evicted) == 0 {
					continue
				}
				for _, name := range evicted {
					slog.Info("evicted idle client", "user", name, "idle_timeout", s.cfg.IdleTimeout)
				}
				s.metrics.ClientsEvicted.Add(int64(len(evicted)))
				s.metrics.TotalDisconnects.Add(int64(len(evicted)))
			}
		}
	}()
}
