package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address defaults to :9502; Config.MetricsAddr overrides it.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("confab_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("confab_clients_active", "Current registered clients.", "gauge",
		int64(s.registry.ClientCount()))
	write("confab_conferences_active", "Current active conferences.", "gauge",
		int64(s.registry.ConferenceCount()))

	write("confab_connections_active", "Current open connections.", "gauge",
		m.ActiveConnections.Load())
	write("confab_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("confab_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("confab_auth_success_total", "Successful login attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("confab_auth_failed_total", "Failed login attempts.", "counter",
		m.FailedAuths.Load())

	write("confab_conferences_created_total", "Conferences created.", "counter",
		m.ConferencesCreated.Load())
	write("confab_conferences_deleted_total", "Conferences deleted when their last member left.", "counter",
		m.ConferencesDeleted.Load())

	write("confab_messages_broadcast_total", "Session messages relayed.", "counter",
		m.MessagesBroadcast.Load())
	write("confab_messages_delivered_total", "Per-member message deliveries.", "counter",
		m.MessagesDelivered.Load())
	write("confab_sends_dropped_total", "Deliveries skipped on write timeout or error.", "counter",
		m.SendsDropped.Load())
	write("confab_list_queries_total", "List queries served.", "counter",
		m.ListQueries.Load())

	write("confab_evictions_total", "Clients evicted for inactivity.", "counter",
		m.ClientsEvicted.Load())
}
