package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections
	FailedAuths       atomic.Int64 // failed login attempts
	SuccessfulAuths   atomic.Int64 // successful logins
	TotalDisconnects  atomic.Int64 // total client disconnects (clean, unclean, evicted)

	// Conference counters
	ConferencesCreated atomic.Int64 // conferences created during this run
	ConferencesDeleted atomic.Int64 // conferences deleted after their last member left

	// Message counters
	MessagesBroadcast atomic.Int64 // session messages relayed
	MessagesDelivered atomic.Int64 // per-member deliveries
	SendsDropped      atomic.Int64 // deliveries skipped on write timeout or error
	ListQueries       atomic.Int64 // list queries served

	// Reaper counters
	ClientsEvicted atomic.Int64 // clients evicted for inactivity
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	ConferencesCreated int64 `json:"conferences_created"`
	ConferencesDeleted int64 `json:"conferences_deleted"`

	MessagesBroadcast int64 `json:"messages_broadcast"`
	MessagesDelivered int64 `json:"messages_delivered"`
	SendsDropped      int64 `json:"sends_dropped"`
	ListQueries       int64 `json:"list_queries"`

	ClientsEvicted int64 `json:"clients_evicted"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		ActiveConnections:  m.ActiveConnections.Load(),
		TotalConnections:   m.TotalConnections.Load(),
		SuccessfulAuths:    m.SuccessfulAuths.Load(),
		FailedAuths:        m.FailedAuths.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		ConferencesCreated: m.ConferencesCreated.Load(),
		ConferencesDeleted: m.ConferencesDeleted.Load(),
		MessagesBroadcast:  m.MessagesBroadcast.Load(),
		MessagesDelivered:  m.MessagesDelivered.Load(),
		SendsDropped:       m.SendsDropped.Load(),
		ListQueries:        m.ListQueries.Load(),
		ClientsEvicted:     m.ClientsEvicted.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages", s.MessagesBroadcast,
		"delivered", s.MessagesDelivered,
		"dropped_sends", s.SendsDropped,
		"evicted", s.ClientsEvicted,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
