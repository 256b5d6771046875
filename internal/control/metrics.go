package control

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// metricsInterval is the fixed 5-second sweep period from §4.9.
const metricsInterval = 5 * time.Second

// mfaTimeoutWarning is how far ahead of an identity's minimum service
// timeout the broadcaster starts emitting notification_event messages.
const mfaTimeoutWarning = 20 * time.Minute

// mfaTimeout tracks one identity's current minimum service timeout and
// whether a notification has already been sent for the current window.
type mfaTimeout struct {
	minimum  time.Time
	notified bool
}

// MetricsBroadcaster implements C9: every metricsInterval it samples the
// daemon's own process resource usage via gopsutil and emits a
// tunnel_metrics_event, plus a notification_event the first time an
// identity's MFA timeout enters the warning window.
type MetricsBroadcaster struct {
	server *Server

	mu      map[string]*mfaTimeout
	procPID int32
}

// NewMetricsBroadcaster constructs a broadcaster bound to server.
func NewMetricsBroadcaster(server *Server) *MetricsBroadcaster {
	return &MetricsBroadcaster{
		server:  server,
		mu:      make(map[string]*mfaTimeout),
		procPID: int32(os.Getpid()),
	}
}

// SetMFATimeout records identifier's current minimum service timeout,
// resetting its notified flag so a new timeout window can re-warn.
func (m *MetricsBroadcaster) SetMFATimeout(identifier string, minimum time.Time) {
	m.mu[identifier] = &mfaTimeout{minimum: minimum}
}

// Run drives the 5-second sweep until ctx is cancelled, using the same
// ticker-inside-select-against-ctx.Done idiom used for other periodic
// background work in this module.
func (m *MetricsBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MetricsBroadcaster) sweep() {
	samples := make(map[string]IdentityMetrics)
	for _, id := range m.server.registry.List() {
		ident, ok := m.server.registry.Get(id)
		if !ok || !ident.Active {
			continue
		}
		metrics, err := m.server.sdk.GetMetrics(ident.Context)
		if err != nil {
			m.server.logger.Warn("metrics: GetMetrics failed", "identifier", id, "error", err)
			continue
		}
		samples[string(id)] = IdentityMetrics{Up: metrics.UpRate, Down: metrics.DownRate}
	}

	var proc *ProcessStats
	if cpuPct, rss, err := processStats(m.procPID); err != nil {
		m.server.logger.Warn("metrics: processStats failed", "error", err)
	} else {
		proc = &ProcessStats{CPUPercent: cpuPct, RSSBytes: rss}
	}

	m.server.Broadcast(Event{Kind: EventTunnelMetrics, Metrics: samples, Process: proc})

	now := time.Now()
	for identifier, t := range m.mu {
		if t.notified {
			continue
		}
		until := t.minimum.Sub(now)
		if until > mfaTimeoutWarning {
			continue
		}
		t.notified = true
		m.server.Broadcast(Event{
			Kind: EventNotification,
			Notification: &Notification{
				Identifier: identifier,
				Severity:   severityFor(until),
				Message:    fmt.Sprintf("MFA timeout in %s", until.Round(time.Second)),
			},
		})
	}
}

func severityFor(until time.Duration) NotificationSeverity {
	switch {
	case until <= 0:
		return SeverityCritical
	case until <= mfaTimeoutWarning/4:
		return SeverityMajor
	default:
		return SeverityMinor
	}
}

// processStats reports the daemon's own resource usage, sampled via
// gopsutil, for inclusion in the tunnel_metrics_event.
func processStats(pid int32) (cpuPercent float64, rssBytes uint64, err error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err = p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, mem.RSS, nil
}
