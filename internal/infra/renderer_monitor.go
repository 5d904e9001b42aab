package infra

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	probeInterval = 15 * time.Second
	probeTimeout  = 5 * time.Second

	// consecutive failed probes before the renderer is reported down
	failureThreshold = 2
)

// RendererStatus is the observed state of the render backend.
type RendererStatus string

const (
	RendererStatusUnknown RendererStatus = "unknown"
	RendererStatusUp      RendererStatus = "up"
	RendererStatusDown    RendererStatus = "down"
)

// HealthChecker probes a render backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RendererMonitor supervises the render backend with periodic health
// probes. It only observes; starting and stopping the backend is out of
// its hands.
type RendererMonitor struct {
	checker HealthChecker
	url     string

	mu        sync.RWMutex
	status    RendererStatus
	failures  int
	lastProbe time.Time
	lastError string
}

// NewRendererMonitor creates a monitor for the given backend.
func NewRendererMonitor(checker HealthChecker, url string) *RendererMonitor {
	return &RendererMonitor{
		checker: checker,
		url:     url,
		status:  RendererStatusUnknown,
	}
}

// Run probes the backend until ctx is cancelled.
func (m *RendererMonitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *RendererMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.checker.HealthCheck(probeCtx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProbe = time.Now()

	if err != nil {
		m.failures++
		m.lastError = err.Error()
		if m.failures >= failureThreshold && m.status != RendererStatusDown {
			m.status = RendererStatusDown
			log.Printf("[RendererMonitor] renderer at %s is down: %v", m.url, err)
		}
		return
	}

	if m.status != RendererStatusUp {
		log.Printf("[RendererMonitor] renderer at %s is up", m.url)
	}
	m.status = RendererStatusUp
	m.failures = 0
	m.lastError = ""
}

// Status returns the current observed status.
func (m *RendererMonitor) Status() RendererStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsReady reports whether the backend answered its last probe.
func (m *RendererMonitor) IsReady() bool {
	return m.Status() == RendererStatusUp
}

// URL returns the monitored backend URL.
func (m *RendererMonitor) URL() string {
	return m.url
}

// Snapshot returns the monitor state for status endpoints.
func (m *RendererMonitor) Snapshot() (status RendererStatus, lastProbe time.Time, lastError string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.lastProbe, m.lastError
}
