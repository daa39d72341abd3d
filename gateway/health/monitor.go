// Package health tracks per-provider health state, rolling metrics, and
// raise/resolve alerts for the AI gateway.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codepod-dev/codepod/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status represents provider health.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// AlertKind identifies the alert rule that fired.
type AlertKind string

const (
	AlertConsecutiveFailures AlertKind = "consecutive_failures"
	AlertHighErrorRate       AlertKind = "high_error_rate"
	AlertHighResponseTime    AlertKind = "high_response_time"
)

// Alert is a raised (and possibly resolved) health alert.
type Alert struct {
	ID             string     `json:"id"`
	Kind           AlertKind  `json:"kind"`
	Provider       string     `json:"provider"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	FirstTriggered time.Time  `json:"first_triggered"`
	LastTriggered  time.Time  `json:"last_triggered"`
	TriggerCount   int        `json:"trigger_count"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// EventType distinguishes monitor events.
type EventType string

const (
	EventAlertRaised   EventType = "alert_raised"
	EventAlertResolved EventType = "alert_resolved"
	EventStatusChanged EventType = "status_changed"
)

// Event is delivered on the monitor's event channel so that the gateway can
// observe health transitions without holding a back-pointer to the monitor.
type Event struct {
	Type     EventType `json:"type"`
	Provider string    `json:"provider"`
	Status   Status    `json:"status,omitempty"`
	Alert    *Alert    `json:"alert,omitempty"`
	Time     time.Time `json:"time"`
}

// LastError captures the most recent failure for a provider.
type LastError struct {
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Time    time.Time `json:"time"`
}

// MetricStats summarizes one rolling metric stream.
type MetricStats struct {
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
}

// Record is the externally visible health record of one provider.
type Record struct {
	Provider            string                 `json:"provider"`
	Status              Status                 `json:"status"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	TotalChecks         int64                  `json:"total_checks"`
	SuccessfulChecks    int64                  `json:"successful_checks"`
	FailedChecks        int64                  `json:"failed_checks"`
	LastError           *LastError             `json:"last_error,omitempty"`
	LastSuccess         time.Time              `json:"last_success,omitempty"`
	Metrics             map[string]MetricStats `json:"metrics,omitempty"`
}

// Prober is the minimal capability the monitor needs from a provider.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Config controls probe cadence, alert thresholds, and metric retention.
type Config struct {
	ProbeInterval        time.Duration // periodic probe cadence
	ProbeTimeout         time.Duration // per-probe timeout
	FailureThreshold     int           // consecutive failures before alerting
	ErrorRateThreshold   float64       // 0..1, over retained checks
	ResponseTimeMs       float64       // average latency alert threshold
	Retention            time.Duration // rolling metric retention window
	DegradedAfter        int           // consecutive failures before degraded
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:      60 * time.Second,
		ProbeTimeout:       10 * time.Second,
		FailureThreshold:   5,
		ErrorRateThreshold: 0.5,
		ResponseTimeMs:     10_000,
		Retention:          24 * time.Hour,
		DegradedAfter:      2,
	}
}

type sample struct {
	t time.Time
	v float64
}

type metricStream struct {
	samples []sample
}

func (s *metricStream) add(now time.Time, v float64, retention time.Duration) {
	s.samples = append(s.samples, sample{t: now, v: v})
	s.prune(now, retention)
}

func (s *metricStream) prune(now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(s.samples) && s.samples[i].t.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

func (s *metricStream) stats() MetricStats {
	st := MetricStats{}
	for i, sm := range s.samples {
		st.Sum += sm.v
		if i == 0 || sm.v < st.Min {
			st.Min = sm.v
		}
		if sm.v > st.Max {
			st.Max = sm.v
		}
	}
	st.Count = len(s.samples)
	if st.Count > 0 {
		st.Avg = st.Sum / float64(st.Count)
	}
	return st
}

type record struct {
	status              Status
	consecutiveFailures int
	totalChecks         int64
	successfulChecks    int64
	failedChecks        int64
	lastError           *LastError
	lastSuccess         time.Time
	metrics             map[string]*metricStream
	alerts              map[AlertKind]*Alert
}

func newRecord() *record {
	return &record{
		status:  StatusUnknown,
		metrics: make(map[string]*metricStream),
		alerts:  make(map[AlertKind]*Alert),
	}
}

// Monitor maintains per-provider health records, runs periodic probes, and
// evaluates alert rules on every recorded outcome.
type Monitor struct {
	config *Config
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
	probers map[string]Prober

	events chan Event
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor. Call Start to begin periodic probing.
func NewMonitor(config *Config, logger *zap.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 60 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ErrorRateThreshold <= 0 || config.ErrorRateThreshold > 1 {
		config.ErrorRateThreshold = 0.5
	}
	if config.ResponseTimeMs <= 0 {
		config.ResponseTimeMs = 10_000
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config:  config,
		logger:  logger.With(zap.String("component", "health_monitor")),
		records: make(map[string]*record),
		probers: make(map[string]Prober),
		events:  make(chan Event, 128),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a provider for periodic probing.
func (m *Monitor) Register(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[p.Name()] = p
	if _, ok := m.records[p.Name()]; !ok {
		m.records[p.Name()] = newRecord()
	}
}

// Start launches the periodic probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(m.ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Events returns the monitor's event channel. Events are dropped rather than
// blocking when the consumer falls behind.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// ProbeAll runs an on-demand health check of every registered provider.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	probers := make([]Prober, 0, len(m.probers))
	for _, p := range m.probers {
		probers = append(probers, p)
	}
	m.mu.RUnlock()

	for _, p := range probers {
		m.Probe(ctx, p)
	}
}

// Probe runs a single health check and records its outcome.
func (m *Monitor) Probe(ctx context.Context, p Prober) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := m.now()
	err := p.HealthCheck(probeCtx)
	latency := m.now().Sub(start)

	if err != nil {
		m.RecordFailure(p.Name(), err, latency)
		return
	}
	m.RecordSuccess(p.Name(), latency)
}

// RecordSuccess marks a provider healthy and resets its failure streak.
func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	m.mu.Lock()
	rec := m.record(name)
	now := m.now()

	rec.totalChecks++
	rec.successfulChecks++
	rec.consecutiveFailures = 0
	rec.lastSuccess = now
	m.recordMetric(rec, "latency_ms", float64(latency.Milliseconds()), now)
	m.recordMetric(rec, "success", 1, now)

	prev := rec.status
	rec.status = StatusHealthy
	events := m.evaluateAlerts(name, rec, now)
	if prev != rec.status {
		events = append(events, Event{Type: EventStatusChanged, Provider: name, Status: rec.status, Time: now})
	}
	m.mu.Unlock()

	m.emit(events...)
}

// RecordFailure increments the failure streak and re-evaluates alerts.
func (m *Monitor) RecordFailure(name string, err error, latency time.Duration) {
	m.mu.Lock()
	rec := m.record(name)
	now := m.now()

	rec.totalChecks++
	rec.failedChecks++
	rec.consecutiveFailures++
	rec.lastError = &LastError{Message: err.Error(), Code: errCode(err), Time: now}
	if latency > 0 {
		m.recordMetric(rec, "latency_ms", float64(latency.Milliseconds()), now)
	}
	m.recordMetric(rec, "success", 0, now)

	prev := rec.status
	switch {
	case rec.consecutiveFailures >= m.config.FailureThreshold:
		rec.status = StatusUnhealthy
	case rec.consecutiveFailures >= m.config.DegradedAfter:
		rec.status = StatusDegraded
	}

	events := m.evaluateAlerts(name, rec, now)
	if prev != rec.status {
		events = append(events, Event{Type: EventStatusChanged, Provider: name, Status: rec.status, Time: now})
	}
	m.mu.Unlock()

	m.emit(events...)
}

// RecordLatency adds a request latency sample without counting a check.
func (m *Monitor) RecordLatency(name string, latency time.Duration) {
	m.mu.Lock()
	rec := m.record(name)
	m.recordMetric(rec, "latency_ms", float64(latency.Milliseconds()), m.now())
	m.mu.Unlock()
}

// StatusOf returns a provider's current status (unknown when never seen).
func (m *Monitor) StatusOf(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[name]; ok {
		return rec.status
	}
	return StatusUnknown
}

// RecordOf returns a snapshot of one provider record.
func (m *Monitor) RecordOf(name string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return Record{}, false
	}
	return m.snapshot(name, rec), true
}

// Records returns snapshots of every provider record.
func (m *Monitor) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for name, rec := range m.records {
		out = append(out, m.snapshot(name, rec))
	}
	return out
}

// Alerts returns every alert, active and resolved.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, rec := range m.records {
		for _, a := range rec.alerts {
			out = append(out, *a)
		}
	}
	return out
}

// Overall aggregates provider statuses: healthy when all providers are
// healthy, unhealthy when all are unhealthy, degraded otherwise.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.records) == 0 {
		return StatusUnknown
	}
	allHealthy, allUnhealthy := true, true
	for _, rec := range m.records {
		if rec.status != StatusHealthy {
			allHealthy = false
		}
		if rec.status != StatusUnhealthy {
			allUnhealthy = false
		}
	}
	switch {
	case allHealthy:
		return StatusHealthy
	case allUnhealthy:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// ---------------------------------------------------------------------------
// internals (callers hold m.mu)
// ---------------------------------------------------------------------------

func (m *Monitor) record(name string) *record {
	rec, ok := m.records[name]
	if !ok {
		rec = newRecord()
		m.records[name] = rec
	}
	return rec
}

func (m *Monitor) recordMetric(rec *record, metric string, v float64, now time.Time) {
	s, ok := rec.metrics[metric]
	if !ok {
		s = &metricStream{}
		rec.metrics[metric] = s
	}
	s.add(now, v, m.config.Retention)
}

func (m *Monitor) snapshot(name string, rec *record) Record {
	out := Record{
		Provider:            name,
		Status:              rec.status,
		ConsecutiveFailures: rec.consecutiveFailures,
		TotalChecks:         rec.totalChecks,
		SuccessfulChecks:    rec.successfulChecks,
		FailedChecks:        rec.failedChecks,
		LastSuccess:         rec.lastSuccess,
		Metrics:             make(map[string]MetricStats, len(rec.metrics)),
	}
	if rec.lastError != nil {
		le := *rec.lastError
		out.LastError = &le
	}
	for k, s := range rec.metrics {
		out.Metrics[k] = s.stats()
	}
	return out
}

// evaluateAlerts re-runs every alert rule for one provider, raising new
// alerts and resolving ones whose condition has cleared. Returned events are
// emitted by the caller after releasing the lock.
func (m *Monitor) evaluateAlerts(name string, rec *record, now time.Time) []Event {
	var events []Event

	errorRate := 0.0
	if s, ok := rec.metrics["success"]; ok {
		st := s.stats()
		if st.Count > 0 {
			errorRate = 1 - st.Sum/float64(st.Count)
		}
	}
	avgLatency := 0.0
	if s, ok := rec.metrics["latency_ms"]; ok {
		avgLatency = s.stats().Avg
	}

	rules := []struct {
		kind     AlertKind
		severity string
		active   bool
		resolved bool
		message  string
	}{
		{
			kind:     AlertConsecutiveFailures,
			severity: "high",
			active:   rec.consecutiveFailures >= m.config.FailureThreshold,
			resolved: rec.consecutiveFailures == 0,
			message:  fmt.Sprintf("%d consecutive failures", rec.consecutiveFailures),
		},
		{
			kind:     AlertHighErrorRate,
			severity: "medium",
			active:   errorRate >= m.config.ErrorRateThreshold,
			resolved: errorRate < m.config.ErrorRateThreshold/2,
			message:  fmt.Sprintf("error rate %.0f%%", errorRate*100),
		},
		{
			kind:     AlertHighResponseTime,
			severity: "medium",
			active:   avgLatency >= m.config.ResponseTimeMs,
			resolved: avgLatency < m.config.ResponseTimeMs/2,
			message:  fmt.Sprintf("average latency %.0fms", avgLatency),
		},
	}

	for _, rule := range rules {
		existing, raised := rec.alerts[rule.kind]
		isActive := raised && existing.ResolvedAt == nil

		switch {
		case rule.active && !isActive:
			a := &Alert{
				ID:             uuid.NewString(),
				Kind:           rule.kind,
				Provider:       name,
				Severity:       rule.severity,
				Message:        rule.message,
				FirstTriggered: now,
				LastTriggered:  now,
				TriggerCount:   1,
			}
			if raised {
				// Re-trigger of a previously resolved alert keeps its id and
				// history.
				a = existing
				a.ResolvedAt = nil
				a.LastTriggered = now
				a.TriggerCount++
				a.Message = rule.message
			}
			rec.alerts[rule.kind] = a
			cp := *a
			events = append(events, Event{Type: EventAlertRaised, Provider: name, Alert: &cp, Time: now})
			m.logger.Warn("health alert raised",
				zap.String("provider", name),
				zap.String("kind", string(rule.kind)),
				zap.String("message", rule.message),
			)

		case rule.active && isActive:
			existing.LastTriggered = now
			existing.TriggerCount++
			existing.Message = rule.message

		case rule.resolved && isActive:
			resolvedAt := now
			existing.ResolvedAt = &resolvedAt
			cp := *existing
			events = append(events, Event{Type: EventAlertResolved, Provider: name, Alert: &cp, Time: now})
			m.logger.Info("health alert resolved",
				zap.String("provider", name),
				zap.String("kind", string(rule.kind)),
			)
		}
	}

	return events
}

func (m *Monitor) emit(events ...Event) {
	for _, e := range events {
		select {
		case m.events <- e:
		default:
			// Consumer is behind; drop rather than block the hot path.
		}
	}
}

func errCode(err error) string {
	return string(types.GetErrorCode(err))
}
