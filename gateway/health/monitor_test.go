package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProber struct {
	name string
	err  error
}

func (p *fakeProber) Name() string                          { return p.name }
func (p *fakeProber) HealthCheck(context.Context) error { return p.err }

func newTestMonitor(t *testing.T, cfg *Config) *Monitor {
	t.Helper()
	m := NewMonitor(cfg, zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func drainEvents(m *Monitor) []Event {
	var out []Event
	for {
		select {
		case e := <-m.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRecordSuccess_SetsHealthyAndResetsStreak(t *testing.T) {
	m := newTestMonitor(t, nil)

	m.RecordFailure("gemini", errors.New("503"), 100*time.Millisecond)
	m.RecordFailure("gemini", errors.New("503"), 100*time.Millisecond)
	m.RecordSuccess("gemini", 50*time.Millisecond)

	rec, ok := m.RecordOf("gemini")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, int64(3), rec.TotalChecks)
	assert.Equal(t, int64(1), rec.SuccessfulChecks)
	assert.Equal(t, int64(2), rec.FailedChecks)
	assert.False(t, rec.LastSuccess.IsZero())
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "503", rec.LastError.Message)
}

func TestConsecutiveFailuresAlert_RaiseAndResolve(t *testing.T) {
	m := newTestMonitor(t, &Config{
		FailureThreshold: 3,
		// Error-rate rule is also tripped by pure failures; keep it out of
		// the way so the test observes one alert kind.
		ErrorRateThreshold: 0.99,
	})

	for i := 0; i < 3; i++ {
		m.RecordFailure("openai", errors.New("timeout"), 0)
	}
	events := drainEvents(m)

	var raised *Alert
	for _, e := range events {
		if e.Type == EventAlertRaised && e.Alert.Kind == AlertConsecutiveFailures {
			raised = e.Alert
		}
	}
	require.NotNil(t, raised, "consecutive_failures alert should fire at threshold")
	assert.Equal(t, "high", raised.Severity)
	assert.NotEmpty(t, raised.ID)
	assert.Nil(t, raised.ResolvedAt)

	assert.Equal(t, StatusUnhealthy, m.StatusOf("openai"))

	// A success resets the streak to zero, which resolves the alert.
	m.RecordSuccess("openai", 10*time.Millisecond)
	events = drainEvents(m)

	var resolved *Alert
	for _, e := range events {
		if e.Type == EventAlertResolved && e.Alert.Kind == AlertConsecutiveFailures {
			resolved = e.Alert
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, raised.ID, resolved.ID, "alert id is stable across its lifecycle")
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, StatusHealthy, m.StatusOf("openai"))
}

func TestHighErrorRateAlert(t *testing.T) {
	m := newTestMonitor(t, &Config{
		FailureThreshold:   100, // keep consecutive-failures rule quiet
		ErrorRateThreshold: 0.5,
	})

	m.RecordSuccess("glm", time.Millisecond)
	m.RecordFailure("glm", errors.New("overloaded"), 0)
	m.RecordFailure("glm", errors.New("overloaded"), 0)
	// error rate 2/3 >= 0.5

	events := drainEvents(m)
	found := false
	for _, e := range events {
		if e.Type == EventAlertRaised && e.Alert.Kind == AlertHighErrorRate {
			found = true
		}
	}
	assert.True(t, found)

	// Error rate must drop below half the threshold (0.25) to resolve.
	for i := 0; i < 10; i++ {
		m.RecordSuccess("glm", time.Millisecond)
	}
	events = drainEvents(m)
	resolved := false
	for _, e := range events {
		if e.Type == EventAlertResolved && e.Alert.Kind == AlertHighErrorRate {
			resolved = true
		}
	}
	assert.True(t, resolved)
}

func TestHighResponseTimeAlert(t *testing.T) {
	m := newTestMonitor(t, &Config{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.99,
		ResponseTimeMs:     100,
	})

	m.RecordSuccess("anthropic", 500*time.Millisecond)
	events := drainEvents(m)
	found := false
	for _, e := range events {
		if e.Type == EventAlertRaised && e.Alert.Kind == AlertHighResponseTime {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOverall(t *testing.T) {
	m := newTestMonitor(t, &Config{FailureThreshold: 1, ErrorRateThreshold: 0.99})

	assert.Equal(t, StatusUnknown, m.Overall())

	m.RecordSuccess("a", time.Millisecond)
	m.RecordSuccess("b", time.Millisecond)
	assert.Equal(t, StatusHealthy, m.Overall())

	m.RecordFailure("b", errors.New("down"), 0)
	assert.Equal(t, StatusDegraded, m.Overall())

	m.RecordFailure("a", errors.New("down"), 0)
	assert.Equal(t, StatusUnhealthy, m.Overall())
}

func TestProbe_RecordsOutcome(t *testing.T) {
	m := newTestMonitor(t, nil)

	ok := &fakeProber{name: "up"}
	down := &fakeProber{name: "down", err: errors.New("connection refused")}
	m.Register(ok)
	m.Register(down)

	m.ProbeAll(context.Background())

	assert.Equal(t, StatusHealthy, m.StatusOf("up"))
	rec, _ := m.RecordOf("down")
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	require.NotNil(t, rec.LastError)
}

func TestMetricRetention(t *testing.T) {
	m := newTestMonitor(t, &Config{Retention: time.Hour, FailureThreshold: 100, ErrorRateThreshold: 0.99})
	base := time.Now()
	m.now = func() time.Time { return base }

	m.RecordSuccess("p", 100*time.Millisecond)

	// Jump past the retention window; the old sample ages out.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.RecordSuccess("p", 200*time.Millisecond)

	rec, _ := m.RecordOf("p")
	lat := rec.Metrics["latency_ms"]
	assert.Equal(t, 1, lat.Count)
	assert.Equal(t, float64(200), lat.Avg)
}

func TestRetrigger_KeepsAlertID(t *testing.T) {
	m := newTestMonitor(t, &Config{FailureThreshold: 2, ErrorRateThreshold: 0.99})

	m.RecordFailure("p", errors.New("x"), 0)
	m.RecordFailure("p", errors.New("x"), 0)
	first := drainEvents(m)
	var id string
	for _, e := range first {
		if e.Type == EventAlertRaised && e.Alert.Kind == AlertConsecutiveFailures {
			id = e.Alert.ID
		}
	}
	require.NotEmpty(t, id)

	m.RecordSuccess("p", 0) // resolves
	drainEvents(m)

	m.RecordFailure("p", errors.New("x"), 0)
	m.RecordFailure("p", errors.New("x"), 0)
	again := drainEvents(m)
	for _, e := range again {
		if e.Type == EventAlertRaised && e.Alert.Kind == AlertConsecutiveFailures {
			assert.Equal(t, id, e.Alert.ID)
			assert.GreaterOrEqual(t, e.Alert.TriggerCount, 2)
		}
	}
}
