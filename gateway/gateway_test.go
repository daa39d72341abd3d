package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway/cache"
	"github.com/codepod-dev/codepod/gateway/circuitbreaker"
	"github.com/codepod-dev/codepod/gateway/health"
	"github.com/codepod-dev/codepod/gateway/retry"
	"github.com/codepod-dev/codepod/types"
)

// fakeProvider is a scriptable in-memory provider.
type fakeProvider struct {
	name  string
	calls atomic.Int64
	err   error
	reply string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Chat(ctx context.Context, message string, _ map[string]any, _ *ChatOptions) (*Response, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	reply := p.reply
	if reply == "" {
		reply = "echo: " + message
	}
	return &Response{Content: reply, Provider: p.name, Model: "fake-1", TokensUsed: 10, Cost: 0.001}, nil
}

func (p *fakeProvider) HealthCheck(context.Context) error { return p.err }

// newTestGateway builds a gateway with no retry sleeps and a disabled probe
// loop, suitable for synchronous tests.
func newTestGateway(t *testing.T, cfg *Config, providers ...*fakeProvider) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Retry == nil {
		// Keep the tests fast: a single attempt, no backoff sleeps.
		cfg.Retry = &retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	}
	monitor := health.NewMonitor(nil, zap.NewNop())
	t.Cleanup(monitor.Stop)

	var rc *cache.ResponseCache
	if cfg.CacheEnabled {
		rc = cache.New(nil, nil, zap.NewNop())
	}
	g := New(cfg, monitor, rc, nil, zap.NewNop())
	t.Cleanup(func() { _ = g.Close() })
	for i, p := range providers {
		g.RegisterProvider(p, Descriptor{Name: p.name, Priority: i})
	}
	return g
}

func TestChat_Success(t *testing.T) {
	p := &fakeProvider{name: "gemini", reply: "hello there"}
	g := newTestGateway(t, nil, p)

	resp, err := g.Chat(context.Background(), "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "gemini", resp.Provider)
	assert.False(t, resp.IsCached)
	assert.False(t, resp.IsFallback)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestChat_Validation(t *testing.T) {
	g := newTestGateway(t, nil, &fakeProvider{name: "gemini"})

	_, err := g.Chat(context.Background(), "   ", nil, nil)
	assert.True(t, types.HasCode(err, types.ErrValidation))

	long := make([]byte, 10_001)
	for i := range long {
		long[i] = 'a'
	}
	_, err = g.Chat(context.Background(), string(long), nil, nil)
	assert.True(t, types.HasCode(err, types.ErrValidation))
}

func TestChat_CacheSemantics(t *testing.T) {
	// Three identical requests: the first hits the provider, the second and
	// third are served from cache with exactly one provider call total.
	p := &fakeProvider{name: "gemini"}
	g := newTestGateway(t, nil, p)
	ctx := context.Background()

	first, err := g.Chat(ctx, "What is recursion?", map[string]any{"projectId": "p1"}, nil)
	require.NoError(t, err)
	assert.False(t, first.IsCached)

	second, err := g.Chat(ctx, "What is recursion?", map[string]any{"projectId": "p1"}, nil)
	require.NoError(t, err)
	assert.True(t, second.IsCached)
	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.RequestID, second.RequestID, "cached responses get a fresh request id")

	third, err := g.Chat(ctx, "What is recursion?", map[string]any{"projectId": "p1"}, nil)
	require.NoError(t, err)
	assert.True(t, third.IsCached)

	assert.Equal(t, int64(1), p.calls.Load())
}

func TestChat_FailoverToNextProvider(t *testing.T) {
	down := &fakeProvider{name: "gemini", err: errors.New("invalid api key")}
	up := &fakeProvider{name: "openai", reply: "from openai"}
	g := newTestGateway(t, nil, down, up)

	resp, err := g.Chat(context.Background(), "hello world, assistant", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.False(t, resp.IsFallback)
	assert.Equal(t, int64(1), down.calls.Load())
	assert.Equal(t, int64(1), up.calls.Load())
}

func TestChat_AllFailQueueableFallsBackAndQueues(t *testing.T) {
	p1 := &fakeProvider{name: "gemini", err: errors.New("503 service unavailable")}
	p2 := &fakeProvider{name: "openai", err: errors.New("model overloaded")}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	g := newTestGateway(t, cfg, p1, p2)

	resp, err := g.Chat(context.Background(), "please summarize this", nil, nil)
	require.NoError(t, err, "fallback responses are successes")
	assert.True(t, resp.IsFallback)
	assert.NotEmpty(t, resp.FallbackType)
	assert.Equal(t, 1, g.QueueDepth(), "queueable failure parks one request")
}

func TestChat_AllFailNonQueueableNoQueue(t *testing.T) {
	p := &fakeProvider{name: "gemini", err: errors.New("content blocked by safety filter")}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	g := newTestGateway(t, cfg, p)

	resp, err := g.Chat(context.Background(), "please summarize this", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.IsFallback)
	assert.Zero(t, g.QueueDepth())
}

func TestQueueRecovery(t *testing.T) {
	// A queued request succeeds on a later tick once the provider recovers.
	p := &fakeProvider{name: "gemini", err: errors.New("429 rate limit")}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	g := newTestGateway(t, cfg, p)
	ctx := context.Background()

	resp, err := g.Chat(ctx, "what is a goroutine?", nil, nil)
	require.NoError(t, err)
	require.True(t, resp.IsFallback)
	require.Equal(t, 1, g.QueueDepth())

	// Provider recovers; reset its breaker and advance the queue clock past
	// the first backoff.
	p.err = nil
	g.monitor.RecordSuccess("gemini", time.Millisecond)
	require.NoError(t, g.ForceCircuit("gemini", false))
	g.queue.now = func() time.Time { return time.Now().Add(time.Minute) }

	g.processQueue(ctx)

	assert.Zero(t, g.QueueDepth())
	assert.GreaterOrEqual(t, p.calls.Load(), int64(2), "queued request reached the provider")
	assert.Equal(t, int64(1), g.Usage().ProviderSuccess["gemini"])
}

func TestQueueDropAfterMaxRetries(t *testing.T) {
	p := &fakeProvider{name: "gemini", err: errors.New("503")}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	cfg.QueueMaxRetries = 2
	g := newTestGateway(t, cfg, p)
	ctx := context.Background()

	_, err := g.Chat(ctx, "still down?", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, g.QueueDepth())

	// Each tick sees a clock far enough ahead that every backoff has elapsed.
	var offset time.Duration
	g.queue.now = func() time.Time {
		offset += time.Hour
		return time.Now().Add(offset)
	}
	for i := 0; i < 3; i++ {
		g.processQueue(ctx)
	}

	assert.Zero(t, g.QueueDepth())
	assert.Equal(t, int64(1), g.queue.droppedCount())
}

func TestChat_SkipsOpenCircuit(t *testing.T) {
	p1 := &fakeProvider{name: "gemini", reply: "never"}
	p2 := &fakeProvider{name: "openai", reply: "served"}
	g := newTestGateway(t, nil, p1, p2)

	require.NoError(t, g.ForceCircuit("gemini", true))

	resp, err := g.Chat(context.Background(), "hello there friend", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Zero(t, p1.calls.Load(), "open circuit means zero downstream calls")
}

func TestChat_SkipsUnhealthyProvider(t *testing.T) {
	p1 := &fakeProvider{name: "gemini", reply: "never"}
	p2 := &fakeProvider{name: "openai", reply: "served"}
	g := newTestGateway(t, nil, p1, p2)

	// Drive gemini to unhealthy through the monitor.
	for i := 0; i < 5; i++ {
		g.monitor.RecordFailure("gemini", errors.New("down"), 0)
	}
	require.Equal(t, health.StatusUnhealthy, g.monitor.StatusOf("gemini"))

	resp, err := g.Chat(context.Background(), "anyone home?", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Zero(t, p1.calls.Load())
}

func TestChat_PersistsOnSuccessOnly(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	cfg.Retry = &retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	monitor := health.NewMonitor(nil, zap.NewNop())
	t.Cleanup(monitor.Stop)
	g := New(cfg, monitor, nil, store, zap.NewNop())
	t.Cleanup(func() { _ = g.Close() })

	p := &fakeProvider{name: "gemini", reply: "persisted"}
	g.RegisterProvider(p, Descriptor{Name: "gemini"})

	ctx := context.Background()
	_, err := g.Chat(ctx, "save me", map[string]any{"projectId": "p1", "userId": "u1"}, nil)
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "p1", store.saved[0].ProjectID)
	assert.Equal(t, "u1", store.saved[0].UserID)
	assert.Equal(t, "persisted", store.saved[0].Reply)

	// Fallback outcomes are never persisted.
	p.err = errors.New("blocked")
	resp, err := g.Chat(ctx, "save me too", nil, nil)
	require.NoError(t, err)
	require.True(t, resp.IsFallback)
	assert.Len(t, store.saved, 1)
}

func TestClose_RejectsNewChats(t *testing.T) {
	p := &fakeProvider{name: "gemini"}
	g := newTestGateway(t, nil, p)

	require.NoError(t, g.Close())
	_, err := g.Chat(context.Background(), "too late", nil, nil)
	assert.Error(t, err)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	p := &fakeProvider{name: "gemini", err: errors.New("boom")}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	cfg.Breaker = &circuitbreaker.Config{
		CallTimeout:         time.Second,
		ErrorThresholdPct:   50,
		ResetTimeout:        time.Minute,
		MinSuccessesToClose: 1,
	}
	g := newTestGateway(t, cfg, p)

	_, err := g.Chat(context.Background(), "trip it", nil, nil)
	require.NoError(t, err) // fallback

	stats := g.CircuitStats()["gemini"]
	assert.Equal(t, circuitbreaker.StateOpen, stats.State)

	// Circuit now open: the provider is skipped entirely.
	before := p.calls.Load()
	_, err = g.Chat(context.Background(), "trip it again", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, before, p.calls.Load())
}

type fakeStore struct {
	saved []*Interaction
}

func (s *fakeStore) SaveInteraction(_ context.Context, rec *Interaction) error {
	s.saved = append(s.saved, rec)
	return nil
}
