package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod/sandbox"
	cptypes "github.com/codepod-dev/codepod/types"
)

// termRuntime fakes the container runtime with a net.Pipe per attach: the
// test drives the "container" end while the manager pumps the session end.
type termRuntime struct {
	mu sync.Mutex

	cfg     *container.Config
	hostCfg *container.HostConfig
	ptyEnd  net.Conn // test side of the attached stream
	waitCh  chan container.WaitResponse
	waitErr chan error
	killed  int32
	removed int32
	resizes []string
}

func newTermRuntime() *termRuntime {
	return &termRuntime{
		waitCh:  make(chan container.WaitResponse, 1),
		waitErr: make(chan error, 1),
	}
}

func (f *termRuntime) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.hostCfg = hostCfg
	return "term-cid", nil
}

func (f *termRuntime) ContainerStart(context.Context, string) error { return nil }

func (f *termRuntime) ContainerWait(context.Context, string) (<-chan container.WaitResponse, <-chan error) {
	return f.waitCh, f.waitErr
}

func (f *termRuntime) ContainerLogs(context.Context, string) (io.ReadCloser, error) {
	return nil, nil
}

func (f *termRuntime) ContainerKill(context.Context, string) error {
	atomic.AddInt32(&f.killed, 1)
	return nil
}

func (f *termRuntime) ContainerRemove(context.Context, string) error {
	atomic.AddInt32(&f.removed, 1)
	return nil
}

func (f *termRuntime) ContainerAttach(context.Context, string) (types.HijackedResponse, error) {
	sessionEnd, ptyEnd := net.Pipe()
	f.mu.Lock()
	f.ptyEnd = ptyEnd
	f.mu.Unlock()
	return types.HijackedResponse{Conn: sessionEnd, Reader: bufio.NewReader(sessionEnd)}, nil
}

func (f *termRuntime) ContainerResize(_ context.Context, _ string, cols, rows uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, fmt.Sprintf("%dx%d", cols, rows))
	return nil
}

func (f *termRuntime) pty() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ptyEnd
}

func (f *termRuntime) removedCount() int32 { return atomic.LoadInt32(&f.removed) }

// recordSink collects emitted events.
type recordSink struct {
	mu     sync.Mutex
	data   []string
	exits  []string
	errors []string
}

func (r *recordSink) Data(_ string, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, string(chunk))
}

func (r *recordSink) Exit(_ string, code *int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, reason)
}

func (r *recordSink) Error(_ string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *recordSink) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.data, "")
}

func (r *recordSink) exitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exits)
}

func newTestManager(t *testing.T, rt *termRuntime) *Manager {
	t.Helper()
	m := NewManager(rt, sandbox.NewCatalog(), nil, nil)
	t.Cleanup(m.Close)
	return m
}

func startSession(t *testing.T, m *Manager, rt *termRuntime, lang string) (*Session, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	s, err := m.StartSession(context.Background(), StartRequest{
		SocketID:  "sock-1",
		ProjectID: "p1",
		UserID:    "u1",
		Language:  lang,
	}, sink)
	require.NoError(t, err)
	return s, sink
}

func TestStartSession_TTYContainerSpec(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)

	s, _ := startSession(t, m, rt, "python")
	assert.Equal(t, "python", s.Language)
	assert.Equal(t, 1, m.Count())

	cfg := rt.cfg
	require.NotNil(t, cfg)
	assert.True(t, cfg.Tty)
	assert.True(t, cfg.OpenStdin)
	assert.True(t, cfg.NetworkDisabled)
	assert.Equal(t, "python:3.12-alpine", cfg.Image)
	assert.Equal(t, []string{"python3", "-i", "-q"}, []string(cfg.Cmd))
	assert.Equal(t, container.NetworkMode("none"), rt.hostCfg.NetworkMode)
}

func TestStartSession_UnsupportedLanguageFallsBack(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)

	s, _ := startSession(t, m, rt, "cobol")
	assert.Equal(t, sandbox.DefaultLanguage, s.Language)
}

func TestSession_OutputPumpedThroughProcessor(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	_, sink := startSession(t, m, rt, "python")

	go func() {
		rt.pty().Write([]byte(">>> 4\r\n"))
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(sink.output(), ">>> 4\n")
	}, time.Second, 10*time.Millisecond)
}

func TestSession_InputReachesContainerVerbatim(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	s, _ := startSession(t, m, rt, "python")

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := rt.pty().Read(buf)
		got <- buf[:n]
	}()

	input := []byte("print(2+2)\n\x03")
	require.NoError(t, m.Write(s.ID, input))

	select {
	case b := <-got:
		assert.Equal(t, input, b, "input bytes, including 0x03, must pass through untouched")
	case <-time.After(time.Second):
		t.Fatal("input never reached the container")
	}
}

func TestStop_CleansUpAndEmitsExitOnce(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	s, sink := startSession(t, m, rt, "bash")

	require.NoError(t, m.Stop(s.ID))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int32(1), rt.removedCount())
	assert.Equal(t, 1, sink.exitCount())

	err := m.Stop(s.ID)
	assert.True(t, cptypes.HasCode(err, cptypes.ErrSessionNotActive))

	err = m.Write(s.ID, []byte("x"))
	assert.True(t, cptypes.HasCode(err, cptypes.ErrSessionNotActive))
}

func TestCleanup_Idempotent(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	s, sink := startSession(t, m, rt, "bash")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.cleanup(s, true, "stopped by client")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rt.removedCount(), "exactly one runtime remove")
	assert.Equal(t, 1, sink.exitCount(), "at most one exit event")
}

func TestDisconnectSocket_NoExitEvents(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	_, sink := startSession(t, m, rt, "bash")

	m.DisconnectSocket("sock-1")
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int32(1), rt.removedCount())
	assert.Equal(t, 0, sink.exitCount(), "disconnect cleanup must not emit exit")
}

func TestContainerExit_EmitsExitWithCode(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	s, sink := startSession(t, m, rt, "bash")

	rt.waitCh <- container.WaitResponse{StatusCode: 0}

	require.Eventually(t, func() bool {
		return sink.exitCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Count())
	require.NotNil(t, s.ExitCode())
	assert.Equal(t, 0, *s.ExitCode())
}

func TestReapIdle(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	s, sink := startSession(t, m, rt, "bash")

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	m.reapIdle()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, sink.exitCount())
}

func TestResize(t *testing.T) {
	rt := newTermRuntime()
	m := newTestManager(t, rt)
	s, _ := startSession(t, m, rt, "bash")

	// Non-positive dimensions are silently ignored.
	require.NoError(t, m.Resize(context.Background(), s.ID, 0, 24))
	require.NoError(t, m.Resize(context.Background(), s.ID, 80, -1))
	require.NoError(t, m.Resize(context.Background(), s.ID, 80, 24))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"80x24"}, rt.resizes)
}

func TestSessionLimit(t *testing.T) {
	rt := newTermRuntime()
	m := NewManager(rt, sandbox.NewCatalog(), &ManagerConfig{MaxSessions: 1}, nil)
	t.Cleanup(m.Close)

	_, _ = startSession(t, m, rt, "bash")
	_, err := m.StartSession(context.Background(), StartRequest{SocketID: "sock-2", Language: "bash"}, &recordSink{})
	assert.True(t, cptypes.HasCode(err, cptypes.ErrValidation))
}
