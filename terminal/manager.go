package terminal

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/metrics"
	"github.com/codepod-dev/codepod/sandbox"
	cptypes "github.com/codepod-dev/codepod/types"
)

const (
	// DefaultIdleThreshold reaps sessions with no activity for this long.
	DefaultIdleThreshold = 30 * time.Minute
	// DefaultReapInterval is the idle-scan period.
	DefaultReapInterval = time.Minute

	readBufSize = 4 << 10
)

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	IdleThreshold time.Duration `json:"idleThreshold" yaml:"idle_threshold"`
	ReapInterval  time.Duration `json:"reapInterval" yaml:"reap_interval"`
	MaxSessions   int           `json:"maxSessions" yaml:"max_sessions"`
}

// DefaultManagerConfig 返回会话管理器的默认配置
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		IdleThreshold: DefaultIdleThreshold,
		ReapInterval:  DefaultReapInterval,
		MaxSessions:   50,
	}
}

// StartRequest describes a terminal:start event.
type StartRequest struct {
	SocketID  string
	ProjectID string
	UserID    string
	Language  string
}

// Manager owns all interactive sessions: creation, input routing, resize,
// idle reaping, and idempotent cleanup.
type Manager struct {
	rt      sandbox.Runtime
	catalog *sandbox.Catalog
	config  *ManagerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. A nil config uses the defaults.
func NewManager(rt sandbox.Runtime, catalog *sandbox.Catalog, config *ManagerConfig, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.IdleThreshold <= 0 {
		config.IdleThreshold = DefaultIdleThreshold
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rt:       rt,
		catalog:  catalog,
		config:   config,
		logger:   logger.With(zap.String("component", "terminal_manager")),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the idle reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

// Close stops the reaper and tears down every remaining session. Cleanup
// runs before the wait: pump goroutines only unblock once their streams
// close.
func (m *Manager) Close() {
	m.cancel()
	for _, s := range m.snapshot() {
		m.cleanup(s, false, "server shutdown")
	}
	m.wg.Wait()
}

// StartSession creates a TTY container for the requested language, attaches
// its stream, and begins pumping output to the sink. Unsupported languages
// fall back to the default shell entry.
func (m *Manager) StartSession(ctx context.Context, req StartRequest, sink EventSink) (*Session, error) {
	if m.config.MaxSessions > 0 && m.Count() >= m.config.MaxSessions {
		return nil, cptypes.NewError(cptypes.ErrValidation, "session limit reached")
	}

	langID := req.Language
	if !m.catalog.IsSupported(langID) {
		m.logger.Info("unsupported terminal language, using default",
			zap.String("requested", langID), zap.String("default", sandbox.DefaultLanguage))
		langID = sandbox.DefaultLanguage
	}
	lang, _ := m.catalog.Get(langID)

	id := uuid.NewString()
	name := "codepod-term-" + id[:8]

	cfg := &container.Config{
		Image:           lang.Image,
		Cmd:             replCommand(lang),
		WorkingDir:      "/tmp",
		User:            sandbox.SandboxUser,
		Env:             []string{"HOME=/tmp", "PATH=" + sandbox.SandboxPath, "TERM=xterm-256color"},
		Tty:             true,
		OpenStdin:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}

	cid, err := m.rt.ContainerCreate(ctx, cfg, sandbox.HostConfigFor(lang), name)
	if err != nil {
		return nil, cptypes.NewError(cptypes.ErrRuntimeUnavailable, "terminal container create failed").WithCause(err)
	}

	// Attach before start so the first bytes of output are never lost.
	stream, err := m.rt.ContainerAttach(ctx, cid)
	if err != nil {
		m.removeContainer(cid)
		return nil, cptypes.NewError(cptypes.ErrRuntimeUnavailable, "terminal attach failed").WithCause(err)
	}
	if err := m.rt.ContainerStart(ctx, cid); err != nil {
		stream.Close()
		m.removeContainer(cid)
		return nil, cptypes.NewError(cptypes.ErrRuntimeUnavailable, "terminal container start failed").WithCause(err)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		SocketID:     req.SocketID,
		ProjectID:    req.ProjectID,
		UserID:       req.UserID,
		Language:     lang.ID,
		ContainerID:  cid,
		CreatedAt:    now,
		lastActivity: now,
		stream:       stream,
		proc:         NewStreamProcessor(nil),
		sink:         sink,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	m.wg.Add(2)
	go m.pump(s)
	go m.waitExit(s)

	m.logger.Info("terminal session started",
		zap.String("session_id", id),
		zap.String("language", lang.ID),
		zap.String("socket_id", req.SocketID),
	)
	return s, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Write routes terminal:input to the session's container.
func (m *Manager) Write(id string, input []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return cptypes.NewError(cptypes.ErrSessionNotActive, "session not found")
	}
	return s.Write(input)
}

// Resize forwards a TTY resize. Non-positive dimensions are ignored.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	s, ok := m.Get(id)
	if !ok {
		return cptypes.NewError(cptypes.ErrSessionNotActive, "session not found")
	}
	s.Touch()
	return m.rt.ContainerResize(ctx, s.ContainerID, uint(cols), uint(rows))
}

// Stop ends the session and emits terminal:exit.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return cptypes.NewError(cptypes.ErrSessionNotActive, "session not found")
	}
	m.cleanup(s, true, "stopped by client")
	return nil
}

// DisconnectSocket tears down every session owned by socketID. No exit
// events are emitted; the peer is already gone.
func (m *Manager) DisconnectSocket(socketID string) {
	for _, s := range m.snapshot() {
		if s.SocketID == socketID {
			m.cleanup(s, false, "socket disconnected")
		}
	}
}

// pump copies container output to the sink through the stream processor.
func (m *Manager) pump(s *Session) {
	defer m.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := s.stream.Reader.Read(buf)
		if n > 0 {
			for _, chunk := range s.proc.Process(buf[:n]) {
				s.sink.Data(s.ID, chunk)
			}
		}
		if err != nil {
			if tail := s.proc.Flush(); len(tail) > 0 {
				s.sink.Data(s.ID, tail)
			}
			if err != io.EOF && !s.isCleaning() {
				s.sink.Error(s.ID, "terminal stream error: "+err.Error())
			}
			m.cleanup(s, true, "stream closed")
			return
		}
	}
}

// waitExit records the container exit code and triggers cleanup.
func (m *Manager) waitExit(s *Session) {
	defer m.wg.Done()
	waitCh, errCh := m.rt.ContainerWait(m.ctx, s.ContainerID)
	select {
	case wr := <-waitCh:
		s.setExitCode(int(wr.StatusCode))
		m.cleanup(s, true, "container exited")
	case <-errCh:
		m.cleanup(s, true, "container exited")
	case <-m.ctx.Done():
	}
}

// cleanup tears a session down exactly once: close the stream, remove the
// container, drop it from the map, and optionally emit terminal:exit.
func (m *Manager) cleanup(s *Session, emitExit bool, reason string) {
	if !s.beginCleanup() {
		return
	}

	s.stream.Close()
	m.removeContainer(s.ContainerID)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()

	if emitExit {
		s.sink.Exit(s.ID, s.ExitCode(), reason)
	}
	m.logger.Info("terminal session ended",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.Bool("emit_exit", emitExit),
	)
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.config.IdleThreshold)
	for _, s := range m.snapshot() {
		if s.LastActivity().Before(cutoff) {
			metrics.SessionsReaped.Inc()
			m.cleanup(s, true, "idle timeout")
		}
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) removeContainer(cid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.rt.ContainerKill(ctx, cid)
	if err := m.rt.ContainerRemove(ctx, cid); err != nil {
		m.logger.Warn("terminal container remove failed", zap.String("container_id", cid), zap.Error(err))
	}
}

// replCommand picks the interactive entrypoint for a language. Languages
// without a REPL get the default shell.
func replCommand(lang sandbox.Language) []string {
	switch lang.ID {
	case "python":
		return []string{"python3", "-i", "-q"}
	case "javascript", "typescript":
		return []string{"node", "-i"}
	case "ruby":
		return []string{"irb", "--simple-prompt"}
	case "bash":
		return []string{"bash", "-i"}
	default:
		return []string{"/bin/sh", "-i"}
	}
}
