package terminal

import (
	"sync"
	"time"

	"github.com/docker/docker/api/types"

	cptypes "github.com/codepod-dev/codepod/types"
)

// EventSink receives server-side session events. The websocket layer
// implements it; sinks must tolerate concurrent calls.
type EventSink interface {
	Data(sessionID string, chunk []byte)
	Exit(sessionID string, code *int, reason string)
	Error(sessionID string, message string)
}

// Session is one live interactive terminal bound to a TTY container.
type Session struct {
	ID          string
	SocketID    string
	ProjectID   string
	UserID      string
	Language    string
	ContainerID string
	CreatedAt   time.Time

	stream types.HijackedResponse
	proc   *StreamProcessor
	sink   EventSink

	mu           sync.Mutex
	lastActivity time.Time
	cleaning     bool
	exitCode     *int
}

// Write sends input verbatim to the container. Bytes are never rewritten, so
// a single 0x03 (Ctrl-C) reaches the TTY untouched.
func (s *Session) Write(input []byte) error {
	s.mu.Lock()
	if s.cleaning {
		s.mu.Unlock()
		return cptypes.NewError(cptypes.ErrSessionNotActive, "session is shutting down")
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	_, err := s.stream.Conn.Write(input)
	return err
}

// Touch records activity for the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent input or touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) isCleaning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleaning
}

// beginCleanup flips the cleaning guard. Returns false when another cleanup
// already owns the session.
func (s *Session) beginCleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaning {
		return false
	}
	s.cleaning = true
	return true
}

func (s *Session) setExitCode(code int) {
	s.mu.Lock()
	s.exitCode = &code
	s.mu.Unlock()
}

// ExitCode returns the container exit code, when known.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}
