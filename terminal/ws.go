package terminal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client → server event types.
const (
	evStart  = "terminal:start"
	evInput  = "terminal:input"
	evResize = "terminal:resize"
	evStop   = "terminal:stop"
)

// Server → client event types.
const (
	evReady = "terminal:ready"
	evData  = "terminal:data"
	evExit  = "terminal:exit"
	evError = "terminal:error"
)

const writeTimeout = 10 * time.Second

// clientEvent is the inbound JSON frame.
type clientEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Language  string `json:"language,omitempty"`
	Input     string `json:"input,omitempty"`
	// InputB64 carries raw bytes that cannot round-trip through a JSON
	// string (control sequences, partial UTF-8). Takes precedence over
	// Input when both are set.
	InputB64 string `json:"inputB64,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

// inputBytes resolves the payload of a terminal:input event.
func inputBytes(ev clientEvent) ([]byte, error) {
	if ev.InputB64 != "" {
		data, err := base64.StdEncoding.DecodeString(ev.InputB64)
		if err != nil {
			return nil, errors.New("invalid base64 input")
		}
		return data, nil
	}
	return []byte(ev.Input), nil
}

// serverEvent is the outbound JSON frame.
type serverEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// WSHandler upgrades HTTP requests to websocket terminal connections and
// speaks the terminal:* event protocol on them.
type WSHandler struct {
	manager *Manager
	logger  *zap.Logger

	// AllowedOrigins is forwarded to the websocket accept options. Empty
	// means same-origin only.
	AllowedOrigins []string
}

// NewWSHandler creates the handler.
func NewWSHandler(manager *Manager, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		manager: manager,
		logger:  logger.With(zap.String("component", "terminal_ws")),
	}
}

// ServeHTTP accepts the websocket and runs the event loop until the client
// disconnects. All sessions opened on this socket are cleaned up on exit.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.AllowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	socketID := uuid.NewString()
	sock := &socketConn{conn: conn}
	h.logger.Info("terminal socket connected", zap.String("socket_id", socketID))

	defer func() {
		h.manager.DisconnectSocket(socketID)
		sock.close(websocket.StatusNormalClosure, "bye")
		h.logger.Info("terminal socket closed", zap.String("socket_id", socketID))
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			sock.send(ctx, serverEvent{Type: evError, Message: "malformed event"})
			continue
		}
		h.dispatch(ctx, socketID, sock, ev)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, socketID string, sock *socketConn, ev clientEvent) {
	switch ev.Type {
	case evStart:
		s, err := h.manager.StartSession(ctx, StartRequest{
			SocketID:  socketID,
			ProjectID: ev.ProjectID,
			UserID:    ev.UserID,
			Language:  ev.Language,
		}, &socketSink{sock: sock})
		if err != nil {
			sock.send(ctx, serverEvent{Type: evError, Message: err.Error()})
			return
		}
		sock.send(ctx, serverEvent{Type: evReady, SessionID: s.ID})

	case evInput:
		payload, err := inputBytes(ev)
		if err != nil {
			sock.send(ctx, serverEvent{Type: evError, SessionID: ev.SessionID, Message: err.Error()})
			return
		}
		if err := h.manager.Write(ev.SessionID, payload); err != nil {
			sock.send(ctx, serverEvent{Type: evError, SessionID: ev.SessionID, Message: err.Error()})
		}

	case evResize:
		if err := h.manager.Resize(ctx, ev.SessionID, ev.Cols, ev.Rows); err != nil {
			sock.send(ctx, serverEvent{Type: evError, SessionID: ev.SessionID, Message: err.Error()})
		}

	case evStop:
		if err := h.manager.Stop(ev.SessionID); err != nil {
			sock.send(ctx, serverEvent{Type: evError, SessionID: ev.SessionID, Message: err.Error()})
		}

	default:
		sock.send(ctx, serverEvent{Type: evError, Message: "unknown event type: " + ev.Type})
	}
}

// socketConn serializes websocket writes; the protocol does not allow
// concurrent writers.
type socketConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *socketConn) send(ctx context.Context, ev serverEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = c.conn.Write(wctx, websocket.MessageText, data)
}

func (c *socketConn) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close(code, reason)
}

// socketSink forwards manager events to the socket. Session goroutines
// outlive individual reads, so writes use a background context.
type socketSink struct {
	sock *socketConn
}

func (s *socketSink) Data(sessionID string, chunk []byte) {
	s.sock.send(context.Background(), serverEvent{Type: evData, SessionID: sessionID, Chunk: string(chunk)})
}

func (s *socketSink) Exit(sessionID string, code *int, reason string) {
	s.sock.send(context.Background(), serverEvent{Type: evExit, SessionID: sessionID, Code: code, Reason: reason})
}

func (s *socketSink) Error(sessionID, message string) {
	s.sock.send(context.Background(), serverEvent{Type: evError, SessionID: sessionID, Message: message})
}
