package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/spindle-ai/spindle/pkg/metrics"
	"github.com/spindle-ai/spindle/pkg/pipeline"
	"github.com/spindle-ai/spindle/pkg/session"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// TurnRunner runs one chat turn. Implemented by the pipeline
// orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, req pipeline.TurnRequest, emit pipeline.Emitter)
}

// ConnectionManager owns all WebSocket connections for the process.
// Inbound messages on one connection are dispatched sequentially; a
// chat dispatch spawns its own goroutine so a cancel can overtake it.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	registry *session.Registry
	runner   TurnRunner
	metrics  *metrics.Metrics // nil disables recording
	logger   *slog.Logger

	writeTimeout time.Duration
	turns        sync.WaitGroup
}

// Connection is a single WebSocket client. Writes are serialized by
// writeMu so concurrent turns on the same socket cannot interleave
// partial frames.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// NewConnectionManager creates the process-global connection manager.
func NewConnectionManager(registry *session.Registry, runner TurnRunner, m *metrics.Metrics, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		registry:     registry,
		runner:       runner,
		metrics:      m,
		logger:       logger.With("component", "gateway"),
		writeTimeout: DefaultWriteTimeout,
	}
}

// HandleConnection manages one WebSocket connection. Called by the HTTP
// handler after upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, Frame{
		Type: FrameSessionStart,
		Data: map[string]any{"session_id": connID},
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid websocket message", "connection_id", connID, "error", err)
			continue
		}

		m.dispatch(ctx, c, &msg)
	}
}

// dispatch routes one inbound message. Unknown types are ignored.
func (m *ConnectionManager) dispatch(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case MessageChat:
		var req pipeline.TurnRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			m.sendJSON(c, Frame{
				Type: FrameError,
				Data: map[string]any{"error": "malformed chat payload"},
			})
			return
		}
		// The turn outlives the socket: a disconnect right after done
		// must not abort post-response persistence. Cancellation flows
		// through the session token instead.
		turnCtx := context.WithoutCancel(ctx)
		m.turns.Add(1)
		go func() {
			defer m.turns.Done()
			m.runner.RunTurn(turnCtx, req, &connEmitter{manager: m, conn: c})
		}()

	case MessageCancel:
		if !m.registry.Cancel(msg.SessionID) {
			m.sendJSON(c, Frame{
				Type: FrameError,
				Data: map[string]any{
					"error":      "unknown session",
					"session_id": msg.SessionID,
				},
			})
		}

	case MessagePing:
		m.sendJSON(c, Frame{Type: FramePong})

	default:
		m.logger.Debug("ignoring unknown message type",
			"connection_id", c.ID, "type", msg.Type)
	}
}

// ActiveConnections returns the number of open connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Shutdown closes every connection and waits for in-flight turns.
func (m *ConnectionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with turns still running")
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
	}
	m.logger.Info("connection opened", "connection_id", c.ID)
}

func (m *ConnectionManager) unregister(c *Connection) {
	c.cancel()
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}
	m.logger.Info("connection closed", "connection_id", c.ID)
}

func (m *ConnectionManager) sendJSON(c *Connection, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Warn("failed to marshal frame", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("failed to send frame",
			"connection_id", c.ID, "type", frame.Type, "error", err)
	}
}

// sendRaw writes one frame with a write timeout, serialized per
// connection.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

// connEmitter delivers a turn's frames over its originating connection.
type connEmitter struct {
	manager *ConnectionManager
	conn    *Connection
}

func (e *connEmitter) Emit(frameType string, data map[string]any) {
	e.manager.sendJSON(e.conn, Frame{Type: frameType, Data: data})
}
