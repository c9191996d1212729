package room

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	outboundBufferSize = 64
	writeDeadline      = 10 * time.Second
)

// Socket is the subset of *websocket.Conn the room layer writes to.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection binds one live socket to its admitted identity. It is owned by
// the Manager for the socket's lifetime.
type Connection struct {
	ID        uint64
	SessionID string
	ProjectID string
	FileID    string
	UserID    string
	Wallet    string
	Username  string

	socket   Socket
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// ConnectionConfig describes the inputs required to build a Connection.
type ConnectionConfig struct {
	SessionID string
	ProjectID string
	FileID    string
	UserID    string
	Wallet    string
	Username  string
	Socket    Socket
	Logger    *zap.Logger
}

// NewConnection wraps an upgraded socket. The connection id is assigned by
// the Manager at admission.
func NewConnection(cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		SessionID: cfg.SessionID,
		ProjectID: cfg.ProjectID,
		FileID:    cfg.FileID,
		UserID:    cfg.UserID,
		Wallet:    cfg.Wallet,
		Username:  cfg.Username,
		socket:    cfg.Socket,
		outbound:  make(chan []byte, outboundBufferSize),
		closed:    make(chan struct{}),
		logger:    logger,
	}
}

// Send enqueues one binary frame for delivery. Delivery is best effort: a
// closed connection or a full outbound buffer drops the frame and reports
// false without blocking the caller.
func (c *Connection) Send(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- payload:
		return true
	default:
		c.logger.Warn("outbound buffer full, dropping frame",
			zap.String("file_id", c.FileID),
			zap.String("session_id", c.SessionID))
		return false
	}
}

// WritePump drains the outbound queue onto the socket until the connection
// closes or a write fails. Run it on its own goroutine; it is the only writer
// to the underlying socket.
func (c *Connection) WritePump() {
	for {
		select {
		case payload := <-c.outbound:
			if err := c.socket.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Warn("socket write failed",
					zap.String("file_id", c.FileID),
					zap.String("session_id", c.SessionID),
					zap.Error(err))
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// CloseWithCode sends a close control frame before tearing the socket down.
func (c *Connection) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(writeDeadline)
	message := websocket.FormatCloseMessage(code, reason)
	if err := c.socket.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		c.logger.Debug("close control write failed", zap.Error(err))
	}
	c.Close()
}

// Close tears the socket down. Safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.closed)
		if err := c.socket.Close(); err != nil {
			c.logger.Debug("socket close failed", zap.Error(err))
		}
	})
}
