// Package collab runs the per-connection sync protocol: the two-phase
// handshake that converges a joining replica, the incremental update
// exchange, and awareness propagation, wired to the session lifecycle.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/forgeide/collab/backend/internal/auth"
	"github.com/forgeide/collab/backend/internal/collab/document"
	"github.com/forgeide/collab/backend/internal/collab/protocol"
	"github.com/forgeide/collab/backend/internal/collab/room"
	"github.com/forgeide/collab/backend/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const teardownTimeout = 5 * time.Second

var (
	errMissingRegistry = errors.New("document registry is required")
	errMissingRooms    = errors.New("room manager is required")
	errMissingSessions = errors.New("session service is required")
)

// ClientSocket is the full socket surface one connection needs: the write
// half used by the room layer plus the inbound frame reader.
type ClientSocket interface {
	room.Socket
	ReadMessage() (messageType int, p []byte, err error)
}

// HandlerConfig describes the dependencies of the protocol handler.
type HandlerConfig struct {
	Registry *document.Registry
	Rooms    *room.Manager
	Sessions *session.Service
	Logger   *zap.Logger
}

// Handler drives one goroutine per admitted socket through the sync
// protocol until the socket closes.
type Handler struct {
	registry *document.Registry
	rooms    *room.Manager
	sessions *session.Service
	logger   *zap.Logger
}

// NewHandler validates the configuration and returns a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: cfg.Registry,
		rooms:    cfg.Rooms,
		sessions: cfg.Sessions,
		logger:   logger,
	}, nil
}

// awarenessState is the conventional shape of the ephemeral state blob. The
// blob is relayed verbatim either way; parsing it is only a best-effort way
// to feed cursor positions into the presence cache.
type awarenessState struct {
	Cursor *session.CursorPosition `json:"cursor,omitempty"`
}

type connectionState struct {
	clientID    uint64
	hasClientID bool
}

// Serve admits the authenticated socket into its file's room and processes
// inbound frames in arrival order until the socket closes. It blocks for the
// socket's lifetime.
func (h *Handler) Serve(ctx context.Context, socket ClientSocket, identity auth.Claims, projectID, fileID string) {
	record, err := h.sessions.Create(ctx, session.CreateParams{
		ProjectID:  projectID,
		FileID:     fileID,
		UserID:     identity.UserID,
		UserWallet: identity.Wallet,
		Username:   identity.Username,
	})
	if err != nil {
		h.logger.Error("session creation failed, refusing admission",
			zap.String("file_id", fileID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		refuse(socket, websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	conn := room.NewConnection(room.ConnectionConfig{
		SessionID: record.ID,
		ProjectID: projectID,
		FileID:    fileID,
		UserID:    identity.UserID,
		Wallet:    identity.Wallet,
		Username:  identity.Username,
		Socket:    socket,
		Logger:    h.logger,
	})
	h.rooms.Admit(conn)
	go conn.WritePump()

	handle := h.registry.GetOrCreate(fileID)
	state := &connectionState{}
	defer h.teardown(conn, handle, state)

	// Step 1 of the handshake: tell the new client what this replica has so
	// it can send back only what is missing. The client does the reverse.
	conn.Send(protocol.EncodeSyncRequest(handle.Heads()))

	for {
		messageType, frame, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		h.dispatch(ctx, conn, handle, state, frame)
	}
}

// dispatch routes one decoded frame. A frame that fails to decode or apply
// is dropped with a log line; the connection stays open.
func (h *Handler) dispatch(ctx context.Context, conn *room.Connection, handle *document.Handle, state *connectionState, frame []byte) {
	message, err := protocol.Decode(frame)
	if err != nil {
		h.logger.Warn("malformed frame dropped",
			zap.String("file_id", conn.FileID),
			zap.String("session_id", conn.SessionID),
			zap.Error(err))
		return
	}

	switch m := message.(type) {
	case protocol.SyncRequest:
		// Answered point-to-point only, never broadcast.
		diff, err := handle.ChangesSince(m.Heads)
		if err != nil {
			h.logger.Error("diff computation failed",
				zap.String("file_id", conn.FileID),
				zap.Error(err))
			return
		}
		conn.Send(protocol.EncodeSyncDiff(diff))
		h.sessions.Touch(conn.SessionID)

	case protocol.SyncDiff:
		mutated, err := handle.ApplyUpdate(m.Update)
		if err != nil {
			h.logger.Warn("update rejected by replica",
				zap.String("file_id", conn.FileID),
				zap.String("session_id", conn.SessionID),
				zap.Error(err))
			return
		}
		if mutated {
			h.rooms.Broadcast(conn.FileID, frame, conn.ID)
		}
		h.sessions.Touch(conn.SessionID)

	case protocol.AwarenessUpdate:
		state.clientID = m.ClientID
		state.hasClientID = true
		handle.SetAwareness(m.ClientID, m.State)
		h.recordCursor(ctx, conn, m.State)
		h.rooms.Broadcast(conn.FileID, frame, conn.ID)
		h.sessions.Touch(conn.SessionID)
	}
}

// recordCursor feeds a parseable cursor into the presence cache. Opaque or
// cursorless blobs are relayed without touching presence.
func (h *Handler) recordCursor(ctx context.Context, conn *room.Connection, blob []byte) {
	if len(blob) == 0 {
		return
	}
	var parsed awarenessState
	if err := json.Unmarshal(blob, &parsed); err != nil || parsed.Cursor == nil {
		return
	}
	h.sessions.UpdateCursor(ctx, conn.SessionID, conn.UserID, conn.Username, conn.Wallet, conn.FileID, *parsed.Cursor)
}

// teardown runs on every exit from Serve: tombstone the client's awareness
// entry for the rest of the room, evict the connection (which GCs the file's
// state if the room emptied), and close the durable session.
func (h *Handler) teardown(conn *room.Connection, handle *document.Handle, state *connectionState) {
	if state.hasClientID {
		handle.ClearAwareness(state.clientID)
		h.rooms.Broadcast(conn.FileID, protocol.EncodeAwareness(state.clientID, nil), conn.ID)
	}
	h.rooms.Evict(conn)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := h.sessions.End(ctx, conn.SessionID); err != nil {
		h.logger.Error("session end failed",
			zap.String("session_id", conn.SessionID),
			zap.String("file_id", conn.FileID),
			zap.Error(err))
	}
}

func refuse(socket room.Socket, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(code, reason)
	_ = socket.WriteControl(websocket.CloseMessage, message, deadline)
	_ = socket.Close()
}
