package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/forgeide/collab/backend/internal/auth"
	"github.com/forgeide/collab/backend/internal/collab"
	"github.com/forgeide/collab/backend/internal/collab/room"
	"github.com/forgeide/collab/backend/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "collab_identity"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSessionService = errors.New("session service dependency required")
	errMissingRoomManager    = errors.New("room manager dependency required")
	errMissingCollabHandler  = errors.New("collab handler dependency required")
)

// TokenValidator checks a bearer token and returns the identity it carries.
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	TokenValidator TokenValidator
	Sessions       *session.Service
	Rooms          *room.Manager
	Collab         *collab.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router: the socket admission endpoint plus
// read-only projections of session, presence, and room state.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionService
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomManager
	}
	if deps.Collab == nil {
		return nil, errMissingCollabHandler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenValidator,
		sessions: deps.Sessions,
		rooms:    deps.Rooms,
		collab:   deps.Collab,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleCollabSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/files/:fileId/sessions", handler.handleFileSessions)
	protected.GET("/files/:fileId/presence", handler.handleFilePresence)
	protected.GET("/rooms", handler.handleRoomOccupancy)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	sessions *session.Service
	rooms    *room.Manager
	collab   *collab.Handler
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.tokens.Validate(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, claims)
	c.Next()
}

type sessionPayload struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	FileID         string `json:"file_id"`
	UserID         string `json:"user_id"`
	UserWallet     string `json:"user_wallet"`
	Username       string `json:"username"`
	JoinedAt       int64  `json:"joined_at_ms"`
	LastActivityAt int64  `json:"last_activity_at_ms"`
	LeftAt         *int64 `json:"left_at_ms,omitempty"`
	IsActive       bool   `json:"is_active"`
}

func (h *httpHandler) handleFileSessions(c *gin.Context) {
	fileID := c.Param("fileId")
	activeOnly := c.Query("active") == "true"

	records, err := h.sessions.ListFileSessions(c.Request.Context(), fileID, activeOnly)
	if err != nil {
		h.logger.Error("failed to list file sessions", zap.String("file_id", fileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	payloads := make([]sessionPayload, 0, len(records))
	for _, record := range records {
		payload := sessionPayload{
			ID:             record.ID,
			ProjectID:      record.ProjectID,
			FileID:         record.FileID,
			UserID:         record.UserID,
			UserWallet:     record.UserWallet,
			Username:       record.Username,
			JoinedAt:       record.JoinedAt.UnixMilli(),
			LastActivityAt: record.LastActivityAt.UnixMilli(),
			IsActive:       record.IsActive,
		}
		if record.LeftAt != nil {
			leftAt := record.LeftAt.UnixMilli()
			payload.LeftAt = &leftAt
		}
		payloads = append(payloads, payload)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": payloads})
}

func (h *httpHandler) handleFilePresence(c *gin.Context) {
	fileID := c.Param("fileId")
	entries := h.sessions.FilePresence(c.Request.Context(), fileID)
	c.JSON(http.StatusOK, gin.H{"presence": entries})
}

func (h *httpHandler) handleRoomOccupancy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.OccupancyAll()})
}
