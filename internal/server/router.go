package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/protocol"
	"github.com/MarcoPoloResearchLab/docrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "docrelay_subject"

const (
	errorMissingDocOrClient   = "Missing docId or clientId"
	errorMissingFields        = "Missing required fields"
	errorMissingDocOrUpdate   = "Missing docId or updateId"
	errorUpdateNotFound       = "Update not found"
	errorProcessUpdateFailed  = "Failed to process update"
	errorFetchUpdateFailed    = "Failed to fetch update"
	errorSnapshotFailed       = "Failed to store snapshot"
	errorSnapshotUnavailable  = "Snapshot archive not configured"
	errorUnauthorizedResponse = "unauthorized"
)

var (
	errMissingCoordinator   = errors.New("relay coordinator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens on protected routes.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. TokenValidator is optional; when nil
// the relay runs open.
type Dependencies struct {
	Coordinator    *relay.Coordinator
	TokenValidator TokenValidator
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the sync protocol.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		tokens:      deps.TokenValidator,
		logger:      logger,
	}

	routes := router.Group("/")
	if deps.TokenValidator != nil {
		routes.Use(handler.authorizeRequest)
	}
	routes.GET("/sync", handler.handleSyncState)
	routes.POST("/sync", handler.handlePushUpdate)
	routes.PUT("/sync", handler.handleFetchUpdate)
	routes.POST("/sync/snapshot", handler.handleSaveSnapshot)

	return router, nil
}

type httpHandler struct {
	coordinator *relay.Coordinator
	tokens      TokenValidator
	logger      *zap.Logger
}

// handleSyncState serves registration, plain pulls, and long-polls. A request
// with longPoll=true suspends until updates arrive or the poll interval
// elapses; anything else registers the client and lists updates since the
// supplied watermark (zero when absent).
func (h *httpHandler) handleSyncState(c *gin.Context) {
	docID, docErr := relay.NewDocID(c.Query("docId"))
	clientID, clientErr := relay.NewClientID(c.Query("clientId"))
	if docErr != nil || clientErr != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingDocOrClient})
		return
	}

	sinceMillis := parseLastSync(c.Query("lastSync"))

	if c.Query("longPoll") == "true" {
		response, err := h.coordinator.Poll(c.Request.Context(), docID, clientID, sinceMillis)
		if err != nil {
			// The requester aborted; nobody is left to answer.
			c.Abort()
			return
		}
		c.JSON(http.StatusOK, response)
		return
	}

	state := h.coordinator.Register(docID, clientID)
	updates := h.coordinator.ListSince(docID, clientID, sinceMillis)

	c.JSON(http.StatusOK, protocol.SyncStateResponse{
		DocID:        docID.String(),
		Clients:      state.Clients,
		Updates:      updates,
		LastActivity: state.LastActivity,
		ServerTime:   state.ServerTimeMillis,
	})
}

func (h *httpHandler) handlePushUpdate(c *gin.Context) {
	var request protocol.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingFields})
		return
	}

	docID, docErr := relay.NewDocID(request.DocID)
	clientID, clientErr := relay.NewClientID(request.ClientID)
	updateID, updateErr := relay.NewUpdateID(request.UpdateID)
	if docErr != nil || clientErr != nil || updateErr != nil || len(request.Updates) == 0 {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingFields})
		return
	}

	result, err := h.coordinator.Append(c.Request.Context(), docID, clientID, request.Updates, updateID)
	if err != nil {
		h.logger.Error("failed to append update",
			zap.String("doc_id", docID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, protocol.ErrorResponse{Error: errorProcessUpdateFailed})
		return
	}

	c.JSON(http.StatusOK, protocol.PushResponse{
		Success:   true,
		Timestamp: result.TimestampMillis,
	})
}

func (h *httpHandler) handleFetchUpdate(c *gin.Context) {
	var request protocol.FetchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingDocOrUpdate})
		return
	}

	docID, docErr := relay.NewDocID(request.DocID)
	updateID, updateErr := relay.NewUpdateID(request.UpdateID)
	if docErr != nil || updateErr != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingDocOrUpdate})
		return
	}

	record, err := h.coordinator.FetchByID(c.Request.Context(), docID, updateID)
	if errors.Is(err, relay.ErrUpdateNotFound) {
		c.JSON(http.StatusNotFound, protocol.ErrorResponse{Error: errorUpdateNotFound})
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch update",
			zap.String("doc_id", docID.String()),
			zap.String("update_id", updateID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, protocol.ErrorResponse{Error: errorFetchUpdateFailed})
		return
	}

	c.JSON(http.StatusOK, protocol.FetchResponse{
		DocID:     docID.String(),
		UpdateID:  record.UpdateID.String(),
		Updates:   record.Payload,
		Timestamp: record.TimestampMillis,
		ClientID:  record.ClientID.String(),
	})
}

func (h *httpHandler) handleSaveSnapshot(c *gin.Context) {
	var request protocol.SnapshotRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingFields})
		return
	}

	docID, docErr := relay.NewDocID(request.DocID)
	clientID, clientErr := relay.NewClientID(request.ClientID)
	if docErr != nil || clientErr != nil || len(request.Snapshot) == 0 {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: errorMissingFields})
		return
	}

	timestamp, err := h.coordinator.SaveSnapshot(c.Request.Context(), docID, clientID, request.Snapshot, request.VersionTag)
	if errors.Is(err, relay.ErrArchiveUnavailable) {
		c.JSON(http.StatusServiceUnavailable, protocol.ErrorResponse{Error: errorSnapshotUnavailable})
		return
	}
	if err != nil {
		h.logger.Error("failed to store snapshot",
			zap.String("doc_id", docID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, protocol.ErrorResponse{Error: errorSnapshotFailed})
		return
	}

	c.JSON(http.StatusOK, protocol.SnapshotResponse{
		Success:   true,
		Timestamp: timestamp,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: errorUnauthorizedResponse})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// parseLastSync treats absent or malformed watermarks as zero, replaying the
// whole retained window rather than rejecting the request.
func parseLastSync(raw string) int64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
