package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/flare"
	"github.com/heliograph-labs/flarecast/internal/scheduler"
)

const userIDContextKey = "flarecast_user_id"

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingFlareService   = errors.New("flare service dependency required")
	errMissingCallbackSecret = errors.New("callback secret required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// SessionTokens validates bearer tokens and mints new ones for trusted
// callers.
type SessionTokens interface {
	IssueSessionToken(ctx context.Context, uid string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Tokens         SessionTokens
	FlareService   *flare.Service
	CallbackSecret string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingSessionManager
	}
	if deps.FlareService == nil {
		return nil, errMissingFlareService
	}
	if strings.TrimSpace(deps.CallbackSecret) == "" {
		return nil, errMissingCallbackSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:         deps.Tokens,
		flares:         deps.FlareService,
		callbackSecret: deps.CallbackSecret,
		logger:         logger,
	}

	router.POST("/auth/session", handler.handleIssueSession)

	callbacks := router.Group("/callbacks")
	callbacks.Use(handler.authorizeCallback)
	callbacks.POST("/"+scheduler.CallbackFlareExpiry, handler.handleFlareExpiry)
	callbacks.POST("/"+scheduler.CallbackFlareRecurrence, handler.handleFlareRecurrence)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/flares", handler.handleCreateFlare)
	protected.POST("/flares/:flareId/edit", handler.handleEditFlare)
	protected.DELETE("/flares/:flareId", handler.handleDeleteFlare)
	protected.POST("/flares/:flareId/responses/confirm", handler.handleConfirm)
	protected.POST("/flares/:flareId/responses/cancel", handler.handleCancelResponse)
	protected.GET("/flares/by-slug/:slug", handler.handleResolveSlug)
	protected.DELETE("/recurring/:flareId", handler.handleDeleteRecurring)
	protected.POST("/groups/:groupId/members", handler.handleAddGroupMembers)

	return router, nil
}

type httpHandler struct {
	tokens         SessionTokens
	flares         *flare.Service
	callbackSecret string
	logger         *zap.Logger
}

type sessionRequestPayload struct {
	UID    string `json:"uid"`
	Secret string `json:"secret"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueSession mints a session token for a uid. Callers authenticate
// with the shared service secret: user-facing identity lives upstream, this
// service only needs a stable uid per request.
func (h *httpHandler) handleIssueSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Secret != h.callbackSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), request.UID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleCreateFlare(c *gin.Context) {
	var request flare.CreateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.UID = c.GetString(userIDContextKey)

	result, err := h.flares.CreateFlare(c.Request.Context(), request)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleEditFlare(c *gin.Context) {
	var request flare.EditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.UID = c.GetString(userIDContextKey)
	request.FlareID = c.Param("flareId")

	result, err := h.flares.EditFlare(c.Request.Context(), request)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDeleteFlare(c *gin.Context) {
	uid := c.GetString(userIDContextKey)
	if err := h.flares.DeleteFlare(c.Request.Context(), uid, c.Param("flareId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type responseRequestPayload struct {
	OwnerID string `json:"ownerId"`
}

func (h *httpHandler) handleConfirm(c *gin.Context) {
	var request responseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OwnerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.flares.Confirm(c.Request.Context(), flare.ResponseRequest{
		UID:     c.GetString(userIDContextKey),
		OwnerID: request.OwnerID,
		FlareID: c.Param("flareId"),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCancelResponse(c *gin.Context) {
	var request responseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OwnerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.flares.CancelResponse(c.Request.Context(), flare.ResponseRequest{
		UID:     c.GetString(userIDContextKey),
		OwnerID: request.OwnerID,
		FlareID: c.Param("flareId"),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *httpHandler) handleResolveSlug(c *gin.Context) {
	record, err := h.flares.ResolveSlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteRecurring(c *gin.Context) {
	uid := c.GetString(userIDContextKey)
	if err := h.flares.DeleteRecurring(c.Request.Context(), uid, c.Param("flareId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type addMembersPayload struct {
	MemberUIDs []string `json:"memberUids"`
}

func (h *httpHandler) handleAddGroupMembers(c *gin.Context) {
	var request addMembersPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.MemberUIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.flares.AddGroupMembers(c.Request.Context(), c.Param("groupId"), request.MemberUIDs); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": true})
}

// handleFlareExpiry acknowledges malformed payloads with 200: the task queue
// retries on anything else, and a payload that never parses would retry
// forever.
func (h *httpHandler) handleFlareExpiry(c *gin.Context) {
	var payload flare.ExpiryPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.FlareID == "" {
		h.logger.Warn("discarding malformed expiry payload", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
		return
	}

	if err := h.flares.HandleExpiry(c.Request.Context(), payload); err != nil {
		h.logger.Error("flare expiry failed", zap.String("flare_id", payload.FlareID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "expiry_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (h *httpHandler) handleFlareRecurrence(c *gin.Context) {
	var payload flare.CreateRequest
	if err := c.ShouldBindJSON(&payload); err != nil || payload.UID == "" || payload.OriginalFlareID == "" {
		h.logger.Warn("discarding malformed recurrence payload", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"acknowledged": true})
		return
	}

	result, err := h.flares.HandleRecurrence(c.Request.Context(), payload)
	if err != nil {
		h.logger.Error("flare recurrence failed", zap.String("original_flare_id", payload.OriginalFlareID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recurrence_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeServiceError maps service error kinds onto HTTP statuses, exposing
// the stable error code and nothing else.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := flare.CodeOf(err)
	switch flare.KindOf(err) {
	case flare.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
	case flare.KindPrecondition:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": code})
	case flare.KindAuthorization:
		c.JSON(http.StatusForbidden, gin.H{"error": code})
	default:
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) authorizeCallback(c *gin.Context) {
	if c.GetHeader(scheduler.SecretHeader) != h.callbackSecret {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
