// Package api wires the HTTP surface: health, metrics, token issuance,
// session supervision and the websocket upgrade.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/internal/auth"
	"github.com/eljapi/code-talk-reviwer/internal/orchestrator"
	"github.com/eljapi/code-talk-reviwer/internal/websocket"
)

const claimsKey = "claims"

// Sessions is the supervisory view of the orchestrator
type Sessions interface {
	ListSessions() []orchestrator.SessionSnapshot
	SessionState(sessionID string) (orchestrator.SessionSnapshot, error)
	EndConversation(ctx context.Context, sessionID string) error
	InterruptConversation(ctx context.Context, sessionID string) error
	ActiveSessions() int
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, sessions Sessions, issuer *auth.Issuer, logger *zap.Logger) {
	h := &handlers{sessions: sessions, issuer: issuer, logger: logger}

	e.GET("/health", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/auth/token", h.issueToken)

	supervision := v1.Group("/sessions", h.requireRole(auth.RoleAdmin))
	supervision.GET("", h.listSessions)
	supervision.GET("/:id", h.getSession)
	supervision.DELETE("/:id", h.endSession)
	supervision.POST("/:id/interrupt", h.interruptSession)

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		claims := c.Get(claimsKey).(*auth.JWTClaims)
		logger.Info("WebSocket connection authenticated",
			zap.String("userID", claims.UserID),
			zap.String("role", claims.Role))
		return websocket.HandleWebSocket(hub, c, claims.UserID)
	}, h.requireRole(auth.RoleUser))
}

type handlers struct {
	sessions Sessions
	issuer   *auth.Issuer
	logger   *zap.Logger
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:         "ok",
		Service:        "code-talk-reviewer",
		ActiveSessions: h.sessions.ActiveSessions(),
	})
}

func (h *handlers) issueToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Warn("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "user_id is required",
		})
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}

	token, expiresAt, err := h.issuer.GenerateToken(req.UserID, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRole) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_role",
				Message: "role must be user or admin",
			})
		}
		h.logger.Error("Failed to generate token", zap.String("userID", req.UserID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.logger.Info("Token issued", zap.String("userID", req.UserID), zap.String("role", req.Role))
	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    req.UserID,
		Role:      req.Role,
	})
}

func (h *handlers) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sessions.ListSessions())
}

func (h *handlers) getSession(c echo.Context) error {
	snap, err := h.sessions.SessionState(c.Param("id"))
	if err != nil {
		return h.sessionError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *handlers) endSession(c echo.Context) error {
	if err := h.sessions.EndConversation(c.Request().Context(), c.Param("id")); err != nil {
		return h.sessionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) interruptSession(c echo.Context) error {
	if err := h.sessions.InterruptConversation(c.Request().Context(), c.Param("id")); err != nil {
		return h.sessionError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) sessionError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSessionEnded):
		status = http.StatusGone
	default:
		h.logger.Error("Session request failed", zap.String("sessionID", c.Param("id")), zap.Error(err))
	}
	return c.JSON(status, ErrorResponse{Error: domain.ErrorCode(err), Message: err.Error()})
}

// requireRole validates the bearer token and stores its claims on the
// context. Admin tokens pass every check.
func (h *handlers) requireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				h.logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := h.issuer.ValidateToken(token)
			if err != nil {
				h.logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			if claims.Role != role && claims.Role != auth.RoleAdmin {
				h.logger.Warn("Request rejected: invalid role",
					zap.String("role", claims.Role),
					zap.String("required", role))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Token role is not allowed here",
				})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}
