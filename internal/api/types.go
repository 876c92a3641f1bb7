package api

import "time"

// TokenRequest represents the request payload for token issuance
type TokenRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role,omitempty"`
}

// TokenResponse represents the response payload for token issuance
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
}

// HealthResponse is returned by the health check
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	ActiveSessions int    `json:"active_sessions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
