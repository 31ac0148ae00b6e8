// Package models - API response types and error handling.
// All denial and status payloads share a consistent JSON structure so the
// frontend and third-party callers can branch on machine-readable codes.
package models

import (
	"time"
)

// ErrorResponse provides structured error information with debugging context.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

// Error codes returned in ErrorResponse.Code.
const (
	ErrorCodeRateLimited   = "RATE_LIMIT_EXCEEDED" // 429: minute or daily window exhausted
	ErrorCodeBanned        = "TEMPORARILY_BANNED"  // 429: progressive ban in force
	ErrorCodeBadRequest    = "BAD_REQUEST"         // 400: invalid request format
	ErrorCodeNotFound      = "NOT_FOUND"           // 404: resource doesn't exist
	ErrorCodeUnauthorized  = "UNAUTHORIZED"        // 401: admin key required
	ErrorCodeForbidden     = "FORBIDDEN"           // 403: key lacks admin access
	ErrorCodeInternalError = "INTERNAL_ERROR"      // 500: server-side error
)

// NewErrorResponse creates a standardized error response.
func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WithDetails adds field-specific details to the error response.
func (e *ErrorResponse) WithDetails(details map[string]string) *ErrorResponse {
	e.Details = details
	return e
}

// RateLimitDenial is the 429 body for limit and ban denials.
type RateLimitDenial struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	Code              string `json:"code"`
	LimitType         string `json:"limit_type"` // minute, daily or ban
	MinuteLimit       int    `json:"minute_limit,omitempty"`
	DayLimit          int    `json:"day_limit,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// StatusResponse reports the calling client's current rate limit standing.
type StatusResponse struct {
	Tier             string     `json:"tier"`
	MinuteLimit      int        `json:"minute_limit"`
	DayLimit         int        `json:"day_limit"`
	RemainingMinute  int        `json:"remaining_minute"`
	RemainingDaily   int        `json:"remaining_daily"`
	Banned           bool       `json:"banned"`
	BanLiftsAt       *time.Time `json:"ban_lifts_at,omitempty"`
	BanLevel         int        `json:"ban_level,omitempty"`
}

// HealthResponse reports overall service health.
type HealthResponse struct {
	Status    string    `json:"status"` // healthy or degraded
	Storage   string    `json:"storage"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateKeyRequest is the admin request to mint a new API key.
type CreateKeyRequest struct {
	Name         string `json:"name"`
	Tier         string `json:"tier"`
	Organization string `json:"organization,omitempty"`
}

// CreateKeyResponse returns the raw key exactly once, at creation time.
type CreateKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}
