// Package auth protects the run-control API with a single operator
// credential: a bcrypt-hashed password checked at login and HS256 access
// tokens checked by middleware on every mutating route.
package auth

import (
	"time"
)

// OperatorClaims is the private claim set carried in access tokens.
type OperatorClaims struct {
	Operator string `json:"operator"`
}

// LoginRequest is the login endpoint's payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries a fresh access token.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // Access token expiry in seconds
	TokenType   string `json:"token_type"` // Always "Bearer"
}

// Config holds operator authentication settings.
type Config struct {
	Enabled              bool   `json:"enabled"`
	JWTSecret            string `json:"jwt_secret"`
	TokenDurationMinutes int    `json:"token_duration_minutes"`
	OperatorUsername     string `json:"operator_username"`
	OperatorPasswordHash string `json:"operator_password_hash"`
}

// DefaultConfig returns default authentication configuration.
// Auth starts disabled; enabling it requires a secret and a credential.
func DefaultConfig() Config {
	return Config{
		Enabled:              false,
		JWTSecret:            "",
		TokenDurationMinutes: 60,
		OperatorUsername:     "operator",
		OperatorPasswordHash: "",
	}
}

// TokenDuration returns the configured token lifetime.
func (c Config) TokenDuration() time.Duration {
	if c.TokenDurationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.TokenDurationMinutes) * time.Minute
}

// AuthError is the error body auth failures serialize to.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Sentinel failures, comparable by value.
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid username or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
)
