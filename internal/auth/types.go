package auth

import (
	"errors"
	"time"
)

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodBasic AuthMethod = "basic" // username/password
	AuthMethodJWT   AuthMethod = "jwt"   // bearer token
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownUser        = errors.New("unknown user")
)

// User is a statically configured API user.
type User struct {
	Name         string `mapstructure:"name" json:"name"`
	PasswordHash string `mapstructure:"password_hash" json:"password_hash"`
}

// Result represents the outcome of a successful authentication.
type Result struct {
	Subject string     `json:"subject"`
	Method  AuthMethod `json:"method"`
	Token   *Token     `json:"token,omitempty"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}
