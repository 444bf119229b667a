package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL applies when Config.TokenTTL is zero.
const DefaultTokenTTL = 24 * time.Hour

const issuer = "statekeep"

// Config enables authentication on the inspect API.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// Validate checks that every user has a name and a bcrypt hash.
func (c Config) Validate() error {
	if len(c.Users) == 0 {
		return errors.New("auth enabled but no users configured")
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" {
			return errors.New("auth user without name")
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate auth user %q", u.Name)
		}
		seen[u.Name] = true
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("auth user %q: password_hash is not a bcrypt hash", u.Name)
		}
	}
	return nil
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
}

// Service checks basic credentials and issues and verifies bearer tokens.
type Service struct {
	users     map[string][]byte
	jwtSecret []byte
	tokenTTL  time.Duration
}

// NewService builds a Service. Without a configured secret a random one is
// generated, so tokens do not survive a restart.
func NewService(cfg Config) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	users := make(map[string][]byte, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Name] = []byte(u.PasswordHash)
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl}, nil
}

// HashPassword returns the bcrypt hash stored in the users section.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HasUser reports whether name is configured.
func (s *Service) HasUser(name string) bool {
	_, ok := s.users[name]
	return ok
}

// Check verifies a username and password.
func (s *Service) Check(username, password string) error {
	hash, ok := s.users[username]
	if !ok || password == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Basic verifies a username and password and issues a token for it.
func (s *Service) Basic(username, password string) (*Result, error) {
	if err := s.Check(username, password); err != nil {
		return nil, err
	}
	tok, err := s.IssueToken(username, 0)
	if err != nil {
		return nil, err
	}
	return &Result{Subject: username, Method: AuthMethodBasic, Token: tok}, nil
}

// IssueToken signs an HS256 token for subject. ttl <= 0 uses the service TTL.
func (s *Service) IssueToken(subject string, ttl time.Duration) (*Token, error) {
	if !s.HasUser(subject) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, subject)
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify parses a bearer token. Tokens for users no longer configured are rejected.
func (s *Service) Verify(tokenString string) (*Result, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !s.HasUser(claims.Subject) {
		return nil, ErrInvalidCredentials
	}
	return &Result{Subject: claims.Subject, Method: AuthMethodJWT}, nil
}
