package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey = "auth_result"

// Middleware guards routes. A nil service or Enabled false lets everything through.
type Middleware struct {
	service *Service
	enabled bool
}

func NewMiddleware(service *Service, enabled bool) *Middleware {
	return &Middleware{service: service, enabled: enabled && service != nil}
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		result, err := m.authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(ResultKey, result)
		c.Next()
	}
}

// Login handles POST /login: basic credentials in, bearer token out.
func (m *Middleware) Login(c *gin.Context) {
	if m.service == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication_disabled"})
		return
	}
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}
	result, err := m.service.Basic(username, password)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}
	c.JSON(http.StatusOK, result.Token)
}

// authenticate accepts a Bearer token first, then basic credentials.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.service.Verify(strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		if err := m.service.Check(username, password); err != nil {
			return nil, err
		}
		return &Result{Subject: username, Method: AuthMethodBasic}, nil
	}
	return nil, ErrInvalidCredentials
}
