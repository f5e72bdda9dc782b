package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// IdentityKey is the gin context key of the authenticated Identity.
const IdentityKey = "auth_identity"

// Authenticate reads a bearer token or basic credentials from r.
func (s *Service) Authenticate(r *http.Request) (Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(value))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return s.Basic(user, pass)
	}
	return Identity{}, ErrInvalidCredentials
}

// GinAuth rejects unauthenticated requests with 401, and requests that
// change state from viewers with 403.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="lux"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if !readOnly(c.Request.Method) && !id.Role.CanWrite() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Set(IdentityKey, id)
		c.Next()
	}
}

// LoginHandler exchanges credentials for a token.
func (s *Service) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	tok, err := s.Login(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
