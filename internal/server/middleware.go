package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID  = "X-Request-ID"
	headerAppSession = "X-App-Session"

	ctxKeyAppUserID = "app_user_id"
)

// requestID tags every request with an id for log correlation.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// limitContentLength rejects request bodies above the configured upload cap.
func (s *Server) limitContentLength() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.MaxUploadBytes > 0 && c.Request.ContentLength > s.config.MaxUploadBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"detail": "request body too large",
			})
			return
		}
		c.Next()
	}
}

// appSession requires a valid operator session token in X-App-Session.
func (s *Server) appSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(headerAppSession)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "app session required"})
			return
		}
		userID, err := s.auth.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid app session"})
			return
		}
		c.Set(ctxKeyAppUserID, userID)
		c.Next()
	}
}

// accountAuth requires the account's bearer token for the :username route
// parameter.
func (s *Server) accountAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.Param("username")
		if err := s.registry.CheckToken(username, bearerToken(c)); err != nil {
			s.abortError(c, err)
			return
		}
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
