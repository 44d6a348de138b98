package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type appLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleAppLogin authenticates an operator and issues a session token plus a
// refresh token. Attempts are throttled per client IP and per username.
func (s *Server) handleAppLogin(c *gin.Context) {
	var req appLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if !s.loginLimiter.Allow("ip:"+c.ClientIP()) || !s.loginLimiter.Allow("user:"+req.Username) {
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": "too many login attempts"})
		return
	}

	session, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_token": session.Token,
		"refresh_token": session.Refresh,
		"username":      session.Username,
	})
}

func (s *Server) handleVerifySession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"user_id": c.GetString(ctxKeyAppUserID),
	})
}

func (s *Server) handleRefreshSession(c *gin.Context) {
	token, err := s.auth.RefreshSession(c.GetString(ctxKeyAppUserID))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_token": token})
}

type refreshFromTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefreshFromToken(c *gin.Context) {
	var req refreshFromTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	token, err := s.auth.RefreshFromToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_token": token})
}
