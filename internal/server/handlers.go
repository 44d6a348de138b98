package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nmoreno/instagateway/internal/auth"
	"github.com/nmoreno/instagateway/internal/platform"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/pkg/models"
)

// abortError maps domain errors onto HTTP statuses.
func (s *Server) abortError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, registry.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrAccountNotLogged),
		errors.Is(err, registry.ErrAuthentication),
		errors.Is(err, auth.ErrInvalidSession),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInactiveUser),
		errors.Is(err, platform.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, registry.ErrWebhookNotFound),
		errors.Is(err, platform.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, platform.ErrRateLimited):
		status = http.StatusTooManyRequests
	default:
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": err.Error()})
}

type accountLoginRequest struct {
	Username         string `json:"username" binding:"required"`
	Password         string `json:"password" binding:"required"`
	VerificationCode string `json:"verification_code"`
	WebhookURL       string `json:"webhook_url"`
}

func (s *Server) handleAccountLogin(c *gin.Context) {
	var req accountLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if err := s.registry.Login(c.Request.Context(), req.Username, req.Password, req.VerificationCode); err != nil {
		s.abortError(c, err)
		return
	}

	if req.WebhookURL != "" {
		if _, err := s.registry.AddWebhook(c.Request.Context(), req.Username, req.WebhookURL, nil); err != nil {
			s.logger.Warn("failed to register login webhook", "username", req.Username, "error", err)
		}
	}

	token, err := s.registry.GetToken(c.Request.Context(), req.Username)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "logged_in",
		"username": registry.Key(req.Username),
		"token":    token,
	})
}

type importSessionRequest struct {
	Username     string `json:"username" binding:"required"`
	SessionToken string `json:"session_token" binding:"required"`
	WebhookURL   string `json:"webhook_url"`
}

func (s *Server) handleImportSession(c *gin.Context) {
	var req importSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if err := s.registry.ImportSession(c.Request.Context(), req.Username, req.SessionToken); err != nil {
		s.abortError(c, err)
		return
	}

	if req.WebhookURL != "" {
		if _, err := s.registry.AddWebhook(c.Request.Context(), req.Username, req.WebhookURL, nil); err != nil {
			s.logger.Warn("failed to register import webhook", "username", req.Username, "error", err)
		}
	}

	token, err := s.registry.GetToken(c.Request.Context(), req.Username)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "session_imported",
		"username": registry.Key(req.Username),
		"token":    token,
	})
}

type logoutRequest struct {
	Username string `json:"username" binding:"required"`
}

func (s *Server) handleAccountLogout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.registry.Logout(c.Request.Context(), req.Username)
	c.JSON(http.StatusOK, gin.H{"status": "logged_out", "username": registry.Key(req.Username)})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": s.registry.ListAccounts()})
}

func (s *Server) handleGetToken(c *gin.Context) {
	token, err := s.registry.GetToken(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleResetToken(c *gin.Context) {
	token, err := s.registry.ResetToken(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleResetAccount(c *gin.Context) {
	s.registry.ResetAccount(c.Request.Context(), c.Param("username"))
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleGetOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"options": s.registry.Options(c.Param("username"))})
}

func (s *Server) handleSetOptions(c *gin.Context) {
	var patch models.OptionsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	merged := s.registry.SetOptions(c.Request.Context(), c.Param("username"), patch)
	c.JSON(http.StatusOK, gin.H{"options": merged})
}

func (s *Server) handleListWebhooks(c *gin.Context) {
	subs := s.registry.Webhooks(c.Param("username"))
	if subs == nil {
		subs = []models.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

type webhookCreateRequest struct {
	URL         string              `json:"url" binding:"required"`
	Permissions *models.Permissions `json:"permissions"`
}

func (s *Server) handleAddWebhook(c *gin.Context) {
	var req webhookCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	id, err := s.registry.AddWebhook(c.Request.Context(), c.Param("username"), req.URL, req.Permissions)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

type webhookUpdateRequest struct {
	URL         *string             `json:"url"`
	Permissions *models.Permissions `json:"permissions"`
}

func (s *Server) handleUpdateWebhook(c *gin.Context) {
	var req webhookUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	err := s.registry.UpdateWebhook(c.Request.Context(), c.Param("username"), c.Param("id"), req.URL, req.Permissions)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	err := s.registry.DeleteWebhook(c.Request.Context(), c.Param("username"), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleResolve(c *gin.Context) {
	userID, err := s.pipeline.ResolveRecipient(c.Request.Context(), c.Param("username"), c.Param("handle"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID})
}

type sendMessageRequest struct {
	Username  string `json:"username" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.registry.CheckToken(req.Username, bearerToken(c)); err != nil {
		s.abortError(c, err)
		return
	}

	overrides := overridesFromQuery(c)
	if err := s.pipeline.SendMessage(c.Request.Context(), req.Username, req.Recipient, req.Text, overrides); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *Server) handleSendFile(c *gin.Context) {
	username, recipient, source, staged, err := s.sendFileInput(c)
	if err != nil {
		if !c.IsAborted() {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		}
		return
	}
	if staged != "" {
		defer os.Remove(staged)
	}

	if err := s.registry.CheckToken(username, bearerToken(c)); err != nil {
		s.abortError(c, err)
		return
	}

	overrides := overridesFromQuery(c)
	if err := s.pipeline.SendFile(c.Request.Context(), username, recipient, source, overrides); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// sendFileInput accepts either a JSON body with a file_url or a multipart form
// with an uploaded file. Uploads are staged to a temp file the caller removes.
func (s *Server) sendFileInput(c *gin.Context) (username, recipient, source, staged string, err error) {
	if c.ContentType() != "multipart/form-data" {
		var req struct {
			Username  string `json:"username" binding:"required"`
			Recipient string `json:"recipient" binding:"required"`
			FileURL   string `json:"file_url" binding:"required"`
		}
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			return "", "", "", "", bindErr
		}
		return req.Username, req.Recipient, req.FileURL, "", nil
	}

	username = c.PostForm("username")
	recipient = c.PostForm("recipient")
	if username == "" || recipient == "" {
		return "", "", "", "", errors.New("username and recipient are required")
	}
	if url := c.PostForm("file_url"); url != "" {
		return username, recipient, url, "", nil
	}

	header, err := c.FormFile("file")
	if err != nil {
		return "", "", "", "", errors.New("either file_url or a file upload is required")
	}
	if s.config.MaxUploadBytes > 0 && header.Size > s.config.MaxUploadBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "uploaded file too large"})
		return "", "", "", "", errAborted
	}

	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		return "", "", "", "", err
	}
	tmp.Close()
	if err := c.SaveUploadedFile(header, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", "", "", "", err
	}
	return username, recipient, tmp.Name(), tmp.Name(), nil
}

var errAborted = errors.New("request aborted")

type testWebhookRequest struct {
	Username string `json:"username" binding:"required"`
	Text     string `json:"text"`
}

// handleTestWebhook pushes a synthetic payload through the real dispatch path
// so subscribers can verify their endpoint wiring.
func (s *Server) handleTestWebhook(c *gin.Context) {
	var req testWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.registry.CheckToken(req.Username, bearerToken(c)); err != nil {
		s.abortError(c, err)
		return
	}

	subs := s.registry.Webhooks(req.Username)
	if len(subs) == 0 {
		s.abortError(c, registry.ErrWebhookNotFound)
		return
	}

	text := req.Text
	if text == "" {
		text = "test"
	}
	now := time.Now().UTC()
	payload := models.Payload{
		Username:  registry.Key(req.Username),
		ThreadID:  "test",
		ItemID:    uuid.NewString(),
		SenderID:  0,
		Text:      &text,
		Timestamp: &now,
	}
	s.dispatcher.Forward(c.Request.Context(), payload, subs)
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "webhooks": len(subs)})
}

// overridesFromQuery builds call-scoped option overrides from query params.
// Absent params leave the stored options untouched.
func overridesFromQuery(c *gin.Context) *models.OptionsPatch {
	patch := &models.OptionsPatch{}
	set := false

	read := func(name string, dst **bool) {
		raw, ok := c.GetQuery(name)
		if !ok {
			return
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return
		}
		*dst = &v
		set = true
	}

	read("typing", &patch.DelayTyping)
	read("seen", &patch.MarkSeenPrevious)
	read("profile", &patch.ViewProfile)
	read("stories", &patch.ViewStories)
	read("safe", &patch.SafeMode)

	if !set {
		return nil
	}
	return patch
}
