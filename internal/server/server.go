// Package server exposes the gateway's HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nmoreno/instagateway/internal/auth"
	"github.com/nmoreno/instagateway/internal/config"
	"github.com/nmoreno/instagateway/internal/humanize"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/internal/webhook"
)

const (
	loginWindow      = time.Minute
	loginMaxAttempts = 8
)

// Server is the HTTP gateway.
type Server struct {
	engine       *gin.Engine
	registry     *registry.Registry
	pipeline     *humanize.Pipeline
	dispatcher   *webhook.Dispatcher
	auth         *auth.Service
	loginLimiter *auth.LoginLimiter
	config       *config.Config
	logger       *slog.Logger
}

// Deps dependencies for creating a server
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Pipeline   *humanize.Pipeline
	Dispatcher *webhook.Dispatcher
	Auth       *auth.Service
	Logger     *slog.Logger
}

// New creates the server and wires all routes.
func New(deps Deps) *Server {
	s := &Server{
		registry:     deps.Registry,
		pipeline:     deps.Pipeline,
		dispatcher:   deps.Dispatcher,
		auth:         deps.Auth,
		loginLimiter: auth.NewLoginLimiter(loginMaxAttempts, loginWindow),
		config:       deps.Config,
		logger:       deps.Logger.With("component", "http_server"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestID())
	engine.Use(s.securityHeaders())
	engine.Use(s.limitContentLength())

	if deps.Config.CORSOrigins != "" {
		origins := strings.Split(deps.Config.CORSOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-App-Session"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	s.engine = engine
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)

	// Operator sessions
	s.engine.POST("/api/login", s.handleAppLogin)
	s.engine.GET("/api/verify-session", s.appSession(), s.handleVerifySession)
	s.engine.POST("/api/refresh-session", s.appSession(), s.handleRefreshSession)
	s.engine.POST("/api/refresh-from-token", s.handleRefreshFromToken)

	// Account lifecycle
	s.engine.POST("/accounts/login", s.appSession(), s.handleAccountLogin)
	s.engine.POST("/accounts/import-session", s.appSession(), s.handleImportSession)
	s.engine.POST("/accounts/logout", s.appSession(), s.handleAccountLogout)
	s.engine.GET("/accounts", s.appSession(), s.handleListAccounts)

	// Account-scoped state, guarded by the account's bearer token
	accounts := s.engine.Group("/accounts/:username", s.appSession())
	{
		accounts.GET("/token", s.handleGetToken)
		accounts.POST("/token/reset", s.accountAuth(), s.handleResetToken)
		accounts.POST("/reset", s.accountAuth(), s.handleResetAccount)
		accounts.GET("/options", s.accountAuth(), s.handleGetOptions)
		accounts.POST("/options", s.accountAuth(), s.handleSetOptions)
		accounts.GET("/webhooks", s.accountAuth(), s.handleListWebhooks)
		accounts.POST("/webhooks", s.accountAuth(), s.handleAddWebhook)
		accounts.PUT("/webhooks/:id", s.accountAuth(), s.handleUpdateWebhook)
		accounts.DELETE("/webhooks/:id", s.accountAuth(), s.handleDeleteWebhook)
		accounts.GET("/resolve/:handle", s.accountAuth(), s.handleResolve)
	}

	// Sends carry the username in the body, so bearer auth happens in-handler
	s.engine.POST("/send_message", s.handleSendMessage)
	s.engine.POST("/send_file", s.handleSendFile)
	s.engine.POST("/test_webhook", s.handleTestWebhook)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("http server listening", "addr", s.config.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":   true,
		"name": "instagateway",
		"endpoints": []string{
			"/accounts/login",
			"/accounts/import-session",
			"/accounts/logout",
			"/accounts",
			"/accounts/{username}/webhooks",
			"/accounts/{username}/options",
			"/accounts/{username}/token",
			"/accounts/{username}/token/reset",
			"/send_message",
			"/send_file",
			"/test_webhook",
			"/health",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
