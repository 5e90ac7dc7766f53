// Package server exposes the engine over HTTP: automation CRUD, execution
// history, webhook ingestion, and a websocket stream of execution updates.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"staqflow/internal/automation"
	"staqflow/internal/engine"
	"staqflow/internal/logging"
	"staqflow/internal/onstaq"
)

// Store is the persistence surface the HTTP layer needs.
type Store interface {
	CreateAutomation(ctx context.Context, auto *automation.Automation) error
	UpdateAutomation(ctx context.Context, auto *automation.Automation) error
	SetAutomationEnabled(ctx context.Context, automationID string, enabled bool) error
	GetAutomation(ctx context.Context, automationID string) (*automation.Automation, error)
	ListAutomations(ctx context.Context) ([]*automation.Automation, error)
	DeleteAutomation(ctx context.Context, automationID string) error

	GetExecution(ctx context.Context, executionID string) (*automation.Execution, error)
	ListExecutions(ctx context.Context, automationID string, limit int) ([]*automation.Execution, error)
	ExecutionStats(ctx context.Context, automationID string) (*automation.ExecutionStats, error)

	CreateWebhookSubscription(ctx context.Context, sub *automation.WebhookSubscription) error
	GetWebhookSubscription(ctx context.Context, subscriptionID string) (*automation.WebhookSubscription, error)
	ListWebhookSubscriptions(ctx context.Context) ([]*automation.WebhookSubscription, error)
	DeleteWebhookSubscription(ctx context.Context, subscriptionID string) error
}

// Server hosts the REST API and the execution stream.
type Server struct {
	store    Store
	api      onstaq.API
	executor *engine.Executor
	manager  *engine.Manager
	logger   logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	auth       *authMiddleware
	stream     *streamHub
	startTime  time.Time
}

// Options configures the HTTP server.
type Options struct {
	Port        int
	Debug       bool
	RequireAuth bool
}

// New builds the server, wires the execution stream into the executor, and
// registers all routes.
func New(store Store, api onstaq.API, executor *engine.Executor, manager *engine.Manager, opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With", "X-Webhook-Signature"}
	corsConfig.AllowWebSockets = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		store:     store,
		api:       api,
		executor:  executor,
		manager:   manager,
		logger:    logging.NewComponentLogger("HTTPServer"),
		engine:    router,
		auth:      newAuthMiddleware(api, opts.RequireAuth),
		stream:    newStreamHub(),
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	executor.AddListener(s.stream.Broadcast)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	// Inbound webhooks authenticate per-rule via HMAC, not bearer tokens.
	webhookLimiter := newRateLimiter(webhookRatePerMinute, webhookRateBurst)
	api.POST("/webhooks/inbound/*path", webhookLimiter.Handler(), s.handleInboundWebhook)

	authed := api.Group("")
	authed.Use(s.auth.Handler())

	automations := authed.Group("/automations")
	{
		automations.POST("", s.handleCreateAutomation)
		automations.GET("", s.handleListAutomations)
		automations.GET("/:id", s.handleGetAutomation)
		automations.PUT("/:id", s.handleUpdateAutomation)
		automations.DELETE("/:id", s.handleDeleteAutomation)
		automations.POST("/:id/enable", s.handleEnableAutomation)
		automations.POST("/:id/disable", s.handleDisableAutomation)
		automations.POST("/:id/execute", s.handleExecuteAutomation)
		automations.POST("/:id/test", s.handleTestAutomation)
		automations.GET("/:id/executions", s.handleListExecutions)
		automations.GET("/:id/stats", s.handleExecutionStats)
	}

	executions := authed.Group("/executions")
	{
		executions.GET("/:id", s.handleGetExecution)
		executions.GET("", s.handleListAllExecutions)
		executions.GET("/stats/:id", s.handleExecutionStats)
	}
	authed.GET("/executions/stream", s.handleExecutionStream)

	tools := authed.Group("/tools")
	{
		tools.GET("", s.handleListTools)
		tools.POST("/call", s.handleCallTool)
	}

	subscriptions := authed.Group("/webhook-subscriptions")
	{
		subscriptions.POST("", s.handleCreateSubscription)
		subscriptions.GET("", s.handleListSubscriptions)
		subscriptions.GET("/:id", s.handleGetSubscription)
		subscriptions.DELETE("/:id", s.handleDeleteSubscription)
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.stream.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
	})
}
