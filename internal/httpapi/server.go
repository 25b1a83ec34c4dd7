// Package httpapi serves medrelay's HTTP surface: health, the assistant
// selftest, platform webhook receivers, and the versioned admin read API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ap-development/medrelay/internal/assistant"
	"github.com/ap-development/medrelay/internal/crm"
	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/store"
	"github.com/ap-development/medrelay/internal/transport/telegram"
)

// Prober runs one assistant round trip. *assistant.Selftester satisfies it.
type Prober interface {
	Probe(ctx context.Context) (assistant.ProbeResult, error)
}

// TelegramFeeder ingests webhook updates. *telegram.Adapter satisfies it.
type TelegramFeeder interface {
	Feed(ctx context.Context, u telegram.Update) error
}

// CRMFeeder ingests verified CRM webhook events. *crm.Adapter satisfies it.
type CRMFeeder interface {
	ScopeID() string
	Feed(ctx context.Context, ev crm.WebhookEvent) error
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Store      *store.Store
	ListenAddr string
	AuthToken  string // bearer token for /admin and /api/v1

	Prober Prober // optional; selftest answers 503 without one

	Telegram       TelegramFeeder // optional; enables /webhook/telegram
	TelegramSecret string

	CRM       CRMFeeder // optional; enables /webhook/crm/:scope
	CRMSecret string

	Logger *logging.Logger
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Store == nil {
		return errors.New("httpapi: store is required")
	}
	if opts.AuthToken == "" {
		return errors.New("httpapi: auth token is required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8085"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	srv := &http.Server{
		Addr:    opts.ListenAddr,
		Handler: newRouter(opts),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	opts.Logger.Info("http api listening", "addr", opts.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all routes registered.
func newRouter(opts Opts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealthz)

	admin := router.Group("/admin", bearerAuth(opts.AuthToken))
	admin.GET("/selftest", handleSelftest(opts.Prober, opts.Logger))

	if opts.Telegram != nil {
		router.POST("/webhook/telegram", handleTelegramWebhook(opts.Telegram, opts.TelegramSecret, opts.Logger))
	}
	if opts.CRM != nil {
		router.POST("/webhook/crm/:scope", handleCRMWebhook(opts.CRM, opts.CRMSecret, opts.Logger))
	}

	api := router.Group("/api/v1", bearerAuth(opts.AuthToken))
	api.GET("/messages", handleMessages(opts.Store))
	api.GET("/chats", handleChats(opts.Store))
	api.GET("/analytics/summary", handleAnalytics(opts.Store))

	return router
}
