// Package main runs the in-memory development chat backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/verastack/chatline/pkg/devserver"
	"github.com/verastack/chatline/pkg/logger"
)

var (
	envFile  = flag.String("env", ".env", "Path to .env file")
	addr     = flag.String("addr", ":8080", "Listen address")
	tokenTTL = flag.Duration("token-ttl", 24*time.Hour, "Lifetime of issued access tokens")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFmt   = flag.String("log-format", "text", "Log format (text, json)")
)

func main() {
	flag.Parse()

	logger.Init(*logLevel, *logFmt)

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Error("Failed to load .env file", "error", err)
			os.Exit(1)
		}
	}

	secret := os.Getenv("DEVSERVER_SECRET")
	if secret == "" {
		secret = "chatline-dev-secret"
		logger.Warn("DEVSERVER_SECRET not set, using the built-in development secret")
	}

	srv, err := devserver.New(devserver.Options{Secret: secret, TokenTTL: *tokenTTL})
	if err != nil {
		logger.Error("Failed to create dev server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", "error", err)
		}
	}()

	logger.Info("Dev server starting", "addr", *addr)
	logger.Info("Endpoints",
		"login", "POST /user/login",
		"register", "POST /user/register",
		"user_info", "GET /auth/user/info",
		"update_user", "PATCH /auth/user",
		"conversations", "GET /auth/conversation",
		"last_messages", "GET /conversation/last-messages",
		"delete_conversation", "DELETE /conversation/{conversationID}",
		"mark_read", "PUT /conversation/{conversationID}/read",
		"messages", "GET /message/{conversationID}",
		"send", "POST /message",
		"websocket", "GET /ws",
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Dev server stopped")
}
