package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/homepro/internal/agent"
	"github.com/kalambet/homepro/internal/api"
	"github.com/kalambet/homepro/internal/composer"
	"github.com/kalambet/homepro/internal/llm"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat relay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Require(cfg.ServeRequirements()...); err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer cl.close(logger)

	store, st, err := openStore(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	embedder, err := newEmbedder(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}
	index, err := newIndex(ctx, cfg, st, logger, &cl)
	if err != nil {
		return err
	}
	agents, err := loadAgents(cfg)
	if err != nil {
		return err
	}

	model := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ChatModel).
		WithRetry(retryPolicy(cfg, logger))
	responder := agent.NewResponder(embedder, index, model, composer.New(cfg.Chat.MaxContextTokens), agent.ResponderOptions{
		IndexName: cfg.Index.Name,
		TopK:      cfg.Chat.TopK,
		Logger:    logger,
	})

	handler := api.NewChatHandler(api.ChatDeps{
		Store:          store,
		Agents:         agents,
		Responder:      responder,
		AllowedOrigins: cfg.Chat.Origins(),
		HistoryLimit:   cfg.Chat.HistoryLimit,
		Logger:         logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		printSuccess("homepro %s listening on %s", version, addr)
		logger.Info("chat relay started", "addr", addr, "index", cfg.Index.Name, "backend", cfg.Index.Backend, "model", model.Model())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
