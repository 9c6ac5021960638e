package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/zik/internal/api"
	"github.com/RichardoC/zik/internal/backend"
	"github.com/RichardoC/zik/internal/chat"
	"github.com/RichardoC/zik/internal/db"
	"github.com/RichardoC/zik/internal/db/dynamo"
	"github.com/RichardoC/zik/internal/llm"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()
		return serve(cmd.Context())
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":8100", "Listen address")
	flags.String("web-dir", "web", "Directory of static UI files")
	flags.String("store", "sqlite", "Persistence backend (sqlite, dynamodb)")
	flags.String("db-path", "zik.db", "sqlite database path")
	flags.String("local-exe", "./bin/chat", "Local model executable")
	flags.String("local-model", "./bin/gpt4all-lora-quantized.bin", "Local model weights")
}

func openStore(ctx context.Context) (db.Store, error) {
	switch cfg.Store {
	case "dynamodb":
		return dynamo.New(ctx, cfg.Dynamo, logger)
	default:
		return db.New(cfg.DBPath)
	}
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		logger.Error("failed to initialize store", zap.Error(err), zap.String("store", cfg.Store))
		return err
	}

	titles, err := llm.New(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.TitleModel, logger)
	if err != nil {
		_ = store.Close()
		return errors.Wrap(err, "initialize title service")
	}

	resolve := func(ctx context.Context, id string) (backend.Config, error) {
		ch, err := store.GetChat(ctx, id)
		if err != nil {
			return backend.Config{}, err
		}
		return cfg.BackendFor(ch.Model)
	}
	chats := chat.NewManager(store, resolve, logger)

	handler := api.NewHandler(api.Options{
		Store:        store,
		Chats:        chats,
		Titles:       titles,
		Models:       cfg.Models,
		DefaultModel: cfg.DefaultModel,
		Logger:       logger,
	})

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewRouter(handler, cfg.WebDir),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	}

	// stopping turns commits their partial replies before the store closes
	err = multierr.Append(err, chats.Close())
	handler.Wait()
	return multierr.Append(err, store.Close())
}
