package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/plantsync/internal/chatfeed"
	"github.com/alexjbarnes/plantsync/internal/config"
	"github.com/alexjbarnes/plantsync/internal/connectivity"
	"github.com/alexjbarnes/plantsync/internal/engine"
	"github.com/alexjbarnes/plantsync/internal/inbox"
	"github.com/alexjbarnes/plantsync/internal/logging"
	"github.com/alexjbarnes/plantsync/internal/mcpserver"
	"github.com/alexjbarnes/plantsync/internal/remote"
	"github.com/alexjbarnes/plantsync/internal/server"
	"github.com/alexjbarnes/plantsync/internal/syncq"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewRunCommand starts the sync daemon.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, os.Stderr)
	logger.Info("plantsync starting",
		slog.String("version", Version),
		slog.String("remote", cfg.RemoteURL),
		slog.String("user", cfg.User),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	store, degraded := engine.OpenStore(cfg.StatePath, logger)
	defer store.Close()

	client := remote.NewClient(cfg.RemoteURL, nil, logger)

	monitor := connectivity.New(client, connectivity.Config{
		CacheTTL:     cfg.ConnectivityCacheTTL,
		ProbeTimeout: cfg.ConnectivityProbeTimeout,
	}, logger.With(slog.String("service", "connectivity")))

	eng := engine.New(store, monitor, client, engine.Options{
		User:        cfg.User,
		Degraded:    degraded,
		FullRefresh: cfg.SyncFullRefresh,
		Sync: syncq.Config{
			MinInterval:       cfg.SyncMinInterval,
			Interval:          cfg.SyncInterval,
			ReconnectDebounce: cfg.SyncReconnectDebounce,
			UploadTimeout:     cfg.SyncUploadTimeout,
		},
	}, logger.With(slog.String("service", "sync")))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx, cfg.ConnectivityPollInterval)
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	feed := chatfeed.New(chatfeed.Config{
		URL:      cfg.ChatWSURL,
		PlantIDs: cfg.ChatPlantIDs,
	}, eng, logger.With(slog.String("service", "chatfeed")))

	g.Go(func() error {
		return runOptional(gctx, "live chat feed", feed.Run, logger)
	})

	if cfg.InboxDir != "" {
		in := inbox.New(cfg.InboxDir, eng, logger.With(slog.String("service", "inbox")))

		g.Go(func() error {
			return in.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, eng, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("plantsync stopped")
		return nil
	}

	return err
}

// runOptional runs a service the daemon can live without. If it stops
// with an error, the error is logged and the rest of the daemon keeps
// running instead of being cancelled with it.
func runOptional(ctx context.Context, name string, fn func(context.Context) error, logger *slog.Logger) error {
	err := fn(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	logger.Error(name+" stopped, continuing without it", slog.String("error", err.Error()))

	return nil
}

// runMCP serves the MCP tools over streamable HTTP until ctx ends.
func runMCP(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	users, err := cfg.ParseMCPUsers()
	if err != nil {
		return fmt.Errorf("parsing MCP auth users: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "plantsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Users:      users,
		MCPHandler: mcpHandler,
		State:      eng.Snapshot,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("users", len(users)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return ctx.Err()
}
