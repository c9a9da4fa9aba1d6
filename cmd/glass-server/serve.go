package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/glass/internal/agent"
	"github.com/steveyegge/glass/internal/config"
	"github.com/steveyegge/glass/internal/events"
	"github.com/steveyegge/glass/internal/lifecycle"
	"github.com/steveyegge/glass/internal/sentry"
	"github.com/steveyegge/glass/internal/server"
	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/storage"
	"github.com/steveyegge/glass/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the glass server",
	Long:  `Start the HTTP server and the lifecycle orchestrator.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	agentSvc, err := agent.NewService(&agent.Config{
		Model:         cfg.Agent.Model,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		RepoPath:      cfg.RepoPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	worktrees, err := worktree.New(cfg.RepoPath, cfg.WorktreeRoot)
	if err != nil {
		return fmt.Errorf("failed to initialize worktree service: %w", err)
	}

	registry := session.NewRegistry(agentSvc, logger)
	broadcaster := events.NewBroadcaster(cfg.EventGrace(), logger)

	orchestrator, err := lifecycle.New(&lifecycle.Config{
		Issues:        store,
		Conversations: store,
		Worktrees:     worktrees,
		Sessions:      registry,
		Events:        broadcaster,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	defer orchestrator.Close()

	// Sentry is optional: without it the server works on already-imported
	// issues and the refresh endpoints return 503.
	var refresher *sentry.Refresher
	if cfg.Sentry.Org != "" && cfg.Sentry.Project != "" {
		client, cerr := sentry.NewClient(&sentry.Config{
			BaseURL:   cfg.Sentry.BaseURL,
			Org:       cfg.Sentry.Org,
			Project:   cfg.Sentry.Project,
			AuthToken: cfg.Sentry.AuthToken,
			Query:     cfg.Sentry.Query,
		})
		if cerr != nil {
			return fmt.Errorf("failed to initialize sentry client: %w", cerr)
		}
		refresher = sentry.NewRefresher(client, store, logger)
	} else {
		logger.Printf("sentry org/project not configured; issue refresh disabled")
	}

	// Fail issues whose sessions did not survive the last shutdown.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orchestrator.Recover(recoverCtx); err != nil {
		cancelRecover()
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	cancelRecover()

	srv, err := server.New(&server.Config{
		Listen:       cfg.Listen,
		Orchestrator: orchestrator,
		Store:        store,
		Refresher:    refresher,
		Sessions:     registry,
		Events:       broadcaster,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Printf("%s glass-server on %s (repo: %s)\n", green("▶"), cfg.Listen, cfg.RepoPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("warning: shutdown did not complete cleanly: %v", err)
	}
	return nil
}
