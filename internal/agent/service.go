// Package agent runs Claude-backed analysis and fix sessions. Each session
// is a multi-turn tool-use conversation; analysis sessions get read-only
// tools against the repository, fix sessions get write tools inside their
// worktree.
package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/types"
)

const (
	// ModelSonnet is the default model for analysis and fix sessions
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// DefaultMaxTokens is the per-response token cap
	DefaultMaxTokens = 8192

	// DefaultMaxConcurrent limits concurrent API calls across all sessions
	DefaultMaxConcurrent = 4
)

// GetDefaultModel returns the default model, checking GLASS_MODEL env var first
func GetDefaultModel() string {
	if model := os.Getenv("GLASS_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// Config holds agent service configuration
type Config struct {
	APIKey        string // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model         string // Model to use (default: GetDefaultModel())
	MaxTokens     int    // Per-response token cap (default: DefaultMaxTokens)
	MaxConcurrent int    // Max concurrent API calls (default: DefaultMaxConcurrent)
	RepoPath      string // Repository root; analysis sessions read from here
}

// Service creates agent sessions. It implements session.Factory.
type Service struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	sem       *semaphore.Weighted
	repoPath  string
}

var _ session.Factory = (*Service)(nil)

// NewService creates a new agent service
func NewService(cfg *Config) (*Service, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("repository path is required")
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &Service{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		repoPath:  cfg.RepoPath,
	}, nil
}

// CreateAnalysisSession starts a new analysis conversation. The session
// only has read access to the repository.
func (s *Service) CreateAnalysisSession(ctx context.Context) (session.Handle, error) {
	return s.newSession(ctx, types.SessionAnalysis, newToolset(s.repoPath, true))
}

// CreateFixSession starts a new implementation conversation rooted in the
// given worktree, with write and command tools enabled.
func (s *Service) CreateFixSession(ctx context.Context, worktreePath string) (session.Handle, error) {
	if worktreePath == "" {
		return nil, fmt.Errorf("worktree path is required for a fix session")
	}
	return s.newSession(ctx, types.SessionFix, newToolset(worktreePath, false))
}
