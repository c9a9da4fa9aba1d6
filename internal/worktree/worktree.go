// Package worktree manages the isolated git worktrees fix sessions run in.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Service creates and removes git worktrees under a dedicated root
// directory, keeping fix-session changes out of the main checkout.
type Service struct {
	repoPath string
	root     string
}

// New creates a worktree service for the given repository. root is the
// directory worktrees are created under; it defaults to a sibling of the
// repository named "<repo>-worktrees".
func New(repoPath, root string) (*Service, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if err := validateGitRepo(abs); err != nil {
		return nil, err
	}

	if root == "" {
		root = abs + "-worktrees"
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktree root: %w", err)
	}

	return &Service{repoPath: abs, root: absRoot}, nil
}

// Create adds a new worktree on a fresh branch and returns its absolute
// path. The worktree directory is named after the branch.
func (s *Service) Create(ctx context.Context, branch string) (string, error) {
	if branch == "" {
		return "", fmt.Errorf("branch name is required")
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return "", fmt.Errorf("failed to create worktree root: %w", err)
	}

	// Branch names may contain slashes; flatten them for the directory name
	dirName := strings.ReplaceAll(branch, "/", "-")
	worktreePath := filepath.Join(s.root, dirName)

	if _, err := os.Stat(worktreePath); err == nil {
		return "", fmt.Errorf("worktree already exists: %s", worktreePath)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath)
	cmd.Dir = s.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Clean up if worktree creation failed but directory was created
		os.RemoveAll(worktreePath)
		return "", fmt.Errorf("git worktree add failed: %w (output: %s)", err, string(output))
	}

	return worktreePath, nil
}

// Remove deletes a worktree. The branch is kept; a reviewed fix may still
// be merged after its worktree is gone. Removing a path that no longer
// exists is a no-op.
func (s *Service) Remove(ctx context.Context, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", worktreePath, "--force")
	cmd.Dir = s.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Fall back to manual removal if the worktree is already broken
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("git worktree remove failed (%s) and manual removal failed: %w",
				strings.TrimSpace(string(output)), rmErr)
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = s.repoPath
		pruneCmd.Run() // Ignore errors from prune
	}
	return nil
}

// validateGitRepo checks if a directory is a git repository.
func validateGitRepo(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("repository path does not exist: %s", path)
		}
		return fmt.Errorf("failed to stat repository path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository path is not a directory: %s", path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("not a git repository: %s", path)
	}
	return nil
}
