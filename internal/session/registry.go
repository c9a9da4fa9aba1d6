// Package session tracks the active agent session for each issue and
// enforces the at-most-one-session-per-issue invariant.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/steveyegge/glass/internal/types"
)

// ErrAlreadyActive is returned by Create when the issue already has an
// active (or currently being created) session.
var ErrAlreadyActive = errors.New("session already active for issue")

// Handle is a running agent conversation. Handles are owned by the Registry
// while active; Dispose transfers them out and aborts the underlying run.
type Handle interface {
	// ID is the unique session identifier
	ID() string
	// Kind reports whether this is an analysis or fix session
	Kind() types.SessionKind
	// Prompt sends text to the agent and drives the conversation until the
	// turn ends. Events are delivered to subscribers as they happen.
	Prompt(ctx context.Context, text string) error
	// Subscribe registers a listener for session events. The returned
	// function unregisters it.
	Subscribe(listener func(types.AnalysisEvent)) (unsubscribe func())
	// Abort cancels the session's in-flight work.
	Abort() error
}

// Factory creates agent sessions. Implemented by the agent service.
type Factory interface {
	// CreateAnalysisSession creates a session with read-only tool capability.
	CreateAnalysisSession(ctx context.Context) (Handle, error)
	// CreateFixSession creates a session with full tool capability rooted at
	// the given worktree.
	CreateFixSession(ctx context.Context, worktreePath string) (Handle, error)
}

// Registry maps issue ids to their active session handle. All access is
// serialized per issue id: two concurrent Creates for the same issue cannot
// both succeed, even while the factory call is still in flight.
type Registry struct {
	factory Factory
	logger  *log.Logger

	mu       sync.Mutex
	active   map[string]Handle
	creating map[string]struct{}
}

// NewRegistry creates an empty registry backed by the given session factory.
func NewRegistry(factory Factory, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		factory:  factory,
		logger:   logger,
		active:   make(map[string]Handle),
		creating: make(map[string]struct{}),
	}
}

// Create makes a new session for the issue and registers it. worktreePath
// is required for fix sessions and ignored for analysis sessions. Fails
// with ErrAlreadyActive if a session exists or is being created.
func (r *Registry) Create(ctx context.Context, issueID string, kind types.SessionKind, worktreePath string) (Handle, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid session kind: %q", kind)
	}

	// Reserve the slot before the (potentially slow) factory call so a
	// concurrent Create observes the reservation and fails.
	r.mu.Lock()
	if _, ok := r.active[issueID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, issueID)
	}
	if _, ok := r.creating[issueID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, issueID)
	}
	r.creating[issueID] = struct{}{}
	r.mu.Unlock()

	handle, err := r.open(ctx, kind, worktreePath)

	r.mu.Lock()
	delete(r.creating, issueID)
	if err == nil {
		r.active[issueID] = handle
	}
	r.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to create %s session for %s: %w", kind, issueID, err)
	}
	return handle, nil
}

// Replace creates a new session for the issue and swaps it in, disposing
// the previous handle if one was registered. Used on Approve, where the fix
// session must be created before the analysis session is released. The
// caller is responsible for serializing Replace per issue id.
func (r *Registry) Replace(ctx context.Context, issueID string, kind types.SessionKind, worktreePath string) (Handle, error) {
	handle, err := r.open(ctx, kind, worktreePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s session for %s: %w", kind, issueID, err)
	}

	r.mu.Lock()
	old := r.active[issueID]
	r.active[issueID] = handle
	r.mu.Unlock()

	if old != nil {
		if err := old.Abort(); err != nil {
			r.logger.Printf("warning: failed to abort replaced session %s for %s: %v", old.ID(), issueID, err)
		}
	}
	return handle, nil
}

func (r *Registry) open(ctx context.Context, kind types.SessionKind, worktreePath string) (Handle, error) {
	if kind == types.SessionFix {
		if worktreePath == "" {
			return nil, fmt.Errorf("worktree path is required for fix sessions")
		}
		return r.factory.CreateFixSession(ctx, worktreePath)
	}
	return r.factory.CreateAnalysisSession(ctx)
}

// Get returns the active session handle for the issue, if any.
func (r *Registry) Get(issueID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[issueID]
	return h, ok
}

// Dispose aborts and unregisters the issue's session. Disposing an issue
// with no session is a no-op, not an error.
func (r *Registry) Dispose(issueID string) {
	r.mu.Lock()
	h, ok := r.active[issueID]
	delete(r.active, issueID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := h.Abort(); err != nil {
		r.logger.Printf("warning: failed to abort session %s for %s: %v", h.ID(), issueID, err)
	}
}

// DisposeAll aborts and unregisters every session. A failure disposing one
// session is logged and does not prevent disposing the rest.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	handles := make(map[string]Handle, len(r.active))
	for id, h := range r.active {
		handles[id] = h
	}
	r.active = make(map[string]Handle)
	r.mu.Unlock()

	for issueID, h := range handles {
		if err := h.Abort(); err != nil {
			r.logger.Printf("warning: failed to abort session %s for %s: %v", h.ID(), issueID, err)
		}
	}
}

// Len returns the number of active sessions. Intended for status reporting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
