// Package lifecycle implements the issue lifecycle orchestrator: the state
// machine governing issue progress and the dispatch façade that composes
// the session registry, event broadcaster, and persistence collaborators.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/glass/internal/events"
	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/types"
)

// IssueRepository is the persistence contract the orchestrator consumes.
// GetIssue returns (nil, nil) when the id is unknown.
type IssueRepository interface {
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	UpdateIssueState(ctx context.Context, id string, state types.State) error
	ListIssuesByStatuses(ctx context.Context, statuses []types.Status) ([]*types.Issue, error)
	UpsertIssue(ctx context.Context, issue *types.Issue) (*types.Issue, error)
}

// ConversationRepository stores analysis proposals keyed by issue id.
// GetProposal returns ("", nil) when no proposal is stored.
type ConversationRepository interface {
	SaveProposal(ctx context.Context, issueID, content string) error
	GetProposal(ctx context.Context, issueID string) (string, error)
}

// WorktreeService creates and removes isolated git worktrees for
// implementation sessions.
type WorktreeService interface {
	Create(ctx context.Context, branch string) (string, error)
	Remove(ctx context.Context, path string) error
}

// Orchestrator drives issues through the remediation workflow. Dispatch
// calls for the same issue id are serialized end-to-end through
// persistence; different issues proceed fully in parallel.
type Orchestrator struct {
	issues        IssueRepository
	conversations ConversationRepository
	worktrees     WorktreeService
	sessions      *session.Registry
	events        *events.Broadcaster
	logger        *log.Logger

	locks issueLocks

	// runLocks serializes session runs per session id, so a follow-up
	// prompt sent while a run is still streaming waits its turn instead of
	// forwarding the earlier run's events a second time.
	runLocks issueLocks

	// ctx outlives any single dispatch; it cancels detached session
	// drivers on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds orchestrator dependencies.
type Config struct {
	Issues        IssueRepository
	Conversations ConversationRepository
	Worktrees     WorktreeService
	Sessions      *session.Registry
	Events        *events.Broadcaster
	Logger        *log.Logger
}

// New creates an orchestrator. All collaborators except Logger are required.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg.Issues == nil {
		return nil, fmt.Errorf("issue repository is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("conversation repository is required")
	}
	if cfg.Worktrees == nil {
		return nil, fmt.Errorf("worktree service is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event broadcaster is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		issues:        cfg.Issues,
		conversations: cfg.Conversations,
		worktrees:     cfg.Worktrees,
		sessions:      cfg.Sessions,
		events:        cfg.Events,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Dispatch validates and applies an action to an issue: load, validate,
// side effect, persist, then (for session-starting actions) launch the
// detached driver that follows the agent run. It blocks only through
// persistence, never on the agent run itself.
func (o *Orchestrator) Dispatch(ctx context.Context, issueID string, action types.Action) (*types.Issue, error) {
	unlock := o.locks.lock(issueID)
	defer unlock()
	return o.dispatchLocked(ctx, issueID, action)
}

func (o *Orchestrator) dispatchLocked(ctx context.Context, issueID string, action types.Action) (*types.Issue, error) {
	issue, err := o.issues.GetIssue(ctx, issueID)
	if err != nil {
		return nil, &PersistenceError{IssueID: issueID, Err: err}
	}
	if issue == nil {
		return nil, &NotFoundError{IssueID: issueID}
	}

	// Validate before any side effect. Session-creating actions are
	// validated with their ids still empty; the successor is recomputed
	// below once the real ids exist.
	newState, err := Transition(issue.State, action)
	if err != nil {
		return nil, err
	}

	var created session.Handle
	var createdWorktree string
	var run *sessionRun

	switch a := action.(type) {
	case types.StartAnalysis, types.Retry:
		handle, aerr := o.sessions.Create(ctx, issueID, types.SessionAnalysis, "")
		if aerr != nil {
			return nil, &AgentError{IssueID: issueID, Err: aerr}
		}
		created = handle
		o.events.CreateBuffer(handle.ID())
		if _, isRetry := action.(types.Retry); isRetry {
			action = types.Retry{SessionID: handle.ID()}
		} else {
			action = types.StartAnalysis{SessionID: handle.ID()}
		}
		newState, err = Transition(issue.State, action)
		if err != nil {
			o.sessions.Dispose(issueID)
			o.events.Remove(handle.ID())
			return nil, err
		}
		run = &sessionRun{handle: handle, prompt: buildAnalysisPrompt(issue)}

	case types.Approve:
		branch := a.WorktreeBranch
		if branch == "" {
			branch = worktreeBranchFor(issueID)
		}
		path := a.WorktreePath
		if path == "" {
			path, err = o.worktrees.Create(ctx, branch)
			if err != nil {
				return nil, &AgentError{IssueID: issueID, Err: fmt.Errorf("failed to create worktree: %w", err)}
			}
			createdWorktree = path
		}

		// The fix session is created before the analysis session is
		// released; Replace swaps them so the registry never holds both.
		handle, aerr := o.sessions.Replace(ctx, issueID, types.SessionFix, path)
		if aerr != nil {
			if rmErr := o.worktrees.Remove(ctx, path); rmErr != nil {
				o.logger.Printf("warning: failed to remove worktree %s after session failure: %v", path, rmErr)
			}
			return nil, &AgentError{IssueID: issueID, Err: aerr}
		}
		created = handle
		o.events.CreateBuffer(handle.ID())
		action = types.Approve{
			WorktreePath:            path,
			WorktreeBranch:          branch,
			ImplementationSessionID: handle.ID(),
		}
		newState, err = Transition(issue.State, action)
		if err != nil {
			o.sessions.Dispose(issueID)
			o.events.Remove(handle.ID())
			return nil, err
		}
		run = &sessionRun{handle: handle, prompt: buildFixPrompt(issue, o.proposalFor(ctx, issue))}

	case types.RequestChanges:
		// No new session: the existing analysis conversation continues.
		handle, ok := o.sessions.Get(issueID)
		if !ok {
			return nil, &AgentError{IssueID: issueID, Err: ErrNoActiveSession}
		}
		o.events.CreateBuffer(handle.ID())
		run = &sessionRun{handle: handle, prompt: buildFeedbackPrompt(a.Feedback)}

	case types.CompleteAnalysis:
		if serr := o.conversations.SaveProposal(ctx, issueID, a.Proposal); serr != nil {
			return nil, &PersistenceError{IssueID: issueID, Err: serr}
		}

	case types.Reject:
		o.sessions.Dispose(issueID)
		if sid := types.ActiveSessionID(issue.State); sid != "" {
			o.events.Remove(sid)
		}

	case types.Cleanup:
		o.sessions.Dispose(issueID)
		if sid := types.ActiveSessionID(issue.State); sid != "" {
			o.events.Remove(sid)
		}
		if s, ok := issue.State.(types.PendingReview); ok && s.WorktreePath != "" {
			// Best-effort, like sandbox cleanup: a stuck worktree should not
			// wedge the issue in review.
			if rmErr := o.worktrees.Remove(ctx, s.WorktreePath); rmErr != nil {
				o.logger.Printf("warning: failed to remove worktree %s for %s: %v", s.WorktreePath, issueID, rmErr)
			}
		}

	case types.Fail:
		// The terminal error event already completed the buffer; keep it
		// readable until expiry for observers that arrive late.
		o.sessions.Dispose(issueID)

	case types.Complete:
		// The fix session stays registered through review so follow-up
		// messages can reach it.
	}

	if perr := o.issues.UpdateIssueState(ctx, issueID, newState); perr != nil {
		// The registry must never reference a session for state that was
		// not durably committed.
		if created != nil {
			o.sessions.Dispose(issueID)
			o.events.Remove(created.ID())
		}
		if createdWorktree != "" {
			// Best-effort: a worktree minted for this dispatch is orphaned
			// once the state write fails.
			if rmErr := o.worktrees.Remove(ctx, createdWorktree); rmErr != nil {
				o.logger.Printf("warning: failed to remove worktree %s after persistence failure: %v", createdWorktree, rmErr)
			}
		}
		return nil, &PersistenceError{IssueID: issueID, Err: perr}
	}

	issue.State = newState
	issue.UpdatedAt = time.Now().UTC()

	if run != nil {
		o.startDriver(issueID, run)
	}
	return issue, nil
}

// SendMessage forwards text as a follow-up prompt to the issue's active
// session. It does not itself change issue state; if the resulting run ends
// in a terminal event, the driver routes it through Dispatch like any other
// completion.
func (o *Orchestrator) SendMessage(ctx context.Context, issueID, text string) error {
	handle, ok := o.sessions.Get(issueID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, issueID)
	}
	o.events.CreateBuffer(handle.ID())
	o.startDriver(issueID, &sessionRun{handle: handle, prompt: text})
	return nil
}

// proposalFor loads the stored proposal for an issue awaiting approval.
// Per the storage design the separate proposals table is canonical; a
// missing row for a pending-approval issue is a data-integrity warning, and
// the copy embedded in the state is used as a fallback.
func (o *Orchestrator) proposalFor(ctx context.Context, issue *types.Issue) string {
	proposal, err := o.conversations.GetProposal(ctx, issue.ID)
	if err != nil {
		o.logger.Printf("warning: failed to load proposal for %s: %v", issue.ID, err)
	}
	if proposal != "" {
		return proposal
	}
	if s, ok := issue.State.(types.PendingApproval); ok {
		if s.Proposal == "" {
			o.logger.Printf("warning: issue %s is pending approval but has no stored proposal", issue.ID)
		}
		return s.Proposal
	}
	return ""
}

// Recover reconciles persisted state with the (empty) session registry
// after a restart: issues stuck in a session-backed state are failed so
// they surface as retryable errors instead of hanging forever. It also
// flags pending-approval issues whose proposal is missing.
func (o *Orchestrator) Recover(ctx context.Context) error {
	stuck, err := o.issues.ListIssuesByStatuses(ctx, []types.Status{types.StatusAnalyzing, types.StatusInProgress})
	if err != nil {
		return fmt.Errorf("failed to list in-flight issues: %w", err)
	}
	for _, issue := range stuck {
		if _, ok := o.sessions.Get(issue.ID); ok {
			continue
		}
		if _, derr := o.Dispatch(ctx, issue.ID, types.Fail{Message: "orchestrator restarted while session was running"}); derr != nil {
			o.logger.Printf("warning: failed to recover issue %s: %v", issue.ID, derr)
		}
	}

	awaiting, err := o.issues.ListIssuesByStatuses(ctx, []types.Status{types.StatusPendingApproval})
	if err != nil {
		return fmt.Errorf("failed to list pending-approval issues: %w", err)
	}
	for _, issue := range awaiting {
		o.proposalFor(ctx, issue)
	}
	return nil
}

// Close cancels all running session drivers, disposes every session, and
// waits (bounded) for drivers to finish recording their terminal state.
func (o *Orchestrator) Close() {
	o.cancel()
	o.sessions.DisposeAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		o.logger.Printf("warning: timed out waiting for session drivers to finish")
	}
}

func worktreeBranchFor(issueID string) string {
	return "glass/fix-" + strings.ReplaceAll(issueID, ":", "-")
}
