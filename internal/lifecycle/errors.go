package lifecycle

import (
	"errors"
	"fmt"

	"github.com/steveyegge/glass/internal/types"
)

// InvalidTransitionError is returned when an action is not legal for the
// issue's current state. The dispatch that produced it had no side effects.
type InvalidTransitionError struct {
	CurrentStatus types.Status
	Action        types.ActionKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %q is not valid in state %q", e.Action, e.CurrentStatus)
}

// NotFoundError is returned when the issue id is unknown.
type NotFoundError struct {
	IssueID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("issue not found: %s", e.IssueID)
}

// AgentError wraps a synchronous failure from the agent, session registry,
// or worktree collaborator during the side-effect step of a dispatch. No
// state was persisted.
type AgentError struct {
	IssueID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent operation failed for %s: %v", e.IssueID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// PersistenceError wraps a repository write failure. Any session created
// earlier in the dispatch has already been disposed by the time this is
// returned.
type PersistenceError struct {
	IssueID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist state for %s: %v", e.IssueID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrNoActiveSession is returned by SendMessage when the issue has no
// running agent session.
var ErrNoActiveSession = errors.New("no active session for issue")
