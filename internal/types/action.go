package types

// ActionKind is the discriminant tag of the issue action union.
type ActionKind string

const (
	ActionStartAnalysis    ActionKind = "start_analysis"
	ActionCompleteAnalysis ActionKind = "complete_analysis"
	ActionApprove          ActionKind = "approve"
	ActionReject           ActionKind = "reject"
	ActionRequestChanges   ActionKind = "request_changes"
	ActionComplete         ActionKind = "complete"
	ActionFail             ActionKind = "fail"
	ActionRetry            ActionKind = "retry"
	ActionCleanup          ActionKind = "cleanup"
)

// IsValid checks if the action kind value is valid
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionStartAnalysis, ActionCompleteAnalysis, ActionApprove,
		ActionReject, ActionRequestChanges, ActionComplete,
		ActionFail, ActionRetry, ActionCleanup:
		return true
	}
	return false
}

// AllActionKinds returns every action tag. Used by exhaustiveness tests.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionStartAnalysis, ActionCompleteAnalysis, ActionApprove,
		ActionReject, ActionRequestChanges, ActionComplete,
		ActionFail, ActionRetry, ActionCleanup,
	}
}

// Action is the closed set of lifecycle actions. Like State it is a sealed
// interface with one struct per variant. Actions that reference a session
// the orchestrator has not created yet (StartAnalysis, Retry, Approve) may
// carry empty ids during validation; the orchestrator fills them in after
// the side effect succeeds.
type Action interface {
	Kind() ActionKind
	sealedAction()
}

// StartAnalysis begins an analysis session on a pending issue.
type StartAnalysis struct {
	SessionID string
}

// CompleteAnalysis records the proposal produced by the analysis session.
// Dispatched internally when the session emits its terminal complete event.
type CompleteAnalysis struct {
	Proposal string
}

// Approve accepts the proposal and starts implementation in a worktree.
type Approve struct {
	WorktreePath            string
	WorktreeBranch          string
	ImplementationSessionID string
}

// Reject discards the proposal (or a failed attempt) and returns the issue
// to pending.
type Reject struct{}

// RequestChanges sends feedback to the existing analysis session and
// returns the issue to analyzing. The session id is preserved: the agent
// continues the same conversation.
type RequestChanges struct {
	Feedback string
}

// Complete marks implementation as finished and ready for review.
// Dispatched internally when the fix session emits its terminal event.
type Complete struct{}

// Fail records an agent failure. Dispatched internally for any asynchronous
// session error, including aborts.
type Fail struct {
	Message string
}

// Retry starts a fresh analysis session after a failure.
type Retry struct {
	SessionID string
}

// Cleanup finishes the review, removes the worktree, and returns the issue
// to pending.
type Cleanup struct{}

func (StartAnalysis) Kind() ActionKind    { return ActionStartAnalysis }
func (CompleteAnalysis) Kind() ActionKind { return ActionCompleteAnalysis }
func (Approve) Kind() ActionKind          { return ActionApprove }
func (Reject) Kind() ActionKind           { return ActionReject }
func (RequestChanges) Kind() ActionKind   { return ActionRequestChanges }
func (Complete) Kind() ActionKind         { return ActionComplete }
func (Fail) Kind() ActionKind             { return ActionFail }
func (Retry) Kind() ActionKind            { return ActionRetry }
func (Cleanup) Kind() ActionKind          { return ActionCleanup }

func (StartAnalysis) sealedAction()    {}
func (CompleteAnalysis) sealedAction() {}
func (Approve) sealedAction()          {}
func (Reject) sealedAction()           {}
func (RequestChanges) sealedAction()   {}
func (Complete) sealedAction()         {}
func (Fail) sealedAction()             {}
func (Retry) sealedAction()            {}
func (Cleanup) sealedAction()          {}
