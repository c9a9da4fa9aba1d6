package lifecycle

import (
	"github.com/steveyegge/glass/internal/types"
)

// Transition computes the successor state for (state, action). It is pure
// and total: every pair either yields exactly one new state or an
// *InvalidTransitionError, and the input state is never mutated.
//
// The table:
//
//	Pending         + StartAnalysis   -> Analyzing(new session)
//	Analyzing       + CompleteAnalysis-> PendingApproval(same session, proposal)
//	Analyzing       + Fail            -> Error(previous=analyzing)
//	PendingApproval + Approve         -> InProgress(analysis=old, impl=new, worktree)
//	PendingApproval + Reject          -> Pending
//	PendingApproval + RequestChanges  -> Analyzing(same session)
//	InProgress      + Complete        -> PendingReview(fields carried verbatim)
//	InProgress      + Fail            -> Error(previous=in_progress)
//	PendingReview   + Cleanup         -> Pending
//	Error           + Retry           -> Analyzing(new session)
//	Error           + Reject          -> Pending
func Transition(state types.State, action types.Action) (types.State, error) {
	switch s := state.(type) {
	case types.Pending:
		if a, ok := action.(types.StartAnalysis); ok {
			return types.Analyzing{AnalysisSessionID: a.SessionID}, nil
		}

	case types.Analyzing:
		switch a := action.(type) {
		case types.CompleteAnalysis:
			return types.PendingApproval{
				AnalysisSessionID: s.AnalysisSessionID,
				Proposal:          a.Proposal,
			}, nil
		case types.Fail:
			return types.ErrorState{
				PreviousStatus: types.StatusAnalyzing,
				SessionID:      s.AnalysisSessionID,
				Message:        a.Message,
			}, nil
		}

	case types.PendingApproval:
		switch a := action.(type) {
		case types.Approve:
			return types.InProgress{
				AnalysisSessionID:       s.AnalysisSessionID,
				ImplementationSessionID: a.ImplementationSessionID,
				WorktreePath:            a.WorktreePath,
				WorktreeBranch:          a.WorktreeBranch,
			}, nil
		case types.Reject:
			return types.Pending{}, nil
		case types.RequestChanges:
			// The agent continues the same conversation: the session id is
			// carried over, never minted fresh.
			return types.Analyzing{AnalysisSessionID: s.AnalysisSessionID}, nil
		}

	case types.InProgress:
		switch a := action.(type) {
		case types.Complete:
			return types.PendingReview{
				AnalysisSessionID:       s.AnalysisSessionID,
				ImplementationSessionID: s.ImplementationSessionID,
				WorktreePath:            s.WorktreePath,
				WorktreeBranch:          s.WorktreeBranch,
			}, nil
		case types.Fail:
			return types.ErrorState{
				PreviousStatus: types.StatusInProgress,
				SessionID:      s.ImplementationSessionID,
				Message:        a.Message,
			}, nil
		}

	case types.PendingReview:
		if _, ok := action.(types.Cleanup); ok {
			return types.Pending{}, nil
		}

	case types.ErrorState:
		switch a := action.(type) {
		case types.Retry:
			return types.Analyzing{AnalysisSessionID: a.SessionID}, nil
		case types.Reject:
			return types.Pending{}, nil
		}
	}

	return nil, &InvalidTransitionError{
		CurrentStatus: state.Status(),
		Action:        action.Kind(),
	}
}
