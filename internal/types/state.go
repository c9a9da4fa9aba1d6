package types

import (
	"encoding/json"
	"fmt"
)

// Status is the discriminant tag of the issue lifecycle state union.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAnalyzing       Status = "analyzing"
	StatusPendingApproval Status = "pending_approval"
	StatusInProgress      Status = "in_progress"
	StatusPendingReview   Status = "pending_review"
	StatusError           Status = "error"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusPendingApproval,
		StatusInProgress, StatusPendingReview, StatusError:
		return true
	}
	return false
}

// AllStatuses returns every status tag. Used by exhaustiveness tests and by
// callers that need to enumerate the union.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusAnalyzing, StatusPendingApproval,
		StatusInProgress, StatusPendingReview, StatusError,
	}
}

// State is the closed set of issue lifecycle states. It is a sealed
// interface: the only implementations are the variant structs in this file.
// New state values are produced exclusively by the lifecycle transition
// function; everything else treats State as opaque.
type State interface {
	Status() Status
	sealedState()
}

// Pending is the initial state: the issue is tracked but no work has started.
type Pending struct{}

// Analyzing means an analysis agent session is running (or resuming after
// requested changes).
type Analyzing struct {
	AnalysisSessionID string `json:"analysisSessionId"`
}

// PendingApproval means analysis produced a proposal awaiting a human
// decision. The analysis session stays active so changes can be requested
// on the same conversation.
type PendingApproval struct {
	AnalysisSessionID string `json:"analysisSessionId"`
	Proposal          string `json:"proposal"`
}

// InProgress means an implementation agent session is working inside a
// dedicated git worktree.
type InProgress struct {
	AnalysisSessionID       string `json:"analysisSessionId"`
	ImplementationSessionID string `json:"implementationSessionId"`
	WorktreePath            string `json:"worktreePath"`
	WorktreeBranch          string `json:"worktreeBranch"`
}

// PendingReview means implementation finished and the worktree awaits human
// review.
type PendingReview struct {
	AnalysisSessionID       string `json:"analysisSessionId"`
	ImplementationSessionID string `json:"implementationSessionId"`
	WorktreePath            string `json:"worktreePath"`
	WorktreeBranch          string `json:"worktreeBranch"`
}

// ErrorState records an agent failure, the phase it failed in, and the
// session that failed. Retry starts a fresh session from here.
type ErrorState struct {
	PreviousStatus Status `json:"previousStatus"`
	SessionID      string `json:"sessionId"`
	Message        string `json:"error"`
}

func (Pending) Status() Status         { return StatusPending }
func (Analyzing) Status() Status       { return StatusAnalyzing }
func (PendingApproval) Status() Status { return StatusPendingApproval }
func (InProgress) Status() Status      { return StatusInProgress }
func (PendingReview) Status() Status   { return StatusPendingReview }
func (ErrorState) Status() Status      { return StatusError }

func (Pending) sealedState()         {}
func (Analyzing) sealedState()       {}
func (PendingApproval) sealedState() {}
func (InProgress) sealedState()      {}
func (PendingReview) sealedState()   {}
func (ErrorState) sealedState()      {}

// ActiveSessionID returns the agent session id relevant to the given state:
// the analysis session while analyzing or awaiting approval, the
// implementation session while in progress or in review, and the failed
// session in the error state. Returns "" for Pending.
func ActiveSessionID(s State) string {
	switch v := s.(type) {
	case Pending:
		return ""
	case Analyzing:
		return v.AnalysisSessionID
	case PendingApproval:
		return v.AnalysisSessionID
	case InProgress:
		return v.ImplementationSessionID
	case PendingReview:
		return v.ImplementationSessionID
	case ErrorState:
		return v.SessionID
	default:
		return ""
	}
}

// MarshalState encodes a state as a JSON object with a "status" tag next to
// the variant's fields, matching the wire format the TUI consumes:
//
//	{"status":"pending_approval","analysisSessionId":"...","proposal":"..."}
func MarshalState(s State) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot marshal nil state")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = s.Status()
	return json.Marshal(fields)
}

// UnmarshalState decodes the tagged-union JSON produced by MarshalState.
func UnmarshalState(data []byte) (State, error) {
	var probe struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to read state tag: %w", err)
	}
	switch probe.Status {
	case StatusPending:
		return Pending{}, nil
	case StatusAnalyzing:
		var v Analyzing
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StatusPendingApproval:
		var v PendingApproval
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StatusInProgress:
		var v InProgress
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StatusPendingReview:
		var v PendingReview
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StatusError:
		var v ErrorState
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown state tag: %q", probe.Status)
	}
}
