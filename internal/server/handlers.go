package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/steveyegge/glass/internal/lifecycle"
	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/types"
)

// issueSummary is the list-view projection of an issue.
type issueSummary struct {
	ID         string `json:"id"`
	SourceType string `json:"sourceType"`
	Title      string `json:"title"`
	ShortID    string `json:"shortId"`
	Status     string `json:"status"`
	EventCount uint64 `json:"eventCount"`
	UserCount  uint64 `json:"userCount"`
	FirstSeen  string `json:"firstSeen"`
	LastSeen   string `json:"lastSeen"`
	UpdatedAt  string `json:"updatedAt"`
}

type listIssuesResponse struct {
	Issues []issueSummary `json:"issues"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// issueDetail is the full projection: the cached source payload plus the
// lifecycle state union, with the status tag duplicated at the top level.
type issueDetail struct {
	ID         string            `json:"id"`
	SourceType string            `json:"sourceType"`
	Status     string            `json:"status"`
	Source     types.IssueSource `json:"source"`
	State      json.RawMessage   `json:"state"`
	CreatedAt  string            `json:"createdAt"`
	UpdatedAt  string            `json:"updatedAt"`
}

type sessionRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type sessionInfoResponse struct {
	AnalysisSession       *sessionRef `json:"analysisSession,omitempty"`
	ImplementationSession *sessionRef `json:"implementationSession,omitempty"`
}

type analyzeResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

type approveResponse struct {
	Status                  string `json:"status"`
	WorktreePath            string `json:"worktreePath"`
	WorktreeBranch          string `json:"worktreeBranch"`
	ImplementationSessionID string `json:"implementationSessionId"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type cleanedUpInfo struct {
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
}

type completeResponse struct {
	Status    string         `json:"status"`
	CleanedUp *cleanedUpInfo `json:"cleanedUp,omitempty"`
}

type retryResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.ListIssues(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(issues))
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sentry is not configured"))
		return
	}
	issues, err := s.refresher.RefreshAll(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(issues))
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.store.GetIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if issue == nil {
		writeError(w, http.StatusNotFound, &lifecycle.NotFoundError{IssueID: r.PathValue("id")})
		return
	}
	s.writeDetail(w, issue)
}

func (s *Server) handleRefreshIssue(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sentry is not configured"))
		return
	}
	issue, err := s.refresher.RefreshOne(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeDetail(w, issue)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	issue, err := s.store.GetIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if issue == nil {
		writeError(w, http.StatusNotFound, &lifecycle.NotFoundError{IssueID: r.PathValue("id")})
		return
	}

	var resp sessionInfoResponse
	switch st := issue.State.(type) {
	case types.Analyzing:
		resp.AnalysisSession = &sessionRef{ID: st.AnalysisSessionID}
	case types.PendingApproval:
		resp.AnalysisSession = &sessionRef{ID: st.AnalysisSessionID}
	case types.InProgress:
		resp.AnalysisSession = &sessionRef{ID: st.AnalysisSessionID}
		resp.ImplementationSession = &sessionRef{ID: st.ImplementationSessionID, Path: st.WorktreePath}
	case types.PendingReview:
		resp.AnalysisSession = &sessionRef{ID: st.AnalysisSessionID}
		resp.ImplementationSession = &sessionRef{ID: st.ImplementationSessionID, Path: st.WorktreePath}
	case types.ErrorState:
		if st.SessionID != "" {
			resp.AnalysisSession = &sessionRef{ID: st.SessionID}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	issue, err := s.orchestrator.Dispatch(r.Context(), r.PathValue("id"), types.StartAnalysis{})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Status:    string(issue.State.Status()),
		SessionID: types.ActiveSessionID(issue.State),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	issue, err := s.orchestrator.Dispatch(r.Context(), r.PathValue("id"), types.Approve{})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	resp := approveResponse{Status: string(issue.State.Status())}
	if st, ok := issue.State.(types.InProgress); ok {
		resp.WorktreePath = st.WorktreePath
		resp.WorktreeBranch = st.WorktreeBranch
		resp.ImplementationSessionID = st.ImplementationSessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	issue, err := s.orchestrator.Dispatch(r.Context(), r.PathValue("id"), types.Reject{})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(issue.State.Status())})
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if body.Feedback == "" {
		writeError(w, http.StatusBadRequest, errors.New("feedback is required"))
		return
	}

	issue, err := s.orchestrator.Dispatch(r.Context(), r.PathValue("id"), types.RequestChanges{Feedback: body.Feedback})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(issue.State.Status())})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")

	// Capture the worktree before cleanup so the response can report what
	// was removed; the post-cleanup state no longer carries it. The read is
	// outside the dispatch lock, so a racing dispatch can make the snapshot
	// stale. That only affects this best-effort response field.
	var cleaned *cleanedUpInfo
	if before, err := s.store.GetIssue(r.Context(), issueID); err == nil && before != nil {
		if st, ok := before.State.(types.PendingReview); ok && st.WorktreePath != "" {
			cleaned = &cleanedUpInfo{WorktreePath: st.WorktreePath, Branch: st.WorktreeBranch}
		}
	}

	issue, err := s.orchestrator.Dispatch(r.Context(), issueID, types.Cleanup{})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		Status:    string(issue.State.Status()),
		CleanedUp: cleaned,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	issue, err := s.orchestrator.Dispatch(r.Context(), r.PathValue("id"), types.Retry{})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{
		Status:    string(issue.State.Status()),
		SessionID: types.ActiveSessionID(issue.State),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	if err := s.orchestrator.SendMessage(r.Context(), r.PathValue("id"), body.Text); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}

func (s *Server) writeDetail(w http.ResponseWriter, issue *types.Issue) {
	state, err := types.MarshalState(issue.State)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, issueDetail{
		ID:         issue.ID,
		SourceType: issue.SourceType,
		Status:     string(issue.State.Status()),
		Source:     issue.Source,
		State:      state,
		CreatedAt:  issue.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  issue.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func toListResponse(issues []*types.Issue) listIssuesResponse {
	summaries := make([]issueSummary, 0, len(issues))
	for _, issue := range issues {
		summaries = append(summaries, issueSummary{
			ID:         issue.ID,
			SourceType: issue.SourceType,
			Title:      issue.Source.Title,
			ShortID:    issue.Source.ShortID,
			Status:     string(issue.State.Status()),
			EventCount: issue.Source.EventCount,
			UserCount:  issue.Source.UserCount,
			FirstSeen:  issue.Source.FirstSeen,
			LastSeen:   issue.Source.LastSeen,
			UpdatedAt:  issue.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return listIssuesResponse{
		Issues: summaries,
		Total:  len(summaries),
		Limit:  len(summaries),
		Offset: 0,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDispatchError maps orchestrator errors to HTTP statuses: unknown
// issue 404, illegal action 409, agent/session failure 502, persistence
// failure 500.
func writeDispatchError(w http.ResponseWriter, err error) {
	var notFound *lifecycle.NotFoundError
	var invalid *lifecycle.InvalidTransitionError
	var agent *lifecycle.AgentError
	var persistence *lifecycle.PersistenceError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, lifecycle.ErrNoActiveSession), errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &agent):
		writeError(w, http.StatusBadGateway, err)
	case errors.As(err, &persistence):
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
