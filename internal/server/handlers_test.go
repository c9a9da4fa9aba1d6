package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/glass/internal/events"
	"github.com/steveyegge/glass/internal/lifecycle"
	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/storage"
	"github.com/steveyegge/glass/internal/types"
)

// --- fakes ---

// scriptedHandle plays a canned agent run: Prompt feeds the scripted events
// to subscribers synchronously, the way the real session does.
type scriptedHandle struct {
	id   string
	kind types.SessionKind

	mu        sync.Mutex
	script    func(prompt string, emit func(types.AnalysisEvent)) error
	listeners map[int]func(types.AnalysisEvent)
	nextSub   int
}

func (h *scriptedHandle) ID() string              { return h.id }
func (h *scriptedHandle) Kind() types.SessionKind { return h.kind }
func (h *scriptedHandle) Abort() error            { return nil }

func (h *scriptedHandle) Prompt(ctx context.Context, text string) error {
	h.mu.Lock()
	script := h.script
	h.mu.Unlock()
	if script == nil {
		return nil
	}
	return script(text, h.emit)
}

func (h *scriptedHandle) emit(ev types.AnalysisEvent) {
	h.mu.Lock()
	listeners := make([]func(types.AnalysisEvent), 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (h *scriptedHandle) Subscribe(listener func(types.AnalysisEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[int]func(types.AnalysisEvent))
	}
	id := h.nextSub
	h.nextSub++
	h.listeners[id] = listener
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

type scriptedFactory struct {
	mu             sync.Mutex
	counter        int
	analysisScript func(prompt string, emit func(types.AnalysisEvent)) error
	fixScript      func(prompt string, emit func(types.AnalysisEvent)) error
}

func (f *scriptedFactory) setAnalysisScript(s func(string, func(types.AnalysisEvent)) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysisScript = s
}

func (f *scriptedFactory) CreateAnalysisSession(ctx context.Context) (session.Handle, error) {
	return f.create(types.SessionAnalysis)
}

func (f *scriptedFactory) CreateFixSession(ctx context.Context, worktreePath string) (session.Handle, error) {
	return f.create(types.SessionFix)
}

func (f *scriptedFactory) create(kind types.SessionKind) (session.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	h := &scriptedHandle{id: fmt.Sprintf("%s-%d", kind, f.counter), kind: kind}
	if kind == types.SessionAnalysis {
		h.script = f.analysisScript
	} else {
		h.script = f.fixScript
	}
	return h, nil
}

type stubWorktrees struct {
	mu      sync.Mutex
	removed []string
}

func (s *stubWorktrees) Create(ctx context.Context, branch string) (string, error) {
	return "/worktrees/" + strings.ReplaceAll(branch, "/", "-"), nil
}

func (s *stubWorktrees) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	return nil
}

// --- harness ---

type apiHarness struct {
	store     *storage.Storage
	factory   *scriptedFactory
	worktrees *stubWorktrees
	events    *events.Broadcaster
	base      string
	client    *http.Client
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := log.New(apiTestWriter{t}, "", 0)

	store, err := storage.New(filepath.Join(t.TempDir(), "glass.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &apiHarness{
		store:     store,
		factory:   &scriptedFactory{},
		worktrees: &stubWorktrees{},
	}
	registry := session.NewRegistry(h.factory, logger)
	h.events = events.NewBroadcaster(time.Minute, logger)

	orch, err := lifecycle.New(&lifecycle.Config{
		Issues:        store,
		Conversations: store,
		Worktrees:     h.worktrees,
		Sessions:      registry,
		Events:        h.events,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("lifecycle.New() error = %v", err)
	}
	t.Cleanup(orch.Close)

	srv, err := New(&Config{
		Listen:       ":0",
		Orchestrator: orch,
		Store:        store,
		Sessions:     registry,
		Events:       h.events,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	h.base = ts.URL
	h.client = ts.Client()
	return h
}

type apiTestWriter struct{ t *testing.T }

func (w apiTestWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (h *apiHarness) seed(t *testing.T, id string, state types.State) {
	t.Helper()
	now := time.Now().UTC()
	issue := &types.Issue{
		ID:         id,
		SourceType: "sentry",
		Source:     types.IssueSource{Title: "NullPointerException in checkout", ShortID: "GLASS-1"},
		State:      types.Pending{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := h.store.UpsertIssue(context.Background(), issue); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	if state.Status() != types.StatusPending {
		if err := h.store.UpdateIssueState(context.Background(), id, state); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
}

func (h *apiHarness) post(t *testing.T, path string, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := h.client.Post(h.base+path, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (h *apiHarness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := h.client.Get(h.base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (h *apiHarness) waitForStatus(t *testing.T, id string, want types.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		issue, err := h.store.GetIssue(context.Background(), id)
		if err == nil && issue != nil && issue.State.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("issue %s never reached status %q", id, want)
}

func decodeBody(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("invalid response %s: %v", data, err)
	}
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	// Served on both the unversioned path (what pollers hit) and the
	// versioned alias.
	for _, path := range []string{"/health", "/api/v1/health"} {
		resp, data := h.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		var body map[string]interface{}
		decodeBody(t, data, &body)
		if body["status"] != "ok" {
			t.Errorf("GET %s body = %s", path, data)
		}
	}
}

func TestListIssuesShape(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.Pending{})
	h.seed(t, "sentry:2", types.Analyzing{AnalysisSessionID: "sess-1"})

	resp, data := h.get(t, "/api/v1/issues")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}

	var body struct {
		Issues []map[string]interface{} `json:"issues"`
		Total  int                      `json:"total"`
	}
	decodeBody(t, data, &body)
	if body.Total != 2 || len(body.Issues) != 2 {
		t.Fatalf("list = %s", data)
	}
	statuses := map[string]string{}
	for _, issue := range body.Issues {
		statuses[issue["id"].(string)] = issue["status"].(string)
		if _, ok := issue["shortId"]; !ok {
			t.Errorf("summary missing camelCase shortId: %v", issue)
		}
	}
	if statuses["sentry:1"] != "pending" || statuses["sentry:2"] != "analyzing" {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestGetIssueDetail(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.PendingApproval{AnalysisSessionID: "sess-1", Proposal: "fix the nil check"})

	resp, data := h.get(t, "/api/v1/issues/sentry:1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}

	var body struct {
		ID     string                 `json:"id"`
		Status string                 `json:"status"`
		State  map[string]interface{} `json:"state"`
		Source map[string]interface{} `json:"source"`
	}
	decodeBody(t, data, &body)
	if body.ID != "sentry:1" || body.Status != "pending_approval" {
		t.Errorf("detail = %s", data)
	}
	// The state union is tagged by "status" and carries variant fields.
	if body.State["status"] != "pending_approval" {
		t.Errorf("state tag = %v", body.State["status"])
	}
	if body.State["analysisSessionId"] != "sess-1" || body.State["proposal"] != "fix the nil check" {
		t.Errorf("state fields = %v", body.State)
	}
	if body.Source["title"] != "NullPointerException in checkout" {
		t.Errorf("source = %v", body.Source)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.get(t, "/api/v1/issues/sentry:missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalyzeApproveCompleteFlow(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.Pending{})
	h.factory.analysisScript = func(prompt string, emit func(types.AnalysisEvent)) error {
		emit(types.NewTextDeltaEvent("reading the stack trace"))
		emit(types.NewCompleteEvent("add a nil check"))
		return nil
	}
	h.factory.fixScript = func(prompt string, emit func(types.AnalysisEvent)) error {
		emit(types.NewCompleteEvent("applied"))
		return nil
	}

	resp, data := h.post(t, "/api/v1/issues/sentry:1/analyze", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analyze status = %d: %s", resp.StatusCode, data)
	}
	var analyze struct {
		Status    string `json:"status"`
		SessionID string `json:"sessionId"`
	}
	decodeBody(t, data, &analyze)
	if analyze.Status != "analyzing" || analyze.SessionID == "" {
		t.Fatalf("analyze = %s", data)
	}

	h.waitForStatus(t, "sentry:1", types.StatusPendingApproval)

	resp, data = h.get(t, "/api/v1/issues/sentry:1/session")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var info struct {
		AnalysisSession *struct {
			ID string `json:"id"`
		} `json:"analysisSession"`
	}
	decodeBody(t, data, &info)
	if info.AnalysisSession == nil || info.AnalysisSession.ID != analyze.SessionID {
		t.Errorf("session info = %s", data)
	}

	resp, data = h.post(t, "/api/v1/issues/sentry:1/approve", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d: %s", resp.StatusCode, data)
	}
	var approve struct {
		Status                  string `json:"status"`
		WorktreePath            string `json:"worktreePath"`
		WorktreeBranch          string `json:"worktreeBranch"`
		ImplementationSessionID string `json:"implementationSessionId"`
	}
	decodeBody(t, data, &approve)
	if approve.Status != "in_progress" || approve.WorktreeBranch != "glass/fix-sentry-1" {
		t.Errorf("approve = %s", data)
	}
	if approve.WorktreePath == "" || approve.ImplementationSessionID == "" {
		t.Errorf("approve missing fields = %s", data)
	}

	h.waitForStatus(t, "sentry:1", types.StatusPendingReview)

	resp, data = h.post(t, "/api/v1/issues/sentry:1/complete", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d: %s", resp.StatusCode, data)
	}
	var complete struct {
		Status    string `json:"status"`
		CleanedUp *struct {
			WorktreePath string `json:"worktreePath"`
			Branch       string `json:"branch"`
		} `json:"cleanedUp"`
	}
	decodeBody(t, data, &complete)
	if complete.Status != "pending" {
		t.Errorf("complete = %s", data)
	}
	if complete.CleanedUp == nil || complete.CleanedUp.WorktreePath != approve.WorktreePath {
		t.Errorf("cleanedUp = %s", data)
	}
	h.worktrees.mu.Lock()
	defer h.worktrees.mu.Unlock()
	if len(h.worktrees.removed) != 1 {
		t.Errorf("worktrees removed = %v", h.worktrees.removed)
	}
}

func TestAnalyzeConflictWhileRunning(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.Analyzing{AnalysisSessionID: "sess-1"})

	resp, data := h.post(t, "/api/v1/issues/sentry:1/analyze", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", resp.StatusCode, data)
	}
	var body map[string]string
	decodeBody(t, data, &body)
	if body["error"] == "" {
		t.Errorf("conflict body = %s", data)
	}
}

func TestRejectReturnsToPending(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.PendingApproval{AnalysisSessionID: "sess-1", Proposal: "nope"})

	resp, data := h.post(t, "/api/v1/issues/sentry:1/reject", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var body statusResponse
	decodeBody(t, data, &body)
	if body.Status != "pending" {
		t.Errorf("reject = %s", data)
	}
}

func TestRetryFromError(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.ErrorState{PreviousStatus: types.StatusAnalyzing, SessionID: "dead", Message: "boom"})
	h.factory.analysisScript = func(prompt string, emit func(types.AnalysisEvent)) error {
		emit(types.NewCompleteEvent("second attempt"))
		return nil
	}

	resp, data := h.post(t, "/api/v1/issues/sentry:1/retry", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var body retryResponse
	decodeBody(t, data, &body)
	if body.Status != "analyzing" || body.SessionID == "" || body.SessionID == "dead" {
		t.Errorf("retry = %s", data)
	}
	h.waitForStatus(t, "sentry:1", types.StatusPendingApproval)
}

func TestRequestChangesValidation(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.PendingApproval{AnalysisSessionID: "sess-1", Proposal: "v1"})

	resp, _ := h.post(t, "/api/v1/issues/sentry:1/request-changes", "not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", resp.StatusCode)
	}
	resp, _ = h.post(t, "/api/v1/issues/sentry:1/request-changes", `{"feedback": ""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty feedback status = %d, want 400", resp.StatusCode)
	}
}

func TestMessageWithoutSession(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.Pending{})

	resp, data := h.post(t, "/api/v1/issues/sentry:1/message", `{"text": "hello?"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", resp.StatusCode, data)
	}
}

func TestRefreshUnavailableWithoutSentry(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.post(t, "/api/v1/issues/refresh", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	h.seed(t, "sentry:1", types.Pending{})
	resp, _ = h.post(t, "/api/v1/issues/sentry:1/refresh", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

// readSSE collects the data payloads from an SSE stream until it closes.
func readSSE(t *testing.T, body io.Reader) []types.AnalysisEvent {
	t.Helper()
	var out []types.AnalysisEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.AnalysisEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestEventsStreamCompletedSession(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.PendingApproval{AnalysisSessionID: "sess-1", Proposal: "done"})
	h.events.CreateBuffer("sess-1")
	h.events.Append("sess-1", types.NewTextDeltaEvent("thinking it over"))
	h.events.Append("sess-1", types.NewCompleteEvent("done"))

	resp, err := h.client.Get(h.base + "/api/v1/issues/sentry:1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	msgs := readSSE(t, resp.Body)
	if len(msgs) != 1 {
		t.Fatalf("completed session sent %d messages, want backfill only", len(msgs))
	}
	if msgs[0].Type != types.EventBackfill {
		t.Fatalf("first message type = %q", msgs[0].Type)
	}
	if len(msgs[0].Events) != 2 || !msgs[0].Events[1].IsTerminal() {
		t.Errorf("backfill = %+v", msgs[0].Events)
	}
}

func TestEventsStreamLiveSession(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.Analyzing{AnalysisSessionID: "sess-1"})
	h.events.CreateBuffer("sess-1")
	h.events.Append("sess-1", types.NewTextDeltaEvent("pre-subscribe"))

	resp, err := h.client.Get(h.base + "/api/v1/issues/sentry:1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	go func() {
		// Give the handler time to subscribe before the live tail.
		time.Sleep(50 * time.Millisecond)
		h.events.Append("sess-1", types.NewTextDeltaEvent("live one"))
		h.events.Append("sess-1", types.NewCompleteEvent("finished"))
	}()

	msgs := readSSE(t, resp.Body)
	if len(msgs) < 2 {
		t.Fatalf("stream = %d messages, want backfill plus live", len(msgs))
	}
	if msgs[0].Type != types.EventBackfill || len(msgs[0].Events) != 1 {
		t.Errorf("backfill = %+v", msgs[0])
	}
	last := msgs[len(msgs)-1]
	if !last.IsTerminal() || last.Proposal != "finished" {
		t.Errorf("stream did not end on the terminal event: %+v", last)
	}
}

func TestEventsStreamRequiresSession(t *testing.T) {
	h := newAPIHarness(t)
	h.seed(t, "sentry:1", types.Pending{})
	resp, _ := h.get(t, "/api/v1/issues/sentry:1/events")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}
