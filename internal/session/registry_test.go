package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/glass/internal/types"
)

type stubHandle struct {
	id        string
	kind      types.SessionKind
	aborted   atomic.Bool
	failAbort bool
}

func (h *stubHandle) ID() string              { return h.id }
func (h *stubHandle) Kind() types.SessionKind { return h.kind }
func (h *stubHandle) Prompt(ctx context.Context, text string) error {
	return nil
}
func (h *stubHandle) Subscribe(func(types.AnalysisEvent)) func() { return func() {} }
func (h *stubHandle) Abort() error {
	h.aborted.Store(true)
	if h.failAbort {
		return errors.New("abort failed")
	}
	return nil
}

type stubFactory struct {
	mu      sync.Mutex
	counter int
	delay   time.Duration
	err     error
	handles []*stubHandle
}

func (f *stubFactory) make(kind types.SessionKind) (Handle, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.counter++
	h := &stubHandle{id: fmt.Sprintf("%s-%d", kind, f.counter), kind: kind}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *stubFactory) CreateAnalysisSession(ctx context.Context) (Handle, error) {
	return f.make(types.SessionAnalysis)
}

func (f *stubFactory) CreateFixSession(ctx context.Context, worktreePath string) (Handle, error) {
	return f.make(types.SessionFix)
}

func quietLogger() *log.Logger {
	return log.New(discardWriter{}, "", 0)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateEnforcesSingleSession(t *testing.T) {
	r := NewRegistry(&stubFactory{}, quietLogger())

	h, err := r.Create(context.Background(), "issue-1", types.SessionAnalysis, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.ID() == "" {
		t.Error("Create() returned empty session id")
	}

	if _, err := r.Create(context.Background(), "issue-1", types.SessionAnalysis, ""); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Create() error = %v, want ErrAlreadyActive", err)
	}

	// A different issue is unaffected.
	if _, err := r.Create(context.Background(), "issue-2", types.SessionAnalysis, ""); err != nil {
		t.Errorf("Create() for other issue error = %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestCreateRacesOnlyOneWins(t *testing.T) {
	factory := &stubFactory{delay: 20 * time.Millisecond}
	r := NewRegistry(factory, quietLogger())

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(context.Background(), "issue-1", types.SessionAnalysis, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrAlreadyActive) {
			t.Errorf("loser error = %v, want ErrAlreadyActive", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	// The reservation must have stopped the losers before the factory ran.
	if len(factory.handles) != 1 {
		t.Errorf("factory created %d sessions, want 1", len(factory.handles))
	}
}

func TestCreateFailureReleasesReservation(t *testing.T) {
	factory := &stubFactory{err: errors.New("api down")}
	r := NewRegistry(factory, quietLogger())

	if _, err := r.Create(context.Background(), "issue-1", types.SessionAnalysis, ""); err == nil {
		t.Fatal("Create() succeeded with failing factory")
	}

	// The slot must be free again.
	factory.mu.Lock()
	factory.err = nil
	factory.mu.Unlock()
	if _, err := r.Create(context.Background(), "issue-1", types.SessionAnalysis, ""); err != nil {
		t.Errorf("Create() after failure error = %v", err)
	}
}

func TestFixSessionRequiresWorktree(t *testing.T) {
	r := NewRegistry(&stubFactory{}, quietLogger())
	if _, err := r.Create(context.Background(), "issue-1", types.SessionFix, ""); err == nil {
		t.Error("Create(fix) accepted an empty worktree path")
	}
}

func TestReplaceSwapsAndAbortsOld(t *testing.T) {
	factory := &stubFactory{}
	r := NewRegistry(factory, quietLogger())

	old, err := r.Create(context.Background(), "issue-1", types.SessionAnalysis, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	replacement, err := r.Replace(context.Background(), "issue-1", types.SessionFix, "/wt")
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if replacement.Kind() != types.SessionFix {
		t.Errorf("replacement kind = %v", replacement.Kind())
	}

	got, ok := r.Get("issue-1")
	if !ok || got.ID() != replacement.ID() {
		t.Errorf("Get() = %v, want the replacement", got)
	}
	if !old.(*stubHandle).aborted.Load() {
		t.Error("old session was not aborted")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestReplaceFailureKeepsOldSession(t *testing.T) {
	factory := &stubFactory{}
	r := NewRegistry(factory, quietLogger())

	old, _ := r.Create(context.Background(), "issue-1", types.SessionAnalysis, "")

	factory.mu.Lock()
	factory.err = errors.New("api down")
	factory.mu.Unlock()

	if _, err := r.Replace(context.Background(), "issue-1", types.SessionFix, "/wt"); err == nil {
		t.Fatal("Replace() succeeded with failing factory")
	}

	got, ok := r.Get("issue-1")
	if !ok || got.ID() != old.ID() {
		t.Error("failed Replace disturbed the existing session")
	}
	if old.(*stubHandle).aborted.Load() {
		t.Error("failed Replace aborted the existing session")
	}
}

func TestDisposeIdempotent(t *testing.T) {
	factory := &stubFactory{}
	r := NewRegistry(factory, quietLogger())

	h, _ := r.Create(context.Background(), "issue-1", types.SessionAnalysis, "")
	r.Dispose("issue-1")
	if !h.(*stubHandle).aborted.Load() {
		t.Error("Dispose did not abort the session")
	}
	// Second dispose and disposing an unknown issue are no-ops.
	r.Dispose("issue-1")
	r.Dispose("never-existed")
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestDisposeAllContinuesPastFailures(t *testing.T) {
	factory := &stubFactory{}
	r := NewRegistry(factory, quietLogger())

	for i := 0; i < 3; i++ {
		if _, err := r.Create(context.Background(), fmt.Sprintf("issue-%d", i), types.SessionAnalysis, ""); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	factory.handles[1].failAbort = true

	r.DisposeAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after DisposeAll, want 0", r.Len())
	}
	for i, h := range factory.handles {
		if !h.aborted.Load() {
			t.Errorf("handle %d not aborted", i)
		}
	}
}
