package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/types"
)

// completionTimeout bounds the internal dispatch that records a session's
// terminal state. It uses a fresh context so a shutdown that cancelled the
// run can still persist the resulting Fail.
const completionTimeout = 30 * time.Second

// sessionRun is one prompt-to-terminal round on an agent session.
type sessionRun struct {
	handle session.Handle
	prompt string
}

// startDriver launches the detached task that drives a session run to
// completion. There is a single exit path: every run ends with exactly one
// terminal event on the buffer, followed by exactly one internal Dispatch —
// regardless of whether the run succeeded, failed, or was aborted.
func (o *Orchestrator) startDriver(issueID string, run *sessionRun) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(issueID, run)
	}()
}

func (o *Orchestrator) drive(issueID string, run *sessionRun) {
	handle := run.handle
	sessionID := handle.ID()

	// Runs on one session execute one at a time. Without this, a follow-up
	// prompt launched mid-run would subscribe a second forwarder to the same
	// handle (duplicating every event on the buffer) and its terminal
	// channel would capture the earlier run's terminal event.
	release := o.runLocks.lock(sessionID)
	defer release()

	// The previous run's terminal event may have completed the buffer;
	// start a fresh round before any of this run's events arrive.
	o.events.CreateBuffer(sessionID)

	// The channel holds at most the first terminal event; the session emits
	// it synchronously during Prompt, so by the time Prompt returns the
	// channel is settled.
	terminal := make(chan types.AnalysisEvent, 1)
	unsubscribe := handle.Subscribe(func(ev types.AnalysisEvent) {
		o.events.Append(sessionID, ev)
		if ev.IsTerminal() {
			select {
			case terminal <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	err := handle.Prompt(o.ctx, run.prompt)

	var ev types.AnalysisEvent
	select {
	case ev = <-terminal:
	default:
		// The session violated its contract (or failed before emitting
		// anything); synthesize the terminal error so no run is ever
		// silently abandoned.
		if err == nil {
			err = fmt.Errorf("session ended without a terminal event")
		}
		ev = types.NewErrorEvent(err.Error())
		o.events.Append(sessionID, ev)
	}

	var followUp types.Action
	switch {
	case ev.Type == types.EventComplete && handle.Kind() == types.SessionAnalysis:
		followUp = types.CompleteAnalysis{Proposal: ev.Proposal}
	case ev.Type == types.EventComplete:
		followUp = types.Complete{}
	default:
		followUp = types.Fail{Message: ev.Message}
	}

	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()
	if _, derr := o.Dispatch(ctx, issueID, followUp); derr != nil {
		var invalid *InvalidTransitionError
		if errors.As(derr, &invalid) {
			// The state moved on while the run was in flight (e.g. the user
			// rejected, or this was a follow-up message on a settled issue).
			o.logger.Printf("session %s for %s finished but state is now %q; dropping %s",
				sessionID, issueID, invalid.CurrentStatus, followUp.Kind())
		} else {
			o.logger.Printf("error: failed to record completion of session %s for %s: %v", sessionID, issueID, derr)
		}
	}
}
