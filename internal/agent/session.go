package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/steveyegge/glass/internal/types"
)

// MaxConversationIterations caps the tool-use loop for a single prompt
const MaxConversationIterations = 50

// Session is one multi-turn conversation with the model. It keeps the full
// message history so follow-up prompts (reviewer feedback) continue the
// same context.
type Session struct {
	id      string
	kind    types.SessionKind
	service *Service
	tools   *toolset

	// ctx is cancelled by Abort; it outlives individual Prompt calls.
	ctx    context.Context
	cancel context.CancelFunc

	promptMu sync.Mutex // one prompt in flight at a time
	history  []anthropic.MessageParam

	listenerMu sync.Mutex
	listeners  map[int]func(types.AnalysisEvent)
	nextSubID  int
}

func (s *Service) newSession(ctx context.Context, kind types.SessionKind, tools *toolset) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.New().String(),
		kind:      kind,
		service:   s,
		tools:     tools,
		ctx:       sessCtx,
		cancel:    cancel,
		listeners: make(map[int]func(types.AnalysisEvent)),
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Kind reports whether this is an analysis or fix session.
func (s *Session) Kind() types.SessionKind { return s.kind }

// Subscribe registers a listener for session events. The returned function
// unregisters it.
func (s *Session) Subscribe(listener func(types.AnalysisEvent)) func() {
	s.listenerMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = listener
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// Abort cancels any in-flight work on the session. Subsequent Prompt calls
// fail immediately.
func (s *Session) Abort() error {
	s.cancel()
	return nil
}

func (s *Session) emit(ev types.AnalysisEvent) {
	s.listenerMu.Lock()
	listeners := make([]func(types.AnalysisEvent), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Prompt sends text to the model and drives the conversation until the turn
// ends. Every run finishes with exactly one terminal event: complete with
// the final response text, or error. Errors are both emitted and returned.
func (s *Session) Prompt(ctx context.Context, text string) error {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	// Tie the run to both the caller's context and the session lifetime so
	// Abort interrupts an in-flight API call.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.ctx.Err(); err != nil {
		err = fmt.Errorf("session aborted: %w", err)
		s.emit(types.NewErrorEvent(err.Error()))
		return err
	}

	s.history = append(s.history, anthropic.NewUserMessage(
		anthropic.NewTextBlock(text),
	))

	final, err := s.converse(runCtx)
	if err != nil {
		s.emit(types.NewErrorEvent(err.Error()))
		return err
	}

	s.emit(types.NewCompleteEvent(final))
	return nil
}

// converse runs the tool-use loop until the model stops with end_turn and
// returns the final response text.
func (s *Session) converse(ctx context.Context) (string, error) {
	svc := s.service
	for iteration := 0; iteration < MaxConversationIterations; iteration++ {
		if err := svc.sem.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("waiting for API slot: %w", err)
		}
		response, err := svc.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(svc.model),
			MaxTokens: int64(svc.maxTokens),
			Messages:  s.history,
			Tools:     s.tools.definitions(),
		})
		svc.sem.Release(1)
		if err != nil {
			return "", fmt.Errorf("API call failed: %w", err)
		}

		switch response.StopReason {
		case "end_turn", "max_tokens":
			var responseText string
			for _, block := range response.Content {
				switch variant := block.AsAny().(type) {
				case anthropic.ThinkingBlock:
					s.emit(types.NewThinkingEvent())
				case anthropic.TextBlock:
					s.emit(types.NewTextDeltaEvent(variant.Text))
					responseText += variant.Text
				}
			}
			s.history = append(s.history, response.ToParam())
			if response.StopReason == "max_tokens" {
				return "", fmt.Errorf("response truncated at token limit")
			}
			return responseText, nil

		case "tool_use":
			s.history = append(s.history, response.ToParam())

			var toolResults []anthropic.ContentBlockParamUnion
			for _, block := range response.Content {
				switch variant := block.AsAny().(type) {
				case anthropic.ThinkingBlock:
					s.emit(types.NewThinkingEvent())
				case anthropic.TextBlock:
					s.emit(types.NewTextDeltaEvent(variant.Text))
				case anthropic.ToolUseBlock:
					result, isError := s.runTool(ctx, variant)
					toolResults = append(toolResults, anthropic.NewToolResultBlock(variant.ID, result, isError))
				}
			}

			if len(toolResults) == 0 {
				return "", fmt.Errorf("tool_use stop with no tool blocks")
			}
			s.history = append(s.history, anthropic.NewUserMessage(toolResults...))

		default:
			return "", fmt.Errorf("unexpected stop reason: %s", response.StopReason)
		}
	}

	return "", fmt.Errorf("conversation exceeded maximum iterations (%d)", MaxConversationIterations)
}

// runTool executes one tool call, emitting the start/output/end events
// around it. Tool failures are reported back to the model, not to the
// caller: the model decides how to proceed.
func (s *Session) runTool(ctx context.Context, block anthropic.ToolUseBlock) (result string, isError bool) {
	args := decodeToolInput(block.Input)
	s.emit(types.NewToolStartEvent(block.Name, args))

	output, err := s.tools.execute(ctx, block.Name, args)
	if err != nil {
		output = fmt.Sprintf("Error: %v", err)
		isError = true
	}

	s.emit(types.NewToolOutputEvent(output))
	s.emit(types.NewToolEndEvent(block.Name, isError))
	return output, isError
}

// decodeToolInput normalizes the SDK's tool input, which may arrive already
// decoded or as raw JSON bytes.
func decodeToolInput(input interface{}) map[string]interface{} {
	switch v := input.(type) {
	case map[string]interface{}:
		return v
	case []byte:
		var m map[string]interface{}
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
	case json.RawMessage:
		var m map[string]interface{}
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
	}
	return map[string]interface{}{}
}
