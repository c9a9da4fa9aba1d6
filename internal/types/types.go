package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Issue represents an externally-sourced issue (e.g. a Sentry crash report)
// moving through the remediation workflow. The source payload is cached from
// the upstream tracker; only State is owned by the orchestrator.
type Issue struct {
	ID         string      `json:"id"`
	SourceType string      `json:"sourceType"`
	Source     IssueSource `json:"source"`
	State      State       `json:"state"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !strings.Contains(i.ID, ":") {
		return fmt.Errorf("id must be of the form source:externalId (got %q)", i.ID)
	}
	if i.SourceType == "" {
		return fmt.Errorf("source_type is required")
	}
	if i.State == nil {
		return fmt.Errorf("state is required")
	}
	if !i.State.Status().IsValid() {
		return fmt.Errorf("invalid status: %s", i.State.Status())
	}
	return nil
}

// ExternalID returns the source-local identifier, i.e. the part of the issue
// ID after the "source:" prefix.
func (i *Issue) ExternalID() string {
	if idx := strings.Index(i.ID, ":"); idx >= 0 {
		return i.ID[idx+1:]
	}
	return i.ID
}

// issueJSON is the wire/storage envelope for Issue. State is marshaled
// separately because it is a tagged union.
type issueJSON struct {
	ID         string          `json:"id"`
	SourceType string          `json:"sourceType"`
	Source     IssueSource     `json:"source"`
	State      json.RawMessage `json:"state"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// MarshalJSON implements json.Marshaler.
func (i Issue) MarshalJSON() ([]byte, error) {
	state, err := MarshalState(i.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state for issue %s: %w", i.ID, err)
	}
	return json.Marshal(issueJSON{
		ID:         i.ID,
		SourceType: i.SourceType,
		Source:     i.Source,
		State:      state,
		CreatedAt:  i.CreatedAt,
		UpdatedAt:  i.UpdatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Issue) UnmarshalJSON(data []byte) error {
	var raw issueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state, err := UnmarshalState(raw.State)
	if err != nil {
		return fmt.Errorf("failed to unmarshal state for issue %s: %w", raw.ID, err)
	}
	i.ID = raw.ID
	i.SourceType = raw.SourceType
	i.Source = raw.Source
	i.State = state
	i.CreatedAt = raw.CreatedAt
	i.UpdatedAt = raw.UpdatedAt
	return nil
}

// SessionKind distinguishes analysis sessions (read-only tools) from fix
// sessions (full tools, rooted at a worktree).
type SessionKind string

const (
	SessionAnalysis SessionKind = "analysis"
	SessionFix      SessionKind = "fix"
)

// IsValid checks if the session kind value is valid
func (k SessionKind) IsValid() bool {
	switch k {
	case SessionAnalysis, SessionFix:
		return true
	}
	return false
}

// IssueSource is the cached payload from the upstream issue tracker.
// All fields are informational; the orchestrator never mutates them.
type IssueSource struct {
	Title       string            `json:"title,omitempty"`
	ShortID     string            `json:"shortId,omitempty"`
	Culprit     string            `json:"culprit,omitempty"`
	Permalink   string            `json:"permalink,omitempty"`
	Level       string            `json:"level,omitempty"`
	EventCount  uint64            `json:"eventCount,omitempty"`
	UserCount   uint64            `json:"userCount,omitempty"`
	FirstSeen   string            `json:"firstSeen,omitempty"`
	LastSeen    string            `json:"lastSeen,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Release     string            `json:"release,omitempty"`
	Metadata    *SourceMetadata   `json:"metadata,omitempty"`
	Exceptions  []Exception       `json:"exceptions,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"breadcrumbs,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// SourceMetadata summarizes the error behind an issue.
type SourceMetadata struct {
	ErrorType string `json:"type,omitempty"`
	Value     string `json:"value,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Function  string `json:"function,omitempty"`
}

// Exception is one exception from the latest event, with its stacktrace.
type Exception struct {
	ErrorType  string       `json:"type"`
	Value      string       `json:"value,omitempty"`
	Stacktrace []StackFrame `json:"stacktrace,omitempty"`
}

// StackFrame is a single frame of an exception stacktrace.
type StackFrame struct {
	Filename string `json:"filename,omitempty"`
	Function string `json:"function,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	Context  string `json:"context,omitempty"`
}

// Breadcrumb is a trail entry leading up to the latest event.
type Breadcrumb struct {
	Type      string `json:"type,omitempty"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
