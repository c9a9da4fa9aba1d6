package types

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMarshalStateWireFormat(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  map[string]interface{}
	}{
		{
			name:  "pending",
			state: Pending{},
			want:  map[string]interface{}{"status": "pending"},
		},
		{
			name:  "analyzing",
			state: Analyzing{AnalysisSessionID: "sess-1"},
			want: map[string]interface{}{
				"status":            "analyzing",
				"analysisSessionId": "sess-1",
			},
		},
		{
			name:  "pending approval",
			state: PendingApproval{AnalysisSessionID: "sess-1", Proposal: "fix it"},
			want: map[string]interface{}{
				"status":            "pending_approval",
				"analysisSessionId": "sess-1",
				"proposal":          "fix it",
			},
		},
		{
			name: "in progress",
			state: InProgress{
				AnalysisSessionID:       "sess-1",
				ImplementationSessionID: "sess-2",
				WorktreePath:            "/tmp/wt",
				WorktreeBranch:          "glass/fix-x",
			},
			want: map[string]interface{}{
				"status":                  "in_progress",
				"analysisSessionId":       "sess-1",
				"implementationSessionId": "sess-2",
				"worktreePath":            "/tmp/wt",
				"worktreeBranch":          "glass/fix-x",
			},
		},
		{
			name: "pending review",
			state: PendingReview{
				AnalysisSessionID:       "sess-1",
				ImplementationSessionID: "sess-2",
				WorktreePath:            "/tmp/wt",
				WorktreeBranch:          "glass/fix-x",
			},
			want: map[string]interface{}{
				"status":                  "pending_review",
				"analysisSessionId":       "sess-1",
				"implementationSessionId": "sess-2",
				"worktreePath":            "/tmp/wt",
				"worktreeBranch":          "glass/fix-x",
			},
		},
		{
			name:  "error",
			state: ErrorState{PreviousStatus: StatusAnalyzing, SessionID: "sess-1", Message: "rate limited"},
			want: map[string]interface{}{
				"status":         "error",
				"previousStatus": "analyzing",
				"sessionId":      "sess-1",
				"error":          "rate limited",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalState(tt.state)
			if err != nil {
				t.Fatalf("MarshalState() error = %v", err)
			}
			var got map[string]interface{}
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MarshalState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	states := []State{
		Pending{},
		Analyzing{AnalysisSessionID: "sess-1"},
		PendingApproval{AnalysisSessionID: "sess-1", Proposal: "p"},
		InProgress{AnalysisSessionID: "s1", ImplementationSessionID: "s2", WorktreePath: "/wt", WorktreeBranch: "b"},
		PendingReview{AnalysisSessionID: "s1", ImplementationSessionID: "s2", WorktreePath: "/wt", WorktreeBranch: "b"},
		ErrorState{PreviousStatus: StatusInProgress, SessionID: "s2", Message: "boom"},
	}

	// Doubles as an exhaustiveness check over the status set.
	if len(states) != len(AllStatuses()) {
		t.Fatalf("round trip covers %d variants, want %d", len(states), len(AllStatuses()))
	}

	for _, state := range states {
		data, err := MarshalState(state)
		if err != nil {
			t.Fatalf("MarshalState(%s) error = %v", state.Status(), err)
		}
		got, err := UnmarshalState(data)
		if err != nil {
			t.Fatalf("UnmarshalState(%s) error = %v", state.Status(), err)
		}
		if !reflect.DeepEqual(got, state) {
			t.Errorf("round trip of %s = %#v, want %#v", state.Status(), got, state)
		}
	}
}

func TestUnmarshalStateRejectsUnknownStatus(t *testing.T) {
	if _, err := UnmarshalState([]byte(`{"status":"sleeping"}`)); err == nil {
		t.Error("UnmarshalState() accepted an unknown status tag")
	}
	if _, err := UnmarshalState([]byte(`{}`)); err == nil {
		t.Error("UnmarshalState() accepted a missing status tag")
	}
}

func TestActiveSessionID(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Pending{}, ""},
		{Analyzing{AnalysisSessionID: "a"}, "a"},
		{PendingApproval{AnalysisSessionID: "a"}, "a"},
		{InProgress{AnalysisSessionID: "a", ImplementationSessionID: "i"}, "i"},
		{PendingReview{AnalysisSessionID: "a", ImplementationSessionID: "i"}, "i"},
		{ErrorState{SessionID: "a"}, "a"},
	}
	for _, tt := range tests {
		if got := ActiveSessionID(tt.state); got != tt.want {
			t.Errorf("ActiveSessionID(%s) = %q, want %q", tt.state.Status(), got, tt.want)
		}
	}
}
