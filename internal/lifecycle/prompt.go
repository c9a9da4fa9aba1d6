package lifecycle

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/steveyegge/glass/internal/types"
)

// analysisPromptTemplate asks the agent to diagnose the issue and produce a
// fix proposal. The agent only has read-only tools in this phase.
const analysisPromptTemplate = `# YOUR TASK

Analyze the following production issue and produce a concrete fix proposal.

**Issue**: {{.ID}}{{if .Source.ShortID}} ({{.Source.ShortID}}){{end}}
{{if .Source.Title -}}
**Title**: {{.Source.Title}}
{{end -}}
{{if .Source.Culprit -}}
**Culprit**: {{.Source.Culprit}}
{{end -}}
{{if .Source.Level -}}
**Level**: {{.Source.Level}}
{{end -}}
{{if .Source.EventCount -}}
**Occurrences**: {{.Source.EventCount}} events, {{.Source.UserCount}} users affected
{{end -}}
{{if .Source.Environment -}}
**Environment**: {{.Source.Environment}}{{if .Source.Release}} (release {{.Source.Release}}){{end}}
{{end}}
{{if .Source.Metadata -}}
## Error

{{.Source.Metadata.ErrorType}}: {{.Source.Metadata.Value}}
{{if .Source.Metadata.Filename}}  at {{.Source.Metadata.Function}} ({{.Source.Metadata.Filename}}){{end}}

{{end -}}
{{if .Source.Exceptions -}}
## Stacktrace
{{range .Source.Exceptions}}
{{.ErrorType}}: {{.Value}}
{{- range .Stacktrace}}
  {{.Function}} ({{.Filename}}:{{.Lineno}})
{{- end}}
{{end}}
{{end -}}
{{if .Source.Breadcrumbs -}}
## Breadcrumbs
{{range .Source.Breadcrumbs}}
- [{{.Category}}] {{.Message}}
{{- end}}

{{end -}}
# INSTRUCTIONS

1. Locate the failing code using the read-only tools available to you.
2. Determine the root cause.
3. Respond with a fix proposal: what to change, where, and why. The
   proposal will be reviewed by a human before any code is modified.

Do not attempt to modify any files in this phase.`

// fixPromptTemplate asks the agent to implement the approved proposal. The
// session runs inside a dedicated worktree with full tool capability.
const fixPromptTemplate = `# YOUR TASK

Implement the approved fix for the following issue. You are working in an
isolated git worktree; all file modifications happen there.

**Issue**: {{.Issue.ID}}{{if .Issue.Source.Title}} - {{.Issue.Source.Title}}{{end}}

## Approved Proposal

{{.Proposal}}

# INSTRUCTIONS

1. Apply the proposed fix.
2. Verify the change compiles/passes whatever checks the repository has.
3. Summarize what you changed and why when you are done.`

var (
	analysisTmpl = template.Must(template.New("analysis").Parse(analysisPromptTemplate))
	fixTmpl      = template.Must(template.New("fix").Parse(fixPromptTemplate))
)

// buildAnalysisPrompt renders the initial prompt for an analysis session.
func buildAnalysisPrompt(issue *types.Issue) string {
	var buf bytes.Buffer
	if err := analysisTmpl.Execute(&buf, issue); err != nil {
		// Template data is our own struct; failure here means a programming
		// error. Fall back to something the agent can still act on.
		return fmt.Sprintf("Analyze issue %s (%s) and produce a fix proposal.", issue.ID, issue.Source.Title)
	}
	return buf.String()
}

// buildFixPrompt renders the initial prompt for an implementation session.
func buildFixPrompt(issue *types.Issue, proposal string) string {
	var buf bytes.Buffer
	data := struct {
		Issue    *types.Issue
		Proposal string
	}{issue, proposal}
	if err := fixTmpl.Execute(&buf, data); err != nil {
		return fmt.Sprintf("Implement the approved fix for issue %s:\n\n%s", issue.ID, proposal)
	}
	return buf.String()
}

// buildFeedbackPrompt wraps reviewer feedback as a follow-up prompt on the
// existing analysis conversation.
func buildFeedbackPrompt(feedback string) string {
	return fmt.Sprintf(`The reviewer requested changes to your proposal:

%s

Revise the proposal accordingly and respond with the updated version.`, feedback)
}
