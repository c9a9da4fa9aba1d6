package sentry

import (
	"context"
	"fmt"
	"log"

	"github.com/steveyegge/glass/internal/types"
)

// IssueStore is the storage surface the refresher writes through.
type IssueStore interface {
	UpsertIssue(ctx context.Context, issue *types.Issue) (*types.Issue, error)
}

// Refresher pulls issues from Sentry into local storage. Upserts never
// touch lifecycle state, so refreshing is safe while work is in flight.
type Refresher struct {
	client *Client
	store  IssueStore
	logger *log.Logger
}

// NewRefresher creates a refresher writing through the given store.
func NewRefresher(client *Client, store IssueStore, logger *log.Logger) *Refresher {
	if logger == nil {
		logger = log.Default()
	}
	return &Refresher{client: client, store: store, logger: logger}
}

// RefreshAll imports the project's current unresolved issues. Returns the
// issues as stored (existing issues keep their lifecycle state). A failure
// storing one issue is logged and does not abort the rest.
func (r *Refresher) RefreshAll(ctx context.Context) ([]*types.Issue, error) {
	fetched, err := r.client.ListIssues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sentry issues: %w", err)
	}

	stored := make([]*types.Issue, 0, len(fetched))
	for _, issue := range fetched {
		saved, err := r.store.UpsertIssue(ctx, issue)
		if err != nil {
			r.logger.Printf("warning: failed to store issue %s: %v", issue.ID, err)
			continue
		}
		stored = append(stored, saved)
	}

	r.logger.Printf("refreshed %d/%d issues from sentry", len(stored), len(fetched))
	return stored, nil
}

// RefreshOne re-fetches a single issue with full event detail (stacktraces,
// breadcrumbs) and returns it as stored.
func (r *Refresher) RefreshOne(ctx context.Context, issueID string) (*types.Issue, error) {
	sentryID, ok := externalID(issueID)
	if !ok {
		return nil, fmt.Errorf("not a sentry issue: %s", issueID)
	}

	issue, err := r.client.GetIssue(ctx, sentryID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", issueID, err)
	}

	saved, err := r.store.UpsertIssue(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("failed to store issue %s: %w", issueID, err)
	}
	return saved, nil
}

// externalID strips the "sentry:" prefix from an internal issue id.
func externalID(issueID string) (string, bool) {
	prefix := SourceType + ":"
	if len(issueID) > len(prefix) && issueID[:len(prefix)] == prefix {
		return issueID[len(prefix):], true
	}
	return "", false
}
