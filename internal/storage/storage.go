// Package storage persists issues and proposals in SQLite. It implements
// both repository contracts the lifecycle orchestrator consumes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/steveyegge/glass/internal/types"
)

// Storage is the SQLite-backed store for issues and proposals.
type Storage struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at path and initializes
// the schema.
func New(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for better concurrency between dispatches and readers
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// GetIssue loads an issue by id. Returns (nil, nil) when the id is unknown.
func (s *Storage) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_type, source, state, created_at, updated_at
		FROM issues WHERE id = ?
	`, id)

	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", id, err)
	}
	return issue, nil
}

// UpdateIssueState persists a new lifecycle state for the issue. The
// status column is kept in sync with the state's tag.
func (s *Storage) UpdateIssueState(ctx context.Context, id string, state types.State) error {
	raw, err := types.MarshalState(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", id, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET state = ?, status = ?, updated_at = ? WHERE id = ?
	`, string(raw), string(state.Status()), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update state for %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update for %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("issue not found: %s", id)
	}
	return nil
}

// ListIssuesByStatuses returns all issues whose state tag is in the given
// set, ordered by last update (most recent first).
func (s *Storage) ListIssuesByStatuses(ctx context.Context, statuses []types.Status) ([]*types.Issue, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, source_type, source, state, created_at, updated_at
		FROM issues WHERE status IN (%s)
		ORDER BY updated_at DESC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	return collectIssues(rows)
}

// ListIssues returns every tracked issue, most recently seen first.
func (s *Storage) ListIssues(ctx context.Context) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source, state, created_at, updated_at
		FROM issues ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	return collectIssues(rows)
}

// UpsertIssue inserts the issue or refreshes its cached source payload.
// The lifecycle state of an existing issue is never touched by an upsert:
// a refresh from the tracker must not interfere with in-flight work.
func (s *Storage) UpsertIssue(ctx context.Context, issue *types.Issue) (*types.Issue, error) {
	if err := issue.Validate(); err != nil {
		return nil, fmt.Errorf("invalid issue: %w", err)
	}

	source, err := json.Marshal(issue.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source for %s: %w", issue.ID, err)
	}
	state, err := types.MarshalState(issue.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state for %s: %w", issue.ID, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, source_type, source, state, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			updated_at = excluded.updated_at
	`, issue.ID, issue.SourceType, string(source), string(state),
		string(issue.State.Status()), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert issue %s: %w", issue.ID, err)
	}

	return s.GetIssue(ctx, issue.ID)
}

// SaveProposal stores the analysis proposal for an issue. Each save appends
// a new row; GetProposal returns the latest.
func (s *Storage) SaveProposal(ctx context.Context, issueID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (issue_id, content, created_at) VALUES (?, ?, ?)
	`, issueID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save proposal for %s: %w", issueID, err)
	}
	return nil
}

// GetProposal returns the most recent proposal for the issue, or ("", nil)
// if none is stored.
func (s *Storage) GetProposal(ctx context.Context, issueID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM proposals WHERE issue_id = ? ORDER BY id DESC LIMIT 1
	`, issueID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load proposal for %s: %w", issueID, err)
	}
	return content, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (*types.Issue, error) {
	var (
		issue      types.Issue
		sourceJSON string
		stateJSON  string
	)
	err := row.Scan(&issue.ID, &issue.SourceType, &sourceJSON, &stateJSON,
		&issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sourceJSON), &issue.Source); err != nil {
		return nil, fmt.Errorf("corrupt source payload: %w", err)
	}
	state, err := types.UnmarshalState([]byte(stateJSON))
	if err != nil {
		return nil, fmt.Errorf("corrupt state: %w", err)
	}
	issue.State = state
	return &issue, nil
}

func collectIssues(rows *sql.Rows) ([]*types.Issue, error) {
	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}
	return issues, nil
}
