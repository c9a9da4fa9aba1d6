package storage

// schema defines the SQLite tables. The state column holds the serialized
// lifecycle state union; status mirrors its tag for indexed filtering.
// Proposals live in their own table (latest row wins) rather than inside
// the serialized state.
const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id          TEXT PRIMARY KEY,
	source_type TEXT NOT NULL DEFAULT 'sentry',
	source      TEXT NOT NULL DEFAULT '{}',
	state       TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);

CREATE TABLE IF NOT EXISTS proposals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id   TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proposals_issue ON proposals(issue_id);
`
