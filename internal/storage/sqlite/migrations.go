package sqlite

// migration is one numbered schema change. Versions are monotonic and
// never reused; already-applied versions are skipped at startup.
type migration struct {
	version int
	name    string
	sql     string
}

// expectedTables drives the post-migration health check.
var expectedTables = []string{
	"teams", "agents", "repos", "tasks", "task_dependencies",
	"messages", "reviews", "events", "usage_totals",
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		sql: `
CREATE TABLE teams (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	charter TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE agents (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	last_heartbeat_at DATETIME,
	last_progress_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (team_id, name),
	FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
);

CREATE TABLE repos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	target_branch TEXT NOT NULL DEFAULT 'main',
	pre_merge_cmd TEXT NOT NULL DEFAULT '',
	approval_policy TEXT NOT NULL DEFAULT 'human',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (team_id, name),
	FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
);

CREATE TABLE tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 2,
	status TEXT NOT NULL DEFAULT 'todo',
	assignee TEXT NOT NULL DEFAULT '',
	dri TEXT NOT NULL DEFAULT '',
	reviewer TEXT NOT NULL DEFAULT '',
	repos TEXT NOT NULL DEFAULT '[]',
	branch TEXT NOT NULL DEFAULT '',
	base_shas TEXT NOT NULL DEFAULT '{}',
	attachments TEXT NOT NULL DEFAULT '[]',
	approval_status TEXT NOT NULL DEFAULT 'pending',
	rejection_reason TEXT NOT NULL DEFAULT '',
	status_detail TEXT NOT NULL DEFAULT '',
	workflow_name TEXT NOT NULL DEFAULT 'default',
	workflow_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME,
	FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
);

CREATE TABLE task_dependencies (
	task_id INTEGER NOT NULL,
	depends_on_id INTEGER NOT NULL,
	PRIMARY KEY (task_id, depends_on_id),
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
	FOREIGN KEY (depends_on_id) REFERENCES tasks(id)
);

CREATE TABLE messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'chat',
	body TEXT NOT NULL,
	task_id INTEGER,
	read INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
);
CREATE INDEX idx_messages_unread ON messages(team_id, recipient, read);

CREATE TABLE reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	reviewer TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	comments TEXT NOT NULL DEFAULT '[]',
	decision TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE events (
	global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	team_seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (team_id, team_seq)
);
CREATE INDEX idx_events_team ON events(team_id, team_seq);
`,
	},
	{
		version: 2,
		name:    "usage_totals",
		sql: `
CREATE TABLE usage_totals (
	team_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_microdollars INTEGER NOT NULL DEFAULT 0,
	turns INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (team_id, agent_name)
);
`,
	},
}
