package store

import "time"

// Schema is applied on every Open. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	profile_hash TEXT NOT NULL DEFAULT '',
	spawn_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_active_at TEXT,
	archived_at TEXT
);

CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	parent_channel_id TEXT REFERENCES channels(id),
	pinned INTEGER NOT NULL DEFAULT 0,
	archived_at TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_parent ON channels(parent_channel_id);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	agent_id TEXT NOT NULL REFERENCES agents(id),
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, seq);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, content);
CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(message_id, content) VALUES (new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS bookmarks (
	reader_id TEXT NOT NULL REFERENCES agents(id),
	channel_id TEXT NOT NULL REFERENCES channels(id),
	last_seq INTEGER NOT NULL DEFAULT 0,
	last_message_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (reader_id, channel_id)
);

CREATE TABLE IF NOT EXISTS spawns (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	channel_id TEXT NOT NULL DEFAULT '',
	parent_spawn_id TEXT REFERENCES spawns(id),
	mode TEXT NOT NULL DEFAULT 'task',
	task TEXT NOT NULL DEFAULT '',
	session_ref TEXT NOT NULL DEFAULT '',
	profile_hash TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	run INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT NOT NULL DEFAULT '',
	output_path TEXT NOT NULL DEFAULT '',
	output_size INTEGER NOT NULL DEFAULT 0,
	last_output_at TEXT,
	stalled_at TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_spawns_status ON spawns(status);
CREATE INDEX IF NOT EXISTS idx_spawns_pair ON spawns(agent_id, channel_id, status);
CREATE INDEX IF NOT EXISTS idx_spawns_parent ON spawns(parent_spawn_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_spawns_active_pair ON spawns(agent_id, channel_id)
	WHERE status IN ('pending', 'running');

CREATE TABLE IF NOT EXISTS sessions (
	spawn_id TEXT PRIMARY KEY REFERENCES spawns(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	source_path TEXT NOT NULL DEFAULT '',
	source_mtime TEXT,
	first_activity_at TEXT,
	last_activity_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id);

CREATE TABLE IF NOT EXISTS handoffs (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	from_agent_id TEXT NOT NULL REFERENCES agents(id),
	to_agent_id TEXT NOT NULL REFERENCES agents(id),
	summary TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL REFERENCES messages(id),
	status TEXT NOT NULL DEFAULT 'open',
	created_at TEXT NOT NULL,
	closed_at TEXT,
	CHECK (from_agent_id <> to_agent_id)
);
CREATE INDEX IF NOT EXISTS idx_handoffs_channel ON handoffs(channel_id, status);

CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_notes_agent ON notes(agent_id);

CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(note_id UNINDEXED, title, content);
CREATE TRIGGER IF NOT EXISTS notes_fts_insert AFTER INSERT ON notes BEGIN
	INSERT INTO notes_fts(note_id, title, content) VALUES (new.id, new.title, new.content);
END;
CREATE TRIGGER IF NOT EXISTS notes_fts_update AFTER UPDATE OF title, content ON notes BEGIN
	DELETE FROM notes_fts WHERE note_id = old.id;
	INSERT INTO notes_fts(note_id, title, content) VALUES (new.id, new.title, new.content);
END;

CREATE TABLE IF NOT EXISTS knowledge (
	id TEXT PRIMARY KEY,
	author_id TEXT NOT NULL REFERENCES agents(id),
	topic TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_knowledge_topic ON knowledge(topic);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(knowledge_id UNINDEXED, topic, content, tags);
CREATE TRIGGER IF NOT EXISTS knowledge_fts_insert AFTER INSERT ON knowledge BEGIN
	INSERT INTO knowledge_fts(knowledge_id, topic, content, tags) VALUES (new.id, new.topic, new.content, new.tags);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_fts_update AFTER UPDATE OF topic, content, tags ON knowledge BEGIN
	DELETE FROM knowledge_fts WHERE knowledge_id = old.id;
	INSERT INTO knowledge_fts(knowledge_id, topic, content, tags) VALUES (new.id, new.topic, new.content, new.tags);
END;
`

// SpawnStatus is the lifecycle state of a spawn.
type SpawnStatus string

const (
	SpawnPending   SpawnStatus = "pending"
	SpawnRunning   SpawnStatus = "running"
	SpawnPaused    SpawnStatus = "paused"
	SpawnCompleted SpawnStatus = "completed"
	SpawnFailed    SpawnStatus = "failed"
	SpawnTimeout   SpawnStatus = "timeout"
	SpawnKilled    SpawnStatus = "killed"
)

// Terminal reports whether no further transition is possible.
func (s SpawnStatus) Terminal() bool {
	switch s {
	case SpawnCompleted, SpawnFailed, SpawnTimeout, SpawnKilled:
		return true
	}
	return false
}

// Active reports whether the status counts against the one-per-pair invariant.
func (s SpawnStatus) Active() bool {
	return s == SpawnPending || s == SpawnRunning
}

// NonTerminal lists the statuses a kill may start from.
var NonTerminal = []SpawnStatus{SpawnPending, SpawnRunning, SpawnPaused}

// Spawn modes.
const (
	ModeTask        = "task"
	ModeInteractive = "interactive"
)

// Handoff statuses.
const (
	HandoffOpen     = "open"
	HandoffAccepted = "accepted"
	HandoffClosed   = "closed"
)

type Agent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model,omitempty"`
	ProfileHash  string     `json:"profile_hash,omitempty"`
	SpawnCount   int        `json:"spawn_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

// Spawnable reports whether the agent can be launched. Agents without a
// provider are human identities.
func (a *Agent) Spawnable() bool {
	return a.Provider != "" && a.ArchivedAt == nil
}

type Channel struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Topic           string     `json:"topic,omitempty"`
	ParentChannelID string     `json:"parent_channel_id,omitempty"`
	Pinned          bool       `json:"pinned"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Spawn struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agent_id"`
	ChannelID     string      `json:"channel_id,omitempty"`
	ParentSpawnID string      `json:"parent_spawn_id,omitempty"`
	Mode          string      `json:"mode"`
	Task          string      `json:"task,omitempty"`
	SessionRef    string      `json:"session_ref,omitempty"`
	ProfileHash   string      `json:"profile_hash,omitempty"`
	PID           int         `json:"pid,omitempty"`
	Run           int         `json:"run"`
	Attempts      int         `json:"attempts"`
	Status        SpawnStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	OutputPath    string      `json:"output_path,omitempty"`
	OutputSize    int64       `json:"output_size"`
	LastOutputAt  *time.Time  `json:"last_output_at,omitempty"`
	StalledAt     *time.Time  `json:"stalled_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
}

type Session struct {
	SpawnID         string     `json:"spawn_id"`
	SessionID       string     `json:"session_id"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model,omitempty"`
	MessageCount    int64      `json:"message_count"`
	InputTokens     int64      `json:"input_tokens"`
	OutputTokens    int64      `json:"output_tokens"`
	ToolCalls       int64      `json:"tool_calls"`
	SourcePath      string     `json:"source_path,omitempty"`
	SourceMtime     *time.Time `json:"source_mtime,omitempty"`
	FirstActivityAt *time.Time `json:"first_activity_at,omitempty"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Handoff struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channel_id"`
	FromAgentID string     `json:"from_agent_id"`
	ToAgentID   string     `json:"to_agent_id"`
	Summary     string     `json:"summary"`
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type Note struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Title      string     `json:"title,omitempty"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

type Knowledge struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	Topic      string     `json:"topic"`
	Content    string     `json:"content"`
	Tags       string     `json:"tags,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// SearchHit is one ranked full-text match.
type SearchHit struct {
	Scope   string  `json:"scope"`
	ID      string  `json:"id"`
	Owner   string  `json:"owner"`
	Snippet string  `json:"snippet"`
	Rank    float64 `json:"rank"`
}
