package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create rollouts and turns",
		SQL: `
			CREATE TABLE rollouts (
				path             TEXT PRIMARY KEY,
				cache_key_id     TEXT NOT NULL,
				wire_session_id  TEXT NOT NULL,
				forked_from_path TEXT NOT NULL DEFAULT '',
				fork_turn_index  INTEGER,
				source           TEXT NOT NULL DEFAULT 'cli',
				model            TEXT NOT NULL DEFAULT '',
				model_provider   TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL,
				turn_count       INTEGER NOT NULL DEFAULT 0,
				preview          TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_rollouts_wire ON rollouts (wire_session_id, created_at);
			CREATE INDEX idx_rollouts_cache_key ON rollouts (cache_key_id);
			CREATE INDEX idx_rollouts_created ON rollouts (created_at);

			CREATE TABLE turns (
				rollout_path  TEXT NOT NULL REFERENCES rollouts(path) ON DELETE CASCADE,
				turn_index    INTEGER NOT NULL,
				turn_id       TEXT NOT NULL,
				response_id   TEXT NOT NULL DEFAULT '',
				user_text     TEXT NOT NULL DEFAULT '',
				agent_text    TEXT NOT NULL DEFAULT '',
				input_tokens  INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				completed_at  TEXT NOT NULL,
				PRIMARY KEY (rollout_path, turn_index)
			);
		`,
	},
	{
		Version: 2,
		Name:    "create turn search with FTS5",
		SQL: `
			CREATE VIRTUAL TABLE turns_fts USING fts5(
				user_text,
				agent_text,
				content='turns',
				content_rowid='rowid'
			);

			CREATE TRIGGER turns_ai AFTER INSERT ON turns BEGIN
				INSERT INTO turns_fts(rowid, user_text, agent_text)
				VALUES (new.rowid, new.user_text, new.agent_text);
			END;

			CREATE TRIGGER turns_ad AFTER DELETE ON turns BEGIN
				INSERT INTO turns_fts(turns_fts, rowid, user_text, agent_text)
				VALUES ('delete', old.rowid, old.user_text, old.agent_text);
			END;

			CREATE TRIGGER turns_au AFTER UPDATE ON turns BEGIN
				INSERT INTO turns_fts(turns_fts, rowid, user_text, agent_text)
				VALUES ('delete', old.rowid, old.user_text, old.agent_text);
				INSERT INTO turns_fts(rowid, user_text, agent_text)
				VALUES (new.rowid, new.user_text, new.agent_text);
			END;
		`,
	},
}
