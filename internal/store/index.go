package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/rollout"
)

// ErrNotFound is returned when a rollout is not in the index.
var ErrNotFound = errors.New("rollout not indexed")

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const previewLen = 80

// RolloutEntry is one indexed rollout record.
type RolloutEntry struct {
	Path           string    `json:"path"`
	CacheKeyID     string    `json:"cacheKeyId"`
	WireSessionID  string    `json:"wireSessionId"`
	ForkedFromPath string    `json:"forkedFromPath,omitempty"`
	ForkTurnIndex  *int      `json:"forkTurnIndex,omitempty"`
	Source         string    `json:"source"`
	Model          string    `json:"model,omitempty"`
	ModelProvider  string    `json:"modelProvider,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	TurnCount      int       `json:"turnCount"`
	Preview        string    `json:"preview,omitempty"`
}

// SearchHit is a turn matching a full-text query.
type SearchHit struct {
	Path          string  `json:"path"`
	WireSessionID string  `json:"wireSessionId"`
	TurnIndex     int     `json:"turnIndex"`
	UserText      string  `json:"userText"`
	Snippet       string  `json:"snippet"`
	Rank          float64 `json:"rank"`
}

// RolloutIndex records rollout metadata and turn text.
type RolloutIndex struct {
	db *DB
}

// NewRolloutIndex creates an index using the given database.
func NewRolloutIndex(db *DB) *RolloutIndex {
	return &RolloutIndex{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Upsert inserts or refreshes the metadata of the record at path.
func (x *RolloutIndex) Upsert(ctx context.Context, path string, meta rollout.SessionMeta) error {
	return errors.Wrapf(upsert(ctx, x.db.sql, path, meta), "indexing %s", path)
}

func upsert(ctx context.Context, ex execer, path string, meta rollout.SessionMeta) error {
	var (
		forkedFrom string
		forkIndex  sql.NullInt64
	)
	if meta.ForkedFrom != nil {
		forkedFrom = meta.ForkedFrom.Path
		forkIndex = sql.NullInt64{Int64: int64(meta.ForkedFrom.TurnIndex), Valid: true}
	}
	created := formatTime(meta.CreatedAt)

	_, err := ex.ExecContext(ctx,
		`INSERT INTO rollouts (path, cache_key_id, wire_session_id, forked_from_path, fork_turn_index,
		                       source, model, model_provider, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   cache_key_id = excluded.cache_key_id,
		   wire_session_id = excluded.wire_session_id,
		   forked_from_path = excluded.forked_from_path,
		   fork_turn_index = excluded.fork_turn_index,
		   source = excluded.source,
		   model = excluded.model,
		   model_provider = excluded.model_provider,
		   created_at = excluded.created_at`,
		path, meta.CacheKeyID, meta.WireSessionID, forkedFrom, forkIndex,
		meta.Source.String(), meta.Model, meta.ModelProvider, created, created,
	)
	return err
}

// RecordTurn stores a completed turn of the record at path.
func (x *RolloutIndex) RecordTurn(ctx context.Context, path string, t domain.Turn) error {
	return errors.Wrapf(recordTurn(ctx, x.db.sql, path, t), "indexing turn %d of %s", t.Index, path)
}

func recordTurn(ctx context.Context, ex execer, path string, t domain.Turn) error {
	var in, out int
	if t.Usage != nil {
		in, out = t.Usage.InputTokens, t.Usage.OutputTokens
	}
	user := t.UserText()
	completed := formatTime(t.CompletedAt)

	if _, err := ex.ExecContext(ctx,
		`INSERT INTO turns (rollout_path, turn_index, turn_id, response_id, user_text, agent_text,
		                    input_tokens, output_tokens, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rollout_path, turn_index) DO UPDATE SET
		   turn_id = excluded.turn_id,
		   response_id = excluded.response_id,
		   user_text = excluded.user_text,
		   agent_text = excluded.agent_text,
		   input_tokens = excluded.input_tokens,
		   output_tokens = excluded.output_tokens,
		   completed_at = excluded.completed_at`,
		path, t.Index, t.ID, t.ResponseID, user, t.LastAgentMessage(), in, out, completed,
	); err != nil {
		return err
	}

	_, err := ex.ExecContext(ctx,
		`UPDATE rollouts SET
		   turn_count = MAX(turn_count, ?),
		   updated_at = MAX(updated_at, ?),
		   preview = CASE WHEN preview = '' THEN ? ELSE preview END
		 WHERE path = ?`,
		t.Index+1, completed, preview(user), path,
	)
	return err
}

// IndexRecord replaces everything indexed for rec in one transaction.
func (x *RolloutIndex) IndexRecord(ctx context.Context, rec *rollout.Record) error {
	err := x.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE rollout_path = ?`, rec.Path); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rollouts SET turn_count = 0, preview = '' WHERE path = ?`, rec.Path); err != nil {
			return err
		}
		if err := upsert(ctx, tx, rec.Path, rec.Meta); err != nil {
			return err
		}
		for _, t := range rec.Turns {
			if err := recordTurn(ctx, tx, rec.Path, t); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "indexing %s", rec.Path)
}

// Remove drops a record and its turns from the index.
func (x *RolloutIndex) Remove(ctx context.Context, path string) error {
	_, err := x.db.sql.ExecContext(ctx, `DELETE FROM rollouts WHERE path = ?`, path)
	return errors.Wrapf(err, "removing %s", path)
}

const entryColumns = `path, cache_key_id, wire_session_id, forked_from_path, fork_turn_index,
	source, model, model_provider, created_at, updated_at, turn_count, preview`

// Get returns the entry for path, or ErrNotFound.
func (x *RolloutIndex) Get(ctx context.Context, path string) (*RolloutEntry, error) {
	rows, err := x.db.sql.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM rollouts WHERE path = ?`, path)
	if err != nil {
		return nil, errors.Wrap(err, "querying rollout")
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}
	return &entries[0], nil
}

// List returns the newest entries first. Limit of 0 defaults to 50.
func (x *RolloutIndex) List(ctx context.Context, limit int) ([]RolloutEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := x.db.sql.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM rollouts ORDER BY created_at DESC, path DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing rollouts")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Lineage returns every record sharing a wire session id, oldest first.
func (x *RolloutIndex) Lineage(ctx context.Context, wireSessionID string) ([]RolloutEntry, error) {
	rows, err := x.db.sql.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM rollouts WHERE wire_session_id = ? ORDER BY created_at, path`,
		wireSessionID)
	if err != nil {
		return nil, errors.Wrap(err, "querying lineage")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Latest returns the most recently created entry, or ErrNotFound.
func (x *RolloutIndex) Latest(ctx context.Context) (*RolloutEntry, error) {
	entries, err := x.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// Search finds turns whose text matches query, best match first. Limit of 0
// defaults to 20.
func (x *RolloutIndex) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := x.db.sql.QueryContext(ctx,
		`SELECT t.rollout_path, r.wire_session_id, t.turn_index, t.user_text,
		        snippet(turns_fts, -1, '[', ']', '...', 12), turns_fts.rank
		 FROM turns_fts
		 JOIN turns t ON t.rowid = turns_fts.rowid
		 JOIN rollouts r ON r.path = t.rollout_path
		 WHERE turns_fts MATCH ?
		 ORDER BY turns_fts.rank
		 LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "searching turns")
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.Path, &h.WireSessionID, &h.TurnIndex, &h.UserText, &h.Snippet, &h.Rank); err != nil {
			return nil, errors.Wrap(err, "scanning search hit")
		}
		hits = append(hits, h)
	}
	return hits, errors.Wrap(rows.Err(), "searching turns")
}

func scanEntries(rows *sql.Rows) ([]RolloutEntry, error) {
	var entries []RolloutEntry
	for rows.Next() {
		var (
			e                  RolloutEntry
			forkIndex          sql.NullInt64
			createdAt, updated string
		)
		if err := rows.Scan(
			&e.Path, &e.CacheKeyID, &e.WireSessionID, &e.ForkedFromPath, &forkIndex,
			&e.Source, &e.Model, &e.ModelProvider, &createdAt, &updated, &e.TurnCount, &e.Preview,
		); err != nil {
			return nil, errors.Wrap(err, "scanning rollout")
		}
		if forkIndex.Valid {
			k := int(forkIndex.Int64)
			e.ForkTurnIndex = &k
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		e.UpdatedAt, _ = time.Parse(timeLayout, updated)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "reading rollouts")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewLen {
		return string(r[:previewLen-3]) + "..."
	}
	return s
}

// ftsQuery turns free text into an FTS5 query matching all words, so user
// input never hits FTS5 syntax errors.
func ftsQuery(q string) string {
	words := strings.Fields(q)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}
