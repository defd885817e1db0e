package rollout

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/logging"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), logging.New(nil, "silent"), WithClock(func() time.Time { return t0 }))
}

func testMeta(id domain.SessionIdentity) SessionMeta {
	m := NewSessionMeta(id, domain.TopLevel(domain.SourceExec), "gpt-5", "openai")
	m.CreatedAt = t0
	return m
}

func testTurn(i int, user, reply string) domain.Turn {
	return domain.Turn{
		Index:       i,
		ID:          "turn-" + string(rune('a'+i)),
		Input:       []domain.ResponseItem{domain.UserMessage(user)},
		Output:      []domain.ResponseItem{domain.AssistantMessage(reply)},
		ResponseID:  "resp_" + user,
		Usage:       &domain.TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
		StartedAt:   t0.Add(time.Duration(i) * time.Minute),
		CompletedAt: t0.Add(time.Duration(i)*time.Minute + time.Second),
	}
}

// seed creates a record with n turns and returns its path.
func seed(t *testing.T, s *Store, id domain.SessionIdentity, n int) string {
	t.Helper()
	w, err := s.Create(testMeta(id))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(testTurn(i, "q"+string(rune('0'+i)), "a"+string(rune('0'+i)))))
	}
	require.NoError(t, w.Close())
	return w.Path()
}

func TestCreateAppendLoad(t *testing.T) {
	s := newTestStore(t)
	id := domain.NewRootIdentity()

	w, err := s.Create(testMeta(id))
	require.NoError(t, err)
	assert.Equal(t, 0, w.NextIndex())

	turns := []domain.Turn{testTurn(0, "one", "uno"), testTurn(1, "two", "dos")}
	for _, tr := range turns {
		require.NoError(t, w.Append(tr))
	}
	assert.Equal(t, 2, w.NextIndex())
	require.NoError(t, w.Close())

	rec, err := Load(w.Path())
	require.NoError(t, err)
	assert.Equal(t, w.Path(), rec.Path)
	assert.Equal(t, id.CacheKeyID(), rec.Meta.CacheKeyID)
	assert.Equal(t, id.WireSessionID(), rec.Meta.WireSessionID)
	assert.Equal(t, "gpt-5", rec.Meta.Model)
	assert.Equal(t, "strand_cli", rec.Meta.Originator)
	assert.Nil(t, rec.Meta.ForkedFrom)
	assert.Equal(t, turns, rec.Turns)

	restored, err := rec.Identity()
	require.NoError(t, err)
	assert.Equal(t, id, restored)
	assert.Len(t, rec.History(), 4)
}

func TestPathLayout(t *testing.T) {
	s := newTestStore(t)
	id := domain.NewRootIdentity()
	path := s.PathFor(testMeta(id))

	rel, err := filepath.Rel(s.Dir(), path)
	require.NoError(t, err)
	assert.Equal(t,
		filepath.Join("2026", "03", "14", "rollout-2026-03-14T09-26-53-"+id.CacheKeyID()+".jsonl"),
		rel)
}

func TestFileFormat(t *testing.T) {
	s := newTestStore(t)
	path := seed(t, s, domain.NewRootIdentity(), 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"session_meta"`)
	assert.Contains(t, lines[0], `"timestamp":"2026-03-14T09:26:53Z"`)
	assert.Contains(t, lines[1], `"type":"turn"`)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
}

func TestCreateIsExclusive(t *testing.T) {
	s := newTestStore(t)
	meta := testMeta(domain.NewRootIdentity())

	w, err := s.Create(meta)
	require.NoError(t, err)
	defer w.Close()

	_, err = s.Create(meta)
	assert.ErrorIs(t, err, ErrExists)
}

func TestCreateRejectsBadIdentity(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(SessionMeta{CacheKeyID: "x", WireSessionID: "y", CreatedAt: t0})
	var ce *ConstraintError
	assert.ErrorAs(t, err, &ce)
}

func TestAppendRequiresContiguousIndex(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create(testMeta(domain.NewRootIdentity()))
	require.NoError(t, err)
	defer w.Close()

	err = w.Append(testTurn(1, "skip", "ahead"))
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "append", ce.Op)

	require.NoError(t, w.Append(testTurn(0, "a", "b")))
	err = w.Append(testTurn(0, "a", "b"))
	assert.ErrorAs(t, err, &ce)
}

func TestAppendAfterClose(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create(testMeta(domain.NewRootIdentity()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(testTurn(0, "a", "b")), ErrClosed)
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadIgnoresUnterminatedTail(t *testing.T) {
	s := newTestStore(t)
	path := seed(t, s, domain.NewRootIdentity(), 2)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-03-14T09:30:00Z","type":"turn","payload":{"index":2,`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 2)
}

func TestLoadCorrupt(t *testing.T) {
	id := domain.NewRootIdentity()
	s := newTestStore(t)
	good := seed(t, s, id, 2)
	data, err := os.ReadFile(good)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	metaLine, turn0, turn1 := lines[0], lines[1], lines[2]

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"only partial line", metaLine[:10]},
		{"missing meta", turn0},
		{"duplicate meta", metaLine + metaLine},
		{"meta after turn", metaLine + turn0 + metaLine},
		{"invalid json", metaLine + "{not json}\n"},
		{"index gap", metaLine + turn1},
		{"bad identity", strings.Replace(metaLine, id.CacheKeyID(), "not-a-uuid", 1)},
		{"invalid turn payload", metaLine + `{"type":"turn","payload":"nope"}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rollout-x.jsonl")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestLoadSkipsUnknownLineTypes(t *testing.T) {
	s := newTestStore(t)
	path := seed(t, s, domain.NewRootIdentity(), 1)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-03-14T09:30:00Z","type":"compacted","payload":{}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 1)
}

func TestOpenAppend(t *testing.T) {
	s := newTestStore(t)
	path := seed(t, s, domain.NewRootIdentity(), 2)

	rec, w, err := s.OpenAppend(path)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 2)
	assert.Equal(t, 2, w.NextIndex())
	require.NoError(t, w.Append(testTurn(2, "three", "tres")))
	require.NoError(t, w.Close())

	rec, err = Load(path)
	require.NoError(t, err)
	require.Len(t, rec.Turns, 3)
	assert.Equal(t, "three", rec.Turns[2].UserText())
}

func TestOpenAppendCutsTornTail(t *testing.T) {
	s := newTestStore(t)
	path := seed(t, s, domain.NewRootIdentity(), 1)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"turn","payl`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, w, err := s.OpenAppend(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(testTurn(1, "b", "c")))
	require.NoError(t, w.Close())

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 2)
}

func TestOpenAppendCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout-bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o600))

	_, _, err := newTestStore(t).OpenAppend(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestTruncateCopy(t *testing.T) {
	s := newTestStore(t)
	id := domain.NewRootIdentity()
	path := seed(t, s, id, 3)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rec, err := TruncateCopy(path, 1)
	require.NoError(t, err)

	assert.Empty(t, rec.Path)
	require.Len(t, rec.Turns, 2)
	assert.Equal(t, 0, rec.Turns[0].Index)
	assert.Equal(t, 1, rec.Turns[1].Index)
	assert.Equal(t, id.WireSessionID(), rec.Meta.WireSessionID)
	require.NotNil(t, rec.Meta.ForkedFrom)
	assert.Equal(t, ForkedFrom{Path: path, CacheKeyID: id.CacheKeyID(), TurnIndex: 1}, *rec.Meta.ForkedFrom)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "source must not change")
}

func TestTruncateBounds(t *testing.T) {
	s := newTestStore(t)
	path := seed(t, s, domain.NewRootIdentity(), 2)
	rec, err := Load(path)
	require.NoError(t, err)

	for _, k := range []int{-1, 2, 10} {
		_, err := Truncate(rec, k)
		var ce *ConstraintError
		assert.ErrorAs(t, err, &ce, "k=%d", k)
	}

	last, err := Truncate(rec, 1)
	require.NoError(t, err)
	assert.Len(t, last.Turns, 2)

	// the in-memory source keeps its turns and meta
	assert.Len(t, rec.Turns, 2)
	assert.Nil(t, rec.Meta.ForkedFrom)
}

func TestTruncateCopyNotFound(t *testing.T) {
	_, err := TruncateCopy(filepath.Join(t.TempDir(), "nope.jsonl"), 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateFrom(t *testing.T) {
	s := newTestStore(t)
	root := domain.NewRootIdentity()
	src := seed(t, s, root, 3)

	rec, err := TruncateCopy(src, 0)
	require.NoError(t, err)
	child := root.Fork()
	rec.Meta.CacheKeyID = child.CacheKeyID()

	w, err := s.CreateFrom(rec)
	require.NoError(t, err)
	assert.Equal(t, w.Path(), rec.Path)
	assert.NotEqual(t, src, rec.Path)
	assert.Equal(t, 1, w.NextIndex())
	require.NoError(t, w.Append(testTurn(1, "branch", "ok")))
	require.NoError(t, w.Close())

	loaded, err := Load(rec.Path)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 2)
	assert.Equal(t, "branch", loaded.Turns[1].UserText())
	assert.Equal(t, child.CacheKeyID(), loaded.Meta.CacheKeyID)
	assert.Equal(t, root.WireSessionID(), loaded.Meta.WireSessionID)
	require.NotNil(t, loaded.Meta.ForkedFrom)
	assert.Equal(t, src, loaded.Meta.ForkedFrom.Path)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(rec.Path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func TestCreateFromValidates(t *testing.T) {
	s := newTestStore(t)
	id := domain.NewRootIdentity()

	rec := &Record{Meta: testMeta(id), Turns: []domain.Turn{testTurn(1, "a", "b")}}
	_, err := s.CreateFrom(rec)
	var ce *ConstraintError
	assert.ErrorAs(t, err, &ce)

	path := seed(t, s, id, 0)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = s.CreateFrom(&Record{Meta: testMeta(id)})
	assert.ErrorIs(t, err, ErrExists)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "existing record untouched")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func TestListAndLatest(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	var want []string
	for i := 0; i < 3; i++ {
		id := domain.NewRootIdentity()
		meta := testMeta(id)
		meta.CreatedAt = t0.Add(time.Duration(i) * 24 * time.Hour)
		w, err := s.Create(meta)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		want = append(want, w.Path())
	}
	// stray files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600))

	got, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	latest, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want[2], latest)
}

func TestListMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"), nil)
	paths, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestReadMeta(t *testing.T) {
	s := newTestStore(t)
	id := domain.NewRootIdentity()
	path := seed(t, s, id, 2)

	meta, err := ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, id.CacheKeyID(), meta.CacheKeyID)

	_, err = ReadMeta(filepath.Join(t.TempDir(), "none.jsonl"))
	assert.ErrorIs(t, err, ErrNotFound)
}
