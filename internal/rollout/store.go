// Package rollout persists conversations as append-only JSONL files.
//
// A rollout file starts with one session_meta line followed by one turn line
// per completed turn. Appends are single writes to an O_APPEND descriptor, so
// a crash can leave at most one unterminated trailing line, which readers
// ignore.
package rollout

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/logging"
)

const (
	filePrefix = "rollout-"
	fileSuffix = ".jsonl"
	tsLayout   = "2006-01-02T15-04-05"
)

// Store creates and opens rollout records under a sessions directory.
type Store struct {
	dir   string
	fsync bool
	log   *logging.Logger
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithFsync controls whether every append is followed by fsync. On by default.
func WithFsync(enabled bool) Option {
	return func(s *Store) { s.fsync = enabled }
}

// WithClock overrides the clock used for line timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store rooted at dir.
func New(dir string, log *logging.Logger, opts ...Option) *Store {
	if log == nil {
		log = logging.New(nil, "silent")
	}
	s := &Store{dir: dir, fsync: true, log: log.Sub("rollout"), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the sessions directory.
func (s *Store) Dir() string { return s.dir }

// PathFor returns where a record with meta is stored:
// <dir>/YYYY/MM/DD/rollout-<timestamp>-<cacheKey>.jsonl.
func (s *Store) PathFor(meta SessionMeta) string {
	created := meta.CreatedAt.UTC()
	return filepath.Join(s.dir,
		created.Format("2006"), created.Format("01"), created.Format("02"),
		fmt.Sprintf("%s%s-%s%s", filePrefix, created.Format(tsLayout), meta.CacheKeyID, fileSuffix))
}

// Create allocates a fresh empty record and opens it for appending.
func (s *Store) Create(meta SessionMeta) (*Writer, error) {
	if _, err := meta.Identity(); err != nil {
		return nil, &ConstraintError{Op: "create", Message: err.Error()}
	}

	path := s.PathFor(meta)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}

	buf, err := encodeLine(lineSessionMeta, s.now(), meta)
	if err != nil {
		return nil, errors.Wrap(err, "encoding session meta")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrExists, "%s", path)
		}
		return nil, errors.Wrapf(err, "creating %s", path)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "writing session meta to %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "syncing %s", path)
	}

	s.log.Debug().Str("path", path).Str("cache_key", meta.CacheKeyID).Msg("rollout created")
	return newWriter(path, f, 0, s.fsync, s.now), nil
}

// CreateFrom persists rec (meta and turns) atomically via a temp file that
// is hard-linked into place, then opens it for appending. The link fails
// rather than replace a record that already exists. rec.Path is set to the
// new location.
func (s *Store) CreateFrom(rec *Record) (*Writer, error) {
	if _, err := rec.Meta.Identity(); err != nil {
		return nil, &ConstraintError{Op: "create", Message: err.Error()}
	}
	for i, t := range rec.Turns {
		if t.Index != i {
			return nil, &ConstraintError{Op: "create", Message: fmt.Sprintf("turn %d has index %d", i, t.Index)}
		}
	}

	path := s.PathFor(rec.Meta)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	var buf bytes.Buffer
	ts := s.now()
	b, err := encodeLine(lineSessionMeta, ts, rec.Meta)
	if err != nil {
		return nil, errors.Wrap(err, "encoding session meta")
	}
	buf.Write(b)
	for _, t := range rec.Turns {
		b, err := encodeLine(lineTurn, ts, t)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding turn %d", t.Index)
		}
		buf.Write(b)
	}

	tmp, err := os.CreateTemp(dir, ".rollout-*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "closing temp file")
	}
	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrExists, "%s", path)
		}
		return nil, errors.Wrapf(err, "linking %s", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	rec.Path = path

	s.log.Debug().Str("path", path).Int("turns", len(rec.Turns)).Msg("rollout persisted")
	return newWriter(path, f, len(rec.Turns), s.fsync, s.now), nil
}

// OpenAppend loads an existing record and reopens it for appending. An
// unterminated trailing line left by an interrupted write is cut off first.
func (s *Store) OpenAppend(path string) (*Record, *Writer, error) {
	rec, valid, err := load(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}
	if info.Size() > valid {
		s.log.Warn().Str("path", path).Int64("bytes", info.Size()-valid).Msg("dropping unterminated trailing line")
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, nil, errors.Wrapf(err, "truncating %s", path)
		}
	}
	return rec, newWriter(path, f, len(rec.Turns), s.fsync, s.now), nil
}

// Load reads a record.
func (s *Store) Load(path string) (*Record, error) {
	return Load(path)
}

// Load reads the record at path. It returns ErrNotFound when the file does
// not exist and ErrCorrupt when its content violates the record format.
func Load(path string) (*Record, error) {
	rec, _, err := load(path)
	return rec, err
}

// load also reports the length of the terminated prefix of the file.
func load(path string) (*Record, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, 0, errors.Wrapf(err, "reading %s", path)
	}

	valid := bytes.LastIndexByte(data, '\n') + 1
	rec := &Record{Path: path}
	var haveMeta bool

	lineNo := 0
	for rest := data[:valid]; len(rest) > 0; {
		i := bytes.IndexByte(rest, '\n')
		raw := rest[:i]
		rest = rest[i+1:]
		lineNo++

		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, 0, corruptf(path, lineNo, "invalid json: %v", err)
		}

		switch l.Type {
		case lineSessionMeta:
			if haveMeta {
				return nil, 0, corruptf(path, lineNo, "duplicate session_meta")
			}
			if len(rec.Turns) > 0 {
				return nil, 0, corruptf(path, lineNo, "session_meta after turns")
			}
			if err := json.Unmarshal(l.Payload, &rec.Meta); err != nil {
				return nil, 0, corruptf(path, lineNo, "invalid session_meta: %v", err)
			}
			if _, err := rec.Meta.Identity(); err != nil {
				return nil, 0, corruptf(path, lineNo, "%v", err)
			}
			haveMeta = true

		case lineTurn:
			if !haveMeta {
				return nil, 0, corruptf(path, lineNo, "turn before session_meta")
			}
			var t domain.Turn
			if err := json.Unmarshal(l.Payload, &t); err != nil {
				return nil, 0, corruptf(path, lineNo, "invalid turn: %v", err)
			}
			if t.Index != len(rec.Turns) {
				return nil, 0, corruptf(path, lineNo, "turn index %d, expected %d", t.Index, len(rec.Turns))
			}
			rec.Turns = append(rec.Turns, t)
		}
	}

	if !haveMeta {
		return nil, 0, corruptf(path, lineNo, "missing session_meta")
	}
	return rec, int64(valid), nil
}

// ReadMeta reads only the session_meta line of a record.
func ReadMeta(path string) (SessionMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SessionMeta{}, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return SessionMeta{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	raw, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return SessionMeta{}, corruptf(path, 1, "missing session_meta")
	}
	var l line
	if err := json.Unmarshal(raw, &l); err != nil || l.Type != lineSessionMeta {
		return SessionMeta{}, corruptf(path, 1, "first line is not session_meta")
	}
	var meta SessionMeta
	if err := json.Unmarshal(l.Payload, &meta); err != nil {
		return SessionMeta{}, corruptf(path, 1, "invalid session_meta: %v", err)
	}
	return meta, nil
}

// Truncate returns a copy of rec holding turns [0..k] and a forked_from
// pointer at rec. rec is not modified. The copy is not persisted.
func Truncate(rec *Record, k int) (*Record, error) {
	if k < 0 || k >= len(rec.Turns) {
		return nil, &ConstraintError{
			Op:      "fork",
			Message: fmt.Sprintf("turn index %d out of range [0, %d)", k, len(rec.Turns)),
		}
	}

	turns := make([]domain.Turn, k+1)
	copy(turns, rec.Turns[:k+1])

	meta := rec.Meta
	meta.ForkedFrom = &ForkedFrom{
		Path:       rec.Path,
		CacheKeyID: rec.Meta.CacheKeyID,
		TurnIndex:  k,
	}
	return &Record{Meta: meta, Turns: turns}, nil
}

// TruncateCopy loads the record at path and applies Truncate. The file at
// path is only read.
func TruncateCopy(path string, k int) (*Record, error) {
	rec, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Truncate(rec, k)
}

// List returns every rollout file under the sessions directory, oldest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.dir {
				return filepath.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", s.dir)
	}
	sort.Slice(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
	return paths, nil
}

// Latest returns the most recently created rollout file.
func (s *Store) Latest(ctx context.Context) (string, error) {
	paths, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", errors.Wrapf(ErrNotFound, "no rollouts in %s", s.dir)
	}
	return paths[len(paths)-1], nil
}
