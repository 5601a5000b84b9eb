// Package store persists sessions and their artifacts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/provider"
	"github.com/meetcap/meetcap/internal/resilience"
	"github.com/meetcap/meetcap/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	transcript   TEXT NOT NULL DEFAULT '',
	audio_path   TEXT NOT NULL DEFAULT '',
	summary      TEXT,
	key_points   TEXT,
	action_items TEXT,
	participants TEXT
);

CREATE TABLE IF NOT EXISTS segments (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_questions_session ON questions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns(session_id, created_at);
`

// Store is a SQLite-backed session store. Writes retry on lock contention.
type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStoreFailure, "open database")
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeStoreFailure, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// write runs fn with the store retry policy; transient lock errors are
// retried, everything else surfaces immediately.
func (s *Store) write(ctx context.Context, fn func() error) error {
	return resilience.Retry(ctx, resilience.StoreRetryConfig(), func() error {
		if err := fn(); err != nil {
			return classify(err)
		}
		return nil
	})
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
		return errors.Wrap(err, errors.CodeStoreFailure, "database busy")
	}
	return errors.Wrap(err, errors.CodeInternal, "database operation failed")
}

// CreateSession inserts the initial session row.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, title, started_at, duration_ms, status, transcript, audio_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Title, sess.StartedAt.UnixMilli(), sess.Duration.Milliseconds(),
			string(sess.Status), sess.Transcript, sess.AudioPath)
		return err
	})
}

// SaveProgress updates the mutable fields of a live session.
func (s *Store) SaveProgress(ctx context.Context, sess *session.Session) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, transcript = ?, duration_ms = ?, audio_path = ? WHERE id = ?`,
			string(sess.Status), sess.Transcript, sess.Duration.Milliseconds(), sess.AudioPath, sess.ID)
		return err
	})
}

// CompleteSession writes the final state including the summary, when one
// exists.
func (s *Store) CompleteSession(ctx context.Context, sess *session.Session) error {
	var summary, keyPoints, actionItems, participants sql.NullString
	if sess.Summary != nil {
		summary = sql.NullString{String: sess.Summary.Summary, Valid: true}
		keyPoints = marshalList(sess.Summary.KeyPoints)
		actionItems = marshalList(sess.Summary.ActionItems)
		participants = marshalList(sess.Summary.Participants)
	}
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, transcript = ?, duration_ms = ?, audio_path = ?,
			        summary = ?, key_points = ?, action_items = ?, participants = ?
			 WHERE id = ?`,
			string(sess.Status), sess.Transcript, sess.Duration.Milliseconds(), sess.AudioPath,
			summary, keyPoints, actionItems, participants, sess.ID)
		return err
	})
}

// AppendSegment records one finalized transcript segment.
func (s *Store) AppendSegment(ctx context.Context, seg session.Segment) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO segments (id, session_id, seq, text, created_at) VALUES (?, ?, ?, ?, ?)`,
			seg.ID, seg.SessionID, seg.Seq, seg.Text, seg.CreatedAt.UnixMilli())
		return err
	})
}

// AppendQuestion records one suggested question.
func (s *Store) AppendQuestion(ctx context.Context, q session.Question) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO questions (id, session_id, text, created_at) VALUES (?, ?, ?, ?)`,
			q.ID, q.SessionID, q.Text, q.CreatedAt.UnixMilli())
		return err
	})
}

// AppendChatTurn records one chat exchange half.
func (s *Store) AppendChatTurn(ctx context.Context, turn session.ChatTurn) error {
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_turns (id, session_id, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
			turn.ID, turn.SessionID, turn.Role, turn.Text, turn.CreatedAt.UnixMilli())
		return err
	})
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, started_at, duration_ms, status, transcript, audio_path,
		        summary, key_points, action_items, participants
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.CodeNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, started_at, duration_ms, status, transcript, audio_path,
		        summary, key_points, action_items, participants
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ListSegments returns a session's finalized segments in order.
func (s *Store) ListSegments(ctx context.Context, sessionID string) ([]session.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, text, created_at FROM segments WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []session.Segment
	for rows.Next() {
		var seg session.Segment
		var createdAt int64
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Seq, &seg.Text, &createdAt); err != nil {
			return nil, classify(err)
		}
		seg.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ListQuestions returns a session's suggested questions oldest first.
func (s *Store) ListQuestions(ctx context.Context, sessionID string) ([]session.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, created_at FROM questions WHERE session_id = ? ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []session.Question
	for rows.Next() {
		var q session.Question
		var createdAt int64
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Text, &createdAt); err != nil {
			return nil, classify(err)
		}
		q.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListChatTurns returns a session's chat history oldest first.
func (s *Store) ListChatTurns(ctx context.Context, sessionID string) ([]session.ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, text, created_at FROM chat_turns WHERE session_id = ? ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []session.ChatTurn
	for rows.Next() {
		var turn session.ChatTurn
		var createdAt int64
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Text, &createdAt); err != nil {
			return nil, classify(err)
		}
		turn.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, turn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var startedAt, durationMS int64
	var status string
	var summary, keyPoints, actionItems, participants sql.NullString

	err := row.Scan(&sess.ID, &sess.Title, &startedAt, &durationMS, &status, &sess.Transcript,
		&sess.AudioPath, &summary, &keyPoints, &actionItems, &participants)
	if err != nil {
		return nil, err
	}

	sess.StartedAt = time.UnixMilli(startedAt)
	sess.Duration = time.Duration(durationMS) * time.Millisecond
	sess.Status = session.Status(status)

	if summary.Valid {
		sess.Summary = &provider.SummaryResult{
			Summary:      summary.String,
			KeyPoints:    unmarshalList(keyPoints),
			ActionItems:  unmarshalList(actionItems),
			Participants: unmarshalList(participants),
		}
	}
	return &sess, nil
}

func marshalList(items []string) sql.NullString {
	if len(items) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
