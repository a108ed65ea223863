package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/run-bigpig/jcp-debate/internal/models"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject_code TEXT NOT NULL,
	subject_name TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	rules TEXT NOT NULL,
	result TEXT NULL,
	reason TEXT NOT NULL DEFAULT '',
	resumed_from TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_code, updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	round INTEGER NOT NULL DEFAULT 0,
	is_streaming INTEGER NOT NULL,
	follow_up INTEGER NOT NULL DEFAULT 0,
	interrupted INTEGER NOT NULL DEFAULT 0,
	plan TEXT NULL,
	timestamp INTEGER NOT NULL,
	UNIQUE(session_id, id),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS phases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	round INTEGER NOT NULL DEFAULT 0,
	max_rounds INTEGER NOT NULL DEFAULT 0,
	at INTEGER NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_phases_session ON phases(session_id, id);
`

// SQLiteStore 基于 sqlite 的持久化存储
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开数据库文件，需要再调用 Migrate 建表
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate 建表，并为旧库补齐后加的列
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return s.addColumnIfMissing(ctx, "messages", "interrupted", "INTEGER NOT NULL DEFAULT 0")
}

func (s *SQLiteStore) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s columns: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	rules, err := json.Marshal(sess.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	result, err := encodeNullable(sess.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if err == nil {
		return ErrSessionExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(
			id, subject_code, subject_name, mode, status, rules, result, reason, resumed_from, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SubjectCode, sess.SubjectName, string(sess.Mode), string(sess.Status),
		string(rules), result, sess.Reason, sess.ResumedFrom, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	for _, msg := range sess.Messages {
		if err := putMessage(ctx, tx, sess.ID, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	result, err := encodeNullable(sess.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, result = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), result, sess.Reason, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject_code, subject_name, mode, status, rules, result, reason, resumed_from, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, round, is_streaming, follow_up, interrupted, plan, timestamp
		FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	phaseRows, err := s.db.QueryContext(ctx,
		`SELECT phase, round, max_rounds, at FROM phases WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer phaseRows.Close()
	for phaseRows.Next() {
		var rec models.PhaseRecord
		var phase string
		if err := phaseRows.Scan(&phase, &rec.Round, &rec.MaxRounds, &rec.At); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		rec.Phase = models.Phase(phase)
		sess.Phases = append(sess.Phases, rec)
	}
	if err := phaseRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phases: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, subjectCode string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_code, subject_name, mode, status, rules, result, reason, resumed_from, created_at, updated_at
		FROM sessions WHERE subject_code = ? ORDER BY updated_at DESC, created_at DESC`, subjectCode)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListInProgress(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_code, subject_name, mode, status, rules, result, reason, resumed_from, created_at, updated_at
		FROM sessions WHERE status = ? ORDER BY updated_at DESC`, string(models.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("list in-progress sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, role, content, round, is_streaming, follow_up, interrupted, plan, timestamp
		FROM messages WHERE session_id = ? AND id = ?`, sessionID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQLiteStore) PutMessage(ctx context.Context, sessionID string, msg models.Message) error {
	return putMessage(ctx, s.db, sessionID, msg)
}

func (s *SQLiteStore) AddPhase(ctx context.Context, sessionID string, rec models.PhaseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phases(session_id, phase, round, max_rounds, at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, string(rec.Phase), rec.Round, rec.MaxRounds, rec.At,
	)
	if err != nil {
		return fmt.Errorf("add phase: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func putMessage(ctx context.Context, db execer, sessionID string, msg models.Message) error {
	plan, err := encodeNullable(msg.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	// ON CONFLICT 更新保留原 seq，消息顺序不变
	_, err = db.ExecContext(ctx,
		`INSERT INTO messages(session_id, id, role, content, round, is_streaming, follow_up, interrupted, plan, timestamp)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			content = excluded.content,
			round = excluded.round,
			is_streaming = excluded.is_streaming,
			follow_up = excluded.follow_up,
			interrupted = excluded.interrupted,
			plan = excluded.plan,
			timestamp = excluded.timestamp`,
		sessionID, msg.ID, string(msg.Role), msg.Content, msg.Round,
		boolToInt(msg.IsStreaming), boolToInt(msg.FollowUp), boolToInt(msg.Interrupted), plan, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess                models.Session
		mode, status, rules string
		result              sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.SubjectCode, &sess.SubjectName, &mode, &status, &rules,
		&result, &sess.Reason, &sess.ResumedFrom, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Mode = models.Mode(mode)
	sess.Status = models.Status(status)
	if err := json.Unmarshal([]byte(rules), &sess.Rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if result.Valid {
		var r models.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		sess.Result = &r
	}
	return &sess, nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg                              models.Message
		role                             string
		streaming, followUp, interrupted int
		plan                             sql.NullString
	)
	err := row.Scan(&msg.ID, &role, &msg.Content, &msg.Round, &streaming, &followUp, &interrupted, &plan, &msg.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return msg, err
		}
		return msg, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	msg.IsStreaming = streaming != 0
	msg.FollowUp = followUp != 0
	msg.Interrupted = interrupted != 0
	if plan.Valid {
		var p models.SearchPlan
		if err := json.Unmarshal([]byte(plan.String), &p); err != nil {
			return msg, fmt.Errorf("decode plan: %w", err)
		}
		msg.Plan = &p
	}
	return msg, nil
}

func encodeNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
