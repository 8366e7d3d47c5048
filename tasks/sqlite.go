package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vinayprograms/replykit/errors"
)

const (
	defaultListLimit = 10
	maxListLimit     = 500
)

// SQLiteStore is the durable Store.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	newID  func() string
	closed atomic.Bool
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(gen func() string) SQLiteOption {
	return func(s *SQLiteStore) { s.newID = gen }
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; also keeps ":memory:" to a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		source_content_id TEXT NOT NULL,
		mention_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		source_text TEXT NOT NULL DEFAULT '',
		source_media TEXT,
		referenced_content TEXT,
		source_user TEXT,
		result_media TEXT,
		reply_text TEXT NOT NULL DEFAULT '',
		response_id TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_mention_id ON tasks(mention_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_source_content_id ON tasks(source_content_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) millis() int64 {
	return s.now().UTC().UnixMilli()
}

const taskColumns = `id, source_content_id, mention_id, status, created_at, updated_at,
	attempts, error_message, source_text, source_media, referenced_content, source_user,
	result_media, reply_text, response_id`

func (s *SQLiteStore) Create(ctx context.Context, sourceContentID, mentionID string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if strings.TrimSpace(mentionID) == "" || strings.TrimSpace(sourceContentID) == "" {
		return nil, errors.InvalidInput("source content id and mention id are required")
	}

	existing, err := s.GetByMentionID(ctx, mentionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.millis()
	// A concurrent insert of the same mention loses on the unique index and
	// falls through to the lookup below.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, source_content_id, mention_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mention_id) DO NOTHING`,
		s.newID(), sourceContentID, mentionID, StatusPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	task, err := s.GetByMentionID(ctx, mentionID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.New(errors.CodeCorruption, "task vanished after insert",
			errors.WithMetadata("mention_id", mentionID))
	}
	return task, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.queryOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByMentionID(ctx context.Context, mentionID string) (*Task, error) {
	return s.queryOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE mention_id = ?`, mentionID)
}

func (s *SQLiteStore) ListBySourceContent(ctx context.Context, sourceContentID string) ([]*Task, error) {
	return s.queryMany(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE source_content_id = ? ORDER BY created_at ASC`, sourceContentID)
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]*Task, error) {
	return s.queryMany(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`, StatusPending, clampLimit(limit))
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*Task, error) {
	return s.queryMany(ctx, `SELECT `+taskColumns+` FROM tasks
		ORDER BY updated_at DESC, id ASC LIMIT ?`, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage *string) (*Task, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	current, err := s.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}

	// Read-then-write: two callers failing the same task at once may both
	// write attempts+1 from the same base.
	attempts := current.Attempts
	if status == StatusFailed {
		attempts++
	}
	msg := current.ErrorMessage
	if errorMessage != nil {
		msg = *errorMessage
	}

	return s.update(ctx, id, `status = ?, attempts = ?, error_message = ?`, status, attempts, msg)
}

func (s *SQLiteStore) UpdateSource(ctx context.Context, id string, src Source) (*Task, error) {
	media, err := marshalJSON(src.Media)
	if err != nil {
		return nil, err
	}
	referenced, err := marshalJSON(src.Referenced)
	if err != nil {
		return nil, err
	}
	user, err := marshalJSON(src.User)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, id, `source_text = ?, source_media = ?, referenced_content = ?, source_user = ?`,
		src.Text, media, referenced, user)
}

func (s *SQLiteStore) UpdateResult(ctx context.Context, id, replyText string, media []string, responseID string) (*Task, error) {
	mediaJSON, err := marshalJSON(media)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, id, `reply_text = ?, result_media = ?, response_id = ?, status = ?`,
		replyText, mediaJSON, responseID, StatusCompleted)
}

// update applies set to row id and bumps updated_at, never moving it backwards.
func (s *SQLiteStore) update(ctx context.Context, id, set string, args ...any) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	args = append(args, s.millis(), id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+set+`, updated_at = MAX(updated_at, ?) WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                                    Task
		status                               string
		createdAt, updatedAt                 int64
		media, referenced, user, resultMedia sql.NullString
	)
	err := row.Scan(&t.ID, &t.SourceContentID, &t.MentionID, &status, &createdAt, &updatedAt,
		&t.Attempts, &t.ErrorMessage, &t.SourceText, &media, &referenced, &user,
		&resultMedia, &t.ReplyText, &t.ResponseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = Status(status)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if err := unmarshalJSON(media, &t.SourceMedia); err != nil {
		return nil, corrupt(t.ID, "source_media", err)
	}
	if err := unmarshalJSON(referenced, &t.ReferencedContent); err != nil {
		return nil, corrupt(t.ID, "referenced_content", err)
	}
	if err := unmarshalJSON(user, &t.SourceUser); err != nil {
		return nil, corrupt(t.ID, "source_user", err)
	}
	if err := unmarshalJSON(resultMedia, &t.ResultMedia); err != nil {
		return nil, corrupt(t.ID, "result_media", err)
	}
	return &t, nil
}

func corrupt(id, column string, err error) error {
	return errors.WrapWithCode(err, errors.CodeCorruption, "decode "+column,
		errors.WithTaskID(id), errors.WithMetadata("column", column))
}

// marshalJSON returns NULL for nil values so absent records stay absent.
func marshalJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

var _ Store = (*SQLiteStore)(nil)
