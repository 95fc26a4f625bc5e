package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/db"
	"github.com/kandev/codexbridge/internal/db/dialect"
)

type sqlRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*sqlRepository)(nil)

type topicRow struct {
	ChatID       int64         `db:"chat_id"`
	ThreadID     int64         `db:"thread_id"`
	ProjectDir   string        `db:"project_dir"`
	SessionID    string        `db:"session_id"`
	ContextLeft  sql.NullInt64 `db:"context_left"`
	Status       string        `db:"status"`
	ApprovalMode string        `db:"approval_mode"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (r topicRow) toTopic() *Topic {
	t := &Topic{
		Key:          types.TopicKey{ChatID: r.ChatID, ThreadID: r.ThreadID},
		ProjectDir:   r.ProjectDir,
		SessionID:    r.SessionID,
		Status:       types.RunStatus(r.Status),
		ApprovalMode: types.ApprovalMode(r.ApprovalMode),
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ContextLeft.Valid {
		pct := int(r.ContextLeft.Int64)
		t.ContextLeft = &pct
	}
	return t
}

// Provide creates the topic repository on the shared pool and ensures its schema.
func Provide(pool *db.Pool) (Repository, error) {
	return newSQLRepository(pool.Writer(), pool.Reader())
}

func newSQLRepository(writer, reader *sqlx.DB) (*sqlRepository, error) {
	repo := &sqlRepository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *sqlRepository) initSchema() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS topics (
		chat_id BIGINT NOT NULL,
		thread_id BIGINT NOT NULL,
		project_dir TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		context_left INTEGER,
		status TEXT NOT NULL DEFAULT 'idle',
		approval_mode TEXT NOT NULL DEFAULT '',
		updated_at %s NOT NULL,
		PRIMARY KEY (chat_id, thread_id)
	)`, dialect.AutoTimestamp(r.db.DriverName()))
	_, err := r.db.Exec(schema)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (r *sqlRepository) Close() error { return nil }

func (r *sqlRepository) Get(ctx context.Context, key types.TopicKey) (*Topic, error) {
	var row topicRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`
		SELECT chat_id, thread_id, project_dir, session_id, context_left, status, approval_mode, updated_at
		FROM topics WHERE chat_id = ? AND thread_id = ?`), key.ChatID, key.ThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %s: %w", key, err)
	}
	return row.toTopic(), nil
}

func (r *sqlRepository) List(ctx context.Context) ([]*Topic, error) {
	var rows []topicRow
	err := r.ro.SelectContext(ctx, &rows, `
		SELECT chat_id, thread_id, project_dir, session_id, context_left, status, approval_mode, updated_at
		FROM topics ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	topics := make([]*Topic, 0, len(rows))
	for _, row := range rows {
		topics = append(topics, row.toTopic())
	}
	return topics, nil
}

func (r *sqlRepository) BindProject(ctx context.Context, key types.TopicKey, dir string) error {
	return r.upsert(ctx, key, "project_dir", dir, `
		session_id = CASE WHEN topics.project_dir = excluded.project_dir THEN topics.session_id ELSE '' END,
		context_left = CASE WHEN topics.project_dir = excluded.project_dir THEN topics.context_left ELSE NULL END,
		project_dir = excluded.project_dir`)
}

func (r *sqlRepository) SetSessionID(ctx context.Context, key types.TopicKey, id string) error {
	if !types.IsPlausibleSessionID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return r.upsert(ctx, key, "session_id", id, "session_id = excluded.session_id")
}

func (r *sqlRepository) SetContextLeft(ctx context.Context, key types.TopicKey, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidContextLeft, pct)
	}
	return r.upsert(ctx, key, "context_left", pct, "context_left = excluded.context_left")
}

func (r *sqlRepository) SetStatus(ctx context.Context, key types.TopicKey, status types.RunStatus) error {
	return r.upsert(ctx, key, "status", string(status), "status = excluded.status")
}

func (r *sqlRepository) SetApprovalMode(ctx context.Context, key types.TopicKey, mode types.ApprovalMode) error {
	if mode != "" && !mode.Valid() {
		return fmt.Errorf("invalid approval mode %q", mode)
	}
	return r.upsert(ctx, key, "approval_mode", string(mode), "approval_mode = excluded.approval_mode")
}

// upsert writes one column, inserting the topic row when needed. column and
// set are trusted SQL fragments.
func (r *sqlRepository) upsert(ctx context.Context, key types.TopicKey, column string, value any, set string) error {
	query := fmt.Sprintf(`
		INSERT INTO topics (chat_id, thread_id, %s, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id, thread_id) DO UPDATE SET %s, updated_at = excluded.updated_at`, column, set)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), key.ChatID, key.ThreadID, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update %s for topic %s: %w", column, key, err)
	}
	return nil
}
