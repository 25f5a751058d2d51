// Package pgstore implements queue.Store against PostgreSQL via pgx/sqlx.
//
// ClaimNext is a single UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP
// LOCKED) RETURNING * statement: the database itself enforces atomicity of
// "select the candidate, flip it to processing" without an
// application-level lock, giving an "atomic claim on SQL"
// guidance generalized to Postgres's row-locking primitives.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used by sqlx.Open
	"github.com/jmoiron/sqlx"

	"orchestrator/internal/queue"
	"orchestrator/internal/task"
)

// ext is satisfied by both *sqlx.DB and *sqlx.Tx, letting every query method
// below run identically whether or not it is inside a Transaction.
type ext interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// Store is a PostgreSQL-backed queue.Store. root is non-nil only on the
// top-level Store returned by Open/New; it is what Transaction begins a
// *sqlx.Tx from. db is the query surface in effect: root itself outside a
// transaction, or the open *sqlx.Tx inside one.
type Store struct {
	root *sqlx.DB
	db   ext
}

// Open connects to databaseURL using pgx's database/sql driver and wraps the
// handle in sqlx for struct-tag-driven scanning.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{root: db, db: db}, nil
}

// New wraps an already-open sqlx.DB, used by tests against a connection the
// caller manages.
func New(db *sqlx.DB) *Store {
	return &Store{root: db, db: db}
}

func (s *Store) Close() error { return s.root.Close() }

// row is the sqlx-scannable shape of a tasks row; metadata is stored as
// jsonb and marshaled through explicit Scan/Value on this intermediate type
// rather than on task.Task itself, keeping the domain model free of sql
// driver concerns.
type row struct {
	ID          uuid.UUID      `db:"id"`
	EpisodeID   uuid.UUID      `db:"episode_id"`
	Stage       string         `db:"stage"`
	Status      string         `db:"status"`
	Priority    int            `db:"priority"`
	RetryCount  int            `db:"retry_count"`
	MaxRetries  int            `db:"max_retries"`
	NextRetryAt sql.NullTime   `db:"next_retry_at"`
	ErrorType   sql.NullString `db:"error_type"`
	LastError   sql.NullString `db:"last_error"`
	Metadata    []byte         `db:"metadata"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r *row) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:         r.ID,
		EpisodeID:  r.EpisodeID,
		Stage:      task.Stage(r.Stage),
		Status:     task.Status(r.Status),
		Priority:   r.Priority,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.NextRetryAt.Valid {
		v := r.NextRetryAt.Time
		t.NextRetryAt = &v
	}
	if r.ErrorType.Valid {
		v := task.ErrorType(r.ErrorType.String)
		t.ErrorType = &v
	}
	if r.LastError.Valid {
		v := r.LastError.String
		t.LastError = &v
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal metadata: %w", err)
		}
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	return t, nil
}

func fromTask(t *task.Task) (*row, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("pgstore: marshal metadata: %w", err)
	}
	r := &row{
		ID:         t.ID,
		EpisodeID:  t.EpisodeID,
		Stage:      string(t.Stage),
		Status:     string(t.Status),
		Priority:   t.Priority,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		Metadata:   meta,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if t.NextRetryAt != nil {
		r.NextRetryAt = sql.NullTime{Time: *t.NextRetryAt, Valid: true}
	}
	if t.ErrorType != nil {
		r.ErrorType = sql.NullString{String: string(*t.ErrorType), Valid: true}
	}
	if t.LastError != nil {
		r.LastError = sql.NullString{String: *t.LastError, Valid: true}
	}
	if t.StartedAt != nil {
		r.StartedAt = sql.NullTime{Time: *t.StartedAt, Valid: true}
	}
	if t.CompletedAt != nil {
		r.CompletedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	return r, nil
}

func (s *Store) Insert(ctx context.Context, t *task.Task) error {
	r, err := fromTask(t)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO tasks (id, episode_id, stage, status, priority, retry_count,
			max_retries, next_retry_at, error_type, last_error, metadata,
			created_at, updated_at, started_at, completed_at)
		VALUES (:id, :episode_id, :stage, :status, :priority, :retry_count,
			:max_retries, :next_retry_at, :error_type, :last_error, :metadata,
			:created_at, :updated_at, :started_at, :completed_at)`
	_, err = s.db.NamedExecContext(ctx, q, r)
	if err != nil {
		if isUniqueViolation(err) {
			return queue.ErrDuplicate
		}
		return fmt.Errorf("pgstore: insert: %w", err)
	}
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	const q = `
		UPDATE tasks SET status = 'processing', updated_at = $1,
			started_at = COALESCE(started_at, $1)
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			   OR (status = 'retry_scheduled' AND next_retry_at <= $1)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, episode_id, stage, status, priority, retry_count,
			max_retries, next_retry_at, error_type, last_error, metadata,
			created_at, updated_at, started_at, completed_at`
	var r row
	if err := s.db.GetContext(ctx, &r, q, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: claim_next: %w", err)
	}
	return r.toTask()
}

func (s *Store) Update(ctx context.Context, t *task.Task, expectedUpdatedAt time.Time) error {
	r, err := fromTask(t)
	if err != nil {
		return err
	}
	const q = `
		UPDATE tasks SET episode_id=:episode_id, stage=:stage, status=:status,
			priority=:priority, retry_count=:retry_count, max_retries=:max_retries,
			next_retry_at=:next_retry_at, error_type=:error_type, last_error=:last_error,
			metadata=:metadata, created_at=:created_at, updated_at=:updated_at,
			started_at=:started_at, completed_at=:completed_at
		WHERE id=:id AND updated_at=:expected_updated_at`
	named := map[string]any{
		"episode_id": r.EpisodeID, "stage": r.Stage, "status": r.Status,
		"priority": r.Priority, "retry_count": r.RetryCount, "max_retries": r.MaxRetries,
		"next_retry_at": r.NextRetryAt, "error_type": r.ErrorType, "last_error": r.LastError,
		"metadata": r.Metadata, "created_at": r.CreatedAt, "updated_at": r.UpdatedAt,
		"started_at": r.StartedAt, "completed_at": r.CompletedAt,
		"id": r.ID, "expected_updated_at": expectedUpdatedAt,
	}
	res, err := s.db.NamedExecContext(ctx, q, named)
	if err != nil {
		return fmt.Errorf("pgstore: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: update rows affected: %w", err)
	}
	if n == 0 {
		exists, eerr := s.exists(ctx, t.ID)
		if eerr != nil {
			return eerr
		}
		if !exists {
			return queue.ErrNotFound
		}
		return queue.ErrStaleUpdate
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM tasks WHERE id=$1`, id); err != nil {
		return false, fmt.Errorf("pgstore: exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM tasks WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: by_id: %w", err)
	}
	return r.toTask()
}

func (s *Store) ByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*task.Task, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE episode_id=$1 ORDER BY created_at ASC`, episodeID); err != nil {
		return nil, fmt.Errorf("pgstore: by_episode: %w", err)
	}
	return toTasks(rows)
}

func (s *Store) ByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	var rows []row
	const q = `SELECT * FROM tasks WHERE status=$1 ORDER BY priority DESC, created_at ASC, id ASC`
	if err := s.db.SelectContext(ctx, &rows, q, string(status)); err != nil {
		return nil, fmt.Errorf("pgstore: by_status: %w", err)
	}
	return toTasks(rows)
}

func toTasks(rows []row) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CountsByStatus(ctx context.Context) (queue.StatusCounts, error) {
	type countRow struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var rows []countRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, count(*) AS n FROM tasks GROUP BY status`); err != nil {
		return nil, fmt.Errorf("pgstore: counts_by_status: %w", err)
	}
	counts := make(queue.StatusCounts, len(rows))
	for _, r := range rows {
		counts[task.Status(r.Status)] = r.N
	}
	return counts, nil
}

func (s *Store) SetEpisodeFailure(ctx context.Context, episodeID uuid.UUID, f task.EpisodeFailure) error {
	const q = `
		INSERT INTO episode_failures (episode_id, failed_at_stage, failure_reason, failure_type, failed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (episode_id) DO UPDATE SET
			failed_at_stage = EXCLUDED.failed_at_stage,
			failure_reason = EXCLUDED.failure_reason,
			failure_type = EXCLUDED.failure_type,
			failed_at = EXCLUDED.failed_at`
	var stage, reason, ftype string
	var at time.Time
	if f.FailedAtStage != nil {
		stage = string(*f.FailedAtStage)
	}
	if f.FailureReason != nil {
		reason = *f.FailureReason
	}
	if f.FailureType != nil {
		ftype = string(*f.FailureType)
	}
	if f.FailedAt != nil {
		at = *f.FailedAt
	}
	_, err := s.db.ExecContext(ctx, q, episodeID, stage, reason, ftype, at)
	if err != nil {
		return fmt.Errorf("pgstore: set_episode_failure: %w", err)
	}
	return nil
}

func (s *Store) ClearEpisodeFailure(ctx context.Context, episodeID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM episode_failures WHERE episode_id=$1`, episodeID)
	if err != nil {
		return fmt.Errorf("pgstore: clear_episode_failure: %w", err)
	}
	return nil
}

func (s *Store) EpisodeFailure(ctx context.Context, episodeID uuid.UUID) (task.EpisodeFailure, error) {
	type failRow struct {
		FailedAtStage string    `db:"failed_at_stage"`
		FailureReason string    `db:"failure_reason"`
		FailureType   string    `db:"failure_type"`
		FailedAt      time.Time `db:"failed_at"`
	}
	var r failRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM episode_failures WHERE episode_id=$1`, episodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return task.EpisodeFailure{}, nil
	}
	if err != nil {
		return task.EpisodeFailure{}, fmt.Errorf("pgstore: episode_failure: %w", err)
	}
	stage := task.Stage(r.FailedAtStage)
	ftype := task.ErrorType(r.FailureType)
	at := r.FailedAt
	reason := r.FailureReason
	return task.EpisodeFailure{
		FailedAtStage: &stage,
		FailureReason: &reason,
		FailureType:   &ftype,
		FailedAt:      &at,
	}, nil
}

func (s *Store) ReclaimOrphans(ctx context.Context, now time.Time, staleness time.Duration) ([]uuid.UUID, error) {
	const q = `
		UPDATE tasks SET status='retry_scheduled', next_retry_at=$1, updated_at=$1
		WHERE status='processing' AND updated_at <= $2
		RETURNING id`
	cutoff := now.Add(-staleness)
	var ids []uuid.UUID
	if err := s.db.SelectContext(ctx, &ids, q, now, cutoff); err != nil {
		return nil, fmt.Errorf("pgstore: reclaim_orphans: %w", err)
	}
	return ids, nil
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx queue.Store) error) error {
	if s.root == nil {
		return errors.New("pgstore: transactions cannot nest")
	}
	sqlTx, err := s.root.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	txStore := &Store{db: sqlTx}
	if err := fn(ctx, txStore); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// pgx surfaces SQLSTATE 23505 (unique_violation) on the wrapped
	// *pgconn.PgError; stdlib.Driver preserves it through database/sql.
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
