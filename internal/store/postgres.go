package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateShare reports a second share for the same (task, user)
	// pair. The unique constraint is the only duplicate check; callers do
	// not pre-check.
	ErrDuplicateShare = errors.New("share already exists for task and user")
	// ErrDuplicateEmail reports a sign-up against an already registered email.
	ErrDuplicateEmail = errors.New("email already registered")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

const userColumns = `id, name, email, password_hash, COALESCE(avatar_url, ''), created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, avatar_url)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.AvatarURL)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUsersByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	if len(userIDs) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list users by ids: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, len(userIDs))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// --- tasks ---

const taskColumns = `id, title, COALESCE(description, ''), status, priority, due_date, category, created_by, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.DueDate, &t.Category, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, due_date, category, created_by)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		RETURNING `+taskColumns,
		task.ID, task.Title, task.Description, task.Status, task.Priority, task.DueDate, task.Category, task.CreatedBy)
	created, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetTasksByIDs(ctx context.Context, taskIDs []string) ([]Task, error) {
	if len(taskIDs) == 0 {
		return []Task{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ANY($1) ORDER BY created_at DESC`,
		taskIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0, len(taskIDs))
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) CountTasks(ctx context.Context, q TaskQuery) (int, error) {
	where, args := q.Compile()
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, q TaskQuery, sort TaskSort, offset, limit int) ([]Task, error) {
	where, args := q.Compile()
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM tasks WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		taskColumns, where, sort.OrderBy(), len(args)-1, len(args),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	add := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if patch.Title != nil {
		add("title = $%d", *patch.Title)
	}
	if patch.Description != nil {
		add("description = NULLIF($%d, '')", *patch.Description)
	}
	if patch.Status != nil {
		add("status = $%d", *patch.Status)
	}
	if patch.Priority != nil {
		add("priority = $%d", *patch.Priority)
	}
	if patch.DueDate != nil {
		add("due_date = $%d", *patch.DueDate)
	}
	if patch.Category != nil {
		add("category = $%d", *patch.Category)
	}

	args = append(args, taskID)
	query := fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), taskColumns,
	)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, err
	}
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

// DeleteTask removes the task and all of its shares in one transaction.
// Reports whether a task row was actually removed.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_shares WHERE task_id = $1`, taskID); err != nil {
		return false, fmt.Errorf("delete task shares: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete task: %w", err)
	}
	return affected > 0, nil
}

// FilterTaskIDsByScope returns the subset of candidate ids the scope may read.
func (s *PostgresStore) FilterTaskIDsByScope(ctx context.Context, taskIDs []string, scope TaskScope) ([]string, error) {
	if len(taskIDs) == 0 {
		return []string{}, nil
	}
	where, args := TaskQuery{Scope: scope}.Compile()
	args = append(args, taskIDs)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM tasks WHERE %s AND id = ANY($%d)`, where, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("filter task ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, len(taskIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) TaskStats(ctx context.Context, scope TaskScope) (TaskStats, error) {
	where, args := TaskQuery{Scope: scope}.Compile()
	var stats TaskStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'in-progress')),
			COUNT(*) FILTER (WHERE due_date < NOW() AND status <> 'completed')
		FROM tasks WHERE `+where, args...,
	).Scan(&stats.Total, &stats.Completed, &stats.InProgress, &stats.Overdue)
	if err != nil {
		return TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

// --- task shares ---

const shareColumns = `id, task_id, user_id, permission, created_at`

func scanShare(row interface{ Scan(...any) error }) (TaskShare, error) {
	var sh TaskShare
	err := row.Scan(&sh.ID, &sh.TaskID, &sh.UserID, &sh.Permission, &sh.CreatedAt)
	return sh, err
}

func (s *PostgresStore) ListSharedTaskIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT task_id FROM task_shares WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list shared task ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan shared task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared task ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListSharesByTaskIDs(ctx context.Context, taskIDs []string) ([]TaskShare, error) {
	if len(taskIDs) == 0 {
		return []TaskShare{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shareColumns+` FROM task_shares WHERE task_id = ANY($1) ORDER BY created_at, id`,
		taskIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	shares := make([]TaskShare, 0)
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return shares, nil
}

func (s *PostgresStore) GetShare(ctx context.Context, taskID, userID string) (TaskShare, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM task_shares WHERE task_id = $1 AND user_id = $2`,
		taskID, userID,
	)
	return scanShare(row)
}

func (s *PostgresStore) InsertShare(ctx context.Context, share TaskShare) (TaskShare, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO task_shares (id, task_id, user_id, permission)
		VALUES ($1, $2, $3, $4)
		RETURNING `+shareColumns,
		share.ID, share.TaskID, share.UserID, share.Permission)
	created, err := scanShare(row)
	if isUniqueViolation(err) {
		return TaskShare{}, ErrDuplicateShare
	}
	if err != nil {
		return TaskShare{}, fmt.Errorf("insert share: %w", err)
	}
	return created, nil
}

// DeleteShare reports whether a share row was actually removed, not merely
// that the request succeeded.
func (s *PostgresStore) DeleteShare(ctx context.Context, taskID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM task_shares WHERE task_id = $1 AND user_id = $2`,
		taskID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("delete share: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete share affected: %w", err)
	}
	return affected > 0, nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email, u.password_hash, COALESCE(u.avatar_url, ''), u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	return scanUser(row)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
