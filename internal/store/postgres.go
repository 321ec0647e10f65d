package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// uniqueViolation is the postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// createOutputRetries bounds re-derivation of the sort ordinal when two
// inserts for the same task race.
const createOutputRetries = 3

// Postgres implements Store over a PostgreSQL database via sqlx.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("Connected to postgres",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection, used by tests.
func NewPostgresFromDB(db *sqlx.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) CreateTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, status, title, created_by, updated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.Type, task.Status, task.Title, task.CreatedBy, task.UpdatedBy, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	sets := []string{"updated_at = $1", "updated_by = $2"}
	args := []interface{}{time.Now().UTC(), patch.UpdatedBy}
	if patch.Title != nil {
		args = append(args, *patch.Title)
		sets = append(sets, fmt.Sprintf("title = $%d", len(args)))
	}
	if patch.Status != nil {
		args = append(args, *patch.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateOutput(ctx context.Context, output *Output) error {
	now := time.Now().UTC()
	output.CreatedAt = now
	output.UpdatedAt = now
	// Sort comes from the task's current maximum inside the same insert.
	// Under READ COMMITTED two racing inserts can still read the same
	// maximum; the unique index on (task_id, sort) rejects the loser and
	// the ordinal is re-derived.
	for attempt := 0; ; attempt++ {
		row := p.db.QueryRowContext(ctx,
			`INSERT INTO outputs (id, task_id, sort, metadata, content, status, updated_by, created_at, updated_at)
			 VALUES ($1, $2,
			         (SELECT COALESCE(MAX(sort), 0) + 1 FROM outputs WHERE task_id = $2),
			         $3, $4, $5, $6, $7, $8)
			 RETURNING sort`,
			output.ID, output.TaskID, output.Metadata, output.Content, output.Status,
			output.UpdatedBy, output.CreatedAt, output.UpdatedAt)
		err := row.Scan(&output.Sort)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && attempt < createOutputRetries {
			p.logger.Debug("Sort ordinal collision, retrying insert",
				zap.String("task_id", output.TaskID), zap.Int("attempt", attempt+1))
			continue
		}
		return fmt.Errorf("create output: %w", err)
	}
}

func (p *Postgres) GetOutput(ctx context.Context, id string) (*Output, error) {
	var out Output
	err := p.db.GetContext(ctx, &out,
		`SELECT id, task_id, sort, metadata, content, status, updated_by, created_at, updated_at
		 FROM outputs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return &out, nil
}

func (p *Postgres) ListOutputs(ctx context.Context, filter OutputFilter) ([]Output, error) {
	query := `SELECT id, task_id, sort, metadata, content, status, updated_by, created_at, updated_at
	          FROM outputs WHERE task_id = $1`
	args := []interface{}{filter.TaskID}
	for _, s := range filter.ExcludeStatuses {
		args = append(args, s)
		query += fmt.Sprintf(" AND status <> $%d", len(args))
	}
	query += " ORDER BY sort ASC"

	outputs := []Output{}
	if err := p.db.SelectContext(ctx, &outputs, query, args...); err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	return outputs, nil
}

func (p *Postgres) UpdateOutput(ctx context.Context, id string, cond Condition, patch OutputPatch) (bool, error) {
	sets := []string{"updated_at = $1", "updated_by = $2"}
	args := []interface{}{time.Now().UTC(), patch.UpdatedBy}
	if patch.Content != nil {
		args = append(args, *patch.Content)
		sets = append(sets, fmt.Sprintf("content = $%d", len(args)))
	}
	if patch.Status != nil {
		args = append(args, *patch.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE outputs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if cond.statusNot != "" {
		args = append(args, cond.statusNot)
		query += fmt.Sprintf(" AND status <> $%d", len(args))
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update output: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update output rows affected: %w", err)
	}
	return n > 0, nil
}

func (p *Postgres) ListFiles(ctx context.Context, ids []string) ([]File, error) {
	if len(ids) == 0 {
		return []File{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, name, storage_key, created_at FROM files WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	query = p.db.Rebind(query)

	files := []File{}
	if err := p.db.SelectContext(ctx, &files, query, args...); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

func (p *Postgres) ListAllFiles(ctx context.Context) ([]File, error) {
	files := []File{}
	err := p.db.SelectContext(ctx, &files,
		`SELECT id, name, storage_key, created_at FROM files ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all files: %w", err)
	}
	return files, nil
}
