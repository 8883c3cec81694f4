package resume

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS resumes (
	id TEXT PRIMARY KEY,
	career_summary TEXT NOT NULL,
	job_experience TEXT NOT NULL,
	skills TEXT NOT NULL,
	desired_position TEXT NOT NULL DEFAULT '',
	years_of_experience INTEGER NOT NULL DEFAULT 0,
	industry TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const selectColumns = `id, career_summary, job_experience, skills, desired_position,
	years_of_experience, industry, created_at, updated_at`

// SQLiteStore is a Store backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite resume store at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, req *CreateRequest) (*Resume, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	res := Resume{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	req.apply(&res)

	_, err := s.db.ExecContext(ctx, `INSERT INTO resumes (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.CareerSummary, res.JobExperience, res.Skills, res.DesiredPosition,
		res.YearsOfExperience, res.Industry, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert resume: %w", err)
	}
	return &res, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Resume, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM resumes WHERE id = ?`, id)

	var res Resume
	err := row.Scan(&res.ID, &res.CareerSummary, &res.JobExperience, &res.Skills, &res.DesiredPosition,
		&res.YearsOfExperience, &res.Industry, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select resume: %w", err)
	}
	return &res, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, req *CreateRequest) (*Resume, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req.apply(res)
	res.UpdatedAt = s.now()

	result, err := s.db.ExecContext(ctx, `UPDATE resumes SET career_summary = ?, job_experience = ?, skills = ?,
		desired_position = ?, years_of_experience = ?, industry = ?, updated_at = ? WHERE id = ?`,
		res.CareerSummary, res.JobExperience, res.Skills, res.DesiredPosition,
		res.YearsOfExperience, res.Industry, res.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update resume: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound{ID: id}
	}
	return res, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resumes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete resume: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete resume: %w", err)
	}
	if n == 0 {
		return ErrNotFound{ID: id}
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
