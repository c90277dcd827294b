package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	_ "modernc.org/sqlite"

	"github.com/chambrid/jobs-api/pkg/jobs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_definitions (
  tool TEXT NOT NULL,
  name TEXT NOT NULL,
  job_type TEXT NOT NULL,
  definition TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (tool, name)
);
`

// SQLiteStorage keeps job definitions in a local SQLite database.
type SQLiteStorage struct {
	db       *sql.DB
	resolver ImageResolver
	logger   logr.Logger
	now      func() time.Time
}

// OpenSQLite opens, creating when needed, the database at path.
func OpenSQLite(ctx context.Context, path string, resolver ImageResolver, logger logr.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// a single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStorage{db: db, resolver: resolver, logger: logger.WithName("storage"), now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) scan(ctx context.Context, rows *sql.Rows) ([]*jobs.Job, error) {
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, failed("load jobs", err, nil)
		}
		var def jobs.Definition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, jobs.NewParsingError("Unable to decode stored job", err, map[string]any{"definition": raw})
		}
		job, err := rebuild(ctx, s.resolver, def)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, failed("load jobs", err, nil)
	}
	return out, nil
}

// GetJobs implements Storage.
func (s *SQLiteStorage) GetJobs(ctx context.Context, tool string) ([]*jobs.Job, error) {
	s.logger.V(1).Info("getting jobs", "tool", tool)

	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM job_definitions WHERE tool = ? ORDER BY created_at, name`, tool)
	if err != nil {
		return nil, failed("load jobs", err, map[string]any{"tool": tool})
	}
	return s.scan(ctx, rows)
}

// GetJob implements Storage.
func (s *SQLiteStorage) GetJob(ctx context.Context, tool, name string) (*jobs.Job, error) {
	s.logger.V(1).Info("getting job", "tool", tool, "job", name)

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM job_definitions WHERE tool = ? AND name = ?`, tool, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(tool, name)
		}
		return nil, failed("load job "+name, err, map[string]any{"tool": tool})
	}

	var def jobs.Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, jobs.NewParsingError("Unable to decode stored job", err, map[string]any{"definition": raw})
	}
	return rebuild(ctx, s.resolver, def)
}

// CreateJob implements Storage.
func (s *SQLiteStorage) CreateJob(ctx context.Context, job *jobs.Job) error {
	s.logger.V(1).Info("saving job", "tool", job.Tool, "job", job.Name)

	raw, err := json.Marshal(job.Definition())
	if err != nil {
		return failed("create a job", err, nil)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_definitions (tool, name, job_type, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.Tool, job.Name, string(job.Type()), string(raw), s.now().UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return alreadyExists(job, err)
		}
		return failed("create a job", err, map[string]any{"definition": string(raw)})
	}
	return nil
}

// DeleteJob implements Storage.
func (s *SQLiteStorage) DeleteJob(ctx context.Context, job *jobs.Job) error {
	s.logger.V(1).Info("deleting job", "tool", job.Tool, "job", job.Name)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_definitions WHERE tool = ? AND name = ?`, job.Tool, job.Name)
	if err != nil {
		return failed("delete job "+job.Name, err, map[string]any{"name": job.Name})
	}
	n, err := res.RowsAffected()
	if err != nil {
		return failed("delete job "+job.Name, err, map[string]any{"name": job.Name})
	}
	if n == 0 {
		return notFound(job.Tool, job.Name)
	}
	return nil
}

// DeleteAllJobs implements Storage.
func (s *SQLiteStorage) DeleteAllJobs(ctx context.Context, tool string) ([]*jobs.Job, error) {
	all, err := s.GetJobs(ctx, tool)
	if err != nil {
		return nil, err
	}

	var (
		result  *multierror.Error
		deleted []*jobs.Job
	)
	for _, job := range all {
		if err := s.DeleteJob(ctx, job); err != nil && !jobs.IsNotFound(err) {
			result = multierror.Append(result, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		deleted = append(deleted, job)
	}
	if err := result.ErrorOrNil(); err != nil {
		return deleted, failed("delete all jobs", err, map[string]any{"tool": tool})
	}
	return deleted, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: PRIMARY KEY")
}
