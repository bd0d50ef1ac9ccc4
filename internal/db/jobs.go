package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jonathan/mats/internal/types"
)

// ErrJobNotFound is returned when no archived job has the requested ID.
var ErrJobNotFound = errors.New("archived job not found")

// DefaultListLimit caps ListJobs when the caller passes no limit.
const DefaultListLimit = 100

// jobRow mirrors one analysis_jobs row.
type jobRow struct {
	JobID      string
	Status     string
	Progress   int
	ToolOrder  []string
	Results    []byte
	Error      *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func rowFromJob(job *types.Job) (*jobRow, error) {
	results, err := json.Marshal(job.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results: %w", err)
	}
	row := &jobRow{
		JobID:      job.ID,
		Status:     string(job.Status),
		Progress:   job.Progress,
		ToolOrder:  job.ToolOrder,
		Results:    results,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if row.ToolOrder == nil {
		row.ToolOrder = []string{}
	}
	if job.Error != "" {
		row.Error = &job.Error
	}
	return row, nil
}

func (r *jobRow) toJob() (*types.Job, error) {
	job := &types.Job{
		ID:         r.JobID,
		Status:     types.JobStatus(r.Status),
		Progress:   r.Progress,
		ToolOrder:  r.ToolOrder,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Error != nil {
		job.Error = *r.Error
	}
	if len(r.Results) > 0 {
		if err := json.Unmarshal(r.Results, &job.Results); err != nil {
			return nil, fmt.Errorf("failed to decode results of job %s: %w", r.JobID, err)
		}
	}
	return job, nil
}

// SaveJob inserts or replaces the archived copy of a job.
func (db *DB) SaveJob(ctx context.Context, job *types.Job) error {
	row, err := rowFromJob(job)
	if err != nil {
		return err
	}

	return db.traced(ctx, "db.save_job", []attribute.KeyValue{attribute.String("job.id", job.ID)}, func(ctx context.Context) error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO analysis_jobs (job_id, status, progress, tool_order, results, error, created_at, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (job_id) DO UPDATE SET
			   status = $2, progress = $3, tool_order = $4, results = $5, error = $6,
			   started_at = $8, finished_at = $9, archived_at = NOW()`,
			row.JobID, row.Status, row.Progress, row.ToolOrder, row.Results, row.Error,
			row.CreatedAt, row.StartedAt, row.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.ID, err)
		}
		return nil
	})
}

// GetJob loads an archived job.
func (db *DB) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job *types.Job
	err := db.traced(ctx, "db.get_job", []attribute.KeyValue{attribute.String("job.id", id)}, func(ctx context.Context) error {
		var r jobRow
		err := db.pool.QueryRow(ctx,
			`SELECT job_id, status, progress, tool_order, results, error, created_at, started_at, finished_at
			 FROM analysis_jobs WHERE job_id = $1`,
			id,
		).Scan(&r.JobID, &r.Status, &r.Progress, &r.ToolOrder, &r.Results, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return fmt.Errorf("failed to get job %s: %w", id, err)
		}
		job, err = r.toJob()
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns summaries of the most recently created archived jobs.
func (db *DB) ListJobs(ctx context.Context, limit int) ([]types.JobSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var summaries []types.JobSummary
	err := db.traced(ctx, "db.list_jobs", []attribute.KeyValue{attribute.Int("limit", limit)}, func(ctx context.Context) error {
		rows, err := db.pool.Query(ctx,
			`SELECT job_id, status, progress, tool_order, results, error, created_at, started_at, finished_at
			 FROM analysis_jobs ORDER BY created_at DESC, job_id LIMIT $1`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r jobRow
			if err := rows.Scan(&r.JobID, &r.Status, &r.Progress, &r.ToolOrder, &r.Results, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
				return fmt.Errorf("failed to scan job: %w", err)
			}
			job, err := r.toJob()
			if err != nil {
				return err
			}
			summaries = append(summaries, job.Summary())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// DeleteJobsBefore removes archived jobs created before cutoff.
func (db *DB) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := db.traced(ctx, "db.delete_jobs", nil, func(ctx context.Context) error {
		tag, err := db.pool.Exec(ctx, `DELETE FROM analysis_jobs WHERE created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
