package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dubcastio/dubcast/internal/domain"
)

// jobDBO maps to the jobs table.
type jobDBO struct {
	ID             string
	SourceRef      string
	Config         string
	Status         string
	Stage          string
	OverallPercent int
	StageDetail    sql.NullString
	OutputFile     sql.NullString
	Error          sql.NullString
	CreatedAt      time.Time
	StartedAt      sql.NullTime
}

func (d *jobDBO) toDomain() (*domain.Job, error) {
	var cfg domain.Config
	if err := json.Unmarshal([]byte(d.Config), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	job := &domain.Job{
		ID:        d.ID,
		SourceRef: d.SourceRef,
		Config:    cfg,
		Status:    domain.Status(d.Status),
		CreatedAt: d.CreatedAt,
		Progress: domain.Progress{
			Stage:          domain.Stage(d.Stage),
			OverallPercent: d.OverallPercent,
		},
	}

	if d.StartedAt.Valid {
		job.Progress.StartedAt = d.StartedAt.Time
	}

	if d.StageDetail.Valid && d.StageDetail.String != "" {
		var detail domain.StageDetail
		if err := json.Unmarshal([]byte(d.StageDetail.String), &detail); err != nil {
			return nil, fmt.Errorf("decode stage detail: %w", err)
		}
		job.Progress.Detail = detail
	}

	if d.OutputFile.Valid {
		job.OutputFile = d.OutputFile.String
	}

	if d.Error.Valid && d.Error.String != "" {
		var jobErr domain.JobError
		if err := json.Unmarshal([]byte(d.Error.String), &jobErr); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &jobErr
	}

	return job, nil
}

func scanJobRow(row interface{ Scan(...interface{}) error }) (*domain.Job, error) {
	var d jobDBO
	if err := row.Scan(
		&d.ID, &d.SourceRef, &d.Config, &d.Status, &d.Stage, &d.OverallPercent,
		&d.StageDetail, &d.OutputFile, &d.Error, &d.CreatedAt, &d.StartedAt,
	); err != nil {
		return nil, err
	}
	return d.toDomain()
}

const jobColumns = `id, source_ref, config, status, stage, overall_percent, stage_detail, output_file, error, created_at, started_at`

// Create inserts a new job record. Returns domain.ErrDuplicate if the
// id already exists.
func (s *SQLiteStore) Create(ctx context.Context, job *domain.Job) error {
	cfgJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_ref, config, status, stage, overall_percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceRef, string(cfgJSON), string(job.Status), string(job.Progress.Stage),
		job.Progress.OverallPercent, createdAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.CreatedAt = createdAt
	return nil
}

// Get fetches a single job by id, fully hydrated including logs.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJobRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	logs, err := s.getLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Logs = logs

	return job, nil
}

// UpdateProgress overwrites the job's progress snapshot. overallPercent
// is expected by the caller (the orchestrator) to already be
// monotonically non-decreasing; the store does not re-derive that
// invariant since it only sees one stage's view at a time.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress domain.Progress) error {
	detailJSON, err := json.Marshal(progress.Detail)
	if err != nil {
		return fmt.Errorf("encode stage detail: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET stage = ?, overall_percent = ?, stage_detail = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ?`,
		string(progress.Stage), progress.OverallPercent, string(detailJSON), progress.StartedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRowAffected(res, id)
}

// UpdateStatus validates the transition against domain.CanTransition
// before writing. Invalid transitions return domain.ErrInvalidTransition.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.Status, jobErr *domain.JobError) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("read current status: %w", err)
	}

	if !domain.CanTransition(domain.Status(current), status) {
		return domain.ErrInvalidTransition
	}

	var errJSON sql.NullString
	if jobErr != nil {
		b, err := json.Marshal(jobErr)
		if err != nil {
			return fmt.Errorf("encode job error: %w", err)
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, error = ? WHERE id = ?`,
		string(status), errJSON, id); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	return tx.Commit()
}

// SetOutputFile records the final output path on Finalize.
func (s *SQLiteStore) SetOutputFile(ctx context.Context, id string, outputFile string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET output_file = ? WHERE id = ?`, outputFile, id)
	if err != nil {
		return fmt.Errorf("set output file: %w", err)
	}
	return requireRowAffected(res, id)
}

// AppendLog inserts one append-only log line for a job.
func (s *SQLiteStore) AppendLog(ctx context.Context, id string, entry domain.LogEntry) error {
	var metaJSON sql.NullString
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode log metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, timestamp, stage, level, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, ts, string(entry.Stage), string(entry.Level), entry.Message, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getLogs(ctx context.Context, id string) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, stage, level, message, metadata FROM job_logs
		WHERE job_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var stage, level string
		var metaJSON sql.NullString

		if err := rows.Scan(&entry.Timestamp, &stage, &level, &entry.Message, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Stage = domain.Stage(stage)
		entry.Level = domain.LogLevel(level)

		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata: %w", err)
			}
		}

		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// List returns jobs ordered by created_at desc, paginated by
// limit/offset, optionally filtered by status.
func (s *SQLiteStore) List(ctx context.Context, filter Filter, limit, offset int) ([]*domain.Job, bool, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	// Fetch one extra row to know if there's more without a second count query.
	args = append(args, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(jobs) > limit {
		jobs = jobs[:limit]
		hasMore = true
	}

	return jobs, hasMore, nil
}

// Delete removes a job and its logs (cascades via the foreign key).
// Only allowed in terminal states.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("read status for delete: %w", err)
	}

	if !domain.Status(status).IsTerminal() {
		return domain.ErrInvalidState
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as a generic
	// *sqlite.Error whose message contains "UNIQUE constraint failed";
	// matching on the message avoids a direct dependency on the
	// driver's internal error type.
	return err != nil && containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(msg string) bool {
	for i := 0; i+len("UNIQUE constraint") <= len(msg); i++ {
		if msg[i:i+len("UNIQUE constraint")] == "UNIQUE constraint" {
			return true
		}
	}
	return false
}
