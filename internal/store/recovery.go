package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dubcastio/dubcast/internal/domain"
)

// ResetStuckJobs marks every job left in a non-terminal status as
// Failed with code CANCELLED. dubcast has no persistent work queue
// across restarts (spec.md §1 non-goals): an in-flight job found at
// boot means the process crashed mid-pipeline, so there is nothing to
// resume. This mirrors the teacher's
// QueueManager.initFromDatabase/ResetStuckQueueItems, which resets
// stuck items rather than silently resuming them.
func (s *SQLiteStore) ResetStuckJobs(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage FROM jobs
		WHERE status NOT IN (?, ?, ?)`,
		string(domain.StatusComplete), string(domain.StatusFailed), string(domain.StatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("query stuck jobs: %w", err)
	}

	type stuck struct {
		id    string
		stage string
	}
	var ids []stuck
	for rows.Next() {
		var st stuck
		if err := rows.Scan(&st.id, &st.stage); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stuck job: %w", err)
		}
		ids = append(ids, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, st := range ids {
		jobErr := &domain.JobError{
			Code:        domain.CodeCancelled,
			Message:     "process restarted mid-pipeline; in-flight jobs are not resumed",
			Stage:       domain.Stage(st.stage),
			Recoverable: false,
		}
		errJSON, err := json.Marshal(jobErr)
		if err != nil {
			return 0, fmt.Errorf("encode reset error: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, error = ? WHERE id = ?`,
			string(domain.StatusFailed), string(errJSON), st.id); err != nil {
			return 0, fmt.Errorf("reset stuck job %s: %w", st.id, err)
		}
	}

	return len(ids), nil
}
