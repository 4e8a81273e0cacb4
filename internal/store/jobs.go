package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"promptc/internal/compile"
)

// Jobs returns the compile.JobCache view backing compile idempotency
// across restarts.
func (s *SQLiteStore) Jobs() compile.JobCache {
	return jobView{s}
}

type jobView struct{ s *SQLiteStore }

func (v jobView) Get(ctx context.Context, jobHash, datasetHash string) (string, bool, error) {
	var compiledID string
	err := v.s.db.QueryRowContext(ctx,
		`SELECT compiled_id FROM compile_jobs WHERE job_hash = ? AND dataset_hash = ?`,
		jobHash, datasetHash).Scan(&compiledID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load compile job: %w", err)
	}
	return compiledID, true, nil
}

func (v jobView) Put(ctx context.Context, jobHash, datasetHash, compiledID string) error {
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO compile_jobs (job_hash, dataset_hash, compiled_id) VALUES (?, ?, ?)
		 ON CONFLICT(job_hash, dataset_hash) DO NOTHING`,
		jobHash, datasetHash, compiledID)
	if err != nil {
		return fmt.Errorf("failed to store compile job: %w", err)
	}
	return nil
}
