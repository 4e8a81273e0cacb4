package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promptc/internal/contract"
	"promptc/internal/eval"
)

// Reports returns the eval.Cache view, keyed by the canonical JSON of
// the report key.
func (s *SQLiteStore) Reports() eval.Cache {
	return reportView{s}
}

type reportView struct{ s *SQLiteStore }

func reportCacheKey(key eval.Key) (string, error) {
	k, err := contract.CanonicalJSON(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode report key: %w", err)
	}
	return string(k), nil
}

func (v reportView) Get(ctx context.Context, key eval.Key) (*eval.Report, bool, error) {
	k, err := reportCacheKey(key)
	if err != nil {
		return nil, false, err
	}
	var doc string
	err = v.s.db.QueryRowContext(ctx,
		`SELECT doc FROM eval_reports WHERE cache_key = ?`, k).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load report: %w", err)
	}
	var report eval.Report
	if err := json.Unmarshal([]byte(doc), &report); err != nil {
		return nil, false, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, true, nil
}

func (v reportView) Put(ctx context.Context, report *eval.Report) error {
	k, err := reportCacheKey(report.Key)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = v.s.db.ExecContext(ctx,
		`INSERT INTO eval_reports (cache_key, doc) VALUES (?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET doc = excluded.doc`,
		k, string(doc))
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}
