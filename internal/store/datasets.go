package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promptc/internal/budget"
	"promptc/internal/eval"
)

// ErrDatasetNotFound reports an unknown dataset id.
var ErrDatasetNotFound = errors.New("dataset not found")

// SaveDataset stores or replaces a dataset document.
func (s *SQLiteStore) SaveDataset(ctx context.Context, ds *eval.Dataset) error {
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, doc, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		ds.ID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to store dataset: %w", err)
	}
	return nil
}

// LoadDataset loads one dataset by id.
func (s *SQLiteStore) LoadDataset(ctx context.Context, id string) (*eval.Dataset, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM datasets WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	var ds eval.Dataset
	if err := json.Unmarshal([]byte(doc), &ds); err != nil {
		return nil, fmt.Errorf("failed to decode dataset %s: %w", id, err)
	}
	return &ds, nil
}

// ExportReceipt turns a successful receipt's input/output pair into a
// labeled example appended to the dataset. The operation is idempotent
// per receipt id: re-exporting the same receipt changes nothing.
func (s *SQLiteStore) ExportReceipt(ctx context.Context, datasetID string, r *budget.Receipt, split eval.Split, tags []string) (string, error) {
	if r.Outcome != budget.OutcomeSuccess {
		return "", fmt.Errorf("receipt %s has outcome %s, only successful runs are exportable", r.ID, r.Outcome)
	}
	if split == "" {
		split = eval.SplitTrain
	}
	var input, output map[string]any
	if err := json.Unmarshal([]byte(r.InputJSON), &input); err != nil {
		return "", fmt.Errorf("receipt %s carries no decodable input: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.OutputJSON), &output); err != nil {
		return "", fmt.Errorf("receipt %s carries no decodable output: %w", r.ID, err)
	}
	exampleID := "rcpt-" + r.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT example_id FROM receipt_exports WHERE receipt_id = ?`, r.ID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to check export: %w", err)
	}

	ds := &eval.Dataset{ID: datasetID}
	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM datasets WHERE id = ?`, datasetID).Scan(&doc)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(doc), ds); err != nil {
			return "", fmt.Errorf("failed to decode dataset %s: %w", datasetID, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// First export creates the dataset.
	default:
		return "", fmt.Errorf("failed to load dataset: %w", err)
	}

	if err := ds.Append(eval.Example{
		ID:       exampleID,
		Input:    input,
		Expected: output,
		Split:    split,
		Tags:     append([]string{"signature:" + r.SignatureID}, tags...),
	}); err != nil {
		return "", err
	}

	updated, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("failed to encode dataset: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO datasets (id, doc, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		datasetID, string(updated)); err != nil {
		return "", fmt.Errorf("failed to store dataset: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO receipt_exports (receipt_id, dataset_id, example_id) VALUES (?, ?, ?)`,
		r.ID, datasetID, exampleID); err != nil {
		return "", fmt.Errorf("failed to record export: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return exampleID, nil
}
