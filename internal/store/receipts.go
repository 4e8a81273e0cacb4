package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promptc/internal/budget"
)

// ErrReceiptNotFound reports an unknown receipt id.
var ErrReceiptNotFound = errors.New("receipt not found")

// Receipts returns the budget.Sink view. Receipts are immutable once
// recorded; a duplicate id is rejected.
func (s *SQLiteStore) Receipts() budget.Sink {
	return receiptView{s}
}

type receiptView struct{ s *SQLiteStore }

func (v receiptView) Record(ctx context.Context, r *budget.Receipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	_, err = v.s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, signature_id, outcome, doc, finished_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.SignatureID, string(r.Outcome), string(doc), r.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record receipt %s: %w", r.ID, err)
	}
	return nil
}

// GetReceipt loads one receipt by id.
func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*budget.Receipt, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM receipts WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	var r budget.Receipt
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("failed to decode receipt %s: %w", id, err)
	}
	return &r, nil
}

// ListReceipts returns the most recent receipts for a signature.
func (s *SQLiteStore) ListReceipts(ctx context.Context, signatureID string, limit int) ([]*budget.Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM receipts WHERE signature_id = ? ORDER BY finished_at DESC LIMIT ?`,
		signatureID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var out []*budget.Receipt
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r budget.Receipt
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
