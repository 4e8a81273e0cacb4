package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promptc/internal/registry"
)

// Pointers returns the registry.Store view. Compare-and-swap runs in a
// transaction guarded by a per-signature lock, so a version mismatch is
// the only way a writer loses.
func (s *SQLiteStore) Pointers() registry.Store {
	return pointerView{s}
}

type pointerView struct{ s *SQLiteStore }

func (v pointerView) Get(ctx context.Context, signatureID string) (*registry.Pointer, error) {
	var doc string
	err := v.s.db.QueryRowContext(ctx,
		`SELECT doc FROM pointers WHERE signature_id = ?`, signatureID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNoPointer
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pointer: %w", err)
	}
	return decodePointer(doc)
}

func (v pointerView) CompareAndSwap(ctx context.Context, expectedVersion int64, p *registry.Pointer) error {
	lock := v.s.pointerLock(p.SignatureID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := v.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM pointers WHERE signature_id = ?`, p.SignatureID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read pointer version: %w", err)
	}
	if currentVersion != expectedVersion {
		return registry.ErrConflict
	}

	next := p.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode pointer: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pointers (signature_id, version, doc, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(signature_id) DO UPDATE SET version = excluded.version, doc = excluded.doc, updated_at = excluded.updated_at`,
		next.SignatureID, next.Version, string(doc), next.UpdatedAt); err != nil {
		return fmt.Errorf("failed to write pointer: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pointer_history (signature_id, version, doc) VALUES (?, ?, ?)`,
		next.SignatureID, next.Version, string(doc)); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return tx.Commit()
}

func (v pointerView) History(ctx context.Context, signatureID string, limit int) ([]*registry.Pointer, error) {
	q := `SELECT doc FROM pointer_history WHERE signature_id = ? ORDER BY id DESC`
	args := []any{signatureID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := v.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []*registry.Pointer
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := decodePointer(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodePointer(doc string) (*registry.Pointer, error) {
	var p registry.Pointer
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pointer: %w", err)
	}
	return &p, nil
}
