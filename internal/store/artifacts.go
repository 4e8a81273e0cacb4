package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promptc/internal/artifact"
)

// Artifacts returns the artifact.Store view. Artifacts are append-only:
// re-putting an existing compiled_id is a no-op.
func (s *SQLiteStore) Artifacts() artifact.Store {
	return artifactView{s}
}

type artifactView struct{ s *SQLiteStore }

func (v artifactView) Put(ctx context.Context, a *artifact.CompiledArtifact) error {
	var existingSig string
	err := v.s.db.QueryRowContext(ctx,
		`SELECT signature_id FROM artifacts WHERE compiled_id = ?`, a.CompiledID).Scan(&existingSig)
	switch {
	case err == nil:
		if existingSig != a.SignatureID {
			return fmt.Errorf("artifact %s already stored for signature %s", a.CompiledID, existingSig)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to check artifact: %w", err)
	}

	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	_, err = v.s.db.ExecContext(ctx,
		`INSERT INTO artifacts (compiled_id, signature_id, doc) VALUES (?, ?, ?)
		 ON CONFLICT(compiled_id) DO NOTHING`,
		a.CompiledID, a.SignatureID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	return nil
}

func (v artifactView) Get(ctx context.Context, compiledID string) (*artifact.CompiledArtifact, error) {
	var doc string
	err := v.s.db.QueryRowContext(ctx,
		`SELECT doc FROM artifacts WHERE compiled_id = ?`, compiledID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", artifact.ErrNotFound, compiledID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	var a artifact.CompiledArtifact
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", compiledID, err)
	}
	return &a, nil
}

func (v artifactView) ListBySignature(ctx context.Context, signatureID string) ([]*artifact.CompiledArtifact, error) {
	rows, err := v.s.db.QueryContext(ctx,
		`SELECT doc FROM artifacts WHERE signature_id = ? ORDER BY compiled_id`, signatureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*artifact.CompiledArtifact
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a artifact.CompiledArtifact
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("failed to decode artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
