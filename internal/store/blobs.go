package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"promptc/internal/contract"
	"promptc/internal/kernel"
)

// Blobs returns the kernel.BlobStore view. Entries are content
// addressed and written once per unique payload.
func (s *SQLiteStore) Blobs() kernel.BlobStore {
	return blobView{s}
}

type blobView struct{ s *SQLiteStore }

func (v blobView) Put(ctx context.Context, data []byte, mime string) (kernel.BlobRef, error) {
	id := "b_" + contract.HashBytes(data)
	_, err := v.s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, mime, size, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, mime, int64(len(data)), data)
	if err != nil {
		return kernel.BlobRef{}, fmt.Errorf("failed to store blob: %w", err)
	}
	return kernel.BlobRef{ID: id, Size: int64(len(data)), MIME: mime}, nil
}

func (v blobView) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := v.s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", kernel.ErrBlobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return data, nil
}
