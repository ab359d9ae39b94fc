package repository

import (
	"context"
	"database/sql"

	"labelroom/pkg/logger"
	"labelroom/store"
)

// Schema for the archive table. EnsureSchema applies it at startup.
const archiveSchema = `CREATE TABLE IF NOT EXISTS session_archive (
	session_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type ArchiveRepository struct {
	DB *sql.DB
}

func NewArchiveRepository(db *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{DB: db}
}

func (r *ArchiveRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, archiveSchema)
	if err != nil {
		logger.Sugar.Errorf("Failed to create archive schema: %v", err)
	}
	return err
}

// Save upserts the final snapshot of a session.
func (r *ArchiveRepository) Save(ctx context.Context, rec store.Record) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO session_archive (session_id, project_id, dataset_id, created_at, snapshot, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		rec.SessionID, rec.ProjectID, rec.DatasetID, rec.CreatedAt, rec.Snapshot)
	if err != nil {
		logger.Sugar.Errorf("Failed to archive session %s: %v", rec.SessionID, err)
	}
	return err
}

// ListByDataset returns archived sessions for a dataset, newest first,
// without their snapshot bodies.
func (r *ArchiveRepository) ListByDataset(ctx context.Context, datasetID string) ([]store.Record, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT session_id, project_id, dataset_id, created_at, updated_at
		 FROM session_archive WHERE dataset_id = $1 ORDER BY updated_at DESC`, datasetID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list archive for dataset %s: %v", datasetID, err)
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(&rec.SessionID, &rec.ProjectID, &rec.DatasetID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			logger.Sugar.Errorf("Failed to scan archive row: %v", err)
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
