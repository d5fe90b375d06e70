package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/adcraft/internal/models"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Insert(ctx context.Context, rec models.HistoryRecord) error {
	const query = `
INSERT INTO generation_history (id, account_id, kind, action, prompt, content, blob_url, cost, job_id, created_at)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?)`
	if _, err := r.db.ExecContext(ctx, query, rec.ID, rec.AccountID, rec.Kind, rec.Action, rec.Prompt, rec.Content, rec.BlobURL, rec.Cost, rec.JobID, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// ListByAccount returns up to limit records, newest first.
func (r *HistoryRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.HistoryRecord, error) {
	const query = `
SELECT id, account_id, kind, action, prompt, COALESCE(content, ''), COALESCE(blob_url, ''), cost, COALESCE(job_id, ''), created_at
FROM generation_history WHERE account_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		var rec models.HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Kind, &rec.Action, &rec.Prompt, &rec.Content, &rec.BlobURL, &rec.Cost, &rec.JobID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
