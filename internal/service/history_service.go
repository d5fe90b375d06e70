package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/adcraft/internal/models"
	"github.com/digkill/adcraft/internal/orchestrator"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type HistoryStore interface {
	Insert(ctx context.Context, rec models.HistoryRecord) error
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.HistoryRecord, error)
}

// BlobStore keeps binary artifacts and returns their public URL.
type BlobStore interface {
	Upload(ctx context.Context, accountID int64, data []byte, contentType string) (string, error)
}

// HistoryService is the Record Writer: it uploads binary artifacts and then
// inserts the history row.
type HistoryService struct {
	store HistoryStore
	blobs BlobStore
	log   *slog.Logger
}

var _ orchestrator.Recorder = (*HistoryService)(nil)

// NewHistoryService builds the writer. blobs may be nil when storage is disabled.
func NewHistoryService(store HistoryStore, blobs BlobStore, log *slog.Logger) *HistoryService {
	return &HistoryService{store: store, blobs: blobs, log: log}
}

func (s *HistoryService) Append(ctx context.Context, rec models.HistoryRecord, art *models.Artifact) error {
	if art != nil && len(art.Bytes) > 0 && art.URL == "" {
		if s.blobs == nil {
			s.log.Warn("blob storage disabled, recording without blob", "account_id", rec.AccountID, "action", rec.Action)
		} else {
			url, err := s.blobs.Upload(ctx, rec.AccountID, art.Bytes, art.MIME)
			if err != nil {
				return fmt.Errorf("store artifact blob: %w", err)
			}
			art.URL = url
			rec.BlobURL = url
		}
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return err
	}
	return nil
}

// List returns the account's most recent records, newest first.
func (s *HistoryService) List(ctx context.Context, accountID int64, limit int) ([]models.HistoryRecord, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}
