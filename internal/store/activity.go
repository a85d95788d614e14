package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rezonia/peppol-connector/internal/model"
)

// LogActivity appends an audit entry
func (s *Store) LogActivity(ctx context.Context, entry *model.ActivityLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Status == "" {
		entry.Status = model.ActivityInfo
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("log activity %s: %w", entry.Action, err)
	}
	return nil
}

// ActivityQuery filters the activity log
type ActivityQuery struct {
	Provider   string
	Action     string
	DocumentID *uint
	Limit      int
}

// Activity returns log entries, newest first
func (s *Store) Activity(ctx context.Context, q ActivityQuery) ([]model.ActivityLogEntry, error) {
	db := s.db.WithContext(ctx).Model(&model.ActivityLogEntry{})
	if q.Provider != "" {
		db = db.Where("provider = ?", q.Provider)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.DocumentID != nil {
		db = db.Where("document_id = ?", *q.DocumentID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var entries []model.ActivityLogEntry
	if err := db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return entries, nil
}

// PurgeActivity deletes entries created before cutoff and returns how many were removed
func (s *Store) PurgeActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.ActivityLogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge activity: %w", res.Error)
	}
	return res.RowsAffected, nil
}
