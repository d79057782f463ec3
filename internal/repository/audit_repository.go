package repository

import (
	"context"
	"fmt"

	"github.com/otcheredev/dicom-gateway/internal/database"
	"github.com/otcheredev/dicom-gateway/internal/models"
)

// AuditRepository records task, store, listener and device events.
type AuditRepository struct{}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Create records one entry
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	if err := database.DB.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record %s audit entry: %w", entry.Action, err)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *AuditRepository) List(ctx context.Context, f models.AuditFilter) ([]models.AuditLog, error) {
	q := database.DB.WithContext(ctx).Model(&models.AuditLog{})
	if f.Device != "" {
		q = q.Where("device = ?", f.Device)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ResourceUID != "" {
		q = q.Where("resource_uid = ?", f.ResourceUID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	logs := []models.AuditLog{}
	if err := q.Order("created_at DESC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return logs, nil
}
