package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/lioneltay/claude-pilot/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestRepository implements persistence.RequestRepository
type RequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(db *gorm.DB) persistence.RequestRepository {
	return &RequestRepository{db: db}
}

// Create creates a new request record
func (r *RequestRepository) Create(ctx context.Context, entity *persistence.RequestRecord) error {
	db := dbFromContext(ctx, r.db)
	if err := db.Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create request record: %w", err)
	}
	return nil
}

// Update updates an existing request record
func (r *RequestRepository) Update(ctx context.Context, entity *persistence.RequestRecord) error {
	db := dbFromContext(ctx, r.db)
	if err := db.Omit("Metrics").Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update request record: %w", err)
	}
	return nil
}

// FindByID finds a request record by ID
func (r *RequestRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.RequestRecord, error) {
	db := dbFromContext(ctx, r.db)
	var record persistence.RequestRecord
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find request record: %w", err)
	}
	return &record, nil
}

// FindByIDWithRelations finds a request record with its metrics
func (r *RequestRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*persistence.RequestRecord, error) {
	db := dbFromContext(ctx, r.db)
	var record persistence.RequestRecord
	if err := db.Preload("Metrics").First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find request record with relations: %w", err)
	}
	return &record, nil
}

// FindByStatus finds request records by status
func (r *RequestRepository) FindByStatus(ctx context.Context, status persistence.RequestStatus, limit int) ([]*persistence.RequestRecord, error) {
	db := dbFromContext(ctx, r.db)
	var records []*persistence.RequestRecord
	query := db.Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find request records by status: %w", err)
	}
	return records, nil
}

// FindRecent finds recent request records
func (r *RequestRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.RequestRecord, error) {
	db := dbFromContext(ctx, r.db)
	var records []*persistence.RequestRecord
	query := db.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent request records: %w", err)
	}
	return records, nil
}

// CountByDecision returns how many requests each routing decision received
func (r *RequestRepository) CountByDecision(ctx context.Context) (map[string]int64, error) {
	db := dbFromContext(ctx, r.db)
	var rows []struct {
		Decision string
		Total    int64
	}
	if err := db.Model(&persistence.RequestRecord{}).
		Select("decision, COUNT(*) as total").
		Group("decision").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests by decision: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Decision] = row.Total
	}
	return counts, nil
}
