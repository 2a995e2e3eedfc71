package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/lioneltay/claude-pilot/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MetricsRepository implements persistence.MetricsRepository
type MetricsRepository struct {
	db *gorm.DB
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *gorm.DB) persistence.MetricsRepository {
	return &MetricsRepository{db: db}
}

func (r *MetricsRepository) findByRequestID(db *gorm.DB, requestID uuid.UUID) (*persistence.RequestMetrics, error) {
	var record persistence.RequestMetrics
	if err := db.First(&record, "request_id = ?", requestID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateOrUpdate creates a new metrics record or updates existing one
func (r *MetricsRepository) CreateOrUpdate(ctx context.Context, metrics *persistence.RequestMetrics) error {
	db := dbFromContext(ctx, r.db)

	existing, err := r.findByRequestID(db, metrics.RequestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(metrics).Error; err != nil {
			return fmt.Errorf("failed to create metrics record: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check existing metrics: %w", err)
	}

	existing.InputTokens = metrics.InputTokens
	existing.OutputTokens = metrics.OutputTokens
	existing.LatencyMs = metrics.LatencyMs

	if err := db.Save(existing).Error; err != nil {
		return fmt.Errorf("failed to update existing metrics: %w", err)
	}

	// Copy back the ID for the caller
	metrics.ID = existing.ID
	return nil
}

// GetAggregatedMetrics returns token and latency aggregates over the most
// recent limit requests, or over all requests when limit is zero
func (r *MetricsRepository) GetAggregatedMetrics(ctx context.Context, limit int) (*persistence.AggregatedMetrics, error) {
	db := dbFromContext(ctx, r.db)

	var result struct {
		TotalRequests       int64
		AverageInputTokens  float64
		AverageOutputTokens float64
		AverageLatencyMs    float64
		TotalInputTokens    int64
		TotalOutputTokens   int64
	}

	query := db.Model(&persistence.RequestMetrics{}).
		Select(`
			COUNT(*) as total_requests,
			COALESCE(AVG(input_tokens), 0) as average_input_tokens,
			COALESCE(AVG(output_tokens), 0) as average_output_tokens,
			COALESCE(AVG(latency_ms), 0) as average_latency_ms,
			COALESCE(SUM(input_tokens), 0) as total_input_tokens,
			COALESCE(SUM(output_tokens), 0) as total_output_tokens
		`)

	if limit > 0 {
		subQuery := db.Model(&persistence.RequestMetrics{}).
			Select("request_id").
			Order("created_at DESC").
			Limit(limit)
		query = query.Where("request_id IN (?)", subQuery)
	}

	if err := query.Scan(&result).Error; err != nil {
		return nil, fmt.Errorf("failed to get aggregated metrics: %w", err)
	}

	return &persistence.AggregatedMetrics{
		TotalRequests:       result.TotalRequests,
		AverageInputTokens:  result.AverageInputTokens,
		AverageOutputTokens: result.AverageOutputTokens,
		AverageLatencyMs:    result.AverageLatencyMs,
		TotalInputTokens:    result.TotalInputTokens,
		TotalOutputTokens:   result.TotalOutputTokens,
	}, nil
}
