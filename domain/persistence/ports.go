package persistence

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the generic repository interface using Go generics
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
}

// RequestRepository defines operations specific to request records
type RequestRepository interface {
	Repository[RequestRecord]

	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*RequestRecord, error)
	FindByStatus(ctx context.Context, status RequestStatus, limit int) ([]*RequestRecord, error)
	FindRecent(ctx context.Context, limit int) ([]*RequestRecord, error)
	CountByDecision(ctx context.Context) (map[string]int64, error)
}

// MetricsRepository defines operations for request metrics
type MetricsRepository interface {
	CreateOrUpdate(ctx context.Context, metrics *RequestMetrics) error
	GetAggregatedMetrics(ctx context.Context, limit int) (*AggregatedMetrics, error)
}

// EventProcessor defines the interface for processing persistence events asynchronously
type EventProcessor interface {
	// Start begins processing events from the channel
	Start(ctx context.Context) error

	// Stop drains queued events and shuts the workers down
	Stop() error

	// ProcessEvent enqueues an event without blocking
	ProcessEvent(event any) error

	// Health returns the health status of the processor
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
	DroppedCount   int64 `json:"dropped_count"`
}

// AggregatedMetrics represents aggregated usage across requests
type AggregatedMetrics struct {
	TotalRequests       int64            `json:"total_requests"`
	AverageInputTokens  float64          `json:"average_input_tokens"`
	AverageOutputTokens float64          `json:"average_output_tokens"`
	AverageLatencyMs    float64          `json:"average_latency_ms"`
	TotalInputTokens    int64            `json:"total_input_tokens"`
	TotalOutputTokens   int64            `json:"total_output_tokens"`
	RequestsByDecision  map[string]int64 `json:"requests_by_decision,omitempty"`
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	// Connect establishes database connection using the named driver
	Connect(ctx context.Context, driver, dsn string) error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Health checks database connectivity
	Health(ctx context.Context) error

	// GetRepositories returns initialized repositories
	GetRepositories() (RequestRepository, MetricsRepository)
}

// TransactionManager defines interface for database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// RequestTracker records the lifecycle of gateway requests. Calls never block
// on storage.
type RequestTracker interface {
	StartTracking(ctx context.Context, entry RequestEntry) error
	CompleteTracking(ctx context.Context, requestID uuid.UUID, outcome Outcome) error
	FailTracking(ctx context.Context, requestID uuid.UUID, errorMsg string, outcome Outcome) error
}
