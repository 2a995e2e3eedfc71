package persistence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestRecord is the log entry for one gateway request
type RequestRecord struct {
	ID           uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Decision     string          `gorm:"type:varchar(64);not null;index" json:"decision"`
	Initiator    string          `gorm:"type:varchar(16);not null" json:"initiator"`
	InboundModel string          `gorm:"type:varchar(255);not null;index" json:"inbound_model"`
	BackendModel string          `gorm:"type:varchar(255)" json:"backend_model"`
	IsStreaming  bool            `gorm:"default:false;index" json:"is_streaming"`
	Status       RequestStatus   `gorm:"type:varchar(50);not null;default:'pending';index" json:"status"`
	StopReason   string          `gorm:"type:varchar(32)" json:"stop_reason,omitempty"`
	RequestData  json.RawMessage `gorm:"type:jsonb;not null" json:"request_data"`
	ResponseData json.RawMessage `gorm:"type:jsonb" json:"response_data,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Metrics *RequestMetrics `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE" json:"metrics,omitempty"`
}

// RequestStatus represents the status of a request
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusFailed    RequestStatus = "failed"
)

// RequestMetrics stores token and latency figures for each request. Token
// counts are estimates whenever the backend did not report usage.
type RequestMetrics struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	RequestID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"request_id"`
	InputTokens  int       `gorm:"default:0" json:"input_tokens"`
	OutputTokens int       `gorm:"default:0" json:"output_tokens"`
	LatencyMs    int64     `gorm:"default:0" json:"latency_ms"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// BeforeCreate hook for RequestRecord
func (r *RequestRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if len(r.RequestData) == 0 {
		r.RequestData = json.RawMessage(`{}`)
	}
	return nil
}

// BeforeCreate hook for RequestMetrics
func (m *RequestMetrics) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// TableName returns the table name for RequestRecord
func (RequestRecord) TableName() string {
	return "requests"
}

// TableName returns the table name for RequestMetrics
func (RequestMetrics) TableName() string {
	return "request_metrics"
}

// PersistenceEvent represents events that can be processed asynchronously
type PersistenceEvent[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// EventType represents the type of persistence event
type EventType string

const (
	EventTypeCreateRequest EventType = "create_request"
	EventTypeUpdateRequest EventType = "update_request"
	EventTypeCreateMetrics EventType = "create_metrics"
)

// RequestEntry describes a request at the moment it is accepted
type RequestEntry struct {
	RequestID    uuid.UUID
	Decision     string
	Initiator    string
	InboundModel string
	BackendModel string
	IsStreaming  bool
	RequestData  []byte
}

// Outcome describes how a request finished
type Outcome struct {
	StopReason   string
	ResponseData []byte
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// CreateRequestEvent data for creating a new request record
type CreateRequestEvent struct {
	RequestID    uuid.UUID       `json:"request_id"`
	Decision     string          `json:"decision"`
	Initiator    string          `json:"initiator"`
	InboundModel string          `json:"inbound_model"`
	BackendModel string          `json:"backend_model"`
	IsStreaming  bool            `json:"is_streaming"`
	RequestData  json.RawMessage `json:"request_data"`
}

// UpdateRequestEvent data for updating request with response
type UpdateRequestEvent struct {
	RequestID    uuid.UUID       `json:"request_id"`
	ResponseData json.RawMessage `json:"response_data"`
	Status       RequestStatus   `json:"status"`
	StopReason   string          `json:"stop_reason"`
}

// CreateMetricsEvent data for creating request metrics
type CreateMetricsEvent struct {
	RequestID    uuid.UUID `json:"request_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
}
