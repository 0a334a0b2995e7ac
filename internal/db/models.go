package db

import (
	"encoding/json"
	"time"
)

// QueueItem is one attempted delivery of a submission to an external list.
type QueueItem struct {
	ID            int64           `json:"id"`
	FormID        int64           `json:"form_id"`
	SubmissionID  *int64          `json:"submission_id,omitempty"`
	ListID        string          `json:"list_id" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	RemoteBatchID *string         `json:"remote_batch_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Queue status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusRetrying   = "retrying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminalStatus reports whether no automatic transition leaves the status.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidQueueStatus reports whether status is one of the queue statuses.
func ValidQueueStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// QueueStatistics is a point-in-time count of queue items by status.
type QueueStatistics struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retrying   int64 `json:"retrying"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Add counts n items with the given status.
func (s *QueueStatistics) Add(status string, n int64) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusRetrying:
		s.Retrying += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	default:
		return
	}
	s.Total += n
}

// LogEntry is an immutable record of one integration event.
type LogEntry struct {
	ID            int64           `json:"id"`
	FormID        int64           `json:"form_id"`
	SubmissionID  *int64          `json:"submission_id,omitempty"`
	IntegrationID string          `json:"integration_id" validate:"required"`
	Status        string          `json:"status" validate:"required,oneof=info success warning error"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Log level constants
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

// IntegrationSetting is one (integration_id, setting_key) value.
type IntegrationSetting struct {
	ID            int64     `json:"id"`
	IntegrationID string    `json:"integration_id"`
	Key           string    `json:"setting_key"`
	Value         string    `json:"setting_value"`
	Type          string    `json:"setting_type"`
	Encrypted     bool      `json:"is_encrypted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Setting type tags
const (
	SettingString   = "string"
	SettingInt      = "int"
	SettingBool     = "bool"
	SettingJSON     = "json"
	SettingDuration = "duration"
)

// FieldMapping maps a form field to a field on the integration side.
type FieldMapping struct {
	ID               int64     `json:"id"`
	FormID           int64     `json:"form_id"`
	IntegrationID    string    `json:"integration_id"`
	FormField        string    `json:"form_field"`
	IntegrationField string    `json:"integration_field"`
	FieldType        string    `json:"field_type"`
	Required         bool      `json:"is_required"`
	Order            int       `json:"mapping_order"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FormMeta is one (form_id, meta_key) value.
type FormMeta struct {
	ID        int64     `json:"id"`
	FormID    int64     `json:"form_id"`
	Key       string    `json:"meta_key"`
	Value     string    `json:"meta_value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnalyticsEvent records an audience-level event for reporting.
type AnalyticsEvent struct {
	ID         int64           `json:"id"`
	FormID     int64           `json:"form_id"`
	AudienceID string          `json:"audience_id"`
	EventType  string          `json:"event_type"`
	EventData  json.RawMessage `json:"event_data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Analytics event types
const (
	EventSubscribed = "subscribed"
	EventFailed     = "failed"
)
