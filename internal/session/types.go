package session

import (
	"time"

	"github.com/raaihank/anonymizer/internal/anonymize"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// SourceType selects the connector behind an input source or output target
type SourceType string

const (
	SourceAPI      SourceType = "api"
	SourceDatabase SourceType = "database"
	SourceStream   SourceType = "stream"
	SourceFile     SourceType = "file"
)

// DefaultPollInterval is used when neither the source nor the manager
// settings name an interval
const DefaultPollInterval = 5 * time.Second

// FieldDescriptor declares one field of the input schema. Sensitive fields
// are anonymized with Technique, or the session default when empty.
type FieldDescriptor struct {
	FieldName   string           `json:"fieldName" yaml:"fieldName"`
	DataType    string           `json:"dataType" yaml:"dataType"`
	IsSensitive bool             `json:"isSensitive" yaml:"isSensitive"`
	Technique   string           `json:"anonymizationTechnique,omitempty" yaml:"anonymizationTechnique,omitempty"`
	Parameters  anonymize.Params `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Configuration locates the system behind a source or target. Options
// carries connector specific settings such as table, stream or format.
type Configuration struct {
	Endpoint         string            `json:"endpoint,omitempty"`
	ConnectionString string            `json:"connectionString,omitempty"`
	FilePath         string            `json:"filePath,omitempty"`
	PollInterval     int               `json:"pollInterval,omitempty"` // milliseconds
	BatchSize        int               `json:"batchSize,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
}

// Interval returns the configured poll interval, or def when unset
func (c Configuration) Interval(def time.Duration) time.Duration {
	if c.PollInterval > 0 {
		return time.Duration(c.PollInterval) * time.Millisecond
	}
	if def > 0 {
		return def
	}
	return DefaultPollInterval
}

// Option returns an option value or def
func (c Configuration) Option(name, def string) string {
	if v, ok := c.Options[name]; ok && v != "" {
		return v
	}
	return def
}

// InputSource describes where a session reads records from
type InputSource struct {
	Type          SourceType        `json:"type"`
	Configuration Configuration     `json:"configuration"`
	Schema        []FieldDescriptor `json:"schema"`
}

// OutputTarget describes where a session writes anonymized records
type OutputTarget struct {
	Type          SourceType    `json:"type"`
	Name          string        `json:"name"`
	Configuration Configuration `json:"configuration"`
}

// Record is one row: field name to scalar value
type Record map[string]any

// Session is a configured streaming anonymization job. Values returned by
// the Manager are snapshots.
type Session struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	TechniqueID      string           `json:"techniqueId"`
	InputSource      InputSource      `json:"inputSource"`
	OutputTarget     OutputTarget     `json:"outputTarget"`
	Status           Status           `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartTime        *time.Time       `json:"startTime,omitempty"`
	EndTime          *time.Time       `json:"endTime,omitempty"`
	RecordsProcessed int64            `json:"recordsProcessed"`
	RecordsPerSecond float64          `json:"recordsPerSecond"`
	ErrorCount       int64            `json:"errorCount"`
	LastError        string           `json:"lastError,omitempty"`
	CreatedBy        string           `json:"createdBy"`
	Parameters       anonymize.Params `json:"parameters,omitempty"`
	IsActive         bool             `json:"isActive"`
}

// Config is the input to Manager.Create
type Config struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	TechniqueID  string           `json:"techniqueId"`
	InputSource  InputSource      `json:"inputSource"`
	OutputTarget OutputTarget     `json:"outputTarget"`
	CreatedBy    string           `json:"createdBy"`
	Parameters   anonymize.Params `json:"parameters,omitempty"`
}

// EventType names a session event
type EventType string

const (
	EventStatus EventType = "session.status"
	EventBatch  EventType = "session.batch"
	EventError  EventType = "session.error"
)

// Event is published on lifecycle transitions and after every batch cycle
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// StatusChange is the payload of EventStatus
type StatusChange struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// BatchSummary is the payload of EventBatch. It never carries record values.
type BatchSummary struct {
	Records          int     `json:"records"`
	LatencyMs        float64 `json:"latencyMs"`
	RecordsProcessed int64   `json:"recordsProcessed"`
	RecordsPerSecond float64 `json:"recordsPerSecond"`
}

// ErrorSummary is the payload of EventError
type ErrorSummary struct {
	Error      string `json:"error"`
	ErrorCount int64  `json:"errorCount"`
}
