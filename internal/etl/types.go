package etl

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/session"
)

// Rules describes how a file is anonymized. Fields without their own
// technique fall back to Technique with Parameters.
type Rules struct {
	Technique  string                    `yaml:"technique"`
	Parameters anonymize.Params          `yaml:"parameters"`
	Fields     []session.FieldDescriptor `yaml:"fields"`
}

// LoadRules reads a YAML rules file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &rules, nil
}

// Validate checks that every sensitive field resolves to a technique
func (r *Rules) Validate() error {
	sensitive := 0
	for i, f := range r.Fields {
		if f.FieldName == "" {
			return fmt.Errorf("field %d: fieldName is required", i)
		}
		if !f.IsSensitive {
			continue
		}
		sensitive++
		if f.Technique == "" && r.Technique == "" {
			return fmt.Errorf("field %s: no technique and no default technique", f.FieldName)
		}
	}
	if sensitive == 0 {
		return errors.New("no sensitive fields")
	}
	return nil
}

// Techniques returns every technique id the rules refer to
func (r *Rules) Techniques() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.Fields {
		if !f.IsSensitive {
			continue
		}
		id, _ := session.Plan(f, r.Technique, r.Parameters)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// ProcessingResult represents the result of processing a file
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Batches         int64         `json:"batches"`
	Duration        time.Duration `json:"duration"`
	TransformTime   time.Duration `json:"transform_time"`
	WriteTime       time.Duration `json:"write_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// RecordsPerSecond reports throughput over the whole run
func (r *ProcessingResult) RecordsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.ProcessedOK) / r.Duration.Seconds()
}

// Config contains pipeline configuration
type Config struct {
	BatchSize       int  `yaml:"batch_size" mapstructure:"batch_size"`             // 1000
	ProgressReport  int  `yaml:"progress_report" mapstructure:"progress_report"`   // 10000
	ContinueOnError bool `yaml:"continue_on_error" mapstructure:"continue_on_error"` // false
	Overwrite       bool `yaml:"overwrite" mapstructure:"overwrite"`               // false

	// Format and compression overrides; empty means detect from the path
	InputFormat       string `yaml:"input_format" mapstructure:"input_format"`
	OutputFormat      string `yaml:"output_format" mapstructure:"output_format"`
	OutputCompression string `yaml:"output_compression" mapstructure:"output_compression"`
}

// DefaultConfig returns the defaults used by the CLI
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      1000,
		ProgressReport: 10000,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsWritten int64     `json:"records_written"`
	RecordsFailed  int64     `json:"records_failed"`
	CurrentBatch   int64     `json:"current_batch"`
	InputBytes     int64     `json:"input_bytes"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}
