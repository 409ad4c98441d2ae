package anonymize

import (
	"time"
)

// ParamKind is the value type a technique parameter accepts
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
	KindChoice  ParamKind = "choice"
)

// RiskLevel is the re-identification risk left after a technique has run
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Parameter describes one named input of a technique
type Parameter struct {
	Name        string    `json:"name"`
	Kind        ParamKind `json:"kind"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Integer     bool      `json:"integer,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Metadata describes a registered technique. Values handed out by the
// registry are copies; callers cannot change a technique's metadata.
type Metadata struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Category      string      `json:"category"`
	Description   string      `json:"description"`
	Parameters    []Parameter `json:"parameters"`
	RiskLevel     RiskLevel   `json:"riskLevel"`
	Reversible    bool        `json:"reversible"`
	Deterministic bool        `json:"deterministic"`
	Compliance    []string    `json:"compliance"`
}

func (m Metadata) clone() Metadata {
	out := m
	out.Parameters = make([]Parameter, len(m.Parameters))
	for i, p := range m.Parameters {
		p.Choices = append([]string(nil), p.Choices...)
		out.Parameters[i] = p
	}
	out.Compliance = append([]string(nil), m.Compliance...)
	return out
}

// Params holds per-invocation parameter values keyed by parameter name.
// Unknown keys are ignored.
type Params map[string]any

// Merge returns a new Params with the entries of other layered over p.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Result is the outcome of one technique invocation
type Result struct {
	Success          bool          `json:"success"`
	OriginalValues   []string      `json:"originalValues"`
	AnonymizedValues []string      `json:"anonymizedValues"`
	TechniqueID      string        `json:"techniqueId"`
	Parameters       Params        `json:"parameters"`
	ProcessingTime   time.Duration `json:"-"`
	ProcessingTimeMs float64       `json:"processingTimeMs"`
	Timestamp        time.Time     `json:"timestamp"`
	Error            string        `json:"error,omitempty"`
	ErrorKind        ErrorKind     `json:"errorKind,omitempty"`
}

// Value returns the single anonymized value of a scalar invocation.
func (r Result) Value() string {
	if len(r.AnonymizedValues) == 0 {
		return ""
	}
	return r.AnonymizedValues[0]
}

// Err rebuilds the failure as an error wrapping the sentinel for its kind.
// It returns nil for successful results.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.ErrorKind, TechniqueID: r.TechniqueID, Message: r.Error}
}

// Technique is a parameterized transformation strategy. Anonymize must
// return exactly one output per input, in order.
type Technique interface {
	Describe() Metadata
	ValidateParameters(params Params) bool
	Anonymize(values []string, params Params) ([]string, error)
}

func floatPtr(v float64) *float64 { return &v }
