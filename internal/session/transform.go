package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/raaihank/anonymizer/internal/anonymize"
)

// Transformer anonymizes the sensitive fields of a batch. Each sensitive
// field is sent to its technique as one column, so a batch costs one
// technique call per field.
type Transformer struct {
	anonymizer Anonymizer
}

// NewTransformer creates a transformer over a technique registry
func NewTransformer(a Anonymizer) *Transformer {
	return &Transformer{anonymizer: a}
}

// Plan returns the technique and parameters used for one field. A field
// with its own technique uses only its own parameters; otherwise the field
// parameters are layered over the session parameters.
func Plan(field FieldDescriptor, defaultTechnique string, sessionParams anonymize.Params) (string, anonymize.Params) {
	if field.Technique != "" {
		return field.Technique, field.Parameters
	}
	return defaultTechnique, sessionParams.Merge(field.Parameters)
}

// Transform returns anonymized copies of records. The first failing field
// aborts the batch.
func (t *Transformer) Transform(records []Record, schema []FieldDescriptor, defaultTechnique string, params anonymize.Params) ([]Record, error) {
	out := lo.Map(records, func(r Record, _ int) Record {
		c := make(Record, len(r))
		for k, v := range r {
			c[k] = v
		}
		return c
	})

	sensitive := lo.Filter(schema, func(f FieldDescriptor, _ int) bool { return f.IsSensitive })
	for _, field := range sensitive {
		techniqueID, fieldParams := Plan(field, defaultTechnique, params)

		var (
			rows   []int
			values []string
		)
		for i, r := range out {
			s, ok := Stringify(r[field.FieldName])
			if !ok {
				continue
			}
			rows = append(rows, i)
			values = append(values, s)
		}
		if len(values) == 0 {
			continue
		}

		res := t.anonymizer.Apply(techniqueID, values, fieldParams)
		if !res.Success {
			return nil, fmt.Errorf("field %s: %w", field.FieldName, res.Err())
		}
		for j, row := range rows {
			out[row][field.FieldName] = res.AnonymizedValues[j]
		}
	}
	return out, nil
}

// Stringify renders a scalar record value for a technique. Missing and nil
// values are skipped.
func Stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case time.Time:
		return x.Format("2006-01-02"), true
	case fmt.Stringer:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	default:
		return fmt.Sprint(x), true
	}
}
