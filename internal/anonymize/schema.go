package anonymize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// resolved holds parameter values after schema validation: every declared
// parameter is present, numbers are float64 and choices are canonical.
type resolved map[string]any

func (r resolved) String(name string) string {
	s, _ := r[name].(string)
	return s
}

func (r resolved) Float(name string) float64 {
	f, _ := r[name].(float64)
	return f
}

func (r resolved) Int(name string) int {
	return int(r.Float(name))
}

func (r resolved) Bool(name string) bool {
	b, _ := r[name].(bool)
	return b
}

// base carries the metadata and parameter checks shared by every technique
type base struct {
	meta  Metadata
	check func(r resolved) error
}

func (b *base) Describe() Metadata {
	return b.meta.clone()
}

func (b *base) ValidateParameters(params Params) bool {
	_, err := b.resolve(params)
	return err == nil
}

// resolve validates params against the declared schema, fills defaults and
// runs the technique specific check
func (b *base) resolve(params Params) (resolved, error) {
	out := make(resolved, len(b.meta.Parameters))
	for _, p := range b.meta.Parameters {
		raw, ok := params[p.Name]
		if !ok || raw == nil {
			if p.Default == nil {
				if p.Required {
					return nil, invalidParam(p.Name, "required parameter is missing")
				}
				continue
			}
			raw = p.Default
		}

		v, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}
		out[p.Name] = v
	}

	if b.check != nil {
		if err := b.check(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func coerce(p Parameter, raw any) (any, error) {
	switch p.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, invalidParam(p.Name, "expected string, got %T", raw)
		}
		return s, nil

	case KindBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, invalidParam(p.Name, "expected boolean, got %q", v)
			}
			return b, nil
		}
		return nil, invalidParam(p.Name, "expected boolean, got %T", raw)

	case KindNumber:
		f, ok := toFloat(raw)
		if !ok {
			return nil, invalidParam(p.Name, "expected number, got %v", raw)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalidParam(p.Name, "must be finite")
		}
		if p.Integer && f != math.Trunc(f) {
			return nil, invalidParam(p.Name, "must be an integer, got %v", f)
		}
		if p.Min != nil && f < *p.Min {
			return nil, invalidParam(p.Name, "must be >= %v, got %v", *p.Min, f)
		}
		if p.Max != nil && f > *p.Max {
			return nil, invalidParam(p.Name, "must be <= %v, got %v", *p.Max, f)
		}
		return f, nil

	case KindChoice:
		s, ok := raw.(string)
		if !ok {
			return nil, invalidParam(p.Name, "expected one of %s, got %T", strings.Join(p.Choices, "|"), raw)
		}
		for _, c := range p.Choices {
			if strings.EqualFold(c, s) {
				return c, nil
			}
		}
		return nil, invalidParam(p.Name, "unrecognized choice %q (allowed: %s)", s, strings.Join(p.Choices, "|"))
	}
	return nil, invalidParam(p.Name, "unsupported parameter kind %q", p.Kind)
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func intParam(name string, def, min, max float64, desc string) Parameter {
	return Parameter{
		Name:        name,
		Kind:        KindNumber,
		Default:     def,
		Min:         floatPtr(min),
		Max:         floatPtr(max),
		Integer:     true,
		Description: desc,
	}
}

func choiceParam(name, def string, choices []string, desc string) Parameter {
	return Parameter{
		Name:        name,
		Kind:        KindChoice,
		Default:     def,
		Choices:     choices,
		Description: desc,
	}
}

func boolParam(name string, def bool, desc string) Parameter {
	return Parameter{Name: name, Kind: KindBoolean, Default: def, Description: desc}
}

func stringParam(name, def string, desc string) Parameter {
	return Parameter{Name: name, Kind: KindString, Default: def, Description: desc}
}
