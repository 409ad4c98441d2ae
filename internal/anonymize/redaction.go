package anonymize

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// DetectionRule is a single PII detection rule for free text
type DetectionRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Finding represents a detection result
type Finding struct {
	EntityType string `json:"entityType"`
	Masked     string `json:"masked"`
	Count      int    `json:"count"`
}

// DefaultRules returns the built-in detection rules, most specific first so
// that broader patterns do not consume parts of more specific matches.
func DefaultRules() []DetectionRule {
	return []DetectionRule{
		{Name: "email", Pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{Name: "openai_api_key", Pattern: regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`)},
		{Name: "aws_access_key", Pattern: regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
		{Name: "jwt_token", Pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
		{Name: "credit_card", Pattern: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)},
		{Name: "ssn", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{Name: "ipv4", Pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
		{Name: "phone", Pattern: regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)},
	}
}

// Redactor finds PII inside free text and replaces each match with a typed
// placeholder such as [MASKED_EMAIL]. Deterministic, irreversible.
type Redactor struct {
	base
	rules  []DetectionRule
	logger *zap.Logger
}

// NewRedactor creates the free text redaction technique
func NewRedactor(id string, logger *zap.Logger) *Redactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	rd := &Redactor{rules: DefaultRules(), logger: logger}
	rd.meta = Metadata{
		ID:          id,
		Name:        "PII Redaction",
		Category:    "masking",
		Description: "Detects emails, card numbers, SSNs, phone numbers, IPs and API keys in free text and replaces them.",
		Parameters: []Parameter{
			stringParam("detectors", "all", "Comma separated rule names, or all"),
			stringParam("format", "[MASKED_{{TYPE}}]", "Replacement template; {{TYPE}} is the upper-cased rule name"),
		},
		RiskLevel:     RiskMedium,
		Reversible:    false,
		Deterministic: true,
		Compliance:    []string{"GDPR", "CCPA", "PCI-DSS"},
	}
	rd.check = func(r resolved) error {
		_, err := rd.enabledRules(r.String("detectors"))
		return err
	}
	return rd
}

func (rd *Redactor) Anonymize(values []string, params Params) ([]string, error) {
	r, err := rd.resolve(params)
	if err != nil {
		return nil, err
	}
	rules, _ := rd.enabledRules(r.String("detectors"))
	format := r.String("format")

	out := make([]string, len(values))
	for i, v := range values {
		masked, findings := redact(v, rules, format)
		out[i] = masked
		if len(findings) > 0 {
			rd.logger.Debug("PII detected and masked",
				zap.String("technique", rd.meta.ID),
				zap.Int("finding_types", len(findings)),
			)
		}
	}
	return out, nil
}

// Scan redacts text with every rule and reports what was found
func (rd *Redactor) Scan(text string) (string, []Finding) {
	return redact(text, rd.rules, "[MASKED_{{TYPE}}]")
}

func (rd *Redactor) enabledRules(detectors string) ([]DetectionRule, error) {
	var enabled []DetectionRule
	for _, name := range strings.Split(detectors, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "all" {
			return rd.rules, nil
		}
		found := false
		for _, rule := range rd.rules {
			if rule.Name == name {
				enabled = append(enabled, rule)
				found = true
				break
			}
		}
		if !found {
			return nil, invalidParam("detectors", "unknown detector %q", name)
		}
	}
	if len(enabled) == 0 {
		return nil, invalidParam("detectors", "no detectors enabled")
	}
	return enabled, nil
}

func redact(text string, rules []DetectionRule, format string) (string, []Finding) {
	masked := text
	var findings []Finding
	for _, rule := range rules {
		matches := rule.Pattern.FindAllStringIndex(masked, -1)
		if len(matches) == 0 {
			continue
		}
		replacement := strings.ReplaceAll(format, "{{TYPE}}", strings.ToUpper(rule.Name))
		findings = append(findings, Finding{
			EntityType: rule.Name,
			Masked:     replacement,
			Count:      len(matches),
		})
		masked = rule.Pattern.ReplaceAllLiteralString(masked, replacement)
	}
	return masked, findings
}
