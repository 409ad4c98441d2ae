package anonymize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mask types accepted by the masking technique
const (
	MaskPartial    = "partial"
	MaskFull       = "full"
	MaskEmail      = "email"
	MaskPhone      = "phone"
	MaskCreditCard = "credit-card"
)

// Masker hides part or all of a value behind a mask character while keeping
// its length and layout. Deterministic, irreversible, stateless.
type Masker struct {
	base
}

// NewMasker creates a masking technique whose maskType defaults to defaultType
func NewMasker(id, defaultType string) *Masker {
	m := &Masker{}
	m.meta = Metadata{
		ID:          id,
		Name:        "Masking (" + defaultType + ")",
		Category:    "masking",
		Description: "Replaces characters with a mask character, keeping length and separators.",
		Parameters: []Parameter{
			choiceParam("maskType", defaultType,
				[]string{MaskPartial, MaskFull, MaskEmail, MaskPhone, MaskCreditCard},
				"Masking strategy"),
			stringParam("maskChar", "*", "Single replacement character"),
			intParam("visibleStart", 2, 0, 64, "Leading characters left visible"),
			intParam("visibleEnd", 2, 0, 64, "Trailing characters left visible"),
			intParam("showLast", 4, 0, 32, "Trailing digits left visible for phone and credit-card"),
		},
		RiskLevel:     RiskMedium,
		Reversible:    false,
		Deterministic: true,
		Compliance:    []string{"GDPR", "PCI-DSS", "HIPAA"},
	}
	m.check = func(r resolved) error {
		if utf8.RuneCountInString(r.String("maskChar")) != 1 {
			return invalidParam("maskChar", "must be exactly one character")
		}
		return nil
	}
	return m
}

func (m *Masker) Anonymize(values []string, params Params) ([]string, error) {
	r, err := m.resolve(params)
	if err != nil {
		return nil, err
	}

	mask, _ := utf8.DecodeRuneInString(r.String("maskChar"))
	start, end := r.Int("visibleStart"), r.Int("visibleEnd")
	showLast := r.Int("showLast")

	out := make([]string, len(values))
	for i, v := range values {
		switch r.String("maskType") {
		case MaskFull:
			out[i] = strings.Repeat(string(mask), utf8.RuneCountInString(v))
		case MaskEmail:
			out[i] = maskEmail(v, mask, start, end)
		case MaskPhone, MaskCreditCard:
			out[i] = maskDigits(v, mask, showLast)
		default:
			out[i] = maskPartial(v, mask, start, end)
		}
	}
	return out, nil
}

// maskPartial keeps start leading and end trailing runes. Values too short
// to keep anything hidden are masked entirely.
func maskPartial(v string, mask rune, start, end int) string {
	runes := []rune(v)
	n := len(runes)
	if n <= start+end {
		return strings.Repeat(string(mask), n)
	}
	for i := start; i < n-end; i++ {
		runes[i] = mask
	}
	return string(runes)
}

// maskEmail keeps the first start runes of the local part and the final
// domain label. Other domain labels are masked, dots are kept.
func maskEmail(v string, mask rune, start, end int) string {
	at := strings.LastIndex(v, "@")
	if at < 0 {
		return maskPartial(v, mask, start, end)
	}

	local := []rune(v[:at])
	for i := start; i < len(local); i++ {
		local[i] = mask
	}

	labels := strings.Split(v[at+1:], ".")
	last := len(labels) - 1
	for i, label := range labels {
		if i == last {
			continue
		}
		labels[i] = strings.Repeat(string(mask), utf8.RuneCountInString(label))
	}
	return string(local) + "@" + strings.Join(labels, ".")
}

// maskDigits masks every digit except the last showLast digits. Separators
// and other characters stay in place.
func maskDigits(v string, mask rune, showLast int) string {
	runes := []rune(v)
	digits := 0
	for _, r := range runes {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	seen := 0
	for i, r := range runes {
		if !unicode.IsDigit(r) {
			continue
		}
		seen++
		if seen <= digits-showLast {
			runes[i] = mask
		}
	}
	return string(runes)
}
