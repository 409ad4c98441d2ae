package anonymize

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Token formats accepted by the tokenization technique
const (
	FormatAlphanumeric = "alphanumeric"
	FormatNumeric      = "numeric"
	FormatUUID         = "uuid"
)

const (
	alphanumericChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	numericChars      = "0123456789"
)

// Tokenizer swaps values for random tokens. In consistent mode a value keeps
// its first token for each format, length and prefix for the lifetime of the
// instance and the token can be detokenized; tokens issued otherwise are not
// recorded.
type Tokenizer struct {
	base
	table   *mappingTable
	entropy io.Reader
}

// NewTokenizer creates the tokenization technique
func NewTokenizer(id string) *Tokenizer {
	t := &Tokenizer{table: newMappingTable(), entropy: rand.Reader}
	t.meta = Metadata{
		ID:          id,
		Name:        "Tokenization",
		Category:    "tokenization",
		Description: "Replaces values with random tokens. Deterministic only in consistent mode (the default); consistent tokens can be reversed through the token vault.",
		Parameters: []Parameter{
			choiceParam("format", FormatAlphanumeric,
				[]string{FormatAlphanumeric, FormatNumeric, FormatUUID}, "Token format"),
			intParam("tokenLength", 16, 4, 64, "Token length for alphanumeric and numeric formats"),
			stringParam("prefix", "", "Prepended to every token"),
			boolParam("consistent", true, "Reuse the token issued earlier for the same value"),
		},
		RiskLevel:     RiskLow,
		Reversible:    true,
		Deterministic: true,
		Compliance:    []string{"PCI-DSS", "GDPR", "HIPAA"},
	}
	return t
}

func (t *Tokenizer) Anonymize(values []string, params Params) ([]string, error) {
	r, err := t.resolve(params)
	if err != nil {
		return nil, err
	}

	format, length, prefix := r.String("format"), r.Int("tokenLength"), r.String("prefix")
	generate := func(int) (string, error) {
		return t.generate(format, length, prefix)
	}
	scope := fmt.Sprintf("%s|%d|%s", format, length, prefix)

	out := make([]string, len(values))
	for i, v := range values {
		if r.Bool("consistent") {
			out[i], err = t.table.getOrCreate(scope, v, generate)
		} else {
			out[i], err = generate(0)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Detokenize returns the original value for a token issued in consistent mode
func (t *Tokenizer) Detokenize(token string) (string, bool) {
	return t.table.lookupReverse(token)
}

// MappingSize reports how many values hold a consistent token
func (t *Tokenizer) MappingSize() int {
	return t.table.len()
}

// Reset forgets every issued token
func (t *Tokenizer) Reset() {
	t.table.reset()
}

func (t *Tokenizer) generate(format string, length int, prefix string) (string, error) {
	switch format {
	case FormatUUID:
		id, err := uuid.NewRandomFromReader(t.entropy)
		if err != nil {
			return "", fmt.Errorf("%w: generate uuid token: %v", ErrTransformFailure, err)
		}
		return prefix + id.String(), nil
	case FormatNumeric:
		s, err := randomString(t.entropy, numericChars, length)
		return prefix + s, err
	default:
		s, err := randomString(t.entropy, alphanumericChars, length)
		return prefix + s, err
	}
}

// randomString draws n characters uniformly from charset using rejection
// sampling over random bytes
func randomString(entropy io.Reader, charset string, n int) (string, error) {
	limit := 256 - 256%len(charset)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(entropy, buf); err != nil {
			return "", fmt.Errorf("%w: read entropy: %v", ErrTransformFailure, err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
