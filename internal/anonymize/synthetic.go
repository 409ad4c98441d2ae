package anonymize

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/zeebo/blake3"
)

// Synthetic data types
const (
	SyntheticAuto    = "auto"
	SyntheticName    = "name"
	SyntheticEmail   = "email"
	SyntheticPhone   = "phone"
	SyntheticAddress = "address"
	SyntheticDate    = "date"
	SyntheticNumber  = "number"
	SyntheticText    = "text"
)

var (
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern  = regexp.MustCompile(`^\+?[\d\s().\-]{7,20}$`)
	numberPattern = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
	namePattern   = regexp.MustCompile(`^\p{Lu}\p{L}*(?:[ \-']\p{Lu}\p{L}*){0,3}$`)
)

// SyntheticGenerator replaces values with fabricated values of the same
// kind. Without consistent mode every call draws fresh data; with it the
// output is seeded from the input so repeats match.
type SyntheticGenerator struct {
	base
}

// NewSyntheticGenerator creates the synthetic data technique
func NewSyntheticGenerator(id string) *SyntheticGenerator {
	s := &SyntheticGenerator{}
	s.meta = Metadata{
		ID:          id,
		Name:        "Synthetic Data",
		Category:    "synthetic",
		Description: "Generates realistic fake values that keep the type and layout of the input.",
		Parameters: []Parameter{
			choiceParam("dataType", SyntheticAuto,
				[]string{SyntheticAuto, SyntheticName, SyntheticEmail, SyntheticPhone,
					SyntheticAddress, SyntheticDate, SyntheticNumber, SyntheticText},
				"Kind of value to generate; auto infers it from the input"),
			boolParam("consistent", false, "Seed generation from the input value"),
			stringParam("domain", "example.com", "Domain for generated emails"),
		},
		RiskLevel:     RiskLow,
		Reversible:    false,
		Deterministic: false,
		Compliance:    []string{"GDPR", "CCPA", "HIPAA"},
	}
	return s
}

func (s *SyntheticGenerator) Anonymize(values []string, params Params) ([]string, error) {
	r, err := s.resolve(params)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(values))
	for i, v := range values {
		rng := newRand(v, r.Bool("consistent"))
		kind := r.String("dataType")
		if kind == SyntheticAuto {
			kind = inferKind(v)
		}
		out[i] = generate(kind, v, rng, r.String("domain"))
	}
	return out, nil
}

func newRand(v string, consistent bool) *rand.Rand {
	if !consistent {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sum := blake3.Sum256([]byte(v))
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])))
}

func inferKind(v string) string {
	trimmed := strings.TrimSpace(v)
	switch {
	case emailPattern.MatchString(trimmed):
		return SyntheticEmail
	case isDate(trimmed):
		return SyntheticDate
	case numberPattern.MatchString(trimmed):
		return SyntheticNumber
	case phonePattern.MatchString(trimmed) && countDigits(trimmed) >= 7:
		return SyntheticPhone
	case namePattern.MatchString(trimmed):
		return SyntheticName
	case strings.Count(trimmed, ",") >= 1 && strings.IndexFunc(trimmed, unicode.IsDigit) >= 0:
		return SyntheticAddress
	default:
		return SyntheticText
	}
}

func isDate(v string) bool {
	_, _, ok := parseDate(v)
	return ok
}

func countDigits(v string) int {
	n := 0
	for _, r := range v {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func generate(kind, v string, rng *rand.Rand, domain string) string {
	switch kind {
	case SyntheticName:
		return pick(rng, firstNames) + " " + pick(rng, lastNames)
	case SyntheticEmail:
		return fmt.Sprintf("%s.%s%d@%s",
			strings.ToLower(pick(rng, firstNames)), strings.ToLower(pick(rng, lastNames)), rng.IntN(100), domain)
	case SyntheticAddress:
		return fmt.Sprintf("%d %s St, %s", 1+rng.IntN(9999), pick(rng, streetNames), pick(rng, cityNames))
	case SyntheticDate:
		return syntheticDate(v, rng)
	case SyntheticNumber:
		return syntheticNumber(v, rng)
	case SyntheticPhone:
		if v == "" {
			return fmt.Sprintf("555-%03d-%04d", rng.IntN(1000), rng.IntN(10000))
		}
		return scramble(v, rng)
	default:
		return scramble(v, rng)
	}
}

func pick(rng *rand.Rand, list []string) string {
	return list[rng.IntN(len(list))]
}

// syntheticDate draws a date between 1950 and 2005, written in the layout of
// the input when the input is a recognized date
func syntheticDate(v string, rng *rand.Rand) string {
	layout := "2006-01-02"
	if _, l, ok := parseDate(v); ok {
		layout = l
	}
	start := time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 0, rng.IntN(365*55)).Format(layout)
}

// syntheticNumber keeps sign, digit count and decimal places
func syntheticNumber(v string, rng *rand.Rand) string {
	if !numberPattern.MatchString(v) {
		return strconv.Itoa(rng.IntN(100000))
	}
	out := []rune(v)
	leading := true
	for i, r := range out {
		if !unicode.IsDigit(r) {
			if r == '.' {
				leading = false
			}
			continue
		}
		if leading && (i == 0 || out[i-1] == '-') && len(out) > 1 {
			out[i] = rune('1' + rng.IntN(9))
		} else {
			out[i] = rune('0' + rng.IntN(10))
		}
		leading = false
	}
	return string(out)
}

// scramble replaces letters with random letters of the same case and digits
// with random digits; everything else stays in place
func scramble(v string, rng *rand.Rand) string {
	out := []rune(v)
	for i, r := range out {
		switch {
		case unicode.IsUpper(r):
			out[i] = rune('A' + rng.IntN(26))
		case unicode.IsLower(r):
			out[i] = rune('a' + rng.IntN(26))
		case unicode.IsDigit(r):
			out[i] = rune('0' + rng.IntN(10))
		}
	}
	return string(out)
}
