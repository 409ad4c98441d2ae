package anonymize

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestTokenizer(t *testing.T) {
	t.Run("Consistent", func(t *testing.T) {
		tk := NewTokenizer("tokenization")

		first, err := tk.Anonymize([]string{"4111111111111111"}, nil)
		if err != nil {
			t.Fatalf("Anonymize failed: %v", err)
		}
		second, _ := tk.Anonymize([]string{"4111111111111111"}, nil)
		if first[0] != second[0] {
			t.Errorf("Consistent tokens differ: %q vs %q", first[0], second[0])
		}
		if len(first[0]) != 16 {
			t.Errorf("Expected 16 character token, got %q", first[0])
		}

		original, ok := tk.Detokenize(first[0])
		if !ok || original != "4111111111111111" {
			t.Errorf("Detokenize returned %q, %v", original, ok)
		}
	})

	t.Run("NotConsistent", func(t *testing.T) {
		tk := NewTokenizer("tokenization")
		params := Params{"consistent": false}

		a, _ := tk.Anonymize([]string{"value"}, params)
		b, _ := tk.Anonymize([]string{"value"}, params)
		if a[0] == b[0] {
			t.Errorf("Random tokens should not repeat: %q", a[0])
		}
		if _, ok := tk.Detokenize(a[0]); ok {
			t.Error("Tokens issued without consistent mode must not detokenize")
		}
		if tk.MappingSize() != 0 {
			t.Errorf("Expected empty mapping, got %d", tk.MappingSize())
		}
	})

	t.Run("Formats", func(t *testing.T) {
		tk := NewTokenizer("tokenization")

		numeric, _ := tk.Anonymize([]string{"a"}, Params{"format": "numeric", "tokenLength": 8, "prefix": "TK_"})
		if !strings.HasPrefix(numeric[0], "TK_") || len(numeric[0]) != 11 {
			t.Fatalf("Unexpected numeric token %q", numeric[0])
		}
		for _, c := range strings.TrimPrefix(numeric[0], "TK_") {
			if c < '0' || c > '9' {
				t.Errorf("Numeric token contains %q", c)
			}
		}

		id, _ := tk.Anonymize([]string{"b"}, Params{"format": "uuid"})
		if _, err := uuid.Parse(id[0]); err != nil {
			t.Errorf("Expected a uuid token, got %q", id[0])
		}
	})

	t.Run("FormatChangeIssuesNewToken", func(t *testing.T) {
		tk := NewTokenizer("tokenization")

		alnum, _ := tk.Anonymize([]string{"4111"}, nil)
		id, _ := tk.Anonymize([]string{"4111"}, Params{"format": "uuid"})
		if _, err := uuid.Parse(id[0]); err != nil {
			t.Fatalf("Expected a uuid token after an alphanumeric call, got %q", id[0])
		}
		again, _ := tk.Anonymize([]string{"4111"}, nil)
		if again[0] != alnum[0] {
			t.Errorf("Alphanumeric token changed: %q vs %q", alnum[0], again[0])
		}
		if orig, ok := tk.Detokenize(id[0]); !ok || orig != "4111" {
			t.Errorf("Detokenize(%q) = %q, %v", id[0], orig, ok)
		}
	})

	t.Run("DistinctValuesNeverShareToken", func(t *testing.T) {
		tk := NewTokenizer("tokenization")
		tk.entropy = zeroReader{}

		if _, err := tk.Anonymize([]string{"first"}, nil); err != nil {
			t.Fatalf("First token failed: %v", err)
		}
		_, err := tk.Anonymize([]string{"second"}, nil)
		if !errors.Is(err, ErrTransformFailure) {
			t.Errorf("Expected ErrTransformFailure when no unused token exists, got %v", err)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		tk := NewTokenizer("tokenization")
		out, _ := tk.Anonymize([]string{"x", "y"}, nil)
		if tk.MappingSize() != 2 {
			t.Fatalf("Expected 2 mappings, got %d", tk.MappingSize())
		}
		tk.Reset()
		if _, ok := tk.Detokenize(out[0]); ok {
			t.Error("Reset should forget issued tokens")
		}
	})
}

func TestPseudonymizer(t *testing.T) {
	t.Run("Stable", func(t *testing.T) {
		p := NewPseudonymizer("pseudonymization", "secret")
		a, _ := p.Anonymize([]string{"patient-1"}, nil)
		b, _ := p.Anonymize([]string{"patient-1"}, nil)
		if a[0] != b[0] {
			t.Errorf("Pseudonyms differ: %q vs %q", a[0], b[0])
		}
		if !strings.HasPrefix(a[0], "PSN-") {
			t.Errorf("Expected default prefix, got %q", a[0])
		}
		original, ok := p.Reidentify(a[0])
		if !ok || original != "patient-1" {
			t.Errorf("Reidentify returned %q, %v", original, ok)
		}
	})

	t.Run("KeyedBySecret", func(t *testing.T) {
		a, _ := NewPseudonymizer("p", "one").Anonymize([]string{"patient-1"}, nil)
		b, _ := NewPseudonymizer("p", "two").Anonymize([]string{"patient-1"}, nil)
		if a[0] == b[0] {
			t.Error("Different secrets should give different pseudonyms")
		}
		c, _ := NewPseudonymizer("p", "").Anonymize([]string{"patient-1"}, Params{"secret": "one"})
		if a[0] != c[0] {
			t.Error("The secret parameter should override the configured secret")
		}
	})

	t.Run("EmptySecretIsRecomputable", func(t *testing.T) {
		a, _ := NewPseudonymizer("p", "").Anonymize([]string{"patient-1"}, nil)
		b, _ := NewPseudonymizer("p", "").Anonymize([]string{"patient-1"}, nil)
		if a[0] != b[0] {
			t.Errorf("Unkeyed pseudonyms differ across instances: %q vs %q", a[0], b[0])
		}
	})

	t.Run("Types", func(t *testing.T) {
		p := NewPseudonymizer("pseudonymization", "secret")

		email, _ := p.Anonymize([]string{"alice@corp.com"}, Params{"pseudonymType": "email", "domain": "pseudo.test"})
		if !strings.HasSuffix(email[0], "@pseudo.test") {
			t.Errorf("Unexpected email pseudonym %q", email[0])
		}
		name, _ := p.Anonymize([]string{"Alice Smith"}, Params{"pseudonymType": "name"})
		if len(strings.Fields(name[0])) < 2 {
			t.Errorf("Unexpected name pseudonym %q", name[0])
		}
		if p.ValidateParameters(Params{"domain": "bad@domain"}) {
			t.Error("Domain containing @ should be rejected")
		}
	})

	t.Run("SameValueDifferentParameters", func(t *testing.T) {
		p := NewPseudonymizer("pseudonymization", "secret")
		value := []string{"alice@corp.com"}

		name, _ := p.Anonymize(value, Params{"pseudonymType": "name"})
		email, _ := p.Anonymize(value, Params{"pseudonymType": "email", "domain": "x.org"})
		if !strings.HasSuffix(email[0], "@x.org") {
			t.Errorf("Expected email pseudonym after a name call, got %q", email[0])
		}
		if name[0] == email[0] {
			t.Error("Different pseudonym types returned the same pseudonym")
		}

		fresh, _ := NewPseudonymizer("pseudonymization", "secret").Anonymize(value, Params{"pseudonymType": "email", "domain": "x.org"})
		if email[0] != fresh[0] {
			t.Errorf("Output depends on call history: %q vs %q", email[0], fresh[0])
		}

		tenantB, _ := p.Anonymize(value, Params{"pseudonymType": "name", "secret": "tenantB"})
		if tenantB[0] == name[0] {
			t.Error("The secret parameter was ignored for a value already pseudonymized")
		}

		for _, ps := range []string{name[0], email[0], tenantB[0]} {
			if orig, ok := p.Reidentify(ps); !ok || orig != value[0] {
				t.Errorf("Reidentify(%q) = %q, %v", ps, orig, ok)
			}
		}
	})

	t.Run("ManyNamesStayUnique", func(t *testing.T) {
		p := NewPseudonymizer("pseudonymization", "secret")
		seen := make(map[string]string)
		for i := 0; i < 2000; i++ {
			v := "person-" + strconv.Itoa(i)
			out, err := p.Anonymize([]string{v}, Params{"pseudonymType": "name"})
			if err != nil {
				t.Fatalf("Anonymize(%s) failed: %v", v, err)
			}
			if prev, ok := seen[out[0]]; ok {
				t.Fatalf("Pseudonym %q issued for %s and %s", out[0], prev, v)
			}
			seen[out[0]] = v
		}
	})
}

func TestDateShifter(t *testing.T) {
	t.Run("ForwardBounds", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		original := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
		params := Params{"shiftRange": 365, "shiftDirection": "forward", "consistent": false}

		for i := 0; i < 200; i++ {
			out, err := d.Anonymize([]string{"2024-03-15"}, params)
			if err != nil {
				t.Fatalf("Anonymize failed: %v", err)
			}
			shifted, err := time.Parse("2006-01-02", out[0])
			if err != nil {
				t.Fatalf("Output is not in the input layout: %q", out[0])
			}
			if shifted.Before(original) || shifted.After(original.AddDate(0, 0, 365)) {
				t.Fatalf("Shifted date %s outside [%s, +365d]", out[0], "2024-03-15")
			}
		}
	})

	t.Run("ExtremeDraws", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		params := Params{"shiftRange": 10, "consistent": false}

		d.intn = func(n int) int { return n - 1 }
		out, _ := d.Anonymize([]string{"2024-01-01"}, params)
		if out[0] != "2024-01-11" {
			t.Errorf("Expected maximum forward shift, got %s", out[0])
		}

		d.intn = func(int) int { return 0 }
		out, _ = d.Anonymize([]string{"2024-01-01"}, params)
		if out[0] != "2023-12-22" {
			t.Errorf("Expected maximum backward shift, got %s", out[0])
		}
	})

	t.Run("Unparseable", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		out, _ := d.Anonymize([]string{"not a date", "2024-13-45"}, nil)
		if out[0] != "not a date" || out[1] != "2024-13-45" {
			t.Errorf("Unparseable input should pass through, got %q", out)
		}
	})

	t.Run("LayoutsKept", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		d.intn = func(n int) int { return n/2 + 1 }
		inputs := map[string]string{
			"2024-03-15": "2024-03-16",
			"03/15/2024": "03/16/2024",
			"15-03-2024": "16-03-2024",
			"2024/03/15": "2024/03/16",
		}
		for in, want := range inputs {
			out, _ := d.Anonymize([]string{in}, Params{"shiftRange": 30, "consistent": false})
			if out[0] != want {
				t.Errorf("%s: expected %s, got %s", in, want, out[0])
			}
		}
	})

	t.Run("Consistent", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		a, _ := d.Anonymize([]string{"1980-07-04"}, nil)
		b, _ := d.Anonymize([]string{"1980-07-04"}, nil)
		if a[0] != b[0] {
			t.Errorf("Consistent shift differs: %s vs %s", a[0], b[0])
		}
		if d.MappingSize() != 1 {
			t.Errorf("Expected one stored shift, got %d", d.MappingSize())
		}
		d.Reset()
		if d.MappingSize() != 0 {
			t.Error("Reset should clear stored shifts")
		}
	})

	t.Run("ConsistentShiftRespectsCurrentBounds", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		original := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

		d.intn = func(n int) int { return n - 1 }

		back, _ := d.Anonymize([]string{"2020-01-01"}, Params{"shiftDirection": "backward", "shiftRange": 365})
		if back[0] != "2019-01-01" {
			t.Fatalf("Expected a 365 day backward shift, got %s", back[0])
		}

		fwd, _ := d.Anonymize([]string{"2020-01-01"}, Params{"shiftDirection": "forward", "shiftRange": 365})
		shifted, _ := time.Parse("2006-01-02", fwd[0])
		if shifted.Before(original) || shifted.After(original.AddDate(0, 0, 365)) {
			t.Errorf("Forward shift after a backward call left bounds: %s (backward gave %s)", fwd[0], back[0])
		}

		again, _ := d.Anonymize([]string{"2020-01-01"}, Params{"shiftDirection": "forward", "shiftRange": 365})
		if again[0] != fwd[0] {
			t.Errorf("Consistent forward shift differs: %s vs %s", fwd[0], again[0])
		}
	})

	t.Run("PreserveWeekday", func(t *testing.T) {
		d := NewDateShifter("date-shifting", 365)
		params := Params{"preserveWeekday": true, "consistent": false, "shiftRange": 100}
		original := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 100; i++ {
			out, _ := d.Anonymize([]string{"2024-03-15"}, params)
			shifted, _ := time.Parse("2006-01-02", out[0])
			if shifted.Weekday() != original.Weekday() {
				t.Fatalf("Weekday changed: %s is a %s", out[0], shifted.Weekday())
			}
			if diff := shifted.Sub(original).Hours() / 24; diff > 100 || diff < -100 {
				t.Fatalf("Shift of %v days exceeds range", diff)
			}
		}
	})
}

func TestConsistentModeDescribed(t *testing.T) {
	for _, tech := range []Technique{NewTokenizer("tokenization"), NewDateShifter("date-shifting", 365)} {
		meta := tech.Describe()
		if !strings.Contains(meta.Description, "consistent mode") {
			t.Errorf("%s: description does not say determinism depends on consistent mode: %q", meta.ID, meta.Description)
		}
	}
}
