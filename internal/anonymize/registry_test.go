package anonymize

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type panickingTechnique struct{ base }

func (p *panickingTechnique) Anonymize([]string, Params) ([]string, error) {
	panic("boom")
}

type shortTechnique struct{ base }

func (s *shortTechnique) Anonymize([]string, Params) ([]string, error) {
	return []string{}, nil
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(WithLogger(zap.NewNop()))

	t.Run("ListAllMatchesDescribe", func(t *testing.T) {
		all := registry.ListAll()
		if len(all) != 15 {
			t.Fatalf("Expected 15 built-in techniques, got %d", len(all))
		}
		seen := make(map[string]int)
		for _, meta := range all {
			seen[meta.ID]++
			described, ok := registry.Describe(meta.ID)
			if !ok {
				t.Fatalf("Describe(%s) not found", meta.ID)
			}
			if described.ID != meta.ID || described.Name != meta.Name || described.Reversible != meta.Reversible {
				t.Errorf("Describe(%s) = %+v, ListAll entry %+v", meta.ID, described, meta)
			}
		}
		for _, id := range registry.IDs() {
			if seen[id] != 1 {
				t.Errorf("Expected exactly one metadata entry for %s, got %d", id, seen[id])
			}
		}
		for i := 1; i < len(all); i++ {
			if all[i-1].ID >= all[i].ID {
				t.Errorf("ListAll not ordered: %s before %s", all[i-1].ID, all[i].ID)
			}
		}
	})

	t.Run("DescribeReturnsCopy", func(t *testing.T) {
		meta, _ := registry.Describe(TechniqueHashSHA256)
		meta.Parameters[0].Name = "changed"
		meta.Compliance[0] = "changed"

		again, _ := registry.Describe(TechniqueHashSHA256)
		if again.Parameters[0].Name != "algorithm" || again.Compliance[0] == "changed" {
			t.Error("Metadata mutation leaked into the registry")
		}
	})

	t.Run("UnknownTechnique", func(t *testing.T) {
		res := registry.ApplyValue("nope", "value", nil)
		if res.Success {
			t.Fatal("Expected failure for unknown technique")
		}
		if res.ErrorKind != KindTechniqueNotFound {
			t.Errorf("Expected %s, got %s", KindTechniqueNotFound, res.ErrorKind)
		}
		if !errors.Is(res.Err(), ErrTechniqueNotFound) {
			t.Errorf("Err() should wrap ErrTechniqueNotFound: %v", res.Err())
		}
		if len(res.AnonymizedValues) != 0 || res.Error == "" {
			t.Errorf("Failed result must have no values and an error: %+v", res)
		}
		if registry.ValidateParameters("nope", nil) {
			t.Error("Unknown technique must not validate")
		}
		if _, ok := registry.Describe("nope"); ok {
			t.Error("Describe of unknown technique should report false")
		}
	})

	t.Run("InvalidParametersAreDistinct", func(t *testing.T) {
		res := registry.ApplyValue(TechniqueDateShifting, "2024-01-01", Params{"shiftRange": -5})
		if res.Success {
			t.Fatal("Expected failure for negative shiftRange")
		}
		if res.ErrorKind != KindInvalidParameters {
			t.Errorf("Expected %s, got %s", KindInvalidParameters, res.ErrorKind)
		}
		if !errors.Is(res.Err(), ErrInvalidParameters) {
			t.Errorf("Err() should wrap ErrInvalidParameters: %v", res.Err())
		}
	})

	t.Run("PanicBecomesTransformFailure", func(t *testing.T) {
		r := NewRegistry()
		r.Register("explodes", &panickingTechnique{base{meta: Metadata{ID: "explodes"}}})

		res := r.ApplyValue("explodes", "x", nil)
		if res.Success || res.ErrorKind != KindTransformFailure {
			t.Fatalf("Expected transform failure, got %+v", res)
		}
		if res.Timestamp.IsZero() {
			t.Error("Timestamp should be recorded on failure")
		}
	})

	t.Run("OutputLengthMismatch", func(t *testing.T) {
		r := NewRegistry()
		r.Register("short", &shortTechnique{})

		res := r.Apply("short", []string{"a", "b"}, nil)
		if res.Success || res.ErrorKind != KindTransformFailure {
			t.Fatalf("Expected transform failure, got %+v", res)
		}
	})

	t.Run("RegisterOverridesMetadataID", func(t *testing.T) {
		r := NewRegistry()
		r.Register("custom-mask", NewMasker("something-else", MaskFull))

		meta, ok := r.Describe("custom-mask")
		if !ok || meta.ID != "custom-mask" {
			t.Fatalf("Expected metadata id custom-mask, got %+v", meta)
		}
		res := r.ApplyValue("custom-mask", "secret", nil)
		if res.Value() != "******" {
			t.Errorf("Expected full mask, got %q", res.Value())
		}
	})

	t.Run("SuccessfulResult", func(t *testing.T) {
		values := []string{"alice", "bob"}
		res := registry.Apply(TechniqueHashSHA256, values, Params{"salt": "s"})
		if !res.Success {
			t.Fatalf("Apply failed: %s", res.Error)
		}
		if len(res.AnonymizedValues) != len(res.OriginalValues) {
			t.Errorf("Expected %d outputs, got %d", len(values), len(res.AnonymizedValues))
		}
		if res.TechniqueID != TechniqueHashSHA256 || res.Parameters["salt"] != "s" {
			t.Errorf("Provenance not echoed: %+v", res)
		}
		if res.ProcessingTimeMs < 0 {
			t.Errorf("Negative processing time: %f", res.ProcessingTimeMs)
		}
		if res.Err() != nil {
			t.Errorf("Err() should be nil on success: %v", res.Err())
		}
	})

	t.Run("Capabilities", func(t *testing.T) {
		tech, ok := registry.Technique(TechniqueTokenization)
		if !ok {
			t.Fatal("tokenization not registered")
		}
		if _, ok := tech.(*Tokenizer); !ok {
			t.Errorf("Expected *Tokenizer, got %T", tech)
		}
		if !registry.Has(TechniqueSyntheticData) {
			t.Error("synthetic-data should be registered")
		}
	})
}

func TestRegistryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := NewRegistry(WithMetrics(reg))

	registry.ApplyValue(TechniqueMaskingFull, "abc", nil)
	registry.ApplyValue(TechniqueMaskingFull, "abc", Params{"maskChar": "##"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	counts := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "anonymizer_technique_invocations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var outcome string
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					outcome = l.GetValue()
				}
			}
			counts[outcome] += m.GetCounter().GetValue()
		}
	}
	if counts["success"] != 1 {
		t.Errorf("Expected 1 success, got %v", counts["success"])
	}
	if counts[string(KindInvalidParameters)] != 1 {
		t.Errorf("Expected 1 invalid parameter failure, got %v", counts[string(KindInvalidParameters)])
	}
}

func TestRegistryConcurrentTokenization(t *testing.T) {
	registry := NewRegistry()

	const workers = 16
	tokens := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := registry.ApplyValue(TechniqueTokenization, "4111111111111111", nil)
			tokens[i] = res.Value()
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("Concurrent callers received different tokens: %q vs %q", tokens[0], tokens[i])
		}
	}

	tech, _ := registry.Technique(TechniqueTokenization)
	if size := tech.(*Tokenizer).MappingSize(); size != 1 {
		t.Errorf("Expected one mapping, got %d", size)
	}
}
