package anonymize

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Built-in technique ids
const (
	TechniqueHashSHA256        = "hash-sha256"
	TechniqueHashSHA1          = "hash-sha1"
	TechniqueHashMD5           = "hash-md5"
	TechniqueHashBLAKE3        = "hash-blake3"
	TechniqueMaskingPartial    = "masking-partial"
	TechniqueMaskingFull       = "masking-full"
	TechniqueMaskingEmail      = "masking-email"
	TechniqueMaskingPhone      = "masking-phone"
	TechniqueMaskingCreditCard = "masking-credit-card"
	TechniquePIIRedaction      = "pii-redaction"
	TechniqueTokenization      = "tokenization"
	TechniquePseudonymization  = "pseudonymization"
	TechniqueDateShifting      = "date-shifting"
	TechniqueGeographicMasking = "geographic-masking"
	TechniqueSyntheticData     = "synthetic-data"
)

const defaultShiftRange = 365

type entry struct {
	technique Technique
	meta      Metadata
}

// Registry maps technique ids to technique instances. One instance serves
// every caller, so the mappings of stateful techniques are shared across
// sessions. Register must happen before concurrent Apply calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *zap.Logger

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// Option configures a Registry
type Option func(*registryOptions)

type registryOptions struct {
	logger          *zap.Logger
	registerer      prometheus.Registerer
	pseudonymSecret string
	shiftRange      int
}

// WithLogger sets the logger used for failed invocations
func WithLogger(l *zap.Logger) Option {
	return func(o *registryOptions) { o.logger = l }
}

// WithMetrics registers invocation metrics with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *registryOptions) { o.registerer = reg }
}

// WithPseudonymSecret sets the default key material of the pseudonymization technique
func WithPseudonymSecret(secret string) Option {
	return func(o *registryOptions) { o.pseudonymSecret = secret }
}

// WithDefaultShiftRange sets the default shiftRange of the date shifting technique
func WithDefaultShiftRange(days int) Option {
	return func(o *registryOptions) { o.shiftRange = days }
}

// NewRegistry creates a registry with every built-in technique registered
func NewRegistry(opts ...Option) *Registry {
	o := registryOptions{logger: zap.NewNop(), shiftRange: defaultShiftRange}
	for _, opt := range opts {
		opt(&o)
	}

	factory := promauto.With(o.registerer)
	r := &Registry{
		entries: make(map[string]entry),
		logger:  o.logger,
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anonymizer_technique_invocations_total",
			Help: "Technique invocations by technique id and outcome.",
		}, []string{"technique", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anonymizer_technique_duration_seconds",
			Help:    "Time spent inside technique invocations.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"technique"}),
	}

	r.Register(TechniqueHashSHA256, NewHasher(TechniqueHashSHA256, AlgorithmSHA256))
	r.Register(TechniqueHashSHA1, NewHasher(TechniqueHashSHA1, AlgorithmSHA1))
	r.Register(TechniqueHashMD5, NewHasher(TechniqueHashMD5, AlgorithmMD5))
	r.Register(TechniqueHashBLAKE3, NewHasher(TechniqueHashBLAKE3, AlgorithmBLAKE3))
	r.Register(TechniqueMaskingPartial, NewMasker(TechniqueMaskingPartial, MaskPartial))
	r.Register(TechniqueMaskingFull, NewMasker(TechniqueMaskingFull, MaskFull))
	r.Register(TechniqueMaskingEmail, NewMasker(TechniqueMaskingEmail, MaskEmail))
	r.Register(TechniqueMaskingPhone, NewMasker(TechniqueMaskingPhone, MaskPhone))
	r.Register(TechniqueMaskingCreditCard, NewMasker(TechniqueMaskingCreditCard, MaskCreditCard))
	r.Register(TechniquePIIRedaction, NewRedactor(TechniquePIIRedaction, o.logger))
	r.Register(TechniqueTokenization, NewTokenizer(TechniqueTokenization))
	r.Register(TechniquePseudonymization, NewPseudonymizer(TechniquePseudonymization, o.pseudonymSecret))
	r.Register(TechniqueDateShifting, NewDateShifter(TechniqueDateShifting, o.shiftRange))
	r.Register(TechniqueGeographicMasking, NewGeoMasker(TechniqueGeographicMasking))
	r.Register(TechniqueSyntheticData, NewSyntheticGenerator(TechniqueSyntheticData))

	return r
}

// Register adds or replaces the technique bound to id. The metadata the
// registry reports for id always carries id, whatever the technique says.
func (r *Registry) Register(id string, t Technique) {
	meta := t.Describe()
	meta.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = entry{technique: t, meta: meta}
}

func (r *Registry) lookup(id string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Apply runs the technique bound to id over values. Failures, including
// panics inside the technique, are reported in the Result and never
// returned to the caller.
func (r *Registry) Apply(id string, values []string, params Params) (res Result) {
	start := time.Now()
	res = Result{
		OriginalValues:   values,
		AnonymizedValues: []string{},
		TechniqueID:      id,
		Parameters:       params,
		Timestamp:        start,
	}

	defer func() {
		if p := recover(); p != nil {
			res.fail(fmt.Errorf("%w: panic: %v", ErrTransformFailure, p))
		}
		res.ProcessingTime = time.Since(start)
		res.ProcessingTimeMs = float64(res.ProcessingTime.Microseconds()) / 1000

		outcome := "success"
		if !res.Success {
			outcome = string(res.ErrorKind)
			r.logger.Debug("Technique invocation failed",
				zap.String("technique", id),
				zap.String("kind", string(res.ErrorKind)),
				zap.Int("values", len(values)),
				zap.String("error", res.Error))
		}
		r.invocations.WithLabelValues(id, outcome).Inc()
		r.duration.WithLabelValues(id).Observe(res.ProcessingTime.Seconds())
	}()

	e, ok := r.lookup(id)
	if !ok {
		res.fail(fmt.Errorf("%w: %s", ErrTechniqueNotFound, id))
		return res
	}

	out, err := e.technique.Anonymize(values, params)
	if err != nil {
		res.fail(err)
		return res
	}
	if len(out) != len(values) {
		res.fail(fmt.Errorf("%w: produced %d values for %d inputs", ErrTransformFailure, len(out), len(values)))
		return res
	}

	res.Success = true
	res.AnonymizedValues = out
	return res
}

// ApplyValue runs the technique over a single value
func (r *Registry) ApplyValue(id, value string, params Params) Result {
	return r.Apply(id, []string{value}, params)
}

func (res *Result) fail(err error) {
	res.Success = false
	res.AnonymizedValues = []string{}
	res.Error = err.Error()
	res.ErrorKind = kindOf(err)
}

// ValidateParameters reports whether params are acceptable to the technique
// bound to id. Unknown ids are never valid.
func (r *Registry) ValidateParameters(id string, params Params) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	return e.technique.ValidateParameters(params)
}

// Describe returns the metadata of the technique bound to id
func (r *Registry) Describe(id string) (Metadata, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Metadata{}, false
	}
	return e.meta.clone(), true
}

// ListAll returns the metadata of every registered technique, ordered by id
func (r *Registry) ListAll() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.MapToSlice(r.entries, func(_ string, e entry) Metadata {
		return e.meta.clone()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered id in order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.entries)
	sort.Strings(ids)
	return ids
}

// Technique returns the instance bound to id, for capabilities beyond the
// common contract such as detokenization
func (r *Registry) Technique(id string) (Technique, bool) {
	e, ok := r.lookup(id)
	return e.technique, ok
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.lookup(id)
	return ok
}
