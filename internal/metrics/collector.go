package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Sample is the latest metrics snapshot of one session. It is overwritten
// on every batch cycle; callers that need history must sample it themselves.
type Sample struct {
	SessionID        string    `json:"sessionId"`
	Throughput       float64   `json:"throughput"`
	Latency          float64   `json:"latency"`
	ErrorRate        float64   `json:"errorRate"`
	CPUUsage         float64   `json:"cpuUsage"`
	MemoryUsage      float64   `json:"memoryUsage"`
	Timestamp        time.Time `json:"timestamp"`
	RecordsProcessed int64     `json:"recordsProcessed"`
	RecordsPerSecond float64   `json:"recordsPerSecond"`
	ErrorCount       int64     `json:"errorCount"`
	Cycles           int64     `json:"cycles"`
}

// Batch describes the outcome of one batch cycle
type Batch struct {
	SessionID        string
	Records          int
	Duration         time.Duration
	Failed           bool
	RecordsProcessed int64
	ErrorCount       int64
}

// Collector keeps one Sample per session and mirrors it into Prometheus
// gauges labelled by session id.
type Collector struct {
	mu      sync.RWMutex
	samples map[string]*Sample
	sampler Sampler
	logger  *zap.Logger

	throughput *prometheus.GaugeVec
	latency    *prometheus.GaugeVec
	errorRate  *prometheus.GaugeVec
	records    *prometheus.GaugeVec
	batches    *prometheus.CounterVec
}

// NewCollector creates a collector. reg may be nil to skip Prometheus
// registration and sampler may be nil to report zero resource usage.
func NewCollector(logger *zap.Logger, reg prometheus.Registerer, sampler Sampler) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampler == nil {
		sampler = noopSampler{}
	}

	factory := promauto.With(reg)
	labels := []string{"session"}
	return &Collector{
		samples: make(map[string]*Sample),
		sampler: sampler,
		logger:  logger,
		throughput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anonymizer_session_throughput_records_per_second",
			Help: "Records per second of the most recent batch.",
		}, labels),
		latency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anonymizer_session_batch_latency_ms",
			Help: "Duration of the most recent batch cycle in milliseconds.",
		}, labels),
		errorRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anonymizer_session_error_rate",
			Help: "Failed batch cycles over all batch cycles.",
		}, labels),
		records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anonymizer_session_records_processed",
			Help: "Records processed by the session.",
		}, labels),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anonymizer_session_batches_total",
			Help: "Batch cycles by session and outcome.",
		}, []string{"session", "outcome"}),
	}
}

// Update folds one batch cycle into the session's sample and returns a copy
func (c *Collector) Update(b Batch) Sample {
	cpu, mem, err := c.sampler.Sample()
	if err != nil {
		c.logger.Debug("Process sampling failed", zap.Error(err))
	}

	c.mu.Lock()
	s, ok := c.samples[b.SessionID]
	if !ok {
		s = &Sample{SessionID: b.SessionID}
		c.samples[b.SessionID] = s
	}

	s.Cycles++
	s.Latency = float64(b.Duration.Microseconds()) / 1000
	if b.Failed {
		s.Throughput = 0
	} else {
		s.Throughput = recordsPerSecond(b.Records, b.Duration)
	}
	s.RecordsPerSecond = s.Throughput
	s.RecordsProcessed = b.RecordsProcessed
	s.ErrorCount = b.ErrorCount
	s.ErrorRate = float64(b.ErrorCount) / float64(s.Cycles)
	if s.ErrorRate > 1 {
		s.ErrorRate = 1
	}
	s.CPUUsage = cpu
	s.MemoryUsage = mem
	s.Timestamp = time.Now()
	out := *s
	c.mu.Unlock()

	outcome := "success"
	if b.Failed {
		outcome = "failure"
	}
	c.batches.WithLabelValues(b.SessionID, outcome).Inc()
	c.throughput.WithLabelValues(b.SessionID).Set(out.Throughput)
	c.latency.WithLabelValues(b.SessionID).Set(out.Latency)
	c.errorRate.WithLabelValues(b.SessionID).Set(out.ErrorRate)
	c.records.WithLabelValues(b.SessionID).Set(float64(out.RecordsProcessed))

	return out
}

// Get returns the latest sample of a session
func (c *Collector) Get(sessionID string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[sessionID]
	if !ok {
		return Sample{}, false
	}
	return *s, true
}

// List returns the latest sample of every session, ordered by session id
func (c *Collector) List() []Sample {
	c.mu.RLock()
	out := make([]Sample, 0, len(c.samples))
	for _, s := range c.samples {
		out = append(out, *s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Remove drops a session's sample and its Prometheus series
func (c *Collector) Remove(sessionID string) {
	c.mu.Lock()
	delete(c.samples, sessionID)
	c.mu.Unlock()
	c.deleteSeries(sessionID)
}

// Reset drops every sample
func (c *Collector) Reset() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.samples))
	for id := range c.samples {
		ids = append(ids, id)
	}
	c.samples = make(map[string]*Sample)
	c.mu.Unlock()

	for _, id := range ids {
		c.deleteSeries(id)
	}
}

func (c *Collector) deleteSeries(sessionID string) {
	c.throughput.DeleteLabelValues(sessionID)
	c.latency.DeleteLabelValues(sessionID)
	c.errorRate.DeleteLabelValues(sessionID)
	c.records.DeleteLabelValues(sessionID)
	c.batches.DeletePartialMatch(prometheus.Labels{"session": sessionID})
}

func recordsPerSecond(records int, d time.Duration) float64 {
	if records == 0 {
		return 0
	}
	if d <= 0 {
		d = time.Microsecond
	}
	return float64(records) / d.Seconds()
}
