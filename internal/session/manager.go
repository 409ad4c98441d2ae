package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/metrics"
)

// Settings tunes the manager
type Settings struct {
	DefaultPollInterval time.Duration
	ErrorThreshold      int64
	ValidateTimeout     time.Duration
	CycleTimeout        time.Duration
}

// DefaultSettings returns the settings used when a field is left zero
func DefaultSettings() Settings {
	return Settings{
		DefaultPollInterval: DefaultPollInterval,
		ErrorThreshold:      10,
		ValidateTimeout:     10 * time.Second,
		CycleTimeout:        30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.DefaultPollInterval <= 0 {
		s.DefaultPollInterval = d.DefaultPollInterval
	}
	if s.ErrorThreshold <= 0 {
		s.ErrorThreshold = d.ErrorThreshold
	}
	if s.ValidateTimeout <= 0 {
		s.ValidateTimeout = d.ValidateTimeout
	}
	if s.CycleTimeout <= 0 {
		s.CycleTimeout = d.CycleTimeout
	}
	return s
}

// loop is the handle of a running polling goroutine
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// runtime holds a session together with the resources its loop uses.
// lifecycle serializes Start, Pause and Stop; mu guards everything else
// and is the only lock a batch cycle takes.
type runtime struct {
	lifecycle sync.Mutex

	mu      sync.Mutex
	session Session
	source  Source
	sink    Sink
	loop    *loop
}

// Manager owns every session and its polling loop
type Manager struct {
	anonymizer  Anonymizer
	transformer *Transformer
	connector   Connector
	collector   *metrics.Collector
	publisher   Publisher
	settings    Settings
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*runtime
}

// NewManager creates a session manager. publisher may be nil.
func NewManager(anonymizer Anonymizer, connector Connector, collector *metrics.Collector, publisher Publisher, settings Settings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if collector == nil {
		collector = metrics.NewCollector(logger, nil, nil)
	}
	return &Manager{
		anonymizer:  anonymizer,
		transformer: NewTransformer(anonymizer),
		connector:   connector,
		collector:   collector,
		publisher:   publisher,
		settings:    settings.withDefaults(),
		logger:      logger,
		sessions:    make(map[string]*runtime),
	}
}

// Create registers a new stopped session. No polling starts.
func (m *Manager) Create(cfg Config) (Session, error) {
	if err := m.validateConfig(cfg); err != nil {
		return Session{}, err
	}

	s := Session{
		ID:           uuid.NewString(),
		Name:         cfg.Name,
		Description:  cfg.Description,
		TechniqueID:  cfg.TechniqueID,
		InputSource:  cfg.InputSource,
		OutputTarget: cfg.OutputTarget,
		Status:       StatusStopped,
		CreatedAt:    time.Now(),
		CreatedBy:    cfg.CreatedBy,
		Parameters:   cfg.Parameters,
	}

	m.mu.Lock()
	m.sessions[s.ID] = &runtime{session: s}
	m.mu.Unlock()

	m.logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("name", s.Name),
		zap.String("technique", s.TechniqueID),
		zap.String("source_type", string(s.InputSource.Type)))
	return cloneSession(s), nil
}

func (m *Manager) validateConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.TechniqueID == "" || !m.anonymizer.Has(cfg.TechniqueID) {
		return fmt.Errorf("%w: unknown technique %q", ErrInvalidConfig, cfg.TechniqueID)
	}
	seen := make(map[string]bool)
	for _, f := range cfg.InputSource.Schema {
		if f.FieldName == "" {
			return fmt.Errorf("%w: schema field without a name", ErrInvalidConfig)
		}
		if seen[f.FieldName] {
			return fmt.Errorf("%w: duplicate schema field %q", ErrInvalidConfig, f.FieldName)
		}
		seen[f.FieldName] = true
		if f.Technique != "" && !m.anonymizer.Has(f.Technique) {
			return fmt.Errorf("%w: field %s: unknown technique %q", ErrInvalidConfig, f.FieldName, f.Technique)
		}
		if !f.IsSensitive {
			continue
		}
		id, params := Plan(f, cfg.TechniqueID, cfg.Parameters)
		if !m.anonymizer.ValidateParameters(id, params) {
			return fmt.Errorf("%w: field %s: %w for technique %s", ErrInvalidConfig, f.FieldName, anonymize.ErrInvalidParameters, id)
		}
	}
	if !m.anonymizer.ValidateParameters(cfg.TechniqueID, cfg.Parameters) {
		return fmt.Errorf("%w: %w for technique %s", ErrInvalidConfig, anonymize.ErrInvalidParameters, cfg.TechniqueID)
	}
	return nil
}

func (m *Manager) lookup(id string) (*runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rt, nil
}

// Start validates the input source and begins polling. Starting a running
// session is a no-op; a session in the error state cannot be started.
func (m *Manager) Start(ctx context.Context, id string) (Session, error) {
	rt, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}

	rt.lifecycle.Lock()
	defer rt.lifecycle.Unlock()

	rt.mu.Lock()
	status := rt.session.Status
	prev := rt.loop
	cfg := rt.session
	rt.mu.Unlock()

	switch status {
	case StatusRunning:
		return m.Get(id)
	case StatusError:
		return Session{}, fmt.Errorf("%w: session %s is in the error state", ErrInvalidState, id)
	}

	// the previous loop may still be finishing its last cycle
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}

	source, sink, err := m.open(ctx, rt, cfg)
	if err != nil {
		m.logger.Warn("Session start rejected",
			zap.String("session_id", id),
			zap.Error(err))
		return Session{}, err
	}

	interval := cfg.InputSource.Configuration.Interval(m.settings.DefaultPollInterval)
	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}

	now := time.Now()
	rt.mu.Lock()
	rt.source, rt.sink = source, sink
	rt.session.Status = StatusRunning
	rt.session.IsActive = true
	rt.session.StartTime = &now
	rt.session.EndTime = nil
	rt.loop = l
	snapshot := cloneSession(rt.session)
	rt.mu.Unlock()

	go m.run(loopCtx, rt, interval, l.done)

	m.logger.Info("Session started",
		zap.String("session_id", id),
		zap.Duration("poll_interval", interval))
	m.publishStatus(id, status, StatusRunning, "")
	return snapshot, nil
}

// open returns the session's source and sink, opening them when needed,
// and checks that the source is reachable
func (m *Manager) open(ctx context.Context, rt *runtime, s Session) (Source, Sink, error) {
	rt.mu.Lock()
	source, sink := rt.source, rt.sink
	rt.mu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, m.settings.ValidateTimeout)
	defer cancel()

	opened := source == nil
	if opened {
		var err error
		source, err = m.connector.OpenSource(vctx, s.InputSource)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	}

	if err := source.Validate(vctx); err != nil {
		if opened {
			_ = source.Close()
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if sink == nil {
		var err error
		sink, err = m.connector.OpenSink(vctx, s.OutputTarget)
		if err != nil {
			if opened {
				_ = source.Close()
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrSinkFailure, err)
		}
	}
	return source, sink, nil
}

// Pause stops polling. The source and sink stay open for a later Start.
func (m *Manager) Pause(id string) (Session, error) {
	return m.halt(id, StatusPaused)
}

// Stop stops polling, stamps the end time and releases the source and sink
func (m *Manager) Stop(id string) (Session, error) {
	return m.halt(id, StatusStopped)
}

func (m *Manager) halt(id string, to Status) (Session, error) {
	rt, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}

	rt.lifecycle.Lock()
	defer rt.lifecycle.Unlock()

	rt.mu.Lock()
	from := rt.session.Status
	allowed := from == StatusRunning || (to == StatusStopped && from == StatusPaused)
	if !allowed {
		rt.mu.Unlock()
		return Session{}, fmt.Errorf("%w: cannot move session %s from %s to %s", ErrInvalidState, id, from, to)
	}

	rt.session.Status = to
	rt.session.IsActive = false
	var source Source
	var sink Sink
	if to == StatusStopped {
		now := time.Now()
		rt.session.EndTime = &now
		source, sink = rt.source, rt.sink
		rt.source, rt.sink = nil, nil
	}
	l := rt.loop
	snapshot := cloneSession(rt.session)
	rt.mu.Unlock()

	// the status change above already keeps further cycles from starting
	if l != nil {
		l.cancel()
	}
	if source != nil || sink != nil {
		go m.release(id, l, source, sink)
	}

	m.logger.Info("Session halted",
		zap.String("session_id", id),
		zap.String("status", string(to)),
		zap.Int64("records_processed", snapshot.RecordsProcessed))
	m.publishStatus(id, from, to, "")
	return snapshot, nil
}

// release closes a source and sink once the loop that used them has exited
func (m *Manager) release(id string, l *loop, source Source, sink Sink) {
	if l != nil {
		<-l.done
	}
	if err := closeAll(source, sink); err != nil {
		m.logger.Warn("Failed to release session resources",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

func closeAll(source Source, sink Sink) error {
	var errs []error
	if source != nil {
		if err := source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Get returns a snapshot of a session
func (m *Manager) Get(id string) (Session, error) {
	rt, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return cloneSession(rt.session), nil
}

// List returns every session, oldest first
func (m *Manager) List() []Session {
	m.mu.RLock()
	runtimes := lo.Values(m.sessions)
	m.mu.RUnlock()

	out := lo.Map(runtimes, func(rt *runtime, _ int) Session {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return cloneSession(rt.session)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListActive returns the running sessions
func (m *Manager) ListActive() []Session {
	return lo.Filter(m.List(), func(s Session, _ int) bool { return s.IsActive })
}

// GetSessionMetrics returns the latest metrics sample of a session. A
// session that has not finished a cycle yet reports its counters only.
func (m *Manager) GetSessionMetrics(id string) (metrics.Sample, error) {
	s, err := m.Get(id)
	if err != nil {
		return metrics.Sample{}, err
	}
	if sample, ok := m.collector.Get(id); ok {
		return sample, nil
	}
	return metrics.Sample{
		SessionID:        id,
		RecordsProcessed: s.RecordsProcessed,
		ErrorCount:       s.ErrorCount,
		Timestamp:        time.Now(),
	}, nil
}

// ListAllMetrics returns the latest sample of every session that has run
func (m *Manager) ListAllMetrics() []metrics.Sample {
	return m.collector.List()
}

// Delete stops a session if needed and forgets it
func (m *Manager) Delete(id string) error {
	rt, err := m.lookup(id)
	if err != nil {
		return err
	}

	rt.lifecycle.Lock()
	defer rt.lifecycle.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	l, source, sink := rt.detach(StatusStopped)
	if l != nil {
		l.cancel()
	}
	go m.release(id, l, source, sink)
	m.collector.Remove(id)

	m.logger.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// detach halts the session in place and takes its loop and resources
func (rt *runtime) detach(to Status) (*loop, Source, Sink) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Status == StatusRunning || rt.session.Status == StatusPaused {
		now := time.Now()
		rt.session.Status = to
		rt.session.EndTime = &now
	}
	rt.session.IsActive = false
	l, source, sink := rt.loop, rt.source, rt.sink
	rt.source, rt.sink = nil, nil
	return l, source, sink
}

// Cleanup stops every polling loop, waits for in-flight cycles, releases
// all sources and sinks and forgets every session
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	runtimes := lo.Values(m.sessions)
	m.sessions = make(map[string]*runtime)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range runtimes {
		rt.lifecycle.Lock()
		l, source, sink := rt.detach(StatusStopped)
		rt.lifecycle.Unlock()
		if l != nil {
			l.cancel()
		}
		g.Go(func() error {
			if l != nil {
				select {
				case <-l.done:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return closeAll(source, sink)
		})
	}
	err := g.Wait()
	m.collector.Reset()

	m.logger.Info("Session manager cleaned up", zap.Int("sessions", len(runtimes)))
	return err
}

func (m *Manager) run(ctx context.Context, rt *runtime, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a slow cycle makes the ticker drop ticks, so cycles never overlap
			m.runCycle(ctx, rt)
		}
	}
}

// runCycle executes one fetch, transform, send and metrics pass. A cycle
// that has started runs to completion even if the session is paused or
// stopped meanwhile.
func (m *Manager) runCycle(ctx context.Context, rt *runtime) {
	rt.mu.Lock()
	if rt.session.Status != StatusRunning || ctx.Err() != nil {
		rt.mu.Unlock()
		return
	}
	s := rt.session
	source, sink := rt.source, rt.sink
	rt.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.settings.CycleTimeout)
	defer cancel()

	start := time.Now()
	n, err := m.processBatch(cctx, s, source, sink)
	elapsed := time.Since(start)

	if err != nil {
		m.recordFailure(rt, err, elapsed)
		return
	}
	m.recordSuccess(rt, n, elapsed)
}

func (m *Manager) processBatch(ctx context.Context, s Session, source Source, sink Sink) (int, error) {
	records, err := source.FetchBatch(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch: %v", ErrSourceUnavailable, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	out, err := m.transformer.Transform(records, s.InputSource.Schema, s.TechniqueID, s.Parameters)
	if err != nil {
		return 0, fmt.Errorf("transform: %w", err)
	}

	if err := sink.Send(ctx, out); err != nil {
		return 0, fmt.Errorf("%w: send: %v", ErrSinkFailure, err)
	}
	return len(out), nil
}

func (m *Manager) recordSuccess(rt *runtime, n int, elapsed time.Duration) {
	rt.mu.Lock()
	rt.session.RecordsProcessed += int64(n)
	s := rt.session
	rt.mu.Unlock()

	sample := m.collector.Update(metrics.Batch{
		SessionID:        s.ID,
		Records:          n,
		Duration:         elapsed,
		RecordsProcessed: s.RecordsProcessed,
		ErrorCount:       s.ErrorCount,
	})

	rt.mu.Lock()
	rt.session.RecordsPerSecond = sample.RecordsPerSecond
	rt.mu.Unlock()

	if n == 0 {
		return
	}
	m.logger.Debug("Batch processed",
		zap.String("session_id", s.ID),
		zap.Int("records", n),
		zap.Duration("duration", elapsed))
	m.publisher.Publish(Event{
		Type:      EventBatch,
		SessionID: s.ID,
		Timestamp: time.Now(),
		Data: BatchSummary{
			Records:          n,
			LatencyMs:        sample.Latency,
			RecordsProcessed: s.RecordsProcessed,
			RecordsPerSecond: sample.RecordsPerSecond,
		},
	})
}

func (m *Manager) recordFailure(rt *runtime, cause error, elapsed time.Duration) {
	var (
		tripped bool
		l       *loop
		source  Source
		sink    Sink
	)

	rt.mu.Lock()
	rt.session.ErrorCount++
	rt.session.LastError = cause.Error()
	if rt.session.ErrorCount > m.settings.ErrorThreshold && rt.session.Status == StatusRunning {
		tripped = true
		now := time.Now()
		rt.session.Status = StatusError
		rt.session.IsActive = false
		rt.session.EndTime = &now
		l = rt.loop
		source, sink = rt.source, rt.sink
		rt.source, rt.sink = nil, nil
	}
	s := rt.session
	rt.mu.Unlock()

	m.collector.Update(metrics.Batch{
		SessionID:        s.ID,
		Duration:         elapsed,
		Failed:           true,
		RecordsProcessed: s.RecordsProcessed,
		ErrorCount:       s.ErrorCount,
	})

	m.logger.Warn("Batch cycle failed",
		zap.String("session_id", s.ID),
		zap.Int64("error_count", s.ErrorCount),
		zap.Error(cause))
	m.publisher.Publish(Event{
		Type:      EventError,
		SessionID: s.ID,
		Timestamp: time.Now(),
		Data:      ErrorSummary{Error: cause.Error(), ErrorCount: s.ErrorCount},
	})

	if !tripped {
		return
	}

	// this runs on the loop goroutine, so nothing else uses source and sink
	if l != nil {
		l.cancel()
	}
	if err := closeAll(source, sink); err != nil {
		m.logger.Warn("Failed to release session resources", zap.String("session_id", s.ID), zap.Error(err))
	}

	reason := fmt.Sprintf("error count %d exceeded threshold %d", s.ErrorCount, m.settings.ErrorThreshold)
	m.logger.Error("Session moved to error state",
		zap.String("session_id", s.ID),
		zap.String("reason", reason))
	m.publishStatus(s.ID, StatusRunning, StatusError, reason)
}

func (m *Manager) publishStatus(id string, from, to Status, reason string) {
	m.publisher.Publish(Event{
		Type:      EventStatus,
		SessionID: id,
		Timestamp: time.Now(),
		Data:      StatusChange{From: from, To: to, Reason: reason},
	})
}

func cloneSession(s Session) Session {
	out := s
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	out.InputSource.Schema = append([]FieldDescriptor(nil), s.InputSource.Schema...)
	if s.Parameters != nil {
		out.Parameters = s.Parameters.Merge(nil)
	}
	return out
}
