package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/metrics"
)

type harness struct {
	manager   *Manager
	registry  *anonymize.Registry
	source    *fakeSource
	sink      *fakeSink
	connector *fakeConnector
	events    *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:   &fakeSource{},
		sink:     &fakeSink{},
		events:   &recordingPublisher{},
		registry: anonymize.NewRegistry(),
	}
	h.connector = &fakeConnector{source: h.source, sink: h.sink}
	h.manager = NewManager(
		h.registry,
		h.connector,
		metrics.NewCollector(zap.NewNop(), nil, nil),
		h.events,
		Settings{DefaultPollInterval: time.Hour},
		zap.NewNop(),
	)
	t.Cleanup(func() {
		_ = h.manager.Cleanup(context.Background())
	})
	return h
}

func emailConfig() Config {
	return Config{
		Name:        "emails",
		TechniqueID: anonymize.TechniqueMaskingPartial,
		CreatedBy:   "tester",
		InputSource: InputSource{
			Type: SourceFile,
			Schema: []FieldDescriptor{
				{FieldName: "email", DataType: "string", IsSensitive: true},
				{FieldName: "country", DataType: "string"},
			},
		},
		OutputTarget: OutputTarget{Type: SourceFile, Name: "out"},
	}
}

// cycle runs one batch cycle synchronously, as a tick of the loop would
func (h *harness) cycle(t *testing.T, id string) {
	t.Helper()
	rt, err := h.manager.lookup(id)
	require.NoError(t, err)
	h.manager.runCycle(context.Background(), rt)
}

func TestCreate(t *testing.T) {
	h := newHarness(t)

	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusStopped, s.Status)
	assert.Zero(t, s.RecordsProcessed)
	assert.False(t, s.IsActive)
	assert.Nil(t, s.StartTime)
	assert.Zero(t, h.source.fetches.Load(), "create must not start polling")

	other, err := h.manager.Create(emailConfig())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
	assert.Len(t, h.manager.List(), 2)

	t.Run("UnknownTechnique", func(t *testing.T) {
		cfg := emailConfig()
		cfg.TechniqueID = "nope"
		_, err := h.manager.Create(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("UnknownFieldTechnique", func(t *testing.T) {
		cfg := emailConfig()
		cfg.InputSource.Schema[0].Technique = "nope"
		_, err := h.manager.Create(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("InvalidSessionParameters", func(t *testing.T) {
		cfg := emailConfig()
		cfg.Parameters = anonymize.Params{"maskType": "bogus"}
		_, err := h.manager.Create(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.ErrorIs(t, err, anonymize.ErrInvalidParameters)
	})

	t.Run("InvalidFieldParameters", func(t *testing.T) {
		cfg := emailConfig()
		cfg.InputSource.Schema[0].Technique = anonymize.TechniqueDateShifting
		cfg.InputSource.Schema[0].Parameters = anonymize.Params{"shiftRange": -1}
		_, err := h.manager.Create(cfg)
		assert.ErrorIs(t, err, anonymize.ErrInvalidParameters)
	})

	assert.Len(t, h.manager.List(), 2, "rejected configs are not registered")
}

func TestSessionNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.manager.Pause("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.manager.Stop("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.manager.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.manager.GetSessionMetrics("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, h.manager.Delete("missing"), ErrSessionNotFound)
}

func TestStartRequiresReachableSource(t *testing.T) {
	h := newHarness(t)
	h.source.validateErr = errBroken

	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)

	_, err = h.manager.Start(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrSourceUnavailable)

	got, err := h.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.False(t, got.IsActive)
	assert.True(t, h.source.closed.Load(), "a rejected source is closed")
	assert.Empty(t, h.manager.ListActive())

	t.Run("OpenFailure", func(t *testing.T) {
		h.connector.openErr = errBroken
		_, err := h.manager.Start(context.Background(), s.ID)
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t)
	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)

	started, err := h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)
	assert.True(t, started.IsActive)
	require.NotNil(t, started.StartTime)
	assert.Len(t, h.manager.ListActive(), 1)

	again, err := h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err, "starting a running session is a no-op")
	assert.Equal(t, StatusRunning, again.Status)

	paused, err := h.manager.Pause(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.False(t, paused.IsActive)
	assert.Nil(t, paused.EndTime)
	assert.False(t, h.source.closed.Load(), "pause keeps the source open")

	_, err = h.manager.Pause(s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	resumed, err := h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)

	stopped, err := h.manager.Stop(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.False(t, stopped.IsActive)
	require.NotNil(t, stopped.EndTime)
	assert.Empty(t, h.manager.ListActive())

	require.Eventually(t, func() bool {
		return h.source.closed.Load() && h.sink.closed.Load()
	}, time.Second, 10*time.Millisecond, "stop releases source and sink")

	_, err = h.manager.Stop(s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	statuses := h.events.ofType(EventStatus)
	require.Len(t, statuses, 4)
	last := statuses[len(statuses)-1].Data.(StatusChange)
	assert.Equal(t, StatusRunning, last.From)
	assert.Equal(t, StatusStopped, last.To)
}

func TestEndToEndMasking(t *testing.T) {
	h := newHarness(t)
	h.source.batches = [][]Record{{{"email": "a@b.com", "country": "NL"}}}

	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)

	h.cycle(t, s.ID)

	sent := h.sink.sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0], 1)
	assert.Equal(t, "a@***om", sent[0][0]["email"])
	assert.Equal(t, "NL", sent[0][0]["country"])

	got, err := h.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RecordsProcessed)
	assert.Zero(t, got.ErrorCount)

	sample, err := h.manager.GetSessionMetrics(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sample.RecordsProcessed)
	assert.Len(t, h.manager.ListAllMetrics(), 1)

	batches := h.events.ofType(EventBatch)
	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].Data.(BatchSummary).Records)
}

func TestErrorThreshold(t *testing.T) {
	h := newHarness(t)
	h.source.setFetchErr(errBroken)

	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.cycle(t, s.ID)
	}
	got, _ := h.manager.Get(s.ID)
	assert.Equal(t, StatusRunning, got.Status, "exactly 10 failures keeps the session running")
	assert.Equal(t, int64(10), got.ErrorCount)
	assert.Contains(t, got.LastError, ErrSourceUnavailable.Error())

	h.cycle(t, s.ID)
	got, _ = h.manager.Get(s.ID)
	assert.Equal(t, StatusError, got.Status)
	assert.False(t, got.IsActive)
	assert.Equal(t, int64(11), got.ErrorCount)
	assert.True(t, h.source.closed.Load())

	fetches := h.source.fetches.Load()
	h.cycle(t, s.ID)
	assert.Equal(t, fetches, h.source.fetches.Load(), "no cycles run in the error state")

	_, err = h.manager.Start(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.manager.Pause(s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	statuses := h.events.ofType(EventStatus)
	assert.Equal(t, StatusError, statuses[len(statuses)-1].Data.(StatusChange).To)
	assert.Len(t, h.events.ofType(EventError), 11)
}

func TestBatchFailures(t *testing.T) {
	t.Run("TransformAbortsBatch", func(t *testing.T) {
		h := newHarness(t)
		h.source.batches = [][]Record{{{"email": "a@b.com"}}}

		h.registry.Register("explode", panickingTechnique{})

		cfg := emailConfig()
		cfg.TechniqueID = "explode"
		s, err := h.manager.Create(cfg)
		require.NoError(t, err)
		_, err = h.manager.Start(context.Background(), s.ID)
		require.NoError(t, err)

		h.cycle(t, s.ID)

		got, _ := h.manager.Get(s.ID)
		assert.Equal(t, int64(1), got.ErrorCount)
		assert.Zero(t, got.RecordsProcessed)
		assert.Empty(t, h.sink.sent())
		assert.Contains(t, got.LastError, "field email")
	})

	t.Run("SinkFailure", func(t *testing.T) {
		h := newHarness(t)
		h.source.batches = [][]Record{{{"email": "a@b.com"}}}
		h.sink.err = errBroken

		s, err := h.manager.Create(emailConfig())
		require.NoError(t, err)
		_, err = h.manager.Start(context.Background(), s.ID)
		require.NoError(t, err)

		h.cycle(t, s.ID)

		got, _ := h.manager.Get(s.ID)
		assert.Equal(t, int64(1), got.ErrorCount)
		assert.Zero(t, got.RecordsProcessed)
		assert.Contains(t, got.LastError, ErrSinkFailure.Error())
	})

	t.Run("FailedBatchIsNotRedelivered", func(t *testing.T) {
		h := newHarness(t)
		h.source.batches = [][]Record{{{"email": "first@b.com"}}, {{"email": "second@b.com"}}}
		h.sink.err = errBroken

		s, err := h.manager.Create(emailConfig())
		require.NoError(t, err)
		_, err = h.manager.Start(context.Background(), s.ID)
		require.NoError(t, err)

		h.cycle(t, s.ID)
		h.sink.mu.Lock()
		h.sink.err = nil
		h.sink.mu.Unlock()
		h.cycle(t, s.ID)

		sent := h.sink.sent()
		require.Len(t, sent, 1, "delivery is at most once")
		assert.Equal(t, "se********om", sent[0][0]["email"], "only the second batch arrives")
		got, _ := h.manager.Get(s.ID)
		assert.Equal(t, int64(1), got.RecordsProcessed)
		assert.Equal(t, int64(1), got.ErrorCount)
	})

	t.Run("EmptyBatchSkipsSend", func(t *testing.T) {
		h := newHarness(t)
		s, err := h.manager.Create(emailConfig())
		require.NoError(t, err)
		_, err = h.manager.Start(context.Background(), s.ID)
		require.NoError(t, err)

		h.cycle(t, s.ID)

		assert.Empty(t, h.sink.sent())
		got, _ := h.manager.Get(s.ID)
		assert.Zero(t, got.ErrorCount)
	})
}

func TestErrorCountSurvivesPause(t *testing.T) {
	h := newHarness(t)
	h.source.setFetchErr(errBroken)

	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		h.cycle(t, s.ID)
	}
	_, err = h.manager.Pause(s.ID)
	require.NoError(t, err)

	fetches := h.source.fetches.Load()
	h.cycle(t, s.ID)
	assert.Equal(t, fetches, h.source.fetches.Load(), "paused sessions do not fetch")

	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h.cycle(t, s.ID)
	}

	got, _ := h.manager.Get(s.ID)
	assert.Equal(t, int64(11), got.ErrorCount)
	assert.Equal(t, StatusError, got.Status)
}

func TestPollingLoop(t *testing.T) {
	h := newHarness(t)
	h.source.delay = 30 * time.Millisecond

	cfg := emailConfig()
	cfg.InputSource.Configuration.PollInterval = 5
	s, err := h.manager.Create(cfg)
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.source.fetches.Load() >= 4
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.manager.Stop(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.source.maxSeen.Load(), "cycles of one session never overlap")

	// let an in-flight cycle drain, then no new cycle may begin
	time.Sleep(2 * h.source.delay)
	fetches := h.source.fetches.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fetches, h.source.fetches.Load())
}

func TestPerFieldTechniques(t *testing.T) {
	h := newHarness(t)
	h.source.batches = [][]Record{{
		{"email": "john@example.com", "ssn": "123-45-6789", "age": 42},
		{"email": "amy@example.com", "ssn": nil},
	}}

	cfg := emailConfig()
	cfg.Parameters = anonymize.Params{"visibleStart": 1, "visibleEnd": 0}
	cfg.InputSource.Schema = []FieldDescriptor{
		{FieldName: "email", IsSensitive: true},
		{FieldName: "ssn", IsSensitive: true, Technique: anonymize.TechniqueMaskingFull, Parameters: anonymize.Params{"maskChar": "#"}},
		{FieldName: "age", IsSensitive: true, Parameters: anonymize.Params{"visibleStart": 0}},
	}
	s, err := h.manager.Create(cfg)
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)

	h.cycle(t, s.ID)

	sent := h.sink.sent()
	require.Len(t, sent, 1)
	rows := sent[0]
	assert.Equal(t, "j***************", rows[0]["email"])
	assert.Equal(t, "###########", rows[0]["ssn"])
	assert.Equal(t, "**", rows[0]["age"])
	assert.Equal(t, "a**************", rows[1]["email"])
	assert.Nil(t, rows[1]["ssn"])
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		s, err := h.manager.Create(emailConfig())
		require.NoError(t, err)
		_, err = h.manager.Start(context.Background(), s.ID)
		require.NoError(t, err)
	}
	require.Len(t, h.manager.ListActive(), 3)

	require.NoError(t, h.manager.Cleanup(context.Background()))
	assert.Empty(t, h.manager.List())
	assert.Empty(t, h.manager.ListAllMetrics())
	assert.True(t, h.source.closed.Load())
	assert.True(t, h.sink.closed.Load())
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	s, err := h.manager.Create(emailConfig())
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), s.ID)
	require.NoError(t, err)

	require.NoError(t, h.manager.Delete(s.ID))
	_, err = h.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	require.Eventually(t, h.source.closed.Load, time.Second, 10*time.Millisecond)
}
