package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raaihank/anonymizer/internal/anonymize"
)

type fakeSource struct {
	mu          sync.Mutex
	batches     [][]Record
	fetchErr    error
	validateErr error
	delay       time.Duration

	fetches  atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	closed   atomic.Bool
}

func (s *fakeSource) Validate(context.Context) error { return s.validateErr }

func (s *fakeSource) FetchBatch(ctx context.Context) ([]Record, error) {
	s.fetches.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSource) setFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Record
	err     error
	closed  atomic.Bool
}

func (s *fakeSink) Send(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSink) sent() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Record(nil), s.batches...)
}

type fakeConnector struct {
	source  *fakeSource
	sink    *fakeSink
	openErr error
}

func (c *fakeConnector) OpenSource(context.Context, InputSource) (Source, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.source, nil
}

func (c *fakeConnector) OpenSink(context.Context, OutputTarget) (Sink, error) {
	return c.sink, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var errBroken = errors.New("broken")

// panickingTechnique accepts any parameters and fails at transform time
type panickingTechnique struct{}

func (panickingTechnique) Describe() anonymize.Metadata { return anonymize.Metadata{Name: "Panic"} }

func (panickingTechnique) ValidateParameters(anonymize.Params) bool { return true }

func (panickingTechnique) Anonymize([]string, anonymize.Params) ([]string, error) {
	panic("transform exploded")
}
