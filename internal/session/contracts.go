package session

import (
	"context"

	"github.com/raaihank/anonymizer/internal/anonymize"
)

// Source is an opened input source. FetchBatch returns the next records,
// or an empty batch when nothing new is available.
type Source interface {
	Validate(ctx context.Context) error
	FetchBatch(ctx context.Context) ([]Record, error)
	Close() error
}

// Sink is an opened output target
type Sink interface {
	Send(ctx context.Context, records []Record) error
	Close() error
}

// Connector opens sources and sinks for the configured source types. The
// context bounds opening only; opened values must not retain it.
type Connector interface {
	OpenSource(ctx context.Context, in InputSource) (Source, error)
	OpenSink(ctx context.Context, out OutputTarget) (Sink, error)
}

// Publisher receives session events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Anonymizer is the part of the technique registry the manager uses
type Anonymizer interface {
	Apply(id string, values []string, params anonymize.Params) anonymize.Result
	Has(id string) bool
	ValidateParameters(id string, params anonymize.Params) bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
