package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/session"
)

// dataField carries a JSON encoded record in a stream entry
const dataField = "data"

func newRedisClient(cfg session.Configuration, settings Settings) (*redis.Client, string, error) {
	stream := cfg.Option("stream", "")
	if stream == "" {
		return nil, "", fmt.Errorf("stream connector requires the stream option")
	}
	addr := cfg.Endpoint
	if addr == "" {
		addr = settings.RedisURL
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = settings.HTTPTimeout
	return redis.NewClient(opts), stream, nil
}

// StreamSource reads a Redis stream from a starting id. The start id "$"
// means entries added after the first fetch.
type StreamSource struct {
	client    *redis.Client
	stream    string
	batchSize int64
	logger    *zap.Logger

	mu     sync.Mutex
	lastID string
}

// NewStreamSource creates a Redis stream source
func NewStreamSource(cfg session.Configuration, settings Settings, batchSize int, logger *zap.Logger) (*StreamSource, error) {
	client, stream, err := newRedisClient(cfg, settings)
	if err != nil {
		return nil, err
	}
	logger.Info("Stream connector opened",
		zap.String("redis_url", maskURL(cfg.Endpoint)),
		zap.String("stream", stream))
	return &StreamSource{
		client:    client,
		stream:    stream,
		batchSize: int64(batchSize),
		logger:    logger,
		lastID:    cfg.Option("startId", "0"),
	}, nil
}

func (s *StreamSource) Validate(ctx context.Context) error {
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// resolveStart pins "$" to the newest existing id so later reads do not skip
func (s *StreamSource) resolveStart(ctx context.Context) error {
	if s.lastID != "$" {
		return nil
	}
	latest, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	s.lastID = "0-0"
	if len(latest) > 0 {
		s.lastID = latest[0].ID
	}
	return nil
}

func (s *StreamSource) FetchBatch(ctx context.Context) ([]session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveStart(ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve stream position: %w", err)
	}

	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   s.batchSize,
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", s.stream, err)
	}

	var batch []session.Record
	for _, st := range streams {
		for _, msg := range st.Messages {
			rec, err := DecodeStreamMessage(msg.Values)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", msg.ID, err)
			}
			batch = append(batch, rec)
			s.lastID = msg.ID
		}
	}
	return batch, nil
}

func (s *StreamSource) Close() error {
	return s.client.Close()
}

// DecodeStreamMessage turns stream entry fields into a record. An entry
// with a "data" field holds a JSON object, any other entry maps directly.
func DecodeStreamMessage(values map[string]interface{}) (session.Record, error) {
	if raw, ok := values[dataField]; ok && len(values) == 1 {
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			return nil, fmt.Errorf("unexpected data field type %T", raw)
		}
		var rec session.Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("invalid data field: %w", err)
		}
		return rec, nil
	}

	rec := make(session.Record, len(values))
	for k, v := range values {
		rec[k] = v
	}
	return rec, nil
}

// StreamSink appends records to a Redis stream
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamSink creates a Redis stream sink
func NewStreamSink(cfg session.Configuration, settings Settings, logger *zap.Logger) (*StreamSink, error) {
	client, stream, err := newRedisClient(cfg, settings)
	if err != nil {
		return nil, err
	}
	var maxLen int64
	if v := cfg.Option("maxLen", ""); v != "" {
		maxLen, err = strconv.ParseInt(v, 10, 64)
		if err != nil || maxLen < 0 {
			_ = client.Close()
			return nil, fmt.Errorf("invalid maxLen: %q", v)
		}
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen, logger: logger}, nil
}

func (s *StreamSink) Send(ctx context.Context, records []session.Record) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()

	pipe := s.client.Pipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: s.maxLen > 0,
			Values: map[string]interface{}{dataField: data},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", s.stream, err)
	}

	s.logger.Debug("Appended records to stream",
		zap.String("stream", s.stream),
		zap.Int("records", len(records)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *StreamSink) Close() error {
	return s.client.Close()
}
