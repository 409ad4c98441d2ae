package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raaihank/anonymizer/internal/session"
)

const maxResponseBytes = 32 << 20

func newHTTPClient(settings Settings) *http.Client {
	return &http.Client{Timeout: settings.HTTPTimeout}
}

// requestHeaders collects options named "header.<Name>"
func requestHeaders(cfg session.Configuration) http.Header {
	h := make(http.Header)
	for k, v := range cfg.Options {
		if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
			h.Set(name, v)
		}
	}
	return h
}

// APISource polls an HTTP endpoint that answers with a JSON array of
// records, or an object holding one under "records", "data" or "items".
// With cursorParam and cursorField set, each request continues after the
// last record seen.
type APISource struct {
	endpoint    string
	client      *http.Client
	limiter     *rate.Limiter
	headers     http.Header
	batchSize   int
	limitParam  string
	cursorParam string
	cursorField string
	logger      *zap.Logger

	mu     sync.Mutex
	cursor string
}

// NewAPISource creates an HTTP polling source
func NewAPISource(cfg session.Configuration, settings Settings, batchSize int, logger *zap.Logger) (*APISource, error) {
	if _, err := parseEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	return &APISource{
		endpoint:    cfg.Endpoint,
		client:      newHTTPClient(settings),
		limiter:     rate.NewLimiter(rate.Limit(settings.HTTPRateLimit), settings.HTTPBurst),
		headers:     requestHeaders(cfg),
		batchSize:   batchSize,
		limitParam:  cfg.Option("limitParam", ""),
		cursorParam: cfg.Option("cursorParam", ""),
		cursorField: cfg.Option("cursorField", ""),
		logger:      logger,
	}, nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("api connector requires endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: %q", endpoint)
	}
	return u, nil
}

// Validate succeeds when the endpoint answers without a server error
func (s *APISource) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header = s.headers.Clone()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

func (s *APISource) requestURL() string {
	u, _ := url.Parse(s.endpoint)
	q := u.Query()
	if s.limitParam != "" {
		q.Set(s.limitParam, strconv.Itoa(s.batchSize))
	}
	if s.cursorParam != "" && s.cursor != "" {
		q.Set(s.cursorParam, s.cursor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *APISource) FetchBatch(ctx context.Context) ([]session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.headers.Clone()
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	records, err := DecodeRecords(body)
	if err != nil {
		return nil, err
	}

	if s.cursorField != "" && len(records) > 0 {
		if c, ok := session.Stringify(records[len(records)-1][s.cursorField]); ok {
			s.cursor = c
		}
	}
	return records, nil
}

func (s *APISource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// DecodeRecords parses a JSON array of records or an envelope object
func DecodeRecords(body []byte) ([]session.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if body[0] == '[' {
		var records []session.Record
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("invalid records payload: %w", err)
		}
		return records, nil
	}

	var envelope map[string]json.RawMessage
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("invalid records payload: %w", err)
	}
	for _, key := range []string{"records", "data", "items"} {
		if raw, ok := envelope[key]; ok {
			return DecodeRecords(raw)
		}
	}
	return nil, fmt.Errorf("response has no records array")
}

// APISink posts each batch as a JSON array
type APISink struct {
	endpoint string
	method   string
	client   *http.Client
	limiter  *rate.Limiter
	headers  http.Header
	logger   *zap.Logger
}

// NewAPISink creates an HTTP sink
func NewAPISink(cfg session.Configuration, settings Settings, logger *zap.Logger) (*APISink, error) {
	if _, err := parseEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	method := strings.ToUpper(cfg.Option("method", http.MethodPost))
	if method != http.MethodPost && method != http.MethodPut {
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
	return &APISink{
		endpoint: cfg.Endpoint,
		method:   method,
		client:   newHTTPClient(settings),
		limiter:  rate.NewLimiter(rate.Limit(settings.HTTPRateLimit), settings.HTTPBurst),
		headers:  requestHeaders(cfg),
		logger:   logger,
	}, nil
}

func (s *APISink) Send(ctx context.Context, records []session.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = s.headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	s.logger.Debug("Delivered records", zap.Int("records", len(records)), zap.String("endpoint", s.endpoint))
	return nil
}

func (s *APISink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
