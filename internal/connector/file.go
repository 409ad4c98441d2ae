package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/session"
)

// FileFormat is a supported record encoding
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatJSONL   FileFormat = "jsonl"
	FormatCBOR    FileFormat = "cbor"
	FormatParquet FileFormat = "parquet"
)

// Compression wraps a record encoding
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// DetectFileFormat derives the encoding and compression from a file name.
// Unknown extensions are read as CSV.
func DetectFileFormat(path string) (FileFormat, Compression) {
	lower := strings.ToLower(path)
	comp := CompressionNone
	switch {
	case strings.HasSuffix(lower, ".gz"):
		comp = CompressionGzip
		lower = strings.TrimSuffix(lower, ".gz")
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".zstd"):
		comp = CompressionZstd
		lower = strings.TrimSuffix(strings.TrimSuffix(lower, ".zstd"), ".zst")
	}

	switch filepath.Ext(lower) {
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL, comp
	case ".cbor":
		return FormatCBOR, comp
	case ".parquet":
		return FormatParquet, comp
	default:
		return FormatCSV, comp
	}
}

func fileFormat(cfg session.Configuration) (FileFormat, Compression) {
	format, comp := DetectFileFormat(cfg.FilePath)
	if f := cfg.Option("format", ""); f != "" {
		format = FileFormat(strings.ToLower(f))
	}
	if c := cfg.Option("compression", ""); c != "" {
		comp = Compression(strings.ToLower(c))
		if comp == "none" {
			comp = CompressionNone
		}
	}
	return format, comp
}

// RecordReader yields records one at a time and io.EOF at the end
type RecordReader interface {
	Read() (session.Record, error)
}

// RecordWriter encodes records
type RecordWriter interface {
	Write(records []session.Record) error
}

// multiCloser closes in reverse order of registration
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenRecordReader opens path for reading records in the given encoding
func OpenRecordReader(path string, format FileFormat, comp Compression) (RecordReader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	closers := multiCloser{f}

	var r io.Reader = f
	switch comp {
	case CompressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = closers.Close()
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		closers = append(closers, gz)
		r = gz
	case CompressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = closers.Close()
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		rc := zr.IOReadCloser()
		closers = append(closers, rc)
		r = rc
	}

	var reader RecordReader
	switch format {
	case FormatCSV:
		reader, err = newCSVReader(r)
	case FormatJSONL:
		reader, err = newJSONReader(r)
	case FormatCBOR:
		reader = &cborReader{dec: cbor.NewDecoder(r)}
	case FormatParquet:
		reader, err = newParquetReader(f, r, comp)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		_ = closers.Close()
		return nil, nil, err
	}
	return reader, closers, nil
}

type csvReader struct {
	r      *csv.Reader
	header []string
}

func newCSVReader(r io.Reader) (*csvReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err == io.EOF {
		return &csvReader{r: cr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	return &csvReader{r: cr, header: lo.Map(header, func(h string, _ int) string { return strings.TrimSpace(h) })}, nil
}

func (c *csvReader) Read() (session.Record, error) {
	if c.header == nil {
		return nil, io.EOF
	}
	row, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	rec := make(session.Record, len(c.header))
	for i, name := range c.header {
		if i < len(row) {
			rec[name] = row[i]
		} else {
			rec[name] = nil
		}
	}
	return rec, nil
}

// jsonReader reads either a top level array of objects or a sequence of
// objects such as JSON Lines
type jsonReader struct {
	dec   *json.Decoder
	array bool
}

func newJSONReader(r io.Reader) (*jsonReader, error) {
	br := bufio.NewReader(r)
	array := false
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON: %w", err)
		}
		if b[0] == ' ' || b[0] == '\n' || b[0] == '\r' || b[0] == '\t' {
			_, _ = br.ReadByte()
			continue
		}
		array = b[0] == '['
		break
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()
	if array {
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("failed to read JSON array: %w", err)
		}
	}
	return &jsonReader{dec: dec, array: array}, nil
}

func (j *jsonReader) Read() (session.Record, error) {
	if j.array && !j.dec.More() {
		return nil, io.EOF
	}
	var rec session.Record
	if err := j.dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type cborReader struct {
	dec *cbor.Decoder
}

func (c *cborReader) Read() (session.Record, error) {
	var rec map[string]any
	if err := c.dec.Decode(&rec); err != nil {
		return nil, err
	}
	return session.Record(rec), nil
}

type parquetReader struct {
	r       *parquet.Reader
	columns []string
	rows    []parquet.Row
}

// newParquetReader needs random access, so compressed input is buffered in memory
func newParquetReader(f *os.File, r io.Reader, comp Compression) (*parquetReader, error) {
	var (
		input io.ReaderAt
		size  int64
	)
	if comp == CompressionNone {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat parquet file: %w", err)
		}
		input, size = f, info.Size()
	} else {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress parquet file: %w", err)
		}
		input, size = bytes.NewReader(data), int64(len(data))
	}

	pf, err := parquet.OpenFile(input, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	reader := parquet.NewReader(pf)
	columns := lo.Map(reader.Schema().Columns(), func(path []string, _ int) string {
		return strings.Join(path, ".")
	})
	return &parquetReader{r: reader, columns: columns, rows: make([]parquet.Row, 1)}, nil
}

func (p *parquetReader) Read() (session.Record, error) {
	n, err := p.r.ReadRows(p.rows)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}

	rec := make(session.Record, len(p.columns))
	for _, v := range p.rows[0] {
		col := v.Column()
		if col < 0 || col >= len(p.columns) {
			continue
		}
		rec[p.columns[col]] = parquetValue(v)
	}
	return rec, nil
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

// FileSource reads a file front to back, batchSize records per fetch.
// Once the end is reached every fetch returns an empty batch.
type FileSource struct {
	path      string
	format    FileFormat
	comp      Compression
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	reader RecordReader
	closer io.Closer
	offset int64
	eof    bool
}

// NewFileSource creates a file source; nothing is opened until the first fetch
func NewFileSource(cfg session.Configuration, batchSize int, logger *zap.Logger) (*FileSource, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("file source requires filePath")
	}
	format, comp := fileFormat(cfg)
	if cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	return &FileSource{
		path:      cfg.FilePath,
		format:    format,
		comp:      comp,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

func (s *FileSource) Validate(context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", s.path)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("file not readable: %w", err)
	}
	return f.Close()
}

func (s *FileSource) FetchBatch(ctx context.Context) ([]session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eof {
		return nil, nil
	}
	if s.reader == nil {
		reader, closer, err := OpenRecordReader(s.path, s.format, s.comp)
		if err != nil {
			return nil, err
		}
		s.reader, s.closer = reader, closer
	}

	batch := make([]session.Record, 0, s.batchSize)
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.reader.Read()
		if err == io.EOF {
			s.eof = true
			s.logger.Debug("File source exhausted",
				zap.String("file", s.path),
				zap.Int64("records", s.offset+int64(len(batch))))
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", s.offset+int64(len(batch))+1, err)
		}
		batch = append(batch, rec)
	}
	s.offset += int64(len(batch))
	return batch, nil
}

// Offset reports how many records have been read
func (s *FileSource) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer, s.reader = nil, nil
	return err
}

// OpenRecordWriter creates or appends to path. Parquet output is not supported.
func OpenRecordWriter(path string, format FileFormat, comp Compression) (RecordWriter, io.Closer, func() error, error) {
	if format == FormatParquet {
		return nil, nil, nil, fmt.Errorf("parquet output is not supported")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var header []string
	if format == FormatCSV && comp == CompressionNone {
		header = existingCSVHeader(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open output file: %w", err)
	}
	closers := multiCloser{f}

	var (
		w     io.Writer = f
		flush           = func() error { return nil }
	)
	switch comp {
	case CompressionGzip:
		gz := gzip.NewWriter(f)
		closers = append(closers, gz)
		w, flush = gz, gz.Flush
	case CompressionZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = closers.Close()
			return nil, nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		closers = append(closers, zw)
		w, flush = zw, zw.Flush
	}

	var writer RecordWriter
	switch format {
	case FormatCSV:
		writer = &csvWriter{w: csv.NewWriter(w), header: header}
	case FormatJSONL:
		writer = &jsonWriter{enc: json.NewEncoder(w)}
	case FormatCBOR:
		writer = &cborWriter{enc: cbor.NewEncoder(w)}
	default:
		_ = closers.Close()
		return nil, nil, nil, fmt.Errorf("unsupported file format: %s", format)
	}
	return writer, closers, flush, nil
}

func existingCSVHeader(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil
	}
	return header
}

type csvWriter struct {
	w      *csv.Writer
	header []string
}

func (c *csvWriter) Write(records []session.Record) error {
	if len(records) == 0 {
		return nil
	}
	if c.header == nil {
		c.header = lo.Keys(records[0])
		sort.Strings(c.header)
		if err := c.w.Write(c.header); err != nil {
			return err
		}
	}
	row := make([]string, len(c.header))
	for _, rec := range records {
		for i, name := range c.header {
			row[i], _ = session.Stringify(rec[name])
		}
		if err := c.w.Write(row); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

type jsonWriter struct {
	enc *json.Encoder
}

func (j *jsonWriter) Write(records []session.Record) error {
	for _, rec := range records {
		if err := j.enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

type cborWriter struct {
	enc *cbor.Encoder
}

func (c *cborWriter) Write(records []session.Record) error {
	for _, rec := range records {
		if err := c.enc.Encode(map[string]any(rec)); err != nil {
			return err
		}
	}
	return nil
}

// FileSink appends records to a file
type FileSink struct {
	path string

	mu     sync.Mutex
	writer RecordWriter
	closer io.Closer
	flush  func() error
}

// NewFileSink opens the output file for appending
func NewFileSink(cfg session.Configuration) (*FileSink, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("file target requires filePath")
	}
	format, comp := fileFormat(cfg)
	writer, closer, flush, err := OpenRecordWriter(cfg.FilePath, format, comp)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: cfg.FilePath, writer: writer, closer: closer, flush: flush}, nil
}

func (s *FileSink) Send(_ context.Context, records []session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return fmt.Errorf("file sink %s is closed", s.path)
	}
	if err := s.writer.Write(records); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return s.flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer, s.writer = nil, nil
	return err
}
