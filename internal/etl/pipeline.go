// Package etl anonymizes whole files in batches using field rules.
package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/connector"
	"github.com/raaihank/anonymizer/internal/session"
)

// Pipeline reads records from a file, anonymizes the sensitive fields and
// writes them to another file
type Pipeline struct {
	anonymizer  session.Anonymizer
	transformer *session.Transformer
	rules       *Rules
	config      *Config
	logger      *zap.Logger
	stats       *ProcessingStats
	mu          sync.RWMutex
}

// NewPipeline creates a new file pipeline
func NewPipeline(anonymizer session.Anonymizer, rules *Rules, config *Config, logger *zap.Logger) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Pipeline{
		anonymizer:  anonymizer,
		transformer: session.NewTransformer(anonymizer),
		rules:       rules,
		config:      config,
		logger:      logger,
		stats:       &ProcessingStats{StartTime: time.Now()},
	}
}

// ProcessFile anonymizes inputPath into outputPath
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*ProcessingResult, error) {
	result := &ProcessingResult{}
	if err := p.check(inputPath, outputPath); err != nil {
		return result, err
	}

	inFormat, inComp := connector.DetectFileFormat(inputPath)
	if p.config.InputFormat != "" {
		inFormat = connector.FileFormat(p.config.InputFormat)
	}
	outFormat, outComp := connector.DetectFileFormat(outputPath)
	if p.config.OutputFormat != "" {
		outFormat = connector.FileFormat(p.config.OutputFormat)
	}
	if p.config.OutputCompression != "" {
		outComp = connector.Compression(p.config.OutputCompression)
	}

	p.resetStats()
	if info, err := os.Stat(inputPath); err == nil {
		p.mu.Lock()
		p.stats.InputBytes = info.Size()
		p.mu.Unlock()
	}

	p.logger.Info("Starting file anonymization",
		zap.String("input", inputPath),
		zap.String("input_format", string(inFormat)),
		zap.String("output", outputPath),
		zap.String("output_format", string(outFormat)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Strings("techniques", p.rules.Techniques()))

	reader, rc, err := connector.OpenRecordReader(inputPath, inFormat, inComp)
	if err != nil {
		return result, fmt.Errorf("failed to open input: %w", err)
	}
	defer rc.Close()

	if p.config.Overwrite {
		if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, fmt.Errorf("failed to remove existing output: %w", err)
		}
	}
	writer, wc, flush, err := connector.OpenRecordWriter(outputPath, outFormat, outComp)
	if err != nil {
		return result, fmt.Errorf("failed to open output: %w", err)
	}

	start := time.Now()
	runErr := p.processBatches(ctx, reader, writer, flush, result)
	if err := wc.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close output: %w", err)
	}
	result.Duration = time.Since(start)

	if runErr != nil {
		return result, runErr
	}

	p.logger.Info("File anonymization completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("batches", result.Batches),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("transform_time", result.TransformTime),
		zap.Duration("write_time", result.WriteTime))

	return result, nil
}

func (p *Pipeline) check(inputPath, outputPath string) error {
	if inputPath == "" || outputPath == "" {
		return errors.New("input and output paths are required")
	}
	in, err := filepath.Abs(inputPath)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return err
	}
	if in == out {
		return errors.New("output must differ from input")
	}
	for _, id := range p.rules.Techniques() {
		if !p.anonymizer.Has(id) {
			return fmt.Errorf("unknown technique %s", id)
		}
	}
	return nil
}

func readBatch(reader connector.RecordReader, size int) ([]session.Record, error) {
	batch := make([]session.Record, 0, size)
	for len(batch) < size {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return batch, io.EOF
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

// processBatches drains reader into writer one batch at a time
func (p *Pipeline) processBatches(ctx context.Context, reader connector.RecordReader, writer connector.RecordWriter, flush func() error, result *ProcessingResult) error {
	var lastReport int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, readErr := readBatch(reader, p.config.BatchSize)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read batch %d: %w", result.Batches+1, readErr)
		}

		if len(batch) > 0 {
			result.Batches++
			result.TotalRecords += int64(len(batch))
			p.updateStats(func(s *ProcessingStats) {
				s.RecordsRead += int64(len(batch))
				s.CurrentBatch = result.Batches
			})

			if err := p.processBatch(batch, writer, flush, result); err != nil {
				result.ProcessedFailed += int64(len(batch))
				result.Errors = append(result.Errors, err.Error())
				p.updateStats(func(s *ProcessingStats) { s.RecordsFailed += int64(len(batch)) })
				if !p.config.ContinueOnError {
					return err
				}
				p.logger.Warn("Batch failed, continuing",
					zap.Int64("batch", result.Batches),
					zap.Error(err))
			} else {
				result.ProcessedOK += int64(len(batch))
				p.updateStats(func(s *ProcessingStats) { s.RecordsWritten += int64(len(batch)) })
			}

			if p.config.ProgressReport > 0 && result.TotalRecords-lastReport >= int64(p.config.ProgressReport) {
				lastReport = result.TotalRecords
				p.reportProgress(result)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

// processBatch transforms and writes a single batch of records
func (p *Pipeline) processBatch(batch []session.Record, writer connector.RecordWriter, flush func() error, result *ProcessingResult) error {
	transformStart := time.Now()
	out, err := p.transformer.Transform(batch, p.rules.Fields, p.rules.Technique, p.rules.Parameters)
	result.TransformTime += time.Since(transformStart)
	if err != nil {
		return fmt.Errorf("batch %d: %w", result.Batches, err)
	}

	writeStart := time.Now()
	if err := writer.Write(out); err != nil {
		return fmt.Errorf("batch %d: failed to write: %w", result.Batches, err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("batch %d: failed to flush: %w", result.Batches, err)
	}
	result.WriteTime += time.Since(writeStart)
	return nil
}

// reportProgress logs current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	stats := p.GetStats()
	p.logger.Info("Processing progress",
		zap.String("records", humanize.Comma(result.TotalRecords)),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.String("input_size", humanize.Bytes(uint64(stats.InputBytes))),
		zap.Float64("rate_per_sec", stats.ProcessingRate),
		zap.Duration("elapsed", time.Since(stats.StartTime)))
}

func (p *Pipeline) updateStats(fn func(*ProcessingStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.stats)
	if elapsed := time.Since(p.stats.StartTime).Seconds(); elapsed > 0 {
		p.stats.ProcessingRate = float64(p.stats.RecordsWritten) / elapsed
	}
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}
