package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/config"
	"github.com/raaihank/anonymizer/internal/etl"
	"github.com/raaihank/anonymizer/internal/logger"
)

func main() {
	var (
		configPath      = flag.StringP("config", "c", "", "Configuration file path")
		inputFile       = flag.StringP("input", "i", "", "Input file (csv, jsonl, cbor or parquet, optionally .gz or .zst)")
		outputFile      = flag.StringP("output", "o", "", "Output file (csv, jsonl or cbor, optionally .gz or .zst)")
		rulesFile       = flag.StringP("rules", "r", "", "YAML field rules")
		technique       = flag.String("technique", "", "Override the default technique of the rules file")
		batchSize       = flag.Int("batch-size", 1000, "Records per batch")
		progress        = flag.Int("progress", 10000, "Log progress every N records (0 disables)")
		continueOnError = flag.Bool("continue-on-error", false, "Skip failed batches instead of stopping")
		overwrite       = flag.Bool("overwrite", false, "Replace the output file instead of appending")
		inputFormat     = flag.String("input-format", "", "Input format override (csv, jsonl, cbor, parquet)")
		outputFormat    = flag.String("output-format", "", "Output format override (csv, jsonl, cbor)")
		listTechniques  = flag.Bool("list-techniques", false, "List available techniques and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	registry := anonymize.NewRegistry(
		anonymize.WithPseudonymSecret(cfg.Techniques.PseudonymSecret),
		anonymize.WithDefaultShiftRange(cfg.Techniques.DefaultShiftRange),
	)

	if *listTechniques {
		for _, meta := range registry.ListAll() {
			fmt.Printf("%-22s %-16s %s\n", meta.ID, meta.Category, meta.Description)
		}
		return
	}

	if *inputFile == "" || *outputFile == "" || *rulesFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i users.csv -o users.masked.jsonl -r rules.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i events.parquet -o events.cbor.zst -r rules.yaml --batch-size 5000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --list-techniques\n", os.Args[0])
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rules, err := etl.LoadRules(*rulesFile)
	if err != nil {
		log.Fatal("Failed to load rules", zap.Error(err))
	}
	if *technique != "" {
		rules.Technique = *technique
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	pipeline := etl.NewPipeline(registry, rules, &etl.Config{
		BatchSize:       *batchSize,
		ProgressReport:  *progress,
		ContinueOnError: *continueOnError,
		Overwrite:       *overwrite,
		InputFormat:     *inputFormat,
		OutputFormat:    *outputFormat,
	}, log.WithComponent("etl").Logger)

	result, err := pipeline.ProcessFile(ctx, *inputFile, *outputFile)
	if err != nil {
		log.Error("File anonymization failed",
			zap.Int64("processed_ok", result.ProcessedOK),
			zap.Error(err))
		os.Exit(1)
	}

	stats := pipeline.GetStats()
	fmt.Printf("\n=== Anonymization Summary ===\n")
	fmt.Printf("Input:              %s (%s)\n", *inputFile, humanize.Bytes(uint64(stats.InputBytes)))
	fmt.Printf("Output:             %s\n", *outputFile)
	fmt.Printf("Records:            %s\n", humanize.Comma(result.TotalRecords))
	fmt.Printf("Anonymized:         %s\n", humanize.Comma(result.ProcessedOK))
	fmt.Printf("Failed:             %s\n", humanize.Comma(result.ProcessedFailed))
	fmt.Printf("Batches:            %d\n", result.Batches)
	fmt.Printf("Duration:           %v\n", result.Duration)
	fmt.Printf("Throughput:         %s records/s\n", humanize.CommafWithDigits(result.RecordsPerSecond(), 1))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
}
