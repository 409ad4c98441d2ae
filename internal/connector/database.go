package connector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/session"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func validIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name: %q", kind, name)
	}
	return nil
}

// databaseDriver picks the sql driver for a connection string
func databaseDriver(cfg session.Configuration, fallback string) string {
	if d := cfg.Option("driver", ""); d != "" {
		return strings.ToLower(d)
	}
	dsn := strings.ToLower(cfg.ConnectionString)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "@tcp("), strings.HasPrefix(dsn, "mysql://"):
		return "mysql"
	}
	return fallback
}

func openDatabase(cfg session.Configuration, settings Settings, logger *zap.Logger) (*sqlx.DB, string, error) {
	if cfg.ConnectionString == "" {
		return nil, "", fmt.Errorf("database connector requires connectionString")
	}
	table := cfg.Option("table", "")
	if err := validIdentifier("table", table); err != nil {
		return nil, "", err
	}

	driver := databaseDriver(cfg, settings.DatabaseDriver)
	db, err := sqlx.Open(driver, strings.TrimPrefix(cfg.ConnectionString, "mysql://"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(settings.MaxOpenConns)
	db.SetMaxIdleConns(settings.MaxOpenConns)

	logger.Info("Database connector opened",
		zap.String("driver", driver),
		zap.String("database_url", maskURL(cfg.ConnectionString)),
		zap.String("table", table))
	return db, table, nil
}

// DatabaseSource pages through a table. With a cursor column it resumes
// after the last seen value, otherwise it pages by offset.
type DatabaseSource struct {
	db        *sqlx.DB
	table     string
	cursorCol string
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	cursor any
	offset int64
}

// NewDatabaseSource opens a database source from session configuration
func NewDatabaseSource(cfg session.Configuration, settings Settings, batchSize int, logger *zap.Logger) (*DatabaseSource, error) {
	db, table, err := openDatabase(cfg, settings, logger)
	if err != nil {
		return nil, err
	}
	src, err := NewDatabaseSourceFromDB(db, table, cfg.Option("cursorField", ""), batchSize, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return src, nil
}

// NewDatabaseSourceFromDB wraps an existing handle
func NewDatabaseSourceFromDB(db *sqlx.DB, table, cursorCol string, batchSize int, logger *zap.Logger) (*DatabaseSource, error) {
	if err := validIdentifier("table", table); err != nil {
		return nil, err
	}
	if cursorCol != "" {
		if err := validIdentifier("cursor column", cursorCol); err != nil {
			return nil, err
		}
	}
	return &DatabaseSource{
		db:        db,
		table:     table,
		cursorCol: cursorCol,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

func (s *DatabaseSource) Validate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *DatabaseSource) query() (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	fmt.Fprintf(&b, "SELECT * FROM %s", s.table)
	if s.cursorCol != "" {
		if s.cursor != nil {
			fmt.Fprintf(&b, " WHERE %s > ?", s.cursorCol)
			args = append(args, s.cursor)
		}
		fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", s.cursorCol, s.batchSize)
	} else {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", s.batchSize, s.offset)
	}
	return s.db.Rebind(b.String()), args
}

func (s *DatabaseSource) FetchBatch(ctx context.Context) ([]session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args := s.query()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var batch []session.Record
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		batch = append(batch, session.Record(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	if len(batch) > 0 {
		s.offset += int64(len(batch))
		if s.cursorCol != "" {
			s.cursor = batch[len(batch)-1][s.cursorCol]
		}
		s.logger.Debug("Fetched rows",
			zap.String("table", s.table),
			zap.Int("rows", len(batch)),
			zap.Int64("offset", s.offset))
	}
	return batch, nil
}

func (s *DatabaseSource) Close() error {
	return s.db.Close()
}

// DatabaseSink inserts records into a table, one transaction per batch
type DatabaseSink struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger
}

// NewDatabaseSink opens a database sink from session configuration
func NewDatabaseSink(cfg session.Configuration, settings Settings, logger *zap.Logger) (*DatabaseSink, error) {
	db, table, err := openDatabase(cfg, settings, logger)
	if err != nil {
		return nil, err
	}
	return &DatabaseSink{db: db, table: table, logger: logger}, nil
}

// NewDatabaseSinkFromDB wraps an existing handle
func NewDatabaseSinkFromDB(db *sqlx.DB, table string, logger *zap.Logger) (*DatabaseSink, error) {
	if err := validIdentifier("table", table); err != nil {
		return nil, err
	}
	return &DatabaseSink{db: db, table: table, logger: logger}, nil
}

// insertStatement builds a named insert over the union of record keys
func (s *DatabaseSink) insertStatement(records []session.Record) (string, []string, error) {
	columns := lo.Uniq(lo.FlatMap(records, func(r session.Record, _ int) []string { return lo.Keys(r) }))
	sort.Strings(columns)
	for _, c := range columns {
		if err := validIdentifier("column", c); err != nil {
			return "", nil, err
		}
	}
	placeholders := lo.Map(columns, func(c string, _ int) string { return ":" + c })
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	return query, columns, nil
}

func (s *DatabaseSink) Send(ctx context.Context, records []session.Record) error {
	if len(records) == 0 {
		return nil
	}
	query, columns, err := s.insertStatement(records)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, rec := range records {
		arg := make(map[string]any, len(columns))
		for _, c := range columns {
			arg[c] = rec[c]
		}
		if _, err := tx.NamedExecContext(ctx, query, arg); err != nil {
			return fmt.Errorf("failed to insert record %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *DatabaseSink) Close() error {
	return s.db.Close()
}
