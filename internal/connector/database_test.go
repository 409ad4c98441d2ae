package connector

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/session"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestDatabaseSourceCursor(t *testing.T) {
	db, mock := newMockDB(t)
	src, err := NewDatabaseSourceFromDB(db, "people", "id", 2, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM people ORDER BY id LIMIT 2")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(int64(1), "a@b.com").
			AddRow(int64(2), []byte("c@d.com")))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM people WHERE id > $1 ORDER BY id LIMIT 2")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))

	first, err := src.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a@b.com", first[0]["email"])
	assert.Equal(t, "c@d.com", first[1]["email"])

	second, err := src.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseSourceOffset(t *testing.T) {
	db, mock := newMockDB(t)
	src, err := NewDatabaseSourceFromDB(db, "public.people", "", 1, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM public.people LIMIT 1 OFFSET 0")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Alice"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM public.people LIMIT 1 OFFSET 1")).
		WillReturnError(errors.New("connection reset"))

	batch, err := src.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, err = src.FetchBatch(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseSourceValidate(t *testing.T) {
	db, mock := newMockDB(t)
	src, err := NewDatabaseSourceFromDB(db, "people", "", 10, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, src.Validate(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("refused"))
	assert.Error(t, src.Validate(context.Background()))

	mock.ExpectClose()
	assert.NoError(t, src.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseIdentifiers(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	_, err := NewDatabaseSourceFromDB(db, "people; DROP TABLE x", "", 10, zap.NewNop())
	assert.Error(t, err)
	_, err = NewDatabaseSourceFromDB(db, "people", "id desc", 10, zap.NewNop())
	assert.Error(t, err)
	_, err = NewDatabaseSinkFromDB(db, "", zap.NewNop())
	assert.Error(t, err)

	sink, err := NewDatabaseSinkFromDB(db, "people", zap.NewNop())
	require.NoError(t, err)
	err = sink.Send(context.Background(), []session.Record{{"bad-column": "x"}})
	assert.Error(t, err)
}

func TestDatabaseSinkInsertsInTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	sink, err := NewDatabaseSinkFromDB(db, "people", zap.NewNop())
	require.NoError(t, err)

	insert := regexp.QuoteMeta("INSERT INTO people (email, id) VALUES ($1, $2)")
	mock.ExpectBegin()
	mock.ExpectExec(insert).WithArgs("a@***om", int64(1)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).WithArgs(nil, int64(2)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err = sink.Send(context.Background(), []session.Record{
		{"id": int64(1), "email": "a@***om"},
		{"id": int64(2)},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseSinkRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	sink, err := NewDatabaseSinkFromDB(db, "people", zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO people").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err = sink.Send(context.Background(), []session.Record{{"id": int64(1)}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, sink.Send(context.Background(), nil))
}

func TestDatabaseDriver(t *testing.T) {
	tests := []struct {
		cfg  session.Configuration
		want string
	}{
		{session.Configuration{ConnectionString: "postgres://u:p@localhost/db"}, "postgres"},
		{session.Configuration{ConnectionString: "user:pass@tcp(localhost:3306)/db"}, "mysql"},
		{session.Configuration{ConnectionString: "host=localhost dbname=x"}, "postgres"},
		{session.Configuration{ConnectionString: "whatever", Options: map[string]string{"driver": "MySQL"}}, "mysql"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, databaseDriver(tt.cfg, "postgres"), tt.cfg.ConnectionString)
	}
}
