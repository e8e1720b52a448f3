package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSQL(t *testing.T, dialect Dialect) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQL(db, dialect), mock
}

func TestSQLMigrate(t *testing.T) {
	for _, dialect := range []Dialect{Postgres, SQLite} {
		t.Run(dialect.Name, func(t *testing.T) {
			s, mock := newMockSQL(t, dialect)
			mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS indexer_kv")).
				WillReturnResult(sqlmock.NewResult(0, 0))

			require.NoError(t, s.Migrate(context.Background()))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLUpdateCommitsAllWrites(t *testing.T) {
	s, mock := newMockSQL(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO indexer_kv (region, k, v) VALUES ($1, $2, $3)")).
		WithArgs("kv_epoch_starts", SeqKey(1), []byte("one")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO indexer_kv")).
		WithArgs("watermarks", NameKey("kv_epoch_starts"), []byte("wm")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), func(tx Tx) error {
		if err := tx.Put("kv_epoch_starts", SeqKey(1), []byte("one")); err != nil {
			return err
		}
		return tx.Put("watermarks", NameKey("kv_epoch_starts"), []byte("wm"))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUpdateRollsBackOnError(t *testing.T) {
	s, mock := newMockSQL(t, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO indexer_kv (region, k, v) VALUES (?, ?, ?)")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Update(context.Background(), func(tx Tx) error {
		return tx.Put("cp_sequence_numbers", SeqKey(5), []byte("x"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUpdateCommitFailure(t *testing.T) {
	s, mock := newMockSQL(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(sql.ErrConnDone)

	err := s.Update(context.Background(), func(tx Tx) error { return nil })
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestSQLGet(t *testing.T) {
	s, mock := newMockSQL(t, Postgres)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT v FROM indexer_kv WHERE region = $1 AND k = $2")).
		WithArgs("genesis", NameKey("genesis")).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow([]byte("g")))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT v FROM indexer_kv")).
		WithArgs("genesis", NameKey("other")).
		WillReturnRows(sqlmock.NewRows([]string{"v"}))

	err := s.View(context.Background(), func(r Reader) error {
		v, err := r.Get("genesis", NameKey("genesis"))
		require.NoError(t, err)
		assert.Equal(t, []byte("g"), v)

		_, err = r.Get("genesis", NameKey("other"))
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLast(t *testing.T) {
	s, mock := newMockSQL(t, SQLite)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT k, v FROM indexer_kv WHERE region = ? ORDER BY k DESC LIMIT 1")).
		WithArgs("kv_epoch_ends").
		WillReturnRows(sqlmock.NewRows([]string{"k", "v"}).AddRow(SeqKey(7), []byte("seven")))

	err := s.View(context.Background(), func(r Reader) error {
		k, v, err := r.Last("kv_epoch_ends")
		require.NoError(t, err)
		assert.Equal(t, SeqKey(7), k)
		assert.Equal(t, []byte("seven"), v)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLViewIsReadOnly(t *testing.T) {
	s, _ := newMockSQL(t, SQLite)
	err := s.View(context.Background(), func(r Reader) error {
		return r.(Tx).Put("x", SeqKey(1), []byte{1})
	})
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.Driver)

	d, err = DialectByName("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", d.Driver)

	_, err = DialectByName("oracle")
	require.Error(t, err)
	assert.Equal(t, `unsupported SQL dialect "oracle"`, err.Error())
}

func TestSQLPutClassifiesPostgresErrors(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, wantPermanent: true},
		{name: "value too long", err: &pgconn.PgError{Code: "22001"}, wantPermanent: true},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, wantPermanent: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}},
		{name: "connection lost", err: errors.New("connection reset by peer")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockSQL(t, Postgres)
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO indexer_kv")).WillReturnError(tt.err)
			mock.ExpectRollback()

			err := s.Update(context.Background(), func(tx Tx) error {
				return tx.Put("cp_sequence_numbers", SeqKey(7), []byte{1})
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, errors.Is(err, ErrPermanent))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
