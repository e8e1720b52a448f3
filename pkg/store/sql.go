package store

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	// Register the "pgx" and "sqlite3" database/sql drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name        string
	Driver      string
	CreateTable string
	Upsert      string
	Select      string
	SelectLast  string
}

var Postgres = Dialect{
	Name:   "postgres",
	Driver: "pgx",
	CreateTable: `CREATE TABLE IF NOT EXISTS indexer_kv (
		region TEXT NOT NULL,
		k BYTEA NOT NULL,
		v BYTEA NOT NULL,
		PRIMARY KEY (region, k)
	)`,
	Upsert: `INSERT INTO indexer_kv (region, k, v) VALUES ($1, $2, $3)
		ON CONFLICT (region, k) DO UPDATE SET v = EXCLUDED.v`,
	Select:     `SELECT v FROM indexer_kv WHERE region = $1 AND k = $2`,
	SelectLast: `SELECT k, v FROM indexer_kv WHERE region = $1 ORDER BY k DESC LIMIT 1`,
}

var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite3",
	CreateTable: `CREATE TABLE IF NOT EXISTS indexer_kv (
		region TEXT NOT NULL,
		k BLOB NOT NULL,
		v BLOB NOT NULL,
		PRIMARY KEY (region, k)
	)`,
	Upsert: `INSERT INTO indexer_kv (region, k, v) VALUES (?, ?, ?)
		ON CONFLICT (region, k) DO UPDATE SET v = excluded.v`,
	Select:     `SELECT v FROM indexer_kv WHERE region = ? AND k = ?`,
	SelectLast: `SELECT k, v FROM indexer_kv WHERE region = ? ORDER BY k DESC LIMIT 1`,
}

// DialectByName resolves the storage.type config value.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case Postgres.Name, "postgresql":
		return Postgres, nil
	case SQLite.Name, "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, errors.Errorf("unsupported SQL dialect %q", name)
}

// SQL keeps every region in a single table of a relational database.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects, pings and creates the table if needed.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", dialect.Name)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connecting to %s database", dialect.Name)
	}
	if dialect.Name == SQLite.Name {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	s := NewSQL(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an existing handle. Call Migrate before first use.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.CreateTable); err != nil {
		return errors.Wrap(err, "creating indexer_kv table")
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqlTx struct {
	ctx      context.Context
	q        queryer
	dialect  Dialect
	readOnly bool
}

func (t *sqlTx) Get(region string, key []byte) ([]byte, error) {
	var v []byte
	err := t.q.QueryRowContext(t.ctx, t.dialect.Select, region, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", region)
	}
	return v, nil
}

func (t *sqlTx) Last(region string) ([]byte, []byte, error) {
	var k, v []byte
	err := t.q.QueryRowContext(t.ctx, t.dialect.SelectLast, region).Scan(&k, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading last of %s", region)
	}
	return k, v, nil
}

func (t *sqlTx) Put(region string, key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.q.ExecContext(t.ctx, t.dialect.Upsert, region, key, value); err != nil {
		return errors.Wrapf(classify(err), "writing %s", region)
	}
	return nil
}

func (s *SQL) View(ctx context.Context, fn func(Reader) error) error {
	return fn(&sqlTx{ctx: ctx, q: s.db, dialect: s.dialect, readOnly: true})
}

func (s *SQL) Update(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&sqlTx{ctx: ctx, q: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(classify(err), "committing transaction")
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// classify marks Postgres errors in the data exception (22), integrity
// constraint (23) and syntax or access rule (42) classes as permanent.
// Everything else, connection failures and serialization conflicts included,
// stays retryable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return err
	}
	switch pgErr.Code[:2] {
	case "22", "23", "42":
		return &permanentError{err: err}
	}
	return err
}
