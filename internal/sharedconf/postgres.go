package sharedconf

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"bulkjob/internal/apperrors"
)

// Postgres stores shared configuration in a table so tasks on other hosts can
// read it. Each logical write operation has its own scope.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using a lib/pq DSN and makes sure the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, apperrors.ConfigurationMissing("DATABASE_URL")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	p, err := NewPostgres(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres reuses an existing *sql.DB.
func NewPostgres(ctx context.Context, db *sql.DB) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	p := &Postgres{db: db}
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the configuration table if needed.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS bulkjob_shared_conf (
  scope text NOT NULL,
  key text NOT NULL,
  value text NOT NULL,
  published_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (scope, key)
);
`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create bulkjob_shared_conf: %w", err)
	}
	return nil
}

// Scope returns the channel of one operation.
func (p *Postgres) Scope(scope string) Channel {
	return &pgScope{db: p.db, scope: scope}
}

// Ready pings the database.
func (p *Postgres) Ready(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type pgScope struct {
	db    *sql.DB
	scope string
}

func (s *pgScope) Publish(ctx context.Context, key, value string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bulkjob_shared_conf (scope, key, value) VALUES ($1,$2,$3) ON CONFLICT (scope, key) DO NOTHING`,
		s.scope, key, value)
	if err != nil {
		return apperrors.Internal("sharedconf.publish", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	// Row already existed: same value is fine, anything else breaks write-once.
	current, ok, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if ok && current == value {
		return nil
	}
	return apperrors.Conflict("configuration key", key, "already published with a different value")
}

func (s *pgScope) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bulkjob_shared_conf WHERE scope=$1`, s.scope); err != nil {
		return apperrors.Internal("sharedconf.clear", err)
	}
	return nil
}

func (s *pgScope) Read(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bulkjob_shared_conf WHERE scope=$1 AND key=$2`, s.scope, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperrors.Internal("sharedconf.read", err)
	}
	return value, true, nil
}
