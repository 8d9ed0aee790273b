package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/krau/facedb/service"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Postgres stores faces in one table with a pgvector column per vector field.
type Postgres struct {
	db     *sql.DB
	opts   Options
	upsert string
}

func NewPostgres(dsn string, opts Options) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("database URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	return &Postgres{db: db, opts: opts, upsert: upsertSQL(table(opts), opts.VectorFields)}, nil
}

func table(opts Options) string {
	if opts.Collection == "" {
		return "faces"
	}
	return opts.Collection
}

// Configure waits for the database, then creates the extension and table.
func (p *Postgres) Configure(ctx context.Context) error {
	err := untilReady(ctx, "postgres ping", p.opts.ReadyTimeout, func() error {
		err := p.db.PingContext(ctx)
		if err != nil && !unreachable(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, schemaSQL(table(p.opts), p.opts.VectorFields, p.opts.Dimensions)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	slog.Info("Postgres table ready", slog.String("table", table(p.opts)))
	return nil
}

func schemaSQL(tbl string, fields []string, dim int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", pq.QuoteIdentifier(tbl))
	b.WriteString("\tid BIGINT PRIMARY KEY,\n\tname TEXT,\n\tsource_url TEXT,\n\tdate TEXT")
	for _, f := range fields {
		fmt.Fprintf(&b, ",\n\t%s vector(%d)", pq.QuoteIdentifier(f), dim)
	}
	b.WriteString("\n)")
	return b.String()
}

func upsertSQL(tbl string, fields []string) string {
	cols := []string{"id", "name", "source_url", "date"}
	for _, f := range fields {
		cols = append(cols, pq.QuoteIdentifier(f))
	}
	args := make([]string, len(cols))
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		args[i] = fmt.Sprintf("$%d", i+1)
		if i > 0 {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		pq.QuoteIdentifier(tbl), strings.Join(cols, ", "), strings.Join(args, ", "), strings.Join(sets, ", "))
}

func (p *Postgres) Upsert(ctx context.Context, face *service.Face) error {
	args := []any{int64(face.ID), face.Name, face.SourceURL, face.Date}
	for _, f := range p.opts.VectorFields {
		if v, ok := face.Vectors[f]; ok {
			args = append(args, pgvector.NewVector(v))
		} else {
			args = append(args, nil)
		}
	}

	if _, err := p.db.ExecContext(ctx, p.upsert, args...); err != nil {
		if unreachable(err) {
			return fmt.Errorf("%w: %w", service.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%w: %w", service.ErrStore, err)
	}
	return nil
}

// unreachable reports connection-level failures, as opposed to SQL errors.
func unreachable(err error) bool {
	var netErr net.Error
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr):
		// 57P03 cannot_connect_now: the server is starting up
		return pqErr.Code == "57P03"
	case errors.As(err, &netErr), errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		return true
	}
	return false
}

func (p *Postgres) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	return nil
}
