package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// Source names where a stress Database came from.
type Source string

const (
	SourceDSN       Source = "dsn"
	SourceContainer Source = "container"
	SourceLocal     Source = "local"
)

// Database is a migrated PostgreSQL for one stress run. Every pooled
// connection carries ApplicationName.
type Database struct {
	Pool   *pgxpool.Pool
	Source Source

	closers []func(context.Context) error
}

// Provision finds a database and applies the embedded schema to it. The
// first of overrideDSN, RENTAL_STRESS_DSN, a Docker container or a local
// server on 127.0.0.1:5432 wins. Shared databases get a private schema that
// Close drops.
func Provision(ctx context.Context, overrideDSN string) (*Database, error) {
	db := &Database{}
	dsn := overrideDSN
	if dsn == "" {
		dsn = os.Getenv("RENTAL_STRESS_DSN")
	}

	switch {
	case dsn != "":
		db.Source = SourceDSN
	case dockerAvailable(ctx):
		c, err := postgres.Run(ctx, postgresImage,
			postgres.WithDatabase("rental"),
			postgres.WithUsername("rental"),
			postgres.WithPassword("rental"),
		)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", postgresImage, err)
		}
		db.closers = append(db.closers, func(ctx context.Context) error { return c.Terminate(ctx) })
		dsn, err = c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("container dsn: %w", err)
		}
		db.Source = SourceContainer
	default:
		var err error
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, err
		}
		db.Source = SourceLocal
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, db.Source == SourceDSN)
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	db.Pool = pool
	// closers run last-in first-out: pool, then schema, then container
	db.closers = append(db.closers, teardown, func(context.Context) error {
		pool.Close()
		return nil
	})
	return db, nil
}

// Close releases the pool, drops a private schema and stops a container,
// returning the first error.
func (d *Database) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
