package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/db/dialect"
)

const (
	defaultPostgresMaxConns = 10
	defaultPostgresMinConns = 2
	postgresConnLifetime    = 30 * time.Minute
	postgresConnectTimeout  = 10 * time.Second
)

// OpenPostgres connects through the pgx stdlib driver. Topic state is small,
// so one pool serves both the writer and reader roles.
func OpenPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required for postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()
	conn, err := sqlx.ConnectContext(ctx, dialect.PGX, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 || minConns > maxConns {
		minConns = min(defaultPostgresMinConns, maxConns)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)
	conn.SetConnMaxLifetime(postgresConnLifetime)
	return conn, nil
}
