package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/db/dialect"
)

// Provide opens the pool selected by cfg.Driver ("sqlite" or "postgres").
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	var pool *Pool
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql", dialect.PGX:
		shared, err := OpenPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		pool = NewPool(shared, shared)
		log.Info("Connected to postgres")

	case "", "sqlite", dialect.SQLite3:
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, err
		}
		pool = NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		log.Info("Opened sqlite database", zap.String("path", cfg.Path))

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return pool, pool.Close, nil
}
