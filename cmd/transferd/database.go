package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/transfers/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/transfers/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/transfers/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
	memoryScheme   = "memory://"
)

// backend bundles the stores one database provides.
type backend struct {
	store       transfer.Store
	idempotency transfer.IdempotencyStore
	audit       transfer.AuditStore
	driver      string
	close       func() error
}

func openBackend(ctx context.Context, cfg *runtimeConfig) (*backend, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	switch {
	case driver == driverMemory:
		store := memstore.New()
		return &backend{store: store, idempotency: store, audit: store, driver: driver, close: func() error { return nil }}, nil
	case driver == driverPostgres && cfg.StoreDriver == storeDriverPGX:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		store := pgstore.New(pool)
		return &backend{store: store, idempotency: store, audit: store, driver: driver, close: func() error {
			pool.Close()
			return nil
		}}, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, err
	}
	if err := prepareSchema(gormDB); err != nil {
		_ = cleanup()
		return nil, err
	}
	store := gormstore.New(gormDB)
	return &backend{store: store, idempotency: store, audit: store, driver: driver, close: cleanup}, nil
}

func openDatabase(ctx context.Context, driver string, dsn string, sqlitePath string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// sqlite allows one writer; row locks are emulated by serializing connections.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if dsn == memoryScheme {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "transfers.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
