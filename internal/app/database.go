package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/questnet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/questnet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	sqliteScheme      = "sqlite://"
	defaultSQLiteFile = "questnet.db"
	sqliteInMemory    = ":memory:"
)

// databaseTarget is a parsed gorm database URL. A zero sqlitePath means Postgres.
type databaseTarget struct {
	sqlitePath string
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg Config) (ledger.Store, func() error, error) {
	if cfg.StoreBackend == StoreBackendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}
	gormDB, closeDB, err := openGorm(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(ctx, gormDB); err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	return gormstore.New(gormDB), closeDB, nil
}

// openGorm opens Postgres for postgres URLs and SQLite for everything else.
func openGorm(ctx context.Context, databaseURL string) (*gorm.DB, func() error, error) {
	target, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, nil, err
	}
	dialector := postgres.Open(databaseURL)
	if target.isSQLite() {
		if err := target.prepareSQLiteDir(); err != nil {
			return nil, nil, fmt.Errorf("sqlite directory: %w", err)
		}
		dialector = sqlite.Open(target.sqlitePath)
	}
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, err
	}
	if target.isSQLite() {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return gormDB.WithContext(ctx), sqlDB.Close, nil
}

func isPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// parseDatabaseURL accepts postgres URLs, sqlite://<path> URLs and bare SQLite paths.
// sqlite://data/questnet.db is relative, sqlite:///var/lib/questnet.db absolute.
func parseDatabaseURL(databaseURL string) (databaseTarget, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if isPostgresURL(databaseURL) {
		return databaseTarget{}, nil
	}
	path := databaseURL
	if strings.HasPrefix(databaseURL, sqliteScheme) {
		parsed, err := url.Parse(databaseURL)
		if err != nil {
			return databaseTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Host + parsed.Path
	}
	if path == "" || path == "/" {
		path = defaultSQLiteFile
	}
	if path == sqliteInMemory {
		return databaseTarget{sqlitePath: path}, nil
	}
	return databaseTarget{sqlitePath: filepath.Clean(path)}, nil
}

func (target databaseTarget) isSQLite() bool {
	return target.sqlitePath != ""
}

func (target databaseTarget) prepareSQLiteDir() error {
	if target.sqlitePath == sqliteInMemory {
		return nil
	}
	return os.MkdirAll(filepath.Dir(target.sqlitePath), 0o755)
}
