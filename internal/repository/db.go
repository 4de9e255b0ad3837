package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"seedr-bot/internal/model"
)

// NewDB opens the database named by dsn and runs migrations.
// Postgres-style DSNs (including CockroachDB) use the postgres driver, anything else is a SQLite path.
func NewDB(dsn string, log *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "seedr_bot.db"
	}

	dbLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	pg, ok := postgresDSN(dsn)
	if ok {
		dialector = postgres.Open(pg)
	} else {
		if path, onDisk := sqliteFile(dsn); onDisk {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: dbLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if !ok {
		// SQLite allows a single writer; one pooled connection makes concurrent inserts queue instead of failing.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates the tables if they do not exist yet.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.User{}, &model.AccessToken{}); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// postgresDSN reports whether dsn targets a postgres-compatible server.
// cockroachdb:// is rewritten since pgx only knows the postgres schemes.
func postgresDSN(dsn string) (string, bool) {
	switch {
	case strings.HasPrefix(dsn, "cockroachdb://"):
		return "postgresql://" + strings.TrimPrefix(dsn, "cockroachdb://"), true
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return dsn, true
	default:
		return "", false
	}
}

// sqliteFile returns the file path behind a SQLite DSN such as
// "data/bot.db" or "file:data/bot.db?_busy_timeout=5000". In-memory
// databases report false.
func sqliteFile(dsn string) (string, bool) {
	path, query, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" || strings.Contains(query, "mode=memory") {
		return "", false
	}
	return path, true
}
