package db

import (
	"database/sql"
	"fmt"
	stlog "log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Options configures Open.
type Options struct {
	// DSN is a sqlite file path (optionally with query params) or a
	// postgres:// / postgresql:// URL.
	DSN string
	// MaxConns caps open connections for postgres. SQLite always uses one.
	MaxConns int
}

// Open connects to the configured database, bridges GORM logging to zerolog
// and applies all pending migrations.
func Open(opts Options) (*gorm.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	cfg := &gorm.Config{
		Logger:  newGormLogger(),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		gdb *gorm.DB
		err error
	)
	if isPostgres(opts.DSN) {
		gdb, err = gorm.Open(postgres.Open(opts.DSN), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("get postgres handle: %w", err)
		}
		maxConns := opts.MaxConns
		if maxConns <= 0 {
			maxConns = 10
		}
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		gdb, err = openSQLite(opts.DSN, cfg)
		if err != nil {
			return nil, err
		}
	}

	if err := Migrate(gdb); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info().Str("dialect", gdb.Dialector.Name()).Msg("Database connection established")
	return gdb, nil
}

// openSQLite opens the file through the pure-Go modernc driver and hands the
// connection to GORM.
func openSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	gdb, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, cfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// newGormLogger writes GORM's log lines through the global zerolog logger at
// a level derived from zerolog's.
func newGormLogger() gormlogger.Interface {
	var level gormlogger.LogLevel
	switch log.Logger.GetLevel() {
	case zerolog.Disabled:
		level = gormlogger.Silent
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		level = gormlogger.Error
	case zerolog.WarnLevel, zerolog.InfoLevel:
		level = gormlogger.Warn
	default:
		level = gormlogger.Info
	}

	return gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
