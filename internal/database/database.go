package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/otcheredev/dicom-gateway/internal/models"
)

// DB is the global database instance
var DB *gorm.DB

// ErrNotConnected is returned by Ping before Connect succeeded.
var ErrNotConnected = errors.New("database not connected")

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string

	// The store listener, every task handler and the HTTP layer share one
	// pool. Zero values select the defaults below.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// zerologWriter feeds gorm's log lines into the global zerolog logger.
type zerologWriter struct {
	level zerolog.Level
}

func (w zerologWriter) Printf(format string, args ...any) {
	log.WithLevel(w.level).Str("component", "gorm").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func newLogger(level string) gormlogger.Interface {
	lvl, zl := gormlogger.Warn, zerolog.WarnLevel
	switch level {
	case "silent":
		lvl = gormlogger.Silent
	case "error":
		lvl, zl = gormlogger.Error, zerolog.ErrorLevel
	case "info":
		lvl, zl = gormlogger.Info, zerolog.DebugLevel
	}
	return gormlogger.New(zerologWriter{level: zl}, gormlogger.Config{
		SlowThreshold: 500 * time.Millisecond,
		LogLevel:      lvl,

		// Registry misses are answered with ErrDeviceNotFound, not logged.
		IgnoreRecordNotFoundError: true,
	})
}

// Connect opens the registry database and migrates the schema.
func Connect(cfg Config) error {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         newLogger(cfg.LogLevel),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := Migrate(db); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	DB = db

	log.Info().Str("host", cfg.Host).Str("database", cfg.DBName).Msg("Database connected and migrated")
	return nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Migrate creates or updates the registry, instance and audit tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Device{},
		&models.BasicFilter{},
		&models.AdvancedFilter{},
		&models.ExclusionRule{},
		&models.Patient{},
		&models.Study{},
		&models.Series{},
		&models.Instance{},
		&models.AuditLog{},
	)
}

// Ping checks the connection.
func Ping() error {
	if DB == nil {
		return ErrNotConnected
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
