// Package store persists PEPPOL documents, their status history, the activity
// log and a small key/value option table. Postgres is the production database;
// tests run against in-memory sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rezonia/peppol-connector/internal/model"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Option is a persisted setting the connector writes back itself
type Option struct {
	Name      string    `gorm:"primaryKey;size:191" json:"name"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Option) TableName() string {
	return "peppol_options"
}

// Open connects to the database. sqlite connections are limited to a single
// connection so in-memory databases are shared by every caller.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		if dsn == "" {
			return nil, model.NewConfigurationError("database", "dsn", "database DSN is required")
		}
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
		cfg.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	default:
		return nil, model.NewConfigurationError("database", "driver", fmt.Sprintf("unsupported driver %q", driver))
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store is the document store
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open database
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the connector tables
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&model.PeppolDocument{},
		&model.StatusHistory{},
		&model.ActivityLogEntry{},
		&Option{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for collaborators sharing the database
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetOption returns a persisted option
func (s *Store) GetOption(ctx context.Context, key string) (string, bool, error) {
	var opt Option
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&opt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get option %s: %w", key, err)
	}
	return opt.Value, true, nil
}

// SetOption creates or replaces an option
func (s *Store) SetOption(ctx context.Context, key, value string) error {
	opt := Option{Name: key, Value: value, UpdatedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&opt).Error
	if err != nil {
		return fmt.Errorf("set option %s: %w", key, err)
	}
	return nil
}

// DeleteOption removes an option
func (s *Store) DeleteOption(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("name = ?", key).Delete(&Option{}).Error
}
