// Package sql persists durable handles through GORM on SQLite or
// PostgreSQL.
package sql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/marmos91/dittolease/pkg/durable"
)

// DatabaseType selects the SQL backend.
type DatabaseType string

const (
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database.
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	SSLMode      string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains database configuration.
type Config struct {
	Type     DatabaseType   `mapstructure:"type" yaml:"type"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}

	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "dittolease", "durable.db")
	}

	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 10
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 2
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// handleRow is the table model. Unsigned ids are stored bit-cast to int64
// since PostgreSQL has no unsigned 64-bit column type.
type handleRow struct {
	ID           string `gorm:"primaryKey;size:33"`
	SessionID    int64  `gorm:"not null;index"`
	FileID       int64  `gorm:"not null"`
	PersistentID int64
	FileKey      string `gorm:"not null;index"`
	ClientGUID   string `gorm:"size:32;not null;index"`
	IsLease      bool
	LeaseKey     string `gorm:"size:32"`
	LeaseState   uint32
	OplockLevel  uint8
	CreatedAt    time.Time
}

func (handleRow) TableName() string { return "durable_handles" }

func toRow(h *durable.Handle) *handleRow {
	r := &handleRow{
		ID:           h.Key().String(),
		SessionID:    int64(h.SessionID),
		FileID:       int64(h.FileID),
		PersistentID: int64(h.PersistentID),
		FileKey:      h.FileKey,
		ClientGUID:   durable.GUIDString(h.ClientGUID),
		IsLease:      h.IsLease,
		LeaseState:   h.LeaseState,
		OplockLevel:  h.OplockLevel,
		CreatedAt:    h.CreatedAt,
	}
	if h.IsLease {
		r.LeaseKey = durable.GUIDString(h.LeaseKey)
	}
	return r
}

func (r *handleRow) toHandle() (*durable.Handle, error) {
	h := &durable.Handle{
		SessionID:    uint64(r.SessionID),
		FileID:       uint64(r.FileID),
		PersistentID: uint64(r.PersistentID),
		FileKey:      r.FileKey,
		IsLease:      r.IsLease,
		LeaseState:   r.LeaseState,
		OplockLevel:  r.OplockLevel,
		CreatedAt:    r.CreatedAt,
	}
	var err error
	if h.ClientGUID, err = durable.ParseGUID(r.ClientGUID); err != nil {
		return nil, fmt.Errorf("row %s: %w", r.ID, err)
	}
	if r.LeaseKey != "" {
		if h.LeaseKey, err = durable.ParseGUID(r.LeaseKey); err != nil {
			return nil, fmt.Errorf("row %s: %w", r.ID, err)
		}
	}
	return h, nil
}

// Store is a GORM-backed durable.Store.
type Store struct {
	db     *gorm.DB
	config *Config
}

var _ durable.Store = (*Store)(nil)

// New opens the database and migrates the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		dsn := config.SQLite.Path
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	switch config.Type {
	case DatabaseTypePostgres:
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	case DatabaseTypeSQLite:
		// Every pooled connection to ":memory:" would see its own database.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&handleRow{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &Store{db: db, config: config}, nil
}

// Put upserts h.
func (s *Store) Put(ctx context.Context, h *durable.Handle) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(toRow(h)).Error
	if err != nil {
		return fmt.Errorf("failed to store durable handle: %w", err)
	}
	return nil
}

// Get loads the handle for key.
func (s *Store) Get(ctx context.Context, key durable.Key) (*durable.Handle, error) {
	var row handleRow
	err := s.db.WithContext(ctx).Where("id = ?", key.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toHandle()
}

// Delete removes the handle for key.
func (s *Store) Delete(ctx context.Context, key durable.Key) error {
	return s.db.WithContext(ctx).Where("id = ?", key.String()).Delete(&handleRow{}).Error
}

// List returns every handle ordered by key.
func (s *Store) List(ctx context.Context) ([]*durable.Handle, error) {
	var rows []handleRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*durable.Handle, 0, len(rows))
	for i := range rows {
		h, err := rows[i].toHandle()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// DeleteByClient removes every handle owned by guid and returns how many
// were removed.
func (s *Store) DeleteByClient(ctx context.Context, guid [16]byte) (int64, error) {
	res := s.db.WithContext(ctx).Where("client_guid = ?", durable.GUIDString(guid)).Delete(&handleRow{})
	return res.RowsAffected, res.Error
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
