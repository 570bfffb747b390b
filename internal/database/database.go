// Package database opens and migrates the annotation catalog.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pitchtag/annotator/internal/config"
	"github.com/pitchtag/annotator/internal/model"
)

// SchemaVersion is written to catalog_infos on first setup.
const SchemaVersion = 1

const memoryDSN = "file::memory:"

var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
}

// Manager holds one catalog connection.
type Manager struct {
	DB      *gorm.DB
	SqlDB   *sql.DB
	IsValid bool
	Logger  zerolog.Logger
}

// NewManager creates a new database manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{Logger: log}
}

func gormConfig(batch int) *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        batch,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
}

// Connect opens the database selected by cfg.Type and pings it.
func (m *Manager) Connect(cfg config.CatalogConfig) (err error) {
	m.IsValid = false
	defer func() {
		if err == nil {
			m.IsValid = true
			m.Logger.Info().Str("type", cfg.Type).Msg("Connected to catalog")
		}
	}()

	switch cfg.Type {
	case "postgres":
		err = m.openPostgres(cfg.DB)
	case "sqlite":
		err = m.openSqlite(cfg.SQLitePath)
	default:
		return fmt.Errorf("unknown catalog type: %q", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s catalog: %w", cfg.Type, err)
	}
	if err := m.SqlDB.Ping(); err != nil {
		return fmt.Errorf("catalog ping failed: %w", err)
	}
	return nil
}

func (m *Manager) adopt(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("no sql handle: %w", err)
	}
	m.DB, m.SqlDB = db, sqlDB
	return nil
}

func (m *Manager) openPostgres(cfg config.DBConfig) error {
	m.Logger.Debug().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Opening Postgres catalog")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), gormConfig(1000))
	if err != nil {
		return err
	}
	if err := m.adopt(db); err != nil {
		return err
	}
	m.SqlDB.SetMaxOpenConns(10)
	return nil
}

// openSqlite opens the file at path, or a private in-memory database when
// path is empty.
func (m *Manager) openSqlite(path string) error {
	dsn := path
	if dsn == "" {
		dsn = memoryDSN
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(500))
	if err != nil {
		return err
	}
	if err := m.adopt(db); err != nil {
		return err
	}

	if path == "" {
		// each pooled connection would see its own empty database
		m.SqlDB.SetMaxOpenConns(1)
		m.Logger.Info().Msg("Using in-memory SQLite catalog")
	} else {
		m.Logger.Info().Str("path", path).Msg("Using SQLite catalog file")
	}

	pragmas := append([]string{fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)}, sqlitePragmas...)
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Setup migrates tables and records the schema version if missing.
func (m *Manager) Setup() error {
	if m.DB == nil {
		return errors.New("catalog not connected")
	}

	if err := m.recordVersion(); err != nil {
		m.IsValid = false
		return err
	}
	if err := m.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	m.Logger.Info().Int("tables", len(model.DatabaseModels)).Msg("Catalog schema ready")
	return nil
}

func (m *Manager) recordVersion() error {
	if m.DB.Migrator().HasTable(&model.CatalogInfo{}) {
		return nil
	}
	if err := m.DB.AutoMigrate(&model.CatalogInfo{}); err != nil {
		return fmt.Errorf("failed to create catalog_infos table: %w", err)
	}
	info := model.CatalogInfo{SchemaVersion: SchemaVersion, Description: "soccer video annotation catalog"}
	if err := m.DB.Create(&info).Error; err != nil {
		return fmt.Errorf("failed to write catalog_infos row: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	return m.SqlDB.Close()
}

// DumpToDisk copies a SQLite catalog into a standalone file, replacing any
// existing file at path.
func (m *Manager) DumpToDisk(path string) error {
	if path == "" {
		return errors.New("dump path not set")
	}
	if m.DB == nil || m.DB.Dialector.Name() != "sqlite" {
		return errors.New("dump is only supported for sqlite catalogs")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old dump: %w", err)
	}

	start := time.Now()
	if err := m.DB.Exec("VACUUM INTO ?", path).Error; err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	m.Logger.Debug().Dur("took", time.Since(start)).Str("path", path).Msg("Dumped catalog")
	return nil
}
