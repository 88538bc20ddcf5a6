package sqlite

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	"github.com/recallhq/user-memory-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/recallhq/user-memory-service/internal/registry/migrate"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "sqlite",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

func load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("sqlite store: db url is required")
	}
	db, err := Open(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	return &gormstore.Store{DB: db, Cfg: cfg}, nil
}

// Open opens a sqlite database in the single-writer mode the job claim
// queries rely on.
func Open(dbURL string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", dbURL, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Serialize writes; sqlite has no row locks for the claim update.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }

func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := Open(cfg.DBURL)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).AutoMigrate(
		&model.MemoryRecord{},
		&model.ExtractionJob{},
		&model.BatchRun{},
	)
}
