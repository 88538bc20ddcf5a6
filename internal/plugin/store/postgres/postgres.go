package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"github.com/recallhq/user-memory-service/internal/config"
	"github.com/recallhq/user-memory-service/internal/model"
	"github.com/recallhq/user-memory-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/recallhq/user-memory-service/internal/registry/migrate"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed db/schema.sql
var schemaSQL string

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "postgres",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

func load(ctx context.Context) (registrystore.MemoryStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("postgres store: db url is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres store: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	return &PostgresStore{Store: gormstore.Store{DB: db, Cfg: cfg}, embedModel: cfg.EmbedType}, nil
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }

func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != "postgres" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore specializes the portable gorm implementation with pgvector
// similarity scans and SKIP LOCKED job claims.
type PostgresStore struct {
	gormstore.Store
	embedModel string
}

func (s *PostgresStore) InsertMemory(ctx context.Context, rec *model.MemoryRecord) error {
	if err := s.Store.InsertMemory(ctx, rec); err != nil {
		return err
	}
	return s.upsertEmbedding(ctx, rec)
}

func (s *PostgresStore) UpdateMemory(ctx context.Context, rec *model.MemoryRecord, expectedVersion int64) error {
	if err := s.Store.UpdateMemory(ctx, rec, expectedVersion); err != nil {
		return err
	}
	return s.upsertEmbedding(ctx, rec)
}

func (s *PostgresStore) upsertEmbedding(ctx context.Context, rec *model.MemoryRecord) error {
	if len(rec.Embedding) == 0 {
		return nil
	}
	vec := pgvec.NewVector(rec.Embedding)
	err := s.DB.WithContext(ctx).Exec(`
		INSERT INTO memory_embeddings (record_id, user_id, kind, embedding, model)
		VALUES (?, ?, ?, ?::vector, ?)
		ON CONFLICT (record_id)
		DO UPDATE SET embedding = EXCLUDED.embedding, model = EXCLUDED.model`,
		rec.ID, rec.UserID, rec.Kind, vec, s.embedModel,
	).Error
	if err != nil {
		return &registrystore.PersistenceError{Op: "upsertEmbedding", Err: err}
	}
	return nil
}

func (s *PostgresStore) FindNearest(ctx context.Context, userID string, kind model.MemoryKind, embedding []float32, k int) ([]registrystore.NearestResult, error) {
	vec := pgvec.NewVector(embedding)
	rows, err := s.DB.WithContext(ctx).Raw(`
		SELECT e.record_id, 1 - (e.embedding <=> ?::vector) AS similarity
		FROM memory_embeddings e
		JOIN memory_records r ON r.id = e.record_id
		WHERE r.user_id = ? AND r.kind = ? AND r.superseded_by IS NULL
		ORDER BY e.embedding <=> ?::vector
		LIMIT ?`,
		vec, userID, kind, vec, k,
	).Rows()
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "FindNearest", Err: err}
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, k)
	similarity := map[uuid.UUID]float64{}
	for rows.Next() {
		var id uuid.UUID
		var sim float64
		if err := rows.Scan(&id, &sim); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		ids = append(ids, id)
		similarity[id] = sim
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var recs []model.MemoryRecord
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, &registrystore.PersistenceError{Op: "FindNearest", Err: err}
	}
	byID := map[uuid.UUID]model.MemoryRecord{}
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	results := make([]registrystore.NearestResult, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		results = append(results, registrystore.NearestResult{Record: rec, Similarity: similarity[id]})
	}
	return results, nil
}

func (s *PostgresStore) ClaimDueJobs(ctx context.Context, limit int) ([]model.ExtractionJob, error) {
	lease := 5 * time.Minute
	if s.Cfg != nil && s.Cfg.JobLease > 0 {
		lease = s.Cfg.JobLease
	}
	var claimed []model.ExtractionJob
	err := s.DB.WithContext(ctx).Raw(`
		UPDATE extraction_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM extraction_jobs
			WHERE (status = 'pending' AND retry_at <= now())
			   OR (status = 'running' AND updated_at <= now() - make_interval(secs => ?))
			ORDER BY retry_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		lease.Seconds(), limit,
	).Scan(&claimed).Error
	if err != nil {
		return nil, &registrystore.PersistenceError{Op: "ClaimDueJobs", Err: err}
	}
	return claimed, nil
}

var _ registrystore.MemoryStore = (*PostgresStore)(nil)
