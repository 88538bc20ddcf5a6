// Package dbsource reads topics and messages from the conversation database.
// The pipeline treats that schema as somebody else's: read-only, minimal
// column set.
package dbsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recallhq/user-memory-service/internal/config"
	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registryextract "github.com/recallhq/user-memory-service/internal/registry/extract"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registryconvo.Register(registryconvo.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context) (registryconvo.ConversationSource, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("db conversation source: db url is required")
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	var err error
	if cfg.DatastoreType == "sqlite" {
		db, err = gorm.Open(sqlite.Open(cfg.DBURL), gormCfg)
	} else {
		db, err = gorm.Open(postgres.Open(cfg.DBURL), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("db conversation source: connect: %w", err)
	}
	return &Source{db: db}, nil
}

// topicRow mirrors the conversation system's topics table.
type topicRow struct {
	TopicID string `gorm:"primaryKey;column:topic_id"`
	UserID  string `gorm:"column:user_id"`
	Title   string `gorm:"column:title"`
	AgentID *string `gorm:"column:agent_id"`
}

func (topicRow) TableName() string { return "topics" }

// messageRow mirrors the conversation system's messages table.
type messageRow struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	TopicID   string    `gorm:"column:topic_id"`
	Role      string    `gorm:"column:role"`
	Content   string    `gorm:"column:content"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (messageRow) TableName() string { return "topic_messages" }

type Source struct {
	db *gorm.DB
}

func (s *Source) Topic(ctx context.Context, topicID string) (*registryconvo.TopicInfo, error) {
	var row topicRow
	err := s.db.WithContext(ctx).Where("topic_id = ?", topicID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "topic", ID: topicID}
	}
	if err != nil {
		return nil, err
	}
	return &registryconvo.TopicInfo{
		TopicID: row.TopicID,
		UserID:  row.UserID,
		Title:   row.Title,
		AgentID: row.AgentID,
	}, nil
}

func (s *Source) TopicsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&topicRow{}).
		Where("user_id = ?", userID).
		Order("topic_id").
		Pluck("topic_id", &ids).Error
	return ids, err
}

func (s *Source) Messages(ctx context.Context, topicID string, limit int) ([]registryextract.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Order("created_at, id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]registryextract.Message, len(rows))
	for i, r := range rows {
		out[i] = registryextract.Message{Role: r.Role, Content: r.Content, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

var _ registryconvo.ConversationSource = (*Source)(nil)
